package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"tomoon_nexus/internal/shared/types"
)

// Init initializes the global zerolog logger.
// When cfg.File is set the output is also appended to that file so that the
// debug bundle can pick it up.
func Init(cfg types.LogConf) error {
	levelStr := strings.ToLower(cfg.Level)
	level, err := zerolog.ParseLevel(levelStr)
	if err != nil {
		fmt.Printf("Unknown log level '%s', defaulting to 'info' for zerolog\n", levelStr)
	}
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	// Force all timestamps to be in UTC.
	zerolog.TimestampFunc = func() time.Time {
		return time.Now().UTC()
	}

	consoleWriter := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "2006-01-02 15:04:05",
	}

	var out io.Writer = consoleWriter
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
			return fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		fileWriter := zerolog.ConsoleWriter{Out: f, NoColor: true, TimeFormat: "2006-01-02 15:04:05"}
		out = zerolog.MultiLevelWriter(consoleWriter, fileWriter)
	}

	log.Logger = zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Logger()

	Info().Str("file", cfg.File).Msgf("Main logger (zerolog) initialized with level: %s", level.String())

	return nil
}

// 这对于在日志中区分不同模块或组件的输出非常有用。
func WithComponent(name string) zerolog.Logger {
	return log.Logger.With().Str("component", name).Logger()
}

// Event is a wrapper for a zerolog event.
type Event struct {
	*zerolog.Event
}

// Debug starts a new message with debug level.
func Debug() *Event {
	return &Event{log.Debug()}
}

// Info starts a new message with info level.
func Info() *Event {
	return &Event{log.Info()}
}

// Warn starts a new message with warning level.
func Warn() *Event {
	return &Event{log.Warn()}
}

// Error starts a new message with error level.
func Error() *Event {
	return &Event{log.Error()}
}

// Fatal starts a new message with fatal level. The program will exit.
func Fatal() *Event {
	return &Event{log.Fatal()}
}

// Str adds a string field to the event.
func (e *Event) Str(key, value string) *Event {
	e.Event = e.Event.Str(key, value)
	return e
}

// Int adds an integer field to the event.
func (e *Event) Int(key string, value int) *Event {
	e.Event = e.Event.Int(key, value)
	return e
}

func (e *Event) Int64(key string, value int64) *Event {
	e.Event = e.Event.Int64(key, value)
	return e
}

func (e *Event) Dur(key string, d time.Duration) *Event {
	e.Event = e.Event.Dur(key, d)
	return e
}

func (e *Event) Bool(key string, value bool) *Event {
	e.Event = e.Event.Bool(key, value)
	return e
}

// Err adds an error field to the event.
func (e *Event) Err(err error) *Event {
	e.Event = e.Event.Err(err)
	return e
}

// Interface adds a field with any type to the event.
func (e *Event) Interface(key string, value interface{}) *Event {
	e.Event = e.Event.Interface(key, value)
	return e
}

// Msgf sends the event with a formatted message.
// This is a convenience method and is less performant than using structured fields.
func (e *Event) Msgf(format string, v ...interface{}) {
	e.Event.Msgf(format, v...)
}
