// Package controller 托管代理内核进程。
//
// 状态机只有两个状态：
//
//	Stopped --Run--> Running --Stop--> Stopped
//
// 内核自行退出时也会回到 Stopped。ReloadConfig、RestartCore、ChangeConfig 不改变状态。
package controller

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tomoon_nexus/internal/core/synth"
	"tomoon_nexus/internal/shared/apperr"
	"tomoon_nexus/internal/shared/logger"
	"tomoon_nexus/internal/shared/settings"
	"tomoon_nexus/internal/shared/types"
)

// RunningConfigName 是合成后的配置文件名，位于数据目录下。
const RunningConfigName = "running_config.yaml"

// ErrNotRunning 由 Stop 在内核未运行时返回，调用方通常可以忽略。
var ErrNotRunning = apperr.New(apperr.Inner, "core is not running")

// Options 配置 Controller。
type Options struct {
	Binary         string // 内核可执行文件
	CoreDir        string // 传给内核的 -d
	DataDir        string // running_config.yaml 所在目录
	UIDir          string // 面板资源目录，写入 external-ui
	LogFile        string // 内核 stdout/stderr
	ControllerPort int
	ControllerURL  string // 为空时使用 http://127.0.0.1:<ControllerPort>
	APITimeout     time.Duration
	StrictAPI      bool
	StopGrace      time.Duration
	Resetter       NetworkResetter
}

// Controller 管理一个内核子进程。
type Controller struct {
	opts Options
	api  *APIClient
	l    zerolog.Logger

	// opMu 串行化 Run/Stop，mu 只保护下面的字段
	opMu sync.Mutex

	mu       sync.Mutex
	profile  string
	cmd      *exec.Cmd
	exited   chan struct{}
	lastExit error
}

func New(opts Options) *Controller {
	if opts.ControllerPort <= 0 {
		opts.ControllerPort = 9090
	}
	if opts.ControllerURL == "" {
		opts.ControllerURL = "http://127.0.0.1:" + strconv.Itoa(opts.ControllerPort)
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = 3 * time.Second
	}
	if opts.Resetter == nil {
		opts.Resetter = &CommandResetter{}
	}
	return &Controller{
		opts: opts,
		api:  NewAPIClient(opts.ControllerURL, opts.APITimeout, opts.StrictAPI),
		l:    logger.WithComponent("Controller"),
	}
}

// API 返回控制接口客户端。
func (c *Controller) API() *APIClient { return c.api }

// RunningConfigPath 返回合成配置的路径。
func (c *Controller) RunningConfigPath() string {
	return filepath.Join(c.opts.DataDir, RunningConfigName)
}

// SetProfile 设置作为合成基础的订阅文件。
func (c *Controller) SetProfile(path string) {
	c.mu.Lock()
	c.profile = path
	c.mu.Unlock()
}

func (c *Controller) Profile() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.profile
}

func (c *Controller) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cmd != nil
}

func (c *Controller) State() types.CoreState {
	if c.IsRunning() {
		return types.CoreRunning
	}
	return types.CoreStopped
}

// LastExit 返回内核上一次意外退出的原因。
func (c *Controller) LastExit() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastExit
}

// Run 合成配置并启动内核。失败时状态不变。
func (c *Controller) Run(profile string, s settings.Settings) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.IsRunning() {
		return apperr.New(apperr.Inner, "core is already running")
	}
	if profile == "" {
		return apperr.New(apperr.NotFound, "no subscription selected")
	}
	c.SetProfile(profile)

	if err := os.MkdirAll(c.opts.DataDir, 0755); err != nil {
		return apperr.Wrap(apperr.IO, err, "create data dir")
	}
	if err := c.synthesize(profile, s); err != nil {
		return err
	}

	logFile, err := openCoreLog(c.opts.LogFile)
	if err != nil {
		return err
	}

	cmd := exec.Command(c.opts.Binary, "-d", c.opts.CoreDir, "-f", c.RunningConfigPath())
	cmd.Dir = c.opts.CoreDir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return apperr.Wrap(apperr.Inner, err, "start core %s", c.opts.Binary)
	}

	exited := make(chan struct{})
	c.mu.Lock()
	c.cmd = cmd
	c.exited = exited
	c.lastExit = nil
	c.mu.Unlock()

	go c.wait(cmd, logFile, exited)

	c.l.Info().
		Int("pid", cmd.Process.Pid).
		Str("binary", c.opts.Binary).
		Str("profile", profile).
		Str("config", c.RunningConfigPath()).
		Str("controller", c.api.BaseURL()).
		Msg("Core started.")
	return nil
}

func (c *Controller) wait(cmd *exec.Cmd, logFile *os.File, exited chan struct{}) {
	err := cmd.Wait()
	logFile.Close()

	c.mu.Lock()
	if c.cmd == cmd {
		// 不是 Stop 发起的退出
		c.cmd = nil
		c.lastExit = err
		if err == nil {
			c.lastExit = errors.New("core exited")
		}
		c.l.Warn().Err(err).Int("pid", cmd.Process.Pid).Msg("Core exited unexpectedly.")
	}
	c.mu.Unlock()
	close(exited)
}

// Stop 终止内核并恢复系统网络。未运行时返回 ErrNotRunning。
func (c *Controller) Stop() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	cmd, exited := c.cmd, c.exited
	c.cmd = nil
	c.mu.Unlock()

	if cmd == nil {
		return ErrNotRunning
	}

	terminate(cmd.Process, exited, c.opts.StopGrace)
	<-exited
	c.l.Info().Int("pid", cmd.Process.Pid).Msg("Core stopped.")

	if err := c.opts.Resetter.Reset(context.Background()); err != nil {
		c.l.Error().Err(err).Msg("Failed to reset system network.")
		return err
	}
	return nil
}

// ChangeConfig 用当前订阅和 s 重新合成配置，不通知内核。
func (c *Controller) ChangeConfig(s settings.Settings) error {
	profile := c.Profile()
	if profile == "" {
		return apperr.New(apperr.NotFound, "no subscription selected")
	}
	return c.synthesize(profile, s)
}

// ReloadConfig 重新合成配置并通知内核热加载。
func (c *Controller) ReloadConfig(ctx context.Context, s settings.Settings) error {
	if err := c.ChangeConfig(s); err != nil {
		return err
	}
	return c.api.ReloadConfig(ctx, c.RunningConfigPath(), c.secretOrEmpty())
}

// RestartCore 通过控制接口让内核重启。
func (c *Controller) RestartCore(ctx context.Context) error {
	return c.api.Restart(ctx, c.secretOrEmpty())
}

// RunningSecret 返回合成配置中的 secret。
func (c *Controller) RunningSecret() (string, error) {
	return synth.ReadSecret(c.RunningConfigPath())
}

func (c *Controller) secretOrEmpty() string {
	secret, err := c.RunningSecret()
	if err != nil {
		c.l.Debug().Err(err).Msg("Running secret unavailable.")
		return ""
	}
	return secret
}

func (c *Controller) synthesize(profile string, s settings.Settings) error {
	opt := synth.OptionsFromSettings(s, c.opts.UIDir, c.opts.ControllerPort)
	return synth.SynthesizeFile(profile, c.RunningConfigPath(), opt)
}

func openCoreLog(path string) (*os.File, error) {
	if path == "" {
		path = os.DevNull
	} else if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, apperr.Wrap(apperr.IO, err, "create core log dir")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, apperr.Wrap(apperr.IO, err, "open core log %s", path)
	}
	return f, nil
}
