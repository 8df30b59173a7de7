package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tomoon_nexus/internal/shared/apperr"
	"tomoon_nexus/internal/shared/fsutil"
	"tomoon_nexus/internal/shared/logger"
)

// SettingsManager 持有内存中的 Settings 并负责 tomoon.json 的读写。
// 所有写操作都是 "修改 + 落盘" 在同一把写锁内完成，读操作返回深拷贝。
type SettingsManager struct {
	filePath string

	mu       sync.RWMutex
	settings Settings
	dirty    bool // UpdateDeferred 之后、落盘之前为 true

	subMu       sync.RWMutex
	subscribers []ConfigurableModule

	// notifyMu 在释放 mu 之前获取，保证订阅者按提交顺序收到通知
	notifyMu sync.Mutex
}

// Open 从 filePath 加载配置。文件不存在时写入默认配置，构造完成后文件一定存在。
func Open(filePath string) (*SettingsManager, error) {
	sm := &SettingsManager{filePath: filePath}
	if err := sm.load(); err != nil {
		return nil, err
	}
	return sm, nil
}

// NewInMemory 创建一个不落盘的管理器。
func NewInMemory(initial Settings) *SettingsManager {
	initial.normalize()
	return &SettingsManager{settings: initial.Clone()}
}

// Path 返回配置文件路径，内存模式下为空。
func (sm *SettingsManager) Path() string {
	return sm.filePath
}

func (sm *SettingsManager) load() error {
	l := logger.WithComponent("Settings")
	data, err := os.ReadFile(sm.filePath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return apperr.Wrap(apperr.IO, err, "read settings %s", sm.filePath)
		}
		l.Warn().Str("path", sm.filePath).Msg("Settings file not found, creating with default values.")
		sm.settings = Default()
		if err := os.MkdirAll(filepath.Dir(sm.filePath), 0755); err != nil {
			return apperr.Wrap(apperr.IO, err, "create settings dir")
		}
		return sm.persist(sm.settings)
	}

	// 先铺默认值再解码，旧文件中缺失的字段自然取默认
	s := Default()
	if err := json.Unmarshal(data, &s); err != nil {
		return apperr.Wrap(apperr.ConfigFormat, err, "parse settings %s", sm.filePath)
	}
	s.normalize()
	sm.settings = s
	l.Info().Str("path", sm.filePath).Int("subscriptions", len(s.Subscriptions)).Msg("Settings loaded.")
	return nil
}

// Get 返回当前配置的快照。
func (sm *SettingsManager) Get() Settings {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.settings.Clone()
}

// Update 在写锁内对配置执行 mutator 并立即落盘。
// mutator 返回错误时配置不变；落盘失败时内存中的修改保留，并返回 IO 错误。
func (sm *SettingsManager) Update(mutator func(*Settings) error) error {
	sm.mu.Lock()
	next, err := sm.mutateLocked(mutator)
	if err != nil {
		sm.mu.Unlock()
		return err
	}
	sm.settings = next
	sm.dirty = false
	persistErr := sm.persist(next)
	if persistErr != nil {
		// 下一次 flush 会重试
		sm.dirty = true
	}
	sm.notifyMu.Lock()
	sm.mu.Unlock()

	sm.notify(next.Clone())
	sm.notifyMu.Unlock()
	return persistErr
}

// Apply 把补丁写入配置并持久化，返回提交后的快照。
func (sm *SettingsManager) Apply(p Patch) (Settings, error) {
	var committed Settings
	err := sm.Update(func(s *Settings) error {
		if err := p.applyTo(s); err != nil {
			return apperr.Wrap(apperr.Content, err, "invalid settings")
		}
		committed = s.Clone()
		return nil
	})
	if err != nil && apperr.KindOf(err) != apperr.IO {
		return Settings{}, err
	}
	return committed, err
}

// UpdateDeferred 只修改内存并标记 dirty，由 FlushLoop 或 Flush 负责落盘。
func (sm *SettingsManager) UpdateDeferred(mutator func(*Settings)) error {
	sm.mu.Lock()
	next, err := sm.mutateLocked(func(s *Settings) error {
		mutator(s)
		return nil
	})
	if err != nil {
		sm.mu.Unlock()
		return err
	}
	sm.settings = next
	sm.dirty = true
	sm.mu.Unlock()
	return nil
}

// Dirty 报告是否有尚未落盘的修改。
func (sm *SettingsManager) Dirty() bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.dirty
}

// Flush 在有未落盘修改时写入文件。dirty 的检查和清除在同一把锁内完成。
func (sm *SettingsManager) Flush() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if !sm.dirty {
		return nil
	}
	if err := sm.persist(sm.settings); err != nil {
		return err
	}
	sm.dirty = false
	return nil
}

// FlushLoop 每隔 interval 检查一次 dirty，ctx 结束时做最后一次 flush。
func (sm *SettingsManager) FlushLoop(ctx context.Context, interval time.Duration) {
	l := logger.WithComponent("Settings")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := sm.Flush(); err != nil {
				l.Error().Err(err).Msg("Deferred settings flush failed.")
			}
		case <-ctx.Done():
			if err := sm.Flush(); err != nil {
				l.Error().Err(err).Msg("Final settings flush failed.")
			}
			return
		}
	}
}

// Register 订阅配置变更。通知在 Update 返回前同步送达，
// OnSettingsUpdate 不能阻塞，也不能再调用 Update。
func (sm *SettingsManager) Register(module ConfigurableModule) {
	sm.subMu.Lock()
	defer sm.subMu.Unlock()
	sm.subscribers = append(sm.subscribers, module)
}

// mutateLocked 在副本上执行 mutator，调用方必须持有写锁。
// mutator 内的 panic 被转换为 Inner 错误，原配置不受影响。
func (sm *SettingsManager) mutateLocked(mutator func(*Settings) error) (next Settings, err error) {
	next = sm.settings.Clone()
	defer func() {
		if r := recover(); r != nil {
			err = apperr.New(apperr.Inner, "settings mutator panicked: %v", r)
		}
	}()
	if err = mutator(&next); err != nil {
		return Settings{}, err
	}
	next.normalize()
	return next, nil
}

// persist 序列化整个配置并原子写入。内存模式下什么都不做。
func (sm *SettingsManager) persist(s Settings) error {
	if sm.filePath == "" {
		return nil
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return apperr.Wrap(apperr.Inner, err, "marshal settings")
	}
	if err := fsutil.WriteFileAtomic(sm.filePath, data, 0644); err != nil {
		return apperr.Wrap(apperr.IO, err, "save settings")
	}
	return nil
}

func (sm *SettingsManager) notify(s Settings) {
	sm.subMu.RLock()
	subscribers := make([]ConfigurableModule, len(sm.subscribers))
	copy(subscribers, sm.subscribers)
	sm.subMu.RUnlock()

	for _, sub := range subscribers {
		if err := sub.OnSettingsUpdate(s); err != nil {
			logger.Error().Err(err).Str("subscriber", fmt.Sprintf("%T", sub)).Msg("Error notifying subscriber.")
		}
	}
}
