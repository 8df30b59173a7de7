// Package subscription 管理订阅：下载、校验、命名、保存并登记到设置中。
package subscription

import (
	"context"
	"errors"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"tomoon_nexus/internal/core/synth"
	"tomoon_nexus/internal/shared/apperr"
	"tomoon_nexus/internal/shared/fsutil"
	"tomoon_nexus/internal/shared/logger"
	"tomoon_nexus/internal/shared/settings"
	"tomoon_nexus/internal/shared/types"
)

// Options 配置 Manager。
type Options struct {
	Dir          string // 订阅文件目录
	Subconverter Subconverter
	Concurrency  int  // UpdateAll 的并发上限
	KeepOrphans  bool // 登记失败时保留已写入的文件
}

// Manager 协调 Fetcher 与 SettingsManager。
type Manager struct {
	store   *settings.SettingsManager
	fetcher *Fetcher
	opts    Options

	download *StatusTracker
	update   *StatusTracker

	notifierMu sync.RWMutex
	notifier   types.StatusBroadcaster

	l zerolog.Logger
}

func NewManager(store *settings.SettingsManager, fetcher *Fetcher, opts Options) *Manager {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	return &Manager{
		store:    store,
		fetcher:  fetcher,
		opts:     opts,
		download: NewStatusTracker(),
		update:   NewStatusTracker(),
		l:        logger.WithComponent("Subscription"),
	}
}

// SetNotifier 设置状态变化时的通知对象。
func (m *Manager) SetNotifier(n types.StatusBroadcaster) {
	m.notifierMu.Lock()
	m.notifier = n
	m.notifierMu.Unlock()
}

func (m *Manager) broadcast() {
	m.notifierMu.RLock()
	n := m.notifier
	m.notifierMu.RUnlock()
	if n != nil {
		n.BroadcastStatusUpdate()
	}
}

// Dir 返回订阅文件目录。
func (m *Manager) Dir() string {
	return m.opts.Dir
}

// FetchAndRegister 下载 rawURL，校验后保存为新文件并追加到订阅列表。
// subconv 为 true 时远程地址先经 subconverter 转换；本地来源忽略该标志。
func (m *Manager) FetchAndRegister(ctx context.Context, rawURL string, subconv bool) (settings.Subscription, error) {
	target := rawURL
	local := IsLocal(rawURL)
	if subconv {
		if local {
			m.l.Warn().Str("url", rawURL).Msg("Subconverter is ignored for local subscriptions.")
		} else {
			target = m.opts.Subconverter.Rewrite(rawURL)
		}
	}

	fetched, err := m.fetcher.Fetch(ctx, target)
	if err != nil {
		m.l.Error().Err(err).Str("url", rawURL).Msg("Failed to fetch subscription.")
		return settings.Subscription{}, err
	}
	if err := synth.ValidateProfile(fetched.Content); err != nil {
		m.l.Error().Err(err).Str("url", rawURL).Msg("Downloaded content is not a valid profile.")
		return settings.Subscription{}, err
	}

	name := chooseName(fetched.Name, urlFilename(rawURL))
	if err := os.MkdirAll(m.opts.Dir, 0755); err != nil {
		return settings.Subscription{}, apperr.Wrap(apperr.IO, err, "create subscription dir")
	}
	f, path, err := createUnique(m.opts.Dir, name)
	if err != nil {
		return settings.Subscription{}, err
	}
	_, werr := f.Write(fetched.Content)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(path)
		return settings.Subscription{}, apperr.Wrap(apperr.IO, werr, "write %s", path)
	}

	sub := settings.Subscription{Path: path, URL: rawURL}
	err = m.store.Update(func(s *settings.Settings) error {
		s.Subscriptions = append(s.Subscriptions, sub)
		return nil
	})
	// 落盘失败时内存里的订阅已经存在，文件需要保留
	if err != nil && !apperr.Is(err, apperr.IO) {
		m.dropOrphan(path)
		return settings.Subscription{}, err
	}
	if err != nil {
		m.l.Warn().Err(err).Str("path", path).Msg("Subscription registered but settings were not saved.")
		return sub, err
	}

	m.l.Info().Str("url", rawURL).Str("path", path).Bool("subconv", subconv).Msg("Subscription downloaded.")
	return sub, nil
}

func (m *Manager) dropOrphan(path string) {
	if m.opts.KeepOrphans {
		m.l.Warn().Str("path", path).Msg("Keeping unregistered subscription file.")
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.l.Warn().Err(err).Str("path", path).Msg("Failed to remove unregistered subscription file.")
	}
}

// Download 在后台执行 FetchAndRegister，进度通过 DownloadStatus 查询。
// 已有下载进行中时返回错误。
func (m *Manager) Download(rawURL string, subconv bool) error {
	if !m.download.Begin(types.StatusDownloading) {
		return apperr.New(apperr.Inner, "a download is already in progress")
	}
	m.broadcast()
	go func() {
		_, err := m.FetchAndRegister(context.Background(), rawURL, subconv)
		m.download.Finish(err)
		m.broadcast()
	}()
	return nil
}

func (m *Manager) DownloadStatus() types.TaskStatus { return m.download.Get() }

// DownloadError 返回最近一次下载失败的原因。
func (m *Manager) DownloadError() string { return m.download.LastError() }

// Report 汇总一次 UpdateAll。
type Report struct {
	Total   int      `json:"total"`
	Updated int      `json:"updated"`
	Failed  []string `json:"failed"`
}

// UpdateAll 重新下载每个订阅并原地覆盖文件。每项互相独立，失败只记录日志。
func (m *Manager) UpdateAll(ctx context.Context) Report {
	subs := m.store.Get().Subscriptions
	report := Report{Total: len(subs), Failed: []string{}}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(m.opts.Concurrency)
	for _, sub := range subs {
		sub := sub
		g.Go(func() error {
			err := m.refresh(ctx, sub)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				m.l.Error().Err(err).Str("url", sub.URL).Str("path", sub.Path).Msg("Failed to update subscription.")
				report.Failed = append(report.Failed, sub.Path)
				return nil
			}
			report.Updated++
			return nil
		})
	}
	g.Wait()

	m.l.Info().Int("total", report.Total).Int("updated", report.Updated).Int("failed", len(report.Failed)).Msg("Subscription update finished.")
	return report
}

func (m *Manager) refresh(ctx context.Context, sub settings.Subscription) error {
	fetched, err := m.fetcher.Fetch(ctx, sub.URL)
	if err != nil {
		return err
	}
	if err := synth.ValidateProfile(fetched.Content); err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(sub.Path, fetched.Content, 0644); err != nil {
		return apperr.Wrap(apperr.IO, err, "overwrite %s", sub.Path)
	}
	return nil
}

// UpdateAllAsync 在后台执行 UpdateAll。
func (m *Manager) UpdateAllAsync() error {
	if !m.update.Begin(types.StatusDownloading) {
		return apperr.New(apperr.Inner, "an update is already in progress")
	}
	m.broadcast()
	go func() {
		report := m.UpdateAll(context.Background())
		var err error
		if len(report.Failed) > 0 && report.Updated == 0 {
			err = apperr.New(apperr.Network, "all %d subscriptions failed to update", len(report.Failed))
		}
		m.update.Finish(err)
		m.broadcast()
	}()
	return nil
}

func (m *Manager) UpdateStatus() types.TaskStatus { return m.update.Get() }

// UpdateError 返回最近一次批量更新失败的原因。
func (m *Manager) UpdateError() string { return m.update.LastError() }

// Delete 删除下标为 index 的订阅及其文件；若它是当前订阅则清空 current_sub。
func (m *Manager) Delete(index int) (settings.Subscription, error) {
	var removed settings.Subscription
	err := m.store.Update(func(s *settings.Settings) error {
		if index < 0 || index >= len(s.Subscriptions) {
			return apperr.New(apperr.NotFound, "no subscription at index %d", index)
		}
		removed = s.Subscriptions[index]
		s.Subscriptions = append(s.Subscriptions[:index], s.Subscriptions[index+1:]...)
		if s.CurrentSub == removed.Path {
			s.CurrentSub = ""
		}
		return nil
	})
	if err != nil && !apperr.Is(err, apperr.IO) {
		return settings.Subscription{}, err
	}

	if rmErr := os.Remove(removed.Path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		m.l.Warn().Err(rmErr).Str("path", removed.Path).Msg("Failed to remove subscription file.")
	}
	m.l.Info().Int("index", index).Str("path", removed.Path).Msg("Subscription deleted.")
	return removed, err
}

// Select 把 path 设为当前订阅。path 必须是已登记的订阅。
func (m *Manager) Select(path string) error {
	return m.store.Update(func(s *settings.Settings) error {
		if s.SubscriptionIndex(path) < 0 {
			return apperr.New(apperr.NotFound, "unknown subscription %s", path)
		}
		s.CurrentSub = path
		return nil
	})
}

// List 返回订阅列表的快照。
func (m *Manager) List() []settings.Subscription {
	return m.store.Get().Subscriptions
}
