package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"tomoon_nexus/internal/shared/apperr"
	"tomoon_nexus/internal/shared/fsutil"
	"tomoon_nexus/internal/shared/logger"
	"tomoon_nexus/internal/shared/settings"
)

// DebugLogName 是调试包的文件名，位于数据目录下。
const DebugLogName = "tomoon.debug.log"

// ConfigView 返回设置快照，secret 优先取合成配置里的值。
// 与设置不一致时把新值延迟写回。
func (s *AppServer) ConfigView() settings.Settings {
	view := s.settingsManager.Get()
	secret, err := s.controller.RunningSecret()
	if err != nil || secret == "" || secret == view.Secret {
		return view
	}
	view.Secret = secret
	if err := s.settingsManager.UpdateDeferred(func(st *settings.Settings) { st.Secret = secret }); err != nil {
		logger.Warn().Err(err).Msg("[AppServer] Failed to record running secret")
	}
	return view
}

// ReloadCoreConfig 用当前设置重新合成并让内核热加载。
func (s *AppServer) ReloadCoreConfig(ctx context.Context) error {
	return s.controller.ReloadConfig(ctx, s.settingsManager.Get())
}

// RestartCore 通过控制接口重启内核。
func (s *AppServer) RestartCore(ctx context.Context) error {
	return s.controller.RestartCore(ctx)
}

// DownloadSubscription 在后台下载并登记订阅。
func (s *AppServer) DownloadSubscription(url string, subconv bool) error {
	if url == "" {
		return apperr.New(apperr.Content, "subscription link is empty")
	}
	return s.subs.Download(url, subconv)
}

// UpdateSubscriptions 在后台刷新全部订阅。
func (s *AppServer) UpdateSubscriptions() error {
	return s.subs.UpdateAllAsync()
}

func (s *AppServer) ListSubscriptions() []settings.Subscription {
	return s.subs.List()
}

// DeleteSubscription 删除订阅；若删除的是内核当前使用的订阅，清空内核的 profile。
func (s *AppServer) DeleteSubscription(index int) error {
	removed, err := s.subs.Delete(index)
	if err != nil && !apperr.Is(err, apperr.IO) {
		return err
	}
	if removed.Path != "" && s.controller.Profile() == removed.Path {
		s.controller.SetProfile("")
	}
	return err
}

// SelectSubscription 设置当前订阅，下一次启动或重载生效。
func (s *AppServer) SelectSubscription(path string) error {
	if err := s.subs.Select(path); err != nil {
		return err
	}
	s.controller.SetProfile(path)
	return nil
}

// WriteDebugReport 把状态、设置、程序日志与内核日志合并写入数据目录，返回文件路径。
func (s *AppServer) WriteDebugReport() (string, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "generated: %s\nversion: %s\n\n", time.Now().UTC().Format(time.RFC3339), Version)

	status, _ := json.MarshalIndent(s.CoreStatus(), "", "  ")
	section(&buf, "status", status)
	section(&buf, "ini", readOrNote(s.iniPath))
	section(&buf, "settings", readOrNote(s.settingsManager.Path()))
	section(&buf, "running config", readOrNote(s.controller.RunningConfigPath()))
	section(&buf, "app log", readOrNote(s.cfg.LogConf.File))
	section(&buf, "core log", readOrNote(s.cfg.CoreConf.LogFile))

	p := filepath.Join(s.cfg.DataDir, DebugLogName)
	if err := fsutil.WriteFileAtomic(p, buf.Bytes(), 0644); err != nil {
		return "", apperr.Wrap(apperr.IO, err, "write debug log")
	}
	logger.Info().Str("path", p).Msg("[AppServer] Debug log written.")
	return p, nil
}

func section(buf *bytes.Buffer, title string, body []byte) {
	fmt.Fprintf(buf, "===== %s =====\n", title)
	buf.Write(body)
	if len(body) == 0 || body[len(body)-1] != '\n' {
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
}

func readOrNote(path string) []byte {
	if path == "" {
		return []byte("(not configured)")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return []byte(fmt.Sprintf("(unavailable: %v)", err))
	}
	return data
}
