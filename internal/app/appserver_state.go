package app

import (
	"context"
	"errors"

	"tomoon_nexus/internal/core/controller"
	"tomoon_nexus/internal/shared/apperr"
	"tomoon_nexus/internal/shared/logger"
	"tomoon_nexus/internal/shared/settings"
	"tomoon_nexus/internal/shared/types"
)

// SetCoreEnabled 启动或停止内核，并维护 running status (Loading -> Success/Failed)。
// 启动时若没有选中订阅，则回退到第一个订阅。
func (s *AppServer) SetCoreEnabled(enabled bool) error {
	s.runningStatus.Set(types.StatusLoading, "")
	s.hub.BroadcastStatusUpdate()

	err := s.setCoreEnabled(enabled)
	if err != nil {
		logger.Error().Err(err).Bool("enable", enabled).Msg("[AppServer] Failed to change core state")
		s.runningStatus.Set(types.StatusFailed, err.Error())
	} else {
		s.runningStatus.Set(types.StatusSuccess, "")
	}
	s.hub.BroadcastStatusUpdate()
	return err
}

func (s *AppServer) setCoreEnabled(enabled bool) error {
	if !enabled {
		err := s.controller.Stop()
		if errors.Is(err, controller.ErrNotRunning) {
			logger.Warn().Msg("[AppServer] Disable requested but core is not running.")
			return nil
		}
		return err
	}

	current, err := s.ensureCurrentSub()
	if err != nil {
		return err
	}
	s.controller.SetProfile(current)
	return s.controller.Run(current, s.settingsManager.Get())
}

// ensureCurrentSub 返回当前订阅，未设置时选中第一个订阅并持久化。
func (s *AppServer) ensureCurrentSub() (string, error) {
	if current := s.settingsManager.Get().CurrentSub; current != "" {
		return current, nil
	}
	var current string
	err := s.settingsManager.Update(func(st *settings.Settings) error {
		if st.CurrentSub == "" {
			if len(st.Subscriptions) == 0 {
				return apperr.New(apperr.NotFound, "no subscription available")
			}
			st.CurrentSub = st.Subscriptions[0].Path
		}
		current = st.CurrentSub
		return nil
	})
	if err != nil && !apperr.Is(err, apperr.IO) {
		return "", err
	}
	if err != nil {
		logger.Warn().Err(err).Msg("[AppServer] Selected first subscription but settings were not saved.")
	}
	logger.Info().Str("current_sub", current).Msg("[AppServer] No subscription selected, falling back to the first one.")
	return current, nil
}

// CoreStatus 汇总内核、后台任务与最近一次健康检查的状态。
func (s *AppServer) CoreStatus() types.CoreStatus {
	s.healthMu.RLock()
	h := s.lastHealth
	s.healthMu.RUnlock()

	running := s.controller.IsRunning()
	return types.CoreStatus{
		State:          s.controller.State(),
		RunningStatus:  s.runningStatus.Get(),
		DownloadStatus: s.subs.DownloadStatus(),
		UpdateStatus:   s.subs.UpdateStatus(),
		DownloadError:  s.subs.DownloadError(),
		UpdateError:    s.subs.UpdateError(),
		Profile:        s.controller.Profile(),
		Healthy:        running && h.Up,
		Version:        h.Version,
		LatencyMs:      h.Latency.Milliseconds(),
	}
}

// RunningStatusDetail 返回最近一次启停失败的说明。
func (s *AppServer) RunningStatusDetail() string {
	return s.runningStatus.Detail()
}

// runHealthCheck 探测内核控制接口；内核意外退出时把 running status 置为 Failed。
func (s *AppServer) runHealthCheck() {
	if !s.controller.IsRunning() {
		if exitErr := s.controller.LastExit(); exitErr != nil && s.runningStatus.Get() == types.StatusSuccess {
			logger.Warn().Err(exitErr).Msg("[HealthChecker] Core is no longer running.")
			s.runningStatus.Set(types.StatusFailed, exitErr.Error())
			s.hub.BroadcastStatusUpdate()
		}
		return
	}

	secret := ""
	if v, err := s.controller.RunningSecret(); err == nil {
		secret = v
	}
	res := s.healthChecker.Check(context.Background(), secret)

	s.healthMu.Lock()
	changed := s.lastHealth.Up != res.Up
	s.lastHealth = res
	s.healthMu.Unlock()

	logger.Debug().Bool("up", res.Up).Bool("state_changed", changed).Msg("[HealthChecker] Cycle complete.")
	if changed {
		s.hub.BroadcastStatusUpdate()
	}
}
