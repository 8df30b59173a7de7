package app

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"tomoon_nexus/internal/core/controller"
	"tomoon_nexus/internal/core/health"
	"tomoon_nexus/internal/core/subscription"
	"tomoon_nexus/internal/service/web"
	"tomoon_nexus/internal/shared/config"
	"tomoon_nexus/internal/shared/globalstate"
	"tomoon_nexus/internal/shared/logger"
	"tomoon_nexus/internal/shared/settings"
	"tomoon_nexus/internal/shared/types"
)

// Version 由构建时 -ldflags 注入。
var Version = "dev"

// SettingsFileName 是数据目录下的设置文件名。
const SettingsFileName = "tomoon.json"

// AppServer is the application's main struct.
type AppServer struct {
	cfg     *types.Config
	iniPath string

	settingsManager *settings.SettingsManager
	controller      *controller.Controller
	subs            *subscription.Manager
	healthChecker   *health.Checker
	runningStatus   *globalstate.StatusManager

	healthMu   sync.RWMutex
	lastHealth health.Result

	hub       *web.Hub
	serversMu sync.Mutex
	servers   []*http.Server

	ctx    context.Context
	cancel context.CancelFunc

	waitGroup sync.WaitGroup
	stopOnce  sync.Once
}

// NewForPC creates a new AppServer instance from the ini configuration.
func NewForPC(cfg *types.Config, iniPath string) (*AppServer, error) {
	config.ApplyDefaults(cfg)

	sm, err := settings.Open(filepath.Join(cfg.DataDir, SettingsFileName))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize settings manager: %w", err)
	}

	binary := cfg.Binary
	if !filepath.IsAbs(binary) {
		binary = filepath.Join(cfg.CoreDir, binary)
	}
	if abs, err := filepath.Abs(binary); err == nil {
		binary = abs
	}

	ctrl := controller.New(controller.Options{
		Binary:         binary,
		CoreDir:        cfg.CoreDir,
		DataDir:        cfg.DataDir,
		UIDir:          filepath.Join(cfg.CoreDir, "web"),
		LogFile:        cfg.CoreConf.LogFile,
		ControllerPort: cfg.ControllerPort,
		APITimeout:     time.Duration(cfg.APITimeoutSec) * time.Second,
		StrictAPI:      cfg.StrictControlAPI,
		Resetter:       controller.NewCommandResetter(cfg.ResetNetworkCmd),
	})

	fetcher, err := subscription.NewFetcher(subscription.FetcherOptions{
		UserAgent:  userAgent(cfg),
		Timeout:    time.Duration(cfg.TimeoutSec) * time.Second,
		SocksProxy: cfg.DownloadProxy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build subscription fetcher: %w", err)
	}
	subs := subscription.NewManager(sm, fetcher, subscription.Options{
		Dir: filepath.Join(cfg.DataDir, "subs"),
		Subconverter: subscription.Subconverter{
			Endpoint:  cfg.SubconvEndpoint,
			ConfigURL: cfg.SubconvConfig,
		},
		Concurrency: cfg.UpdateConcurrency,
		KeepOrphans: cfg.KeepOrphans,
	})

	ctx, cancel := context.WithCancel(context.Background())
	s := &AppServer{
		cfg:             cfg,
		iniPath:         iniPath,
		settingsManager: sm,
		controller:      ctrl,
		subs:            subs,
		healthChecker:   health.New(ctrl.API(), time.Duration(cfg.APITimeoutSec)*time.Second),
		runningStatus:   globalstate.NewStatusManager(),
		hub:             web.NewHub(),
		ctx:             ctx,
		cancel:          cancel,
	}

	subs.SetNotifier(s.hub)
	sm.Register(s.hub)

	if current := sm.Get().CurrentSub; current != "" {
		ctrl.SetProfile(current)
	}
	return s, nil
}

func userAgent(cfg *types.Config) string {
	if cfg.UserAgent != "" {
		return cfg.UserAgent
	}
	return fmt.Sprintf(config.DefaultUserAgentTmpl, Version)
}

// Run is the server's entry point. It blocks until Stop is called.
func (s *AppServer) Run() {
	logger.Info().Str("version", Version).Str("data_dir", s.cfg.DataDir).Msg("Starting control plane...")

	go s.hub.Run()

	s.waitGroup.Add(1)
	go func() {
		defer s.waitGroup.Done()
		s.settingsManager.FlushLoop(s.ctx, time.Duration(s.cfg.FlushIntervalSec)*time.Second)
	}()

	s.waitGroup.Add(1)
	go s.healthCheckLoop()

	servers := web.StartServers(&s.waitGroup, s.cfg, s.settingsManager, s, s.hub)
	s.serversMu.Lock()
	s.servers = servers
	s.serversMu.Unlock()
	s.Wait()
}

// Stop gracefully shuts down the server. The core is stopped if it is running.
func (s *AppServer) Stop() {
	s.stopOnce.Do(func() {
		logger.Info().Msg("Stopping control plane...")
		if s.controller.IsRunning() {
			if err := s.controller.Stop(); err != nil {
				logger.Error().Err(err).Msg("Failed to stop core during shutdown")
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.serversMu.Lock()
		servers := s.servers
		s.serversMu.Unlock()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn().Err(err).Str("addr", srv.Addr).Msg("Web server shutdown error")
			}
		}

		// 结束 flush 与健康检查循环，FlushLoop 退出前会做最后一次落盘
		s.cancel()
	})
}

func (s *AppServer) Wait() {
	s.waitGroup.Wait()
}

func (s *AppServer) done() <-chan struct{} {
	return s.ctx.Done()
}

func (s *AppServer) healthCheckLoop() {
	defer s.waitGroup.Done()
	ticker := time.NewTicker(time.Duration(s.cfg.HealthIntervalSec) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runHealthCheck()
		case <-s.done():
			return
		}
	}
}
