package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"tomoon_nexus/internal/app"
	"tomoon_nexus/internal/shared/config"
	"tomoon_nexus/internal/shared/logger"
	"tomoon_nexus/internal/shared/types"
)

func main() {
	configDir := flag.String("configdir", "configs", "Path to config directory")
	flag.Parse()

	iniPath := filepath.Join(*configDir, "tomoon.ini")

	// 1. 加载 .ini 行为配置
	cfg := new(types.Config)
	if err := config.LoadIni(cfg, iniPath); err != nil {
		// Use standard fmt before logger is initialized.
		fmt.Fprintf(os.Stderr, "Fatal: Failed to load config file '%s': %v\n", iniPath, err)
		os.Exit(1)
	}

	// 1.1 初始化日志系统
	if err := logger.Init(cfg.LogConf); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	// 2. 创建服务器，tomoon.json 在这里加载
	appServer, err := app.NewForPC(cfg, iniPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create control plane")
	}

	// 3. 收到信号时停止内核并关闭监听
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		appServer.Stop()
	}()

	appServer.Run()
	logger.Info().Msg("Control plane exited.")
}
