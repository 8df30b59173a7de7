package config

import (
	"os"
	"strconv"

	"gopkg.in/ini.v1"
	"tomoon_nexus/internal/shared/types"
)

const (
	DefaultControllerPort = 9090
	DefaultUserAgentTmpl  = "ToMoon/%s mihomo/1.19.4 clash-verge/2.2.3 Clash/v1.18.0"
	DefaultSubconv        = "http://127.0.0.1:25500/sub"
	DefaultSubconvConfig  = "http://127.0.0.1:55556/ACL4SSR_Online.ini"
	DefaultCoreLog        = "/tmp/tomoon.clash.log"
)

// LoadIni 加载 tomoon.ini 行为配置文件，并补齐默认值。
func LoadIni(cfg *types.Config, fileName string) error {
	iniFile, err := ini.Load(fileName)
	if err != nil {
		return err
	}
	if err := iniFile.MapTo(cfg); err != nil {
		return err
	}
	overrideFromEnv(&cfg.CommonConf.DataDir, "TOMOON_DATA_DIR")
	overrideFromEnv(&cfg.CommonConf.CoreDir, "TOMOON_CORE_DIR")
	overrideFromEnv(&cfg.LogConf.Level, "TOMOON_LOG_LEVEL")
	overrideFromEnvInt(&cfg.CoreConf.ControllerPort, "TOMOON_CONTROLLER_PORT")
	ApplyDefaults(cfg)
	return nil
}

// ApplyDefaults 为未设置的字段填入默认值。
// 相对路径保持原样，由调用方基于工作目录解析。
func ApplyDefaults(cfg *types.Config) {
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
	if cfg.CoreDir == "" {
		cfg.CoreDir = "bin/core"
	}
	if cfg.StaticDir == "" {
		cfg.StaticDir = "web"
	}
	if cfg.BindHost == "" {
		cfg.BindHost = "127.0.0.1"
	}
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.Binary == "" {
		cfg.Binary = "clash"
	}
	if cfg.ControllerPort <= 0 {
		cfg.ControllerPort = DefaultControllerPort
	}
	if cfg.CoreConf.LogFile == "" {
		cfg.CoreConf.LogFile = DefaultCoreLog
	}
	if cfg.APITimeoutSec <= 0 {
		cfg.APITimeoutSec = 10
	}
	if cfg.HealthIntervalSec <= 0 {
		cfg.HealthIntervalSec = 30
	}
	if cfg.TimeoutSec <= 0 {
		cfg.TimeoutSec = 120
	}
	if cfg.SubconvEndpoint == "" {
		cfg.SubconvEndpoint = DefaultSubconv
	}
	if cfg.SubconvConfig == "" {
		cfg.SubconvConfig = DefaultSubconvConfig
	}
	if cfg.UpdateConcurrency <= 0 {
		cfg.UpdateConcurrency = 4
	}
	if cfg.FlushIntervalSec <= 0 {
		cfg.FlushIntervalSec = 5
	}
}

func overrideFromEnv(target *string, envName string) {
	if v := os.Getenv(envName); v != "" {
		*target = v
	}
}

func overrideFromEnvInt(target *int, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if intValue, err := strconv.Atoi(envValue); err == nil {
			*target = intValue
		}
	}
}
