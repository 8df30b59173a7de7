package types

// CommonConf 包含数据与资源目录
type CommonConf struct {
	DataDir   string `ini:"data_dir"`   // tomoon.json、running_config.yaml、subs/ 所在目录
	CoreDir   string `ini:"core_dir"`   // 内核二进制与 web/ 面板资源
	StaticDir string `ini:"static_dir"` // 对外监听口提供的前端静态文件
}

// LocalConf 包含控制面监听相关的配置
type LocalConf struct {
	BindHost    string `ini:"bind_host"`
	WebUser     string `ini:"web_user"`
	WebPassword string `ini:"web_password"`
}

// LogConf contains logging specific configuration
type LogConf struct {
	Level string `ini:"level"`
	File  string `ini:"file"`
}

// CoreConf 描述被托管的代理内核
type CoreConf struct {
	Binary            string `ini:"binary"`
	ControllerPort    int    `ini:"controller_port"`
	LogFile           string `ini:"log_file"`
	ResetNetworkCmd   string `ini:"reset_network_cmd"`
	APITimeoutSec     int    `ini:"api_timeout_sec"`
	StrictControlAPI  bool   `ini:"strict_control_api"` // 非 2xx 的控制面响应是否视为失败
	HealthIntervalSec int    `ini:"health_interval_sec"`
}

// SubscriptionConf 订阅下载相关
type SubscriptionConf struct {
	UserAgent         string `ini:"user_agent"`
	TimeoutSec        int    `ini:"timeout_sec"`
	DownloadProxy     string `ini:"download_proxy"` // socks5 host:port，留空直连
	SubconvEndpoint   string `ini:"subconv_endpoint"`
	SubconvConfig     string `ini:"subconv_config"`
	UpdateConcurrency int    `ini:"update_concurrency"`
	KeepOrphans       bool   `ini:"keep_orphans"` // 注册失败时是否保留已写入的订阅文件
}

// SettingsConf 控制 tomoon.json 的延迟落盘
type SettingsConf struct {
	FlushIntervalSec int `ini:"flush_interval_sec"`
}

// Config 是统一的行为配置 (tomoon.ini)
type Config struct {
	CommonConf       `ini:"common"`
	LocalConf        `ini:"local"`
	LogConf          `ini:"log"`
	CoreConf         `ini:"core"`
	SubscriptionConf `ini:"subscription"`
	SettingsConf     `ini:"settings"`
}
