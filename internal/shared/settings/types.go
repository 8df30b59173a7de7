package settings

import (
	"encoding/json"
	"fmt"
	"strings"
)

// EnhancedMode 决定合成配置时使用的 DNS 模板。
type EnhancedMode string

const (
	RedirHost EnhancedMode = "RedirHost"
	FakeIP    EnhancedMode = "FakeIp"
)

// ParseEnhancedMode 接受 JSON 形式（RedirHost/FakeIp）以及内核形式（redir-host/fake-ip），大小写不敏感。
func ParseEnhancedMode(s string) (EnhancedMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "redirhost", "redir-host":
		return RedirHost, nil
	case "fakeip", "fake-ip":
		return FakeIP, nil
	}
	return "", fmt.Errorf("unknown enhanced mode %q", s)
}

func (m *EnhancedMode) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	parsed, err := ParseEnhancedMode(raw)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Subscription 是一条已注册的订阅。Path 指向 subs 目录下的配置文件，URL 为用户提交的原始地址。
type Subscription struct {
	Path string `json:"path"`
	URL  string `json:"url"`
}

// Settings 是 tomoon.json 的顶层结构。
type Settings struct {
	SkipProxy         bool           `json:"skip_proxy"`
	OverrideDNS       bool           `json:"override_dns"`
	EnhancedMode      EnhancedMode   `json:"enhanced_mode"`
	AllowRemoteAccess bool           `json:"allow_remote_access"`
	Dashboard         string         `json:"dashboard"`
	CurrentSub        string         `json:"current_sub"`
	Subscriptions     []Subscription `json:"subscriptions"`
	Secret            string         `json:"secret"`
	ExternalPort      int            `json:"external_port"`
	BackendPort       int            `json:"backend_port"`
}

const (
	DefaultDashboard    = "yacd-meta"
	DefaultExternalPort = 55556
	DefaultBackendPort  = 55555
)

// Default 返回出厂配置。
func Default() Settings {
	return Settings{
		SkipProxy:     true,
		OverrideDNS:   true,
		EnhancedMode:  FakeIP,
		Dashboard:     DefaultDashboard,
		Subscriptions: []Subscription{},
		ExternalPort:  DefaultExternalPort,
		BackendPort:   DefaultBackendPort,
	}
}

// Clone 深拷贝，调用方可以随意修改返回值。
func (s Settings) Clone() Settings {
	c := s
	c.Subscriptions = make([]Subscription, len(s.Subscriptions))
	copy(c.Subscriptions, s.Subscriptions)
	return c
}

// SubscriptionIndex 返回 path 对应的订阅下标，不存在时为 -1。
func (s Settings) SubscriptionIndex(path string) int {
	for i, sub := range s.Subscriptions {
		if sub.Path == path {
			return i
		}
	}
	return -1
}

// normalize 修补旧文件中缺失或非法的字段。
func (s *Settings) normalize() {
	if s.Subscriptions == nil {
		s.Subscriptions = []Subscription{}
	}
	if s.EnhancedMode == "" {
		s.EnhancedMode = FakeIP
	}
	if s.ExternalPort <= 0 || s.ExternalPort > 65535 {
		s.ExternalPort = DefaultExternalPort
	}
	if s.BackendPort <= 0 || s.BackendPort > 65535 {
		s.BackendPort = DefaultBackendPort
	}
}

// Patch 是一次部分更新，nil 字段保持不变。
type Patch struct {
	SkipProxy         *bool         `json:"skip_proxy,omitempty"`
	OverrideDNS       *bool         `json:"override_dns,omitempty"`
	EnhancedMode      *EnhancedMode `json:"enhanced_mode,omitempty"`
	AllowRemoteAccess *bool         `json:"allow_remote_access,omitempty"`
	Dashboard         *string       `json:"dashboard,omitempty"`
	Secret            *string       `json:"secret,omitempty"`
	ExternalPort      *int          `json:"external_port,omitempty"`
	BackendPort       *int          `json:"backend_port,omitempty"`
}

// Empty 表示补丁没有任何字段。
func (p Patch) Empty() bool {
	return p.SkipProxy == nil && p.OverrideDNS == nil && p.EnhancedMode == nil &&
		p.AllowRemoteAccess == nil && p.Dashboard == nil && p.Secret == nil &&
		p.ExternalPort == nil && p.BackendPort == nil
}

func (p Patch) applyTo(s *Settings) error {
	if p.Dashboard != nil && strings.TrimSpace(*p.Dashboard) == "" {
		return fmt.Errorf("dashboard must not be empty")
	}
	for name, port := range map[string]*int{"external_port": p.ExternalPort, "backend_port": p.BackendPort} {
		if port != nil && (*port <= 0 || *port > 65535) {
			return fmt.Errorf("%s out of range: %d", name, *port)
		}
	}
	if p.SkipProxy != nil {
		s.SkipProxy = *p.SkipProxy
	}
	if p.OverrideDNS != nil {
		s.OverrideDNS = *p.OverrideDNS
	}
	if p.EnhancedMode != nil {
		s.EnhancedMode = *p.EnhancedMode
	}
	if p.AllowRemoteAccess != nil {
		s.AllowRemoteAccess = *p.AllowRemoteAccess
	}
	if p.Dashboard != nil {
		s.Dashboard = strings.TrimSpace(*p.Dashboard)
	}
	if p.Secret != nil {
		s.Secret = *p.Secret
	}
	if p.ExternalPort != nil {
		s.ExternalPort = *p.ExternalPort
	}
	if p.BackendPort != nil {
		s.BackendPort = *p.BackendPort
	}
	return nil
}

// ConfigurableModule 是希望在配置提交后收到通知的模块需要实现的接口。
type ConfigurableModule interface {
	// OnSettingsUpdate 在每次成功提交后按提交顺序被同步调用，参数是提交后的快照。
	OnSettingsUpdate(newSettings Settings) error
}
