// Package synth 把订阅配置与用户设置合成为内核实际加载的 running config。
// 所有键按名字就地替换，未触及的键保持原有顺序和内容。
package synth

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"tomoon_nexus/internal/shared/apperr"
	"tomoon_nexus/internal/shared/fsutil"
	"tomoon_nexus/internal/shared/logger"
	"tomoon_nexus/internal/shared/settings"
)

// Options 是合成所需的全部设置。
type Options struct {
	SkipProxy         bool
	OverrideDNS       bool
	AllowRemoteAccess bool
	EnhancedMode      settings.EnhancedMode
	Dashboard         string
	ExternalUIDir     string // 面板资源目录，写入 external-ui
	ControllerPort    int
}

// OptionsFromSettings 从设置快照构造 Options。uiDir 会被转换为绝对路径。
func OptionsFromSettings(s settings.Settings, uiDir string, controllerPort int) Options {
	if abs, err := filepath.Abs(uiDir); err == nil {
		uiDir = abs
	}
	return Options{
		SkipProxy:         s.SkipProxy,
		OverrideDNS:       s.OverrideDNS,
		AllowRemoteAccess: s.AllowRemoteAccess,
		EnhancedMode:      s.EnhancedMode,
		Dashboard:         s.Dashboard,
		ExternalUIDir:     uiDir,
		ControllerPort:    controllerPort,
	}
}

// ControllerAddr 返回 external-controller 的监听地址。
func (o Options) ControllerAddr() string {
	host := "127.0.0.1"
	if o.AllowRemoteAccess {
		host = "0.0.0.0"
	}
	return host + ":" + strconv.Itoa(o.ControllerPort)
}

// Synthesize 对 base 应用所有覆盖项并返回新的 YAML。
func Synthesize(base []byte, opt Options) ([]byte, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(base, &doc); err != nil {
		return nil, apperr.Wrap(apperr.ConfigFormat, err, "parse base config")
	}
	root, err := rootMapping(&doc)
	if err != nil {
		return nil, err
	}

	setKey(root, "external-controller", scalar(opt.ControllerAddr()))

	if err := applyRules(root, fixedRules(opt.SkipProxy)); err != nil {
		return nil, err
	}

	setKey(root, "external-ui", scalar(opt.ExternalUIDir))
	setKey(root, "external-ui-name", scalar(opt.Dashboard))

	tun, err := templateNode(tunTemplate)
	if err != nil {
		return nil, err
	}
	setKey(root, "tun", tun)

	if opt.OverrideDNS || lookup(root, "dns") == nil {
		src := fakeIPDNSTemplate
		if opt.EnhancedMode == settings.RedirHost {
			src = redirHostDNSTemplate
		}
		dns, err := templateNode(src)
		if err != nil {
			return nil, err
		}
		setKey(root, "dns", dns)
	}

	profile, err := templateNode(profileTemplate)
	if err != nil {
		return nil, err
	}
	setKey(root, "profile", profile)

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return nil, apperr.Wrap(apperr.ConfigFormat, err, "encode running config")
	}
	if err := enc.Close(); err != nil {
		return nil, apperr.Wrap(apperr.ConfigFormat, err, "encode running config")
	}
	return buf.Bytes(), nil
}

// SynthesizeFile 读取 basePath，合成后原子写入 outPath。
func SynthesizeFile(basePath, outPath string, opt Options) error {
	l := logger.WithComponent("Synth")

	base, err := os.ReadFile(basePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return apperr.Wrap(apperr.NotFound, err, "base config %s", basePath)
		}
		return apperr.Wrap(apperr.IO, err, "read base config %s", basePath)
	}

	out, err := Synthesize(base, opt)
	if err != nil {
		return fmt.Errorf("synthesize %s: %w", filepath.Base(basePath), err)
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return apperr.Wrap(apperr.IO, err, "create running config dir")
	}
	if err := fsutil.WriteFileAtomic(outPath, out, 0644); err != nil {
		return apperr.Wrap(apperr.IO, err, "write running config")
	}

	l.Info().
		Str("base", basePath).
		Str("out", outPath).
		Bool("skip_proxy", opt.SkipProxy).
		Bool("override_dns", opt.OverrideDNS).
		Str("enhanced_mode", string(opt.EnhancedMode)).
		Msg("Running config written.")
	return nil
}

// ValidateProfile 判断 content 是否像一份内核配置：顶层为 mapping 且包含 rules。
func ValidateProfile(content []byte) error {
	var doc yaml.Node
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return apperr.Wrap(apperr.Content, err, "subscription is not valid yaml")
	}
	root, err := rootMapping(&doc)
	if err != nil {
		return apperr.New(apperr.Content, "subscription top level is not a mapping")
	}
	if lookup(root, "rules") == nil {
		return apperr.New(apperr.Content, "subscription has no rules")
	}
	return nil
}

// ReadSecret 返回 YAML 文件中的 secret，不存在该键时返回空串。
func ReadSecret(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", apperr.Wrap(apperr.NotFound, err, "running config")
		}
		return "", apperr.Wrap(apperr.IO, err, "read running config")
	}
	var partial struct {
		Secret string `yaml:"secret"`
	}
	if err := yaml.Unmarshal(data, &partial); err != nil {
		return "", apperr.Wrap(apperr.ConfigFormat, err, "parse running config")
	}
	return partial.Secret, nil
}

func rootMapping(doc *yaml.Node) (*yaml.Node, error) {
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, apperr.New(apperr.ConfigFormat, "config is empty")
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, apperr.New(apperr.ConfigFormat, "config top level is not a mapping")
	}
	return root, nil
}

func lookup(m *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if k := m.Content[i]; k.Kind == yaml.ScalarNode && k.Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}

// setKey 替换已有键的值，不存在时追加到末尾。
func setKey(m *yaml.Node, key string, value *yaml.Node) {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if k := m.Content[i]; k.Kind == yaml.ScalarNode && k.Value == key {
			m.Content[i+1] = value
			return
		}
	}
	m.Content = append(m.Content, scalar(key), value)
}

func applyRules(root *yaml.Node, prefix []string) error {
	existing := lookup(root, "rules")
	var user []*yaml.Node
	switch {
	case existing == nil:
	case existing.Kind == yaml.SequenceNode:
		for _, item := range existing.Content {
			if item.Kind == yaml.ScalarNode {
				if _, managed := managedRules[item.Value]; managed {
					continue
				}
			}
			user = append(user, item)
		}
	case existing.Kind == yaml.ScalarNode && existing.Tag == "!!null":
	default:
		return apperr.New(apperr.ConfigFormat, "rules is not a list")
	}

	seq := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
	for _, r := range prefix {
		seq.Content = append(seq.Content, scalar(r))
	}
	seq.Content = append(seq.Content, user...)
	setKey(root, "rules", seq)
	return nil
}

func scalar(v string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: v}
}

func templateNode(src string) (*yaml.Node, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(src), &doc); err != nil {
		return nil, apperr.Wrap(apperr.Inner, err, "parse built-in template")
	}
	if len(doc.Content) == 0 {
		return nil, apperr.New(apperr.Inner, "empty built-in template")
	}
	return doc.Content[0], nil
}
