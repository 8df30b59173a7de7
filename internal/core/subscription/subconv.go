package subscription

import (
	"net/url"
	"strings"
)

// Subconverter 把任意订阅地址改写为本地 subconverter 服务的转换地址。
type Subconverter struct {
	Endpoint  string // e.g. http://127.0.0.1:25500/sub
	ConfigURL string // 规则模板
}

// Rewrite 返回转换地址，参数顺序固定。
func (c Subconverter) Rewrite(raw string) string {
	params := [][2]string{
		{"target", "clash"},
		{"url", raw},
		{"insert", "false"},
		{"config", c.ConfigURL},
		{"emoji", "true"},
		{"list", "false"},
		{"tfo", "false"},
		{"scv", "true"},
		{"fdn", "false"},
		{"expand", "true"},
		{"sort", "false"},
		{"new_name", "true"},
	}
	var b strings.Builder
	b.WriteString(c.Endpoint)
	if strings.Contains(c.Endpoint, "?") {
		b.WriteByte('&')
	} else {
		b.WriteByte('?')
	}
	for i, p := range params {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(p[0])
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p[1]))
	}
	return b.String()
}
