package synth

// 这些块整体替换用户配置中的同名键。

const tunTemplate = `
enable: true
stack: system
auto-route: true
auto-detect-interface: true
dns-hijack:
  - any:53
`

const profileTemplate = `
store-selected: true
store-fake-ip: false
`

const fakeIPDNSTemplate = `
enable: true
listen: 127.0.0.1:8853
default-nameserver:
  - 223.5.5.5
  - 8.8.4.4
ipv6: false
enhanced-mode: fake-ip
nameserver:
  - 119.29.29.29
  - 223.5.5.5
  - tls://223.5.5.5:853
  - tls://223.6.6.6:853
fallback:
  - https://1.0.0.1/dns-query
  - https://public.dns.iij.jp/dns-query
  - tls://8.8.4.4:853
fallback-filter:
  geoip: false
  ipcidr:
    - 240.0.0.0/4
    - 0.0.0.0/32
    - 127.0.0.1/32
fake-ip-filter:
  - "*.lan"
  - "*.localdomain"
  - "*.localhost"
  - "*.local"
  - "*.home.arpa"
  - stun.*.*
  - stun.*.*.*
  - +.stun.*.*
  - +.stun.*.*.*
  - +.stun.*.*.*.*
`

const redirHostDNSTemplate = `
enable: true
listen: 127.0.0.1:8853
default-nameserver:
  - 223.5.5.5
  - 8.8.4.4
ipv6: false
enhanced-mode: redir-host
nameserver:
  - 119.29.29.29
  - 223.5.5.5
  - tls://223.5.5.5:853
  - tls://223.6.6.6:853
fallback:
  - https://1.0.0.1/dns-query
  - https://public.dns.iij.jp/dns-query
  - tls://8.8.4.4:853
fallback-filter:
  geoip: false
  ipcidr:
    - 240.0.0.0/4
    - 0.0.0.0/32
    - 127.0.0.1/32
`

// 固定直连规则，按最终顺序排列。
const (
	ruleSteamServer  = "DOMAIN-SUFFIX,steamserver.net,DIRECT"
	ruleSteamCM      = "DOMAIN-SUFFIX,cm.steampowered.com,DIRECT"
	ruleConnectivity = "DOMAIN,test.steampowered.com,DIRECT"
)

func fixedRules(skipProxy bool) []string {
	if skipProxy {
		return []string{ruleSteamServer, ruleSteamCM, ruleConnectivity}
	}
	return []string{ruleConnectivity}
}

// managedRules 是 synthesizer 自己插入的全部规则，重复合成时先剥离。
var managedRules = map[string]struct{}{
	ruleSteamServer:  {},
	ruleSteamCM:      {},
	ruleConnectivity: {},
}
