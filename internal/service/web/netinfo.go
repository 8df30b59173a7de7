package web

import (
	"net"
)

// localIP 返回本机对外通信使用的 IPv4 地址。
// UDP "连接" 不会发出任何报文，只用于让内核选择出口地址。
func localIP() string {
	if conn, err := net.Dial("udp", "223.5.5.5:53"); err == nil {
		defer conn.Close()
		if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok && !addr.IP.IsUnspecified() {
			return addr.IP.String()
		}
	}

	ifaces, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, a := range ifaces {
		if ipnet, ok := a.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
			if v4 := ipnet.IP.To4(); v4 != nil {
				return v4.String()
			}
		}
	}
	return "127.0.0.1"
}
