// =============================================================================
// 文件: internal/wifi/hello.go
// 描述: 遥控端握手来源 - 报告所在无线网络
// =============================================================================
package wifi

import (
	"net"

	"github.com/mrcgq/slidelink/internal/protocol"
)

// LocalHello 静态配置的网络信息
// SSID 为空表示不在无线网络中
type LocalHello struct {
	SSID string
	IP   string
}

// Hello 实现 link.HelloSource
func (l LocalHello) Hello() protocol.Hello {
	if l.SSID == "" {
		return protocol.NoWifi
	}
	ip := l.IP
	if ip == "" {
		ip = DetectIP()
	}
	if ip == "" {
		return protocol.NoWifi
	}
	return protocol.Hello{Wifi: true, SSID: l.SSID, IP: ip}
}

// DetectIP 第一个非回环 IPv4 地址
func DetectIP() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if ip4 := ipnet.IP.To4(); ip4 != nil && !ip4.IsLoopback() {
				return ip4.String()
			}
		}
	}
	return ""
}
