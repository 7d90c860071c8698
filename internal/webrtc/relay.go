package webrtc

import (
	"net"
	"strings"
)

// ShouldForceRelay checks if the system is likely behind a restrictive VPN or CGNAT
// and returns true if we should force TURN usage.
func ShouldForceRelay() bool {
	interfaces, err := net.Interfaces()
	if err != nil {
		return false
	}

	// Cloudflare WARP, Tailscale and carrier grade NATs use 100.64.0.0/10.
	_, cgnatBlock, _ := net.ParseCIDR("100.64.0.0/10")

	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if isTunnelInterface(iface.Name) {
			return true
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if inBlock(cgnatBlock, addr) {
				return true
			}
		}
	}

	return false
}

func isTunnelInterface(name string) bool {
	name = strings.ToLower(name)
	for _, marker := range []string{"tun", "tap", "wg", "ppp", "warp"} {
		if strings.Contains(name, marker) {
			return true
		}
	}
	return false
}

func inBlock(block *net.IPNet, addr net.Addr) bool {
	var ip net.IP
	switch v := addr.(type) {
	case *net.IPNet:
		ip = v.IP
	case *net.IPAddr:
		ip = v.IP
	}
	return ip != nil && block.Contains(ip)
}
