package media

import (
	"net"
	"strings"
)

// cgnatBlock is the shared address space used by carrier-grade NAT and by
// overlay VPNs such as Tailscale and Cloudflare WARP.
var cgnatBlock = &net.IPNet{IP: net.IPv4(100, 64, 0, 0).To4(), Mask: net.CIDRMask(10, 32)}

// tunnelNames are interface name fragments of VPN and tunnel adapters.
var tunnelNames = []string{"tun", "tap", "wg", "ppp", "warp", "utun"}

type netInterface struct {
	name     string
	up       bool
	loopback bool
	addrs    []net.IP
}

// ShouldForceRelay reports whether this host looks like it sits behind a
// VPN or CGNAT, where direct paths rarely work and TURN should be forced.
func ShouldForceRelay() bool {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false
	}

	list := make([]netInterface, 0, len(ifaces))
	for _, iface := range ifaces {
		ni := netInterface{
			name:     iface.Name,
			up:       iface.Flags&net.FlagUp != 0,
			loopback: iface.Flags&net.FlagLoopback != 0,
		}
		if addrs, err := iface.Addrs(); err == nil {
			for _, addr := range addrs {
				switch v := addr.(type) {
				case *net.IPNet:
					ni.addrs = append(ni.addrs, v.IP)
				case *net.IPAddr:
					ni.addrs = append(ni.addrs, v.IP)
				}
			}
		}
		list = append(list, ni)
	}
	return behindRelayOnlyNetwork(list)
}

func behindRelayOnlyNetwork(ifaces []netInterface) bool {
	for _, iface := range ifaces {
		if !iface.up || iface.loopback {
			continue
		}

		name := strings.ToLower(iface.name)
		for _, fragment := range tunnelNames {
			if strings.Contains(name, fragment) {
				return true
			}
		}

		for _, ip := range iface.addrs {
			if cgnatBlock.Contains(ip) {
				return true
			}
		}
	}
	return false
}
