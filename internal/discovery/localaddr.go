package discovery

import (
	"fmt"
	"net"
	"net/netip"
)

// LocalIPv4 returns the first IPv4 address bound to an up, non-loopback
// interface.
func LocalIPv4() (netip.Addr, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return netip.Addr{}, fmt.Errorf("listing interfaces: %w", err)
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}

			v4 := ipnet.IP.To4()
			if v4 == nil {
				continue
			}

			addr, _ := netip.AddrFromSlice(v4)
			if addr.IsLoopback() {
				continue
			}

			return addr, nil
		}
	}

	return netip.Addr{}, fmt.Errorf("no usable IPv4 address")
}
