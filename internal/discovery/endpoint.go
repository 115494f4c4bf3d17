package discovery

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"

	apperrors "github.com/alexjbarnes/audiosync/internal/errors"
)

// Endpoint is a resolved device address.
type Endpoint struct {
	Addr     netip.AddrPort
	Instance string
}

func (e Endpoint) String() string {
	return e.Addr.String()
}

// URL returns the websocket URL for path on this endpoint.
func (e Endpoint) URL(path string) string {
	return "ws://" + e.Addr.String() + path
}

// ParseEndpoint resolves a host:port string to an IPv4 endpoint.
func ParseEndpoint(hostport string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parsing endpoint %q: %w", hostport, err)
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parsing port %q: %w", portStr, err)
	}

	addr, err := netip.ParseAddr(host)
	if err != nil {
		ips, lookupErr := net.LookupIP(host)
		if lookupErr != nil {
			return Endpoint{}, fmt.Errorf("resolving %q: %w", host, lookupErr)
		}

		addr, err = firstIPv4(ips)
		if err != nil {
			return Endpoint{}, fmt.Errorf("resolving %q: %w", host, err)
		}
	}

	if !addr.Is4() {
		return Endpoint{}, fmt.Errorf("endpoint %q is not IPv4", hostport)
	}

	return Endpoint{Addr: netip.AddrPortFrom(addr, uint16(port)), Instance: host}, nil
}

func firstIPv4(ips []net.IP) (netip.Addr, error) {
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			addr, _ := netip.AddrFromSlice(v4)
			return addr, nil
		}
	}

	return netip.Addr{}, fmt.Errorf("no IPv4 address: %w", apperrors.ErrNoEndpoint)
}
