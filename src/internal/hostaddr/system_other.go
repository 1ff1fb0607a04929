//go:build !linux

package hostaddr

import (
	"net"
	"net/netip"

	"github.com/pkg/errors"
	"go4.org/netipx"
)

// System lists interface addresses through the standard library.
func System() ([]netip.Addr, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list interface addresses")
	}
	var out []netip.Addr
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if ip, ok := netipx.FromStdIP(ipnet.IP); ok {
			out = append(out, ip)
		}
	}
	return out, nil
}
