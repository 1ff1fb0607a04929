package hostaddr

import (
	"net/netip"

	"github.com/pkg/errors"
	"github.com/vishvananda/netlink"
	"go4.org/netipx"

	"github.com/maksimkurb/fwsync/src/internal/log"
)

// System lists interface addresses through netlink.
func System() ([]netip.Addr, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list links")
	}

	var out []netip.Addr
	for _, link := range links {
		addrs, err := netlink.AddrList(link, netlink.FAMILY_ALL)
		if err != nil {
			log.Debugf("Failed to get addresses for %s: %v", link.Attrs().Name, err)
			continue
		}
		for _, addr := range addrs {
			ip, ok := netipx.FromStdIP(addr.IP)
			if !ok {
				continue
			}
			out = append(out, ip)
		}
	}
	return out, nil
}
