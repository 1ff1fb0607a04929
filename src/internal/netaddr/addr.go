package netaddr

import (
	"net/netip"
	"strings"

	fwerrors "github.com/maksimkurb/fwsync/src/internal/errors"
	"github.com/maksimkurb/fwsync/src/internal/log"
)

// Family is an IP address family.
type Family uint8

const (
	IPv4 Family = 4
	IPv6 Family = 6
)

func (f Family) String() string {
	if f == IPv6 {
		return "inet6"
	}
	return "inet"
}

// FamilyOf returns the family of addr. IPv4-mapped IPv6 addresses count as IPv4.
func FamilyOf(addr netip.Addr) Family {
	if addr.Unmap().Is4() {
		return IPv4
	}
	return IPv6
}

// ParseAddr parses a single host address. A host-length suffix ("/32" or
// "/128") is accepted and stripped; any other prefix length is rejected.
func ParseAddr(s string) (netip.Addr, error) {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '/'); i >= 0 {
		prefix, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Addr{}, fwerrors.NewParseError("invalid address "+s, err)
		}
		if !prefix.IsSingleIP() {
			return netip.Addr{}, fwerrors.NewParseError("not a single host: "+s, nil)
		}
		return prefix.Addr().Unmap(), nil
	}

	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, fwerrors.NewParseError("invalid address "+s, err)
	}
	return addr.Unmap().WithZone(""), nil
}

// ParseAddrs parses every entry, logging and skipping the ones that fail.
func ParseAddrs(texts []string) []netip.Addr {
	addrs := make([]netip.Addr, 0, len(texts))
	for _, text := range texts {
		addr, err := ParseAddr(text)
		if err != nil {
			log.Warnf("Skipping address %q: %v", text, err)
			continue
		}
		addrs = append(addrs, addr)
	}
	return addrs
}

// StripHostSuffix removes a "/32" or "/128" suffix so that single hosts stored
// in CIDR form compare equal to their bare form.
func StripHostSuffix(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, "/32") || strings.HasSuffix(s, "/128") {
		return s[:strings.LastIndexByte(s, '/')]
	}
	return s
}

// SplitByFamily partitions addrs into IPv4 and IPv6 slices.
func SplitByFamily(addrs []netip.Addr) (v4, v6 []netip.Addr) {
	for _, addr := range addrs {
		if FamilyOf(addr) == IPv4 {
			v4 = append(v4, addr.Unmap())
		} else {
			v6 = append(v6, addr)
		}
	}
	return v4, v6
}

// IsSingleHost reports whether an entry in canonical text form denotes one address.
func IsSingleHost(entry string) bool {
	_, err := netip.ParseAddr(StripHostSuffix(entry))
	return err == nil
}
