package netaddr

import (
	"net/netip"
	"strings"

	"go4.org/netipx"

	fwerrors "github.com/maksimkurb/fwsync/src/internal/errors"
	"github.com/maksimkurb/fwsync/src/internal/log"
)

// Range is an inclusive [From, To] address interval.
type Range struct {
	r netipx.IPRange
}

// RangeFrom builds a range from two addresses of the same family.
func RangeFrom(from, to netip.Addr) (Range, error) {
	r := netipx.IPRangeFrom(from.Unmap(), to.Unmap())
	if !r.IsValid() {
		return Range{}, fwerrors.NewParseError("invalid range "+from.String()+"-"+to.String(), nil)
	}
	return Range{r: r}, nil
}

// RangeOfAddr returns the single-address range for addr.
func RangeOfAddr(addr netip.Addr) Range {
	addr = addr.Unmap()
	return Range{r: netipx.IPRangeFrom(addr, addr)}
}

// ParseRange accepts a bare address, a CIDR prefix or "from-to".
func ParseRange(s string) (Range, error) {
	s = strings.TrimSpace(s)

	if from, to, ok := strings.Cut(s, "-"); ok {
		a, err := netip.ParseAddr(strings.TrimSpace(from))
		if err != nil {
			return Range{}, fwerrors.NewParseError("invalid range start in "+s, err)
		}
		b, err := netip.ParseAddr(strings.TrimSpace(to))
		if err != nil {
			return Range{}, fwerrors.NewParseError("invalid range end in "+s, err)
		}
		return RangeFrom(a, b)
	}

	if strings.Contains(s, "/") {
		prefix, err := netip.ParsePrefix(s)
		if err != nil {
			return Range{}, fwerrors.NewParseError("invalid prefix "+s, err)
		}
		prefix = netip.PrefixFrom(prefix.Addr().Unmap(), unmappedBits(prefix)).Masked()
		return Range{r: netipx.RangeOfPrefix(prefix)}, nil
	}

	addr, err := ParseAddr(s)
	if err != nil {
		return Range{}, err
	}
	return RangeOfAddr(addr), nil
}

// ParseRanges parses every entry, logging and skipping the ones that fail.
func ParseRanges(texts []string) []Range {
	ranges := make([]Range, 0, len(texts))
	for _, text := range texts {
		r, err := ParseRange(text)
		if err != nil {
			log.Warnf("Skipping range %q: %v", text, err)
			continue
		}
		ranges = append(ranges, r)
	}
	return ranges
}

func unmappedBits(prefix netip.Prefix) int {
	if prefix.Addr().Is4In6() {
		bits := prefix.Bits() - 96
		if bits < 0 {
			bits = 0
		}
		return bits
	}
	return prefix.Bits()
}

func (r Range) From() netip.Addr { return r.r.From() }
func (r Range) To() netip.Addr   { return r.r.To() }
func (r Range) IsValid() bool    { return r.r.IsValid() }

// IsSingle reports whether the range holds exactly one address.
func (r Range) IsSingle() bool {
	return r.r.From() == r.r.To()
}

func (r Range) Family() Family {
	return FamilyOf(r.r.From())
}

func (r Range) Contains(addr netip.Addr) bool {
	return r.r.Contains(addr.Unmap())
}

// Prefixes returns the minimal list of CIDR prefixes covering the range.
func (r Range) Prefixes() []netip.Prefix {
	return r.r.Prefixes()
}

// CIDRs returns the canonical CIDR text of every covering prefix. Single hosts
// are rendered without a suffix.
func (r Range) CIDRs() []string {
	prefixes := r.r.Prefixes()
	out := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		if p.IsSingleIP() {
			out = append(out, p.Addr().String())
		} else {
			out = append(out, p.String())
		}
	}
	return out
}

// String returns the canonical text form: a bare address, a CIDR prefix when
// the range is exactly one prefix, or "from-to".
func (r Range) String() string {
	if !r.r.IsValid() {
		return ""
	}
	if r.IsSingle() {
		return r.r.From().String()
	}
	if prefix, ok := r.r.Prefix(); ok {
		return prefix.String()
	}
	return r.r.From().String() + "-" + r.r.To().String()
}

// SplitRangesByFamily partitions ranges into IPv4 and IPv6 slices.
func SplitRangesByFamily(ranges []Range) (v4, v6 []Range) {
	for _, r := range ranges {
		if r.Family() == IPv4 {
			v4 = append(v4, r)
		} else {
			v6 = append(v6, r)
		}
	}
	return v4, v6
}
