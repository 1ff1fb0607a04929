package netaddr

import (
	"sort"
	"strconv"
	"strings"

	fwerrors "github.com/maksimkurb/fwsync/src/internal/errors"
)

const maxPort = 65535

// PortRange is an inclusive port interval.
type PortRange struct {
	Low  uint16 `json:"low"`
	High uint16 `json:"high"`
}

// PortStyle selects how a port list is rendered for a particular filter engine.
type PortStyle int

const (
	// PortStyleIPTables renders ranges as "low:high" (multiport syntax).
	PortStyleIPTables PortStyle = iota
	// PortStyleNetsh renders ranges as "low-high".
	PortStyleNetsh
)

// ParsePortRange accepts "80", "80-90" or "80:90".
func ParsePortRange(s string) (PortRange, error) {
	s = strings.TrimSpace(s)
	lowText, highText, isRange := strings.Cut(s, "-")
	if !isRange {
		lowText, highText, isRange = strings.Cut(s, ":")
	}
	if !isRange {
		highText = lowText
	}

	low, err := strconv.ParseUint(strings.TrimSpace(lowText), 10, 16)
	if err != nil {
		return PortRange{}, fwerrors.NewParseError("invalid port "+s, err)
	}
	high, err := strconv.ParseUint(strings.TrimSpace(highText), 10, 16)
	if err != nil {
		return PortRange{}, fwerrors.NewParseError("invalid port "+s, err)
	}
	if low > high {
		return PortRange{}, fwerrors.NewParseError("port range start above end: "+s, nil)
	}
	return PortRange{Low: uint16(low), High: uint16(high)}, nil
}

// ParsePortRanges parses a comma separated port list. Empty input yields nil.
func ParsePortRanges(s string) ([]PortRange, error) {
	var ports []PortRange
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		pr, err := ParsePortRange(part)
		if err != nil {
			return nil, err
		}
		ports = append(ports, pr)
	}
	return ports, nil
}

func (p PortRange) Contains(port uint16) bool {
	return port >= p.Low && port <= p.High
}

func (p PortRange) format(style PortStyle) string {
	if p.Low == p.High {
		return strconv.Itoa(int(p.Low))
	}
	sep := ":"
	if style == PortStyleNetsh {
		sep = "-"
	}
	return strconv.Itoa(int(p.Low)) + sep + strconv.Itoa(int(p.High))
}

func (p PortRange) String() string {
	return p.format(PortStyleNetsh)
}

// NormalizePorts sorts ports and merges overlapping or adjacent ranges.
func NormalizePorts(ports []PortRange) []PortRange {
	if len(ports) == 0 {
		return nil
	}
	sorted := append([]PortRange(nil), ports...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Low < sorted[j].Low })

	merged := []PortRange{sorted[0]}
	for _, p := range sorted[1:] {
		last := &merged[len(merged)-1]
		if uint32(p.Low) <= uint32(last.High)+1 {
			if p.High > last.High {
				last.High = p.High
			}
			continue
		}
		merged = append(merged, p)
	}
	return merged
}

// ComplementPorts returns every port in [0, 65535] not covered by ports.
func ComplementPorts(ports []PortRange) []PortRange {
	var out []PortRange
	next := uint32(0)
	for _, p := range NormalizePorts(ports) {
		if uint32(p.Low) > next {
			out = append(out, PortRange{Low: uint16(next), High: p.Low - 1})
		}
		next = uint32(p.High) + 1
	}
	if next <= maxPort {
		out = append(out, PortRange{Low: uint16(next), High: maxPort})
	}
	return out
}

// PortsContain reports whether any range in ports holds port.
func PortsContain(ports []PortRange, port uint16) bool {
	for _, p := range ports {
		if p.Contains(port) {
			return true
		}
	}
	return false
}

// FormatPorts joins ports with commas in the given style.
func FormatPorts(ports []PortRange, style PortStyle) string {
	parts := make([]string, len(ports))
	for i, p := range ports {
		parts[i] = p.format(style)
	}
	return strings.Join(parts, ",")
}

// AllowOnlyPorts renders the ports an Allow rule is restricted to.
// An empty result means the rule covers all ports.
func AllowOnlyPorts(ports []PortRange, style PortStyle) string {
	return FormatPorts(NormalizePorts(ports), style)
}

// BlockExceptPorts renders the ports a Block rule must cover so that the
// allowed ports stay open. An empty result with no error means the rule covers
// all ports. An error is returned when the allowed ports leave nothing to block,
// since an empty clause would otherwise widen the rule to every port.
func BlockExceptPorts(allowed []PortRange, style PortStyle) (string, error) {
	if len(allowed) == 0 {
		return "", nil
	}
	blocked := ComplementPorts(allowed)
	if len(blocked) == 0 {
		return "", fwerrors.NewValidationError("allowed ports cover every port, nothing left to block", nil)
	}
	return FormatPorts(blocked, style), nil
}

// MultiportSlots counts iptables multiport slots used by ports: one per single
// port, two per range.
func MultiportSlots(ports []PortRange) int {
	n := 0
	for _, p := range ports {
		if p.Low == p.High {
			n++
		} else {
			n += 2
		}
	}
	return n
}
