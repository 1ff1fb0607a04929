package firewall

import (
	"net/netip"
	"sort"
	"strings"
	"sync"

	"github.com/samber/lo"
	"github.com/yl2chen/cidranger"
	"go4.org/netipx"

	"github.com/maksimkurb/fwsync/src/internal/log"
	"github.com/maksimkurb/fwsync/src/internal/netaddr"
)

// Mirror is the in-memory copy of committed group membership.
type Mirror struct {
	mu     sync.RWMutex
	groups map[string]*mirrorGroup
}

type mirrorGroup struct {
	Group
	members map[string]struct{}
	// ranger indexes range groups for containment checks.
	ranger cidranger.Ranger
}

func NewMirror() *Mirror {
	return &Mirror{groups: make(map[string]*mirrorGroup)}
}

// Set replaces the membership of g.
func (m *Mirror) Set(g Group, entries []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mg := &mirrorGroup{Group: g, members: make(map[string]struct{}, len(entries))}
	for _, e := range entries {
		mg.members[e] = struct{}{}
	}
	mg.reindex()
	m.groups[g.Prefix] = mg
}

// Apply applies deltas to the group, creating it when absent.
func (m *Mirror) Apply(g Group, deltas []Delta) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mg, ok := m.groups[g.Prefix]
	if !ok {
		mg = &mirrorGroup{Group: g, members: make(map[string]struct{})}
		m.groups[g.Prefix] = mg
	}
	for _, d := range deltas {
		if d.Added {
			mg.members[d.Address] = struct{}{}
		} else {
			delete(mg.members, d.Address)
		}
	}
	if len(mg.members) == 0 {
		delete(m.groups, g.Prefix)
		return
	}
	mg.reindex()
}

// Drop forgets a group.
func (m *Mirror) Drop(prefix string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.groups, prefix)
}

// Clear forgets every group.
func (m *Mirror) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups = make(map[string]*mirrorGroup)
}

// Group returns the group registered under prefix.
func (m *Mirror) Group(prefix string) (Group, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mg, ok := m.groups[prefix]
	if !ok {
		return Group{}, false
	}
	return mg.Group, true
}

// Groups returns every group, sorted by prefix.
func (m *Mirror) Groups() []Group {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Group, 0, len(m.groups))
	for _, mg := range m.groups {
		out = append(out, mg.Group)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Prefix < out[j].Prefix })
	return out
}

// Members returns the sorted membership of a group.
func (m *Mirror) Members(prefix string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mg, ok := m.groups[prefix]
	if !ok {
		return nil
	}
	return sortedKeys(mg.members)
}

// Contains reports whether the group holds entry verbatim.
func (m *Mirror) Contains(prefix, entry string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mg, ok := m.groups[prefix]
	if !ok {
		return false
	}
	_, found := mg.members[entry]
	return found
}

// Blocked reports whether addr is matched by a block group whose allowed
// ports do not include port. port < 0 skips the port check.
func (m *Mirror) Blocked(addr netip.Addr, port int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, mg := range m.groups {
		if mg.Action != ActionBlock || !mg.matches(addr) {
			continue
		}
		if port >= 0 && port <= 65535 && netaddr.PortsContain(mg.Ports, uint16(port)) {
			continue
		}
		return true
	}
	return false
}

// Allowed reports whether addr is in an allow group.
func (m *Mirror) Allowed(addr netip.Addr) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, mg := range m.groups {
		if mg.Action == ActionAllow && mg.matches(addr) {
			return true
		}
	}
	return false
}

// Entries returns the sorted union of entries of every group accepted by keep.
func (m *Mirror) Entries(keep func(Group) bool) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	union := make(map[string]struct{})
	for _, mg := range m.groups {
		if !keep(mg.Group) {
			continue
		}
		for e := range mg.members {
			union[e] = struct{}{}
		}
	}
	return sortedKeys(union)
}

// GroupsHolding returns the block address groups containing any of entries.
func (m *Mirror) GroupsHolding(entries []string) []Group {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Group
	for _, mg := range m.groups {
		if mg.Action != ActionBlock || mg.Kind != KindAddress {
			continue
		}
		if lo.SomeBy(entries, func(e string) bool { _, ok := mg.members[e]; return ok }) {
			out = append(out, mg.Group)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Prefix < out[j].Prefix })
	return out
}

// Size returns the number of entries per kind and action.
func (m *Mirror) Size(action Action, kind Kind) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, mg := range m.groups {
		if mg.Action == action && mg.Kind == kind {
			n += len(mg.members)
		}
	}
	return n
}

func (mg *mirrorGroup) matches(addr netip.Addr) bool {
	if mg.ranger != nil {
		ok, err := mg.ranger.Contains(netipx.AddrIPNet(addr).IP)
		return err == nil && ok
	}
	_, ok := mg.members[addr.String()]
	return ok
}

func (mg *mirrorGroup) reindex() {
	if mg.Kind != KindRange {
		mg.ranger = nil
		return
	}
	mg.ranger = cidranger.NewPCTrieRanger()
	for entry := range mg.members {
		r, err := netaddr.ParseRange(entry)
		if err != nil {
			log.Warnf("[%s] Skipping unparseable range %q", mg.Prefix, entry)
			continue
		}
		for _, prefix := range r.Prefixes() {
			if err := mg.ranger.Insert(cidranger.NewBasicRangerEntry(*netipx.PrefixIPNet(prefix))); err != nil {
				log.Warnf("[%s] Failed to index %s: %v", mg.Prefix, prefix, err)
			}
		}
	}
}

func sortedKeys(m map[string]struct{}) []string {
	keys := lo.Keys(m)
	sort.Strings(keys)
	return keys
}

// hasEntryPrefix is true for groups whose prefix starts with p; used to
// filter range enumeration by logical group.
func hasEntryPrefix(g Group, p string) bool {
	return strings.HasPrefix(g.Prefix, p)
}
