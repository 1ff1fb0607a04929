package chunked

import (
	"context"
	"slices"
	"sort"

	"github.com/samber/lo"

	fwerrors "github.com/maksimkurb/fwsync/src/internal/errors"
	"github.com/maksimkurb/fwsync/src/internal/firewall"
	"github.com/maksimkurb/fwsync/src/internal/log"
	"github.com/maksimkurb/fwsync/src/internal/netaddr"
)

// slot is one rule of a group during a delta.
type slot struct {
	offset  int
	members []string
	index   map[string]struct{}
	changed bool
}

func newSlot(offset int, members []string) *slot {
	s := &slot{offset: offset, index: make(map[string]struct{}, len(members))}
	for _, m := range members {
		m = netaddr.StripHostSuffix(m)
		if _, dup := s.index[m]; dup {
			continue
		}
		s.index[m] = struct{}{}
		s.members = append(s.members, m)
	}
	return s
}

func (s *slot) has(entry string) bool {
	_, ok := s.index[entry]
	return ok
}

func (s *slot) add(entry string) {
	s.index[entry] = struct{}{}
	s.members = append(s.members, entry)
	s.changed = true
}

func (s *slot) remove(entry string) {
	delete(s.index, entry)
	s.members = slices.DeleteFunc(s.members, func(m string) bool { return m == entry })
	s.changed = true
}

// template carries what every rule of a group shares.
type template struct {
	prefix    string
	action    firewall.Action
	direction Direction
	ports     string
}

func (b *Backend) templateOf(g firewall.Group) (template, error) {
	t := template{prefix: g.Prefix, action: g.Action, direction: b.cfg.Direction}
	if g.Action == firewall.ActionAllow {
		t.ports = netaddr.AllowOnlyPorts(g.Ports, netaddr.PortStyleNetsh)
		return t, nil
	}
	ports, err := netaddr.BlockExceptPorts(g.Ports, netaddr.PortStyleNetsh)
	if err != nil {
		return t, err
	}
	t.ports = ports
	return t, nil
}

func (t template) rule(offset int, members []string) Rule {
	return Rule{
		Name:      firewall.RuleName(t.prefix, offset),
		Action:    t.action,
		Direction: t.direction,
		Addresses: slices.Clone(members),
		Ports:     t.ports,
	}
}

// matches reports whether an existing rule already has the shape t would write.
func (t template) matches(r Rule, members []string) bool {
	return r.Action == t.action && r.Ports == t.ports && slices.Equal(r.Addresses, members)
}

// groupRules returns the group's rules keyed by offset.
func groupRules(ctx context.Context, store PolicyStore, prefix string) (map[int]Rule, error) {
	seq, err := store.Rules(ctx, prefix)
	if err != nil {
		return nil, err
	}
	rules := make(map[int]Rule)
	for r := range seq {
		p, offset, ok := firewall.SplitRuleName(r.Name)
		if !ok || p != prefix {
			continue
		}
		rules[offset] = r
	}
	return rules, nil
}

func sortedOffsets(rules map[int]Rule) []int {
	offsets := make([]int, 0, len(rules))
	for off := range rules {
		offsets = append(offsets, off)
	}
	sort.Ints(offsets)
	return offsets
}

// RebuildChunks writes entries as consecutive capacity-sized rules and deletes
// every rule of the group past the last chunk.
func (b *Backend) RebuildChunks(ctx context.Context, g firewall.Group, entries []string) error {
	t, err := b.templateOf(g)
	if err != nil {
		return err
	}
	capacity := b.capacity()
	entries = lo.Uniq(lo.Map(entries, func(e string, _ int) string { return netaddr.StripHostSuffix(e) }))
	chunks := lo.Chunk(entries, capacity)
	end := len(chunks) * capacity

	return b.policy.Locked(func(store PolicyStore) error {
		existing, err := groupRules(ctx, store, g.Prefix)
		if err != nil {
			return err
		}

		for i, chunk := range chunks {
			offset := i * capacity
			if r, ok := existing[offset]; ok && t.matches(r, chunk) {
				continue
			}
			if err := b.putRule(ctx, store, t.rule(offset, chunk)); err != nil {
				return err
			}
		}

		for _, offset := range sortedOffsets(existing) {
			if offset < end && offset%capacity == 0 {
				continue
			}
			if err := ctx.Err(); err != nil {
				return fwerrors.NewCancelledError("trimming "+g.Prefix, err)
			}
			name := firewall.RuleName(g.Prefix, offset)
			if _, err := store.DeleteRule(ctx, name); err != nil {
				return err
			}
			log.Infof("[%s] Deleted surplus rule", name)
		}

		log.Debugf("[%s] Rebuilt %d entries into %d rules", g.Prefix, len(entries), len(chunks))
		return nil
	})
}

// ApplyDelta changes the group's membership in place: removals first, then
// additions into the first rule with room, with overflow spilling into new
// rules. Only rules whose contents change are written; a rule left empty is
// deleted.
func (b *Backend) ApplyDelta(ctx context.Context, g firewall.Group, deltas []firewall.Delta) error {
	t, err := b.templateOf(g)
	if err != nil {
		return err
	}
	capacity := b.capacity()

	return b.policy.Locked(func(store PolicyStore) error {
		existing, err := groupRules(ctx, store, g.Prefix)
		if err != nil {
			return err
		}

		var slots []*slot
		for _, offset := range sortedOffsets(existing) {
			r := existing[offset]
			s := newSlot(offset, r.Addresses)
			// A rule whose action or ports drifted is rewritten even if its
			// addresses stay the same.
			s.changed = !t.matches(r, s.members)
			slots = append(slots, s)
		}

		for _, d := range deltas {
			if d.Added {
				continue
			}
			entry := netaddr.StripHostSuffix(d.Address)
			for _, s := range slots {
				if s.has(entry) {
					s.remove(entry)
					break
				}
			}
		}

		var overflow []string
		for _, d := range deltas {
			if !d.Added {
				continue
			}
			entry := netaddr.StripHostSuffix(d.Address)
			if lo.SomeBy(slots, func(s *slot) bool { return s.has(entry) }) || slices.Contains(overflow, entry) {
				continue
			}
			target, ok := lo.Find(slots, func(s *slot) bool { return len(s.members) < capacity })
			if !ok {
				overflow = append(overflow, entry)
				continue
			}
			target.add(entry)
		}

		used := make(map[int]bool, len(slots))
		for _, s := range slots {
			used[s.offset] = true
		}
		next := 0
		for _, chunk := range lo.Chunk(overflow, capacity) {
			for used[next] {
				next += capacity
			}
			used[next] = true
			s := newSlot(next, chunk)
			s.changed = true
			slots = append(slots, s)
		}

		for _, s := range slots {
			if !s.changed {
				continue
			}
			name := firewall.RuleName(g.Prefix, s.offset)
			if len(s.members) == 0 {
				if _, err := store.DeleteRule(ctx, name); err != nil {
					return err
				}
				log.Infof("[%s] Deleted empty rule", name)
				continue
			}
			if err := b.putRule(ctx, store, t.rule(s.offset, s.members)); err != nil {
				return err
			}
		}
		return nil
	})
}

// putRule writes r, refusing anything that could match every address.
func (b *Backend) putRule(ctx context.Context, store PolicyStore, r Rule) error {
	if err := ctx.Err(); err != nil {
		return fwerrors.NewCancelledError("writing "+r.Name, err)
	}
	if len(r.Addresses) == 0 || lo.SomeBy(r.Addresses, netaddr.IsMatchAll) {
		return fwerrors.NewValidationError("rule "+r.Name+" would match every address", nil)
	}
	if len(r.Addresses) > b.capacity() {
		return fwerrors.NewInternalError("rule "+r.Name+" exceeds its capacity", nil)
	}
	if err := store.PutRule(ctx, r); err != nil {
		return err
	}
	log.Debugf("[%s] Wrote %d addresses", r.Name, len(r.Addresses))
	return nil
}
