package chunked

import (
	"context"
	"slices"
	"sort"
	"strings"

	"github.com/samber/lo"

	fwerrors "github.com/maksimkurb/fwsync/src/internal/errors"
	"github.com/maksimkurb/fwsync/src/internal/firewall"
	"github.com/maksimkurb/fwsync/src/internal/log"
	"github.com/maksimkurb/fwsync/src/internal/netaddr"
)

// DefaultCapacity is the number of addresses kept inline in one rule.
const DefaultCapacity = 1000

type Config struct {
	Family       netaddr.Family
	Naming       firewall.Naming
	LegacyPrefix string
	Capacity     int
	Direction    Direction
}

// Backend implements firewall.Backend over a PolicyStore.
type Backend struct {
	cfg    Config
	policy *Policy
}

func New(cfg Config, store PolicyStore) *Backend {
	return NewWithPolicy(cfg, NewPolicy(store))
}

// NewWithPolicy builds a backend over an existing policy. Backends of both
// address families over one native policy must share it so that their
// writes are serialized.
func NewWithPolicy(cfg Config, policy *Policy) *Backend {
	if cfg.Direction == "" {
		cfg.Direction = DirectionIn
	}
	return &Backend{cfg: cfg, policy: policy}
}

func (b *Backend) Policy() *Policy {
	return b.policy
}

func (b *Backend) Family() netaddr.Family {
	return b.cfg.Family
}

func (b *Backend) capacity() int {
	if b.cfg.Capacity <= 0 {
		return DefaultCapacity
	}
	return b.cfg.Capacity
}

func (b *Backend) SetMembers(ctx context.Context, g firewall.Group, entries []string) ([]string, error) {
	if len(entries) == 0 {
		_, err := b.deleteGroup(ctx, g.Prefix)
		return nil, err
	}
	stored := lo.Uniq(lo.Map(entries, func(e string, _ int) string { return netaddr.StripHostSuffix(e) }))
	if err := b.RebuildChunks(ctx, g, stored); err != nil {
		return nil, err
	}
	sort.Strings(stored)
	return stored, nil
}

func (b *Backend) Members(ctx context.Context, prefix string) ([]string, error) {
	var members []string
	err := b.policy.Locked(func(store PolicyStore) error {
		rules, err := groupRules(ctx, store, prefix)
		if err != nil {
			return err
		}
		for _, offset := range sortedOffsets(rules) {
			for _, a := range rules[offset].Addresses {
				members = append(members, netaddr.StripHostSuffix(a))
			}
		}
		return nil
	})
	sort.Strings(members)
	return members, err
}

// Load groups every managed rule by prefix and recovers each group's action
// and allowed ports from its first rule.
func (b *Backend) Load(ctx context.Context) ([]firewall.GroupState, error) {
	var states []firewall.GroupState
	err := b.policy.Locked(func(store PolicyStore) error {
		seq, err := store.Rules(ctx, b.cfg.Naming.RulePrefix)
		if err != nil {
			return err
		}

		byPrefix := make(map[string]*firewall.GroupState)
		var order []string
		for r := range seq {
			prefix, _, ok := firewall.SplitRuleName(r.Name)
			if !ok {
				continue
			}
			st, seen := byPrefix[prefix]
			if !seen {
				_, kind := b.cfg.Naming.Classify(prefix)
				st = &firewall.GroupState{Group: firewall.Group{
					Prefix: prefix,
					Action: r.Action,
					Kind:   kind,
					Ports:  rulePorts(r),
				}}
				byPrefix[prefix] = st
				order = append(order, prefix)
			}
			for _, a := range r.Addresses {
				st.Entries = append(st.Entries, netaddr.StripHostSuffix(a))
			}
		}

		sort.Strings(order)
		for _, prefix := range order {
			st := byPrefix[prefix]
			sort.Strings(st.Entries)
			states = append(states, *st)
		}
		return nil
	})
	return states, err
}

// rulePorts turns a rule's rendered port list back into the group's allowed
// ports.
func rulePorts(r Rule) []netaddr.PortRange {
	if r.Ports == "" {
		return nil
	}
	ports, err := netaddr.ParsePortRanges(r.Ports)
	if err != nil {
		log.Warnf("[%s] Ignoring unparseable ports %q", r.Name, r.Ports)
		return nil
	}
	if r.Action == firewall.ActionBlock {
		return netaddr.ComplementPorts(ports)
	}
	return ports
}

// RuleExists accepts a rule name or a group prefix. Names outside this
// backend's naming are never reported.
func (b *Backend) RuleExists(ctx context.Context, name string) (bool, error) {
	if !b.cfg.Naming.Owns(name) {
		return false, nil
	}
	var found bool
	err := b.policy.Locked(func(store PolicyStore) error {
		if _, ok, err := store.TryGetRule(ctx, name); err != nil || ok {
			found = ok
			return err
		}
		rules, err := groupRules(ctx, store, name)
		found = len(rules) > 0
		return err
	})
	return found, err
}

// DeleteRule removes one rule by name, or every rule of a group when name is
// a group prefix. Names outside this backend's naming are left alone.
func (b *Backend) DeleteRule(ctx context.Context, name string) (bool, error) {
	if !b.cfg.Naming.Owns(name) {
		return false, nil
	}
	var found bool
	err := b.policy.Locked(func(store PolicyStore) error {
		ok, err := store.DeleteRule(ctx, name)
		if err != nil || ok {
			found = ok
			return err
		}
		found, err = deleteGroupLocked(ctx, store, name)
		return err
	})
	return found, err
}

func (b *Backend) deleteGroup(ctx context.Context, prefix string) (bool, error) {
	var found bool
	err := b.policy.Locked(func(store PolicyStore) error {
		var err error
		found, err = deleteGroupLocked(ctx, store, prefix)
		return err
	})
	return found, err
}

func deleteGroupLocked(ctx context.Context, store PolicyStore, prefix string) (bool, error) {
	rules, err := groupRules(ctx, store, prefix)
	if err != nil {
		return false, err
	}
	for _, offset := range sortedOffsets(rules) {
		if err := ctx.Err(); err != nil {
			return true, fwerrors.NewCancelledError("deleting "+prefix, err)
		}
		if _, err := store.DeleteRule(ctx, rules[offset].Name); err != nil {
			return true, err
		}
		log.Infof("[%s] Rule deleted", rules[offset].Name)
	}
	return len(rules) > 0, nil
}

// Migrate renames rules created under the legacy prefix to the current
// naming, offset by offset, stopping at the first missing offset.
func (b *Backend) Migrate(ctx context.Context) error {
	legacy := b.cfg.LegacyPrefix
	current := b.cfg.Naming.RulePrefix
	if legacy == "" || legacy == current {
		return nil
	}

	return b.policy.Locked(func(store PolicyStore) error {
		seq, err := store.Rules(ctx, legacy)
		if err != nil {
			return err
		}
		var groups []string
		for r := range seq {
			prefix, _, ok := firewall.SplitRuleName(r.Name)
			if ok && !strings.HasPrefix(prefix, current) && !slices.Contains(groups, prefix) {
				groups = append(groups, prefix)
			}
		}
		sort.Strings(groups)

		step := b.capacity()
		for _, oldPrefix := range groups {
			newPrefix := current + strings.TrimPrefix(oldPrefix, legacy)
			renamed := 0
			for offset := 0; ; offset += step {
				oldName := firewall.RuleName(oldPrefix, offset)
				_, ok, err := store.TryGetRule(ctx, oldName)
				if err != nil {
					return err
				}
				if !ok {
					break
				}
				if err := store.RenameRule(ctx, oldName, firewall.RuleName(newPrefix, offset)); err != nil {
					return err
				}
				renamed++
			}
			if renamed > 0 {
				log.Infof("Renamed %d rules from %s to %s", renamed, oldPrefix, newPrefix)
			}
		}
		return nil
	})
}

// Truncate deletes every managed rule.
func (b *Backend) Truncate(ctx context.Context) error {
	return b.policy.Locked(func(store PolicyStore) error {
		seq, err := store.Rules(ctx, b.cfg.Naming.RulePrefix)
		if err != nil {
			return err
		}
		var names []string
		for r := range seq {
			names = append(names, r.Name)
		}
		for _, name := range names {
			if _, err := store.DeleteRule(ctx, name); err != nil {
				return err
			}
		}
		log.Infof("Removed %d managed rules", len(names))
		return nil
	})
}
