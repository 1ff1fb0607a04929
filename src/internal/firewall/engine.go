package firewall

import (
	"context"
	"iter"
	"net/netip"
	"slices"
	"sort"
	"sync"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/maksimkurb/fwsync/src/internal/log"
	"github.com/maksimkurb/fwsync/src/internal/netaddr"
)

// Observer receives operation outcomes and mirror sizes. It is satisfied by
// metrics.Collector.
type Observer interface {
	ObserveOperation(op string, ok bool)
	SetEntries(family netaddr.Family, action string, kind string, n int)
}

// Engine implements Firewall for the family of its backend.
type Engine struct {
	// mu serializes public calls on this family.
	mu sync.Mutex

	backend  Backend
	delegate Firewall
	mirror   *Mirror
	naming   Naming
	family   netaddr.Family

	protected func(netip.Addr) bool
	observer  Observer
}

type Option func(*Engine)

// WithDelegate sets the Firewall that handles the other address family.
func WithDelegate(d Firewall) Option {
	return func(e *Engine) { e.delegate = d }
}

// WithNaming overrides the default "fwsync_" rule prefix.
func WithNaming(n Naming) Option {
	return func(e *Engine) { e.naming = n }
}

// WithProtected drops addresses for which fn returns true from block requests.
func WithProtected(fn func(netip.Addr) bool) Option {
	return func(e *Engine) { e.protected = fn }
}

func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// NewEngine migrates legacy state, then rebuilds the mirror from the backend.
func NewEngine(ctx context.Context, backend Backend, opts ...Option) (*Engine, error) {
	e := &Engine{
		backend: backend,
		mirror:  NewMirror(),
		naming:  Naming{RulePrefix: "fwsync_"},
		family:  backend.Family(),
	}
	for _, opt := range opts {
		opt(e)
	}

	if err := backend.Migrate(ctx); err != nil {
		return nil, err
	}
	if err := e.reload(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) Family() netaddr.Family {
	return e.family
}

// Mirror exposes the committed state for inspection.
func (e *Engine) Mirror() *Mirror {
	return e.mirror
}

func (e *Engine) reload(ctx context.Context) error {
	states, err := e.backend.Load(ctx)
	if err != nil {
		return err
	}
	e.mirror.Clear()
	for _, st := range states {
		if !e.naming.Owns(st.Prefix) {
			continue
		}
		g := st.Group
		_, g.Kind = e.naming.Classify(g.Prefix)
		e.mirror.Set(g, st.Entries)
		log.Debugf("[%s] Restored %d entries", g.Prefix, len(st.Entries))
	}
	e.publishSizes()
	return nil
}

func (e *Engine) BlockAddresses(ctx context.Context, group string, addresses []string) bool {
	if !e.validGroup("block", group) {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	local, foreign := e.partition(e.unprotected(netaddr.ParseAddrs(addresses)))
	if !e.forward("block", func(d Firewall) bool { return d.BlockAddresses(ctx, group, foreign) }) {
		return false
	}

	g := Group{Prefix: e.naming.Block(group), Action: ActionBlock, Kind: KindAddress}
	return e.commitSet(ctx, "block", g, local)
}

func (e *Engine) BlockAddressesDelta(ctx context.Context, group string, deltas []Delta) bool {
	if !e.validGroup("block_delta", group) {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	local, foreign := e.partitionDeltas(deltas)
	if !e.forward("block_delta", func(d Firewall) bool { return d.BlockAddressesDelta(ctx, group, foreign) }) {
		return false
	}

	g := Group{Prefix: e.naming.Block(group), Action: ActionBlock, Kind: KindAddress}
	return e.commitDelta(ctx, "block_delta", g, local)
}

func (e *Engine) BlockRanges(ctx context.Context, group string, ranges []string, allowedPorts []netaddr.PortRange) bool {
	if !e.validGroup("block_ranges", group) {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	v4, v6 := netaddr.SplitRangesByFamily(netaddr.ParseRanges(ranges))
	local, foreign := v4, v6
	if e.family == netaddr.IPv6 {
		local, foreign = v6, v4
	}
	foreignText := lo.Map(foreign, func(r netaddr.Range, _ int) string { return r.String() })
	if !e.forward("block_ranges", func(d Firewall) bool { return d.BlockRanges(ctx, group, foreignText, allowedPorts) }) {
		return false
	}

	g := Group{
		Prefix: e.naming.RangeBlock(group),
		Action: ActionBlock,
		Kind:   KindRange,
		Ports:  netaddr.NormalizePorts(allowedPorts),
	}
	entries := lo.Uniq(lo.Map(local, func(r netaddr.Range, _ int) string { return r.String() }))
	return e.commitSet(ctx, "block_ranges", g, entries)
}

func (e *Engine) AllowAddresses(ctx context.Context, addresses []string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	local, foreign := e.partition(netaddr.ParseAddrs(addresses))
	if !e.forward("allow", func(d Firewall) bool { return d.AllowAddresses(ctx, foreign) }) {
		return false
	}

	g := Group{Prefix: e.naming.Allow(), Action: ActionAllow, Kind: KindAddress}
	return e.commitSet(ctx, "allow", g, local)
}

func (e *Engine) UnblockAddresses(ctx context.Context, addresses []string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	local, foreign := e.partition(netaddr.ParseAddrs(addresses))
	if !e.forward("unblock", func(d Firewall) bool { return d.UnblockAddresses(ctx, foreign) }) {
		return false
	}

	groups := e.mirror.GroupsHolding(local)
	if len(groups) == 0 {
		e.observe("unblock", true)
		return true
	}
	for _, g := range groups {
		held := lo.Filter(local, func(a string, _ int) bool { return e.mirror.Contains(g.Prefix, a) })
		deltas := lo.Map(held, func(a string, _ int) Delta { return Delta{Address: a} })
		if !e.commitDelta(ctx, "unblock", g, deltas) {
			return false
		}
	}
	return true
}

func (e *Engine) IsBlocked(ctx context.Context, address string, port int) bool {
	addr, err := netaddr.ParseAddr(address)
	if err != nil {
		return false
	}
	if netaddr.FamilyOf(addr) != e.family {
		return e.delegate != nil && e.delegate.IsBlocked(ctx, addr.String(), port)
	}
	return e.mirror.Blocked(addr, port)
}

func (e *Engine) IsAllowed(ctx context.Context, address string) bool {
	addr, err := netaddr.ParseAddr(address)
	if err != nil {
		return false
	}
	if netaddr.FamilyOf(addr) != e.family {
		return e.delegate != nil && e.delegate.IsAllowed(ctx, addr.String())
	}
	return e.mirror.Allowed(addr)
}

func (e *Engine) EnumerateBanned(ctx context.Context) iter.Seq[string] {
	return e.union(ctx, func(g Group) bool {
		return g.Action == ActionBlock && g.Kind == KindAddress
	}, func(d Firewall) iter.Seq[string] { return d.EnumerateBanned(ctx) })
}

func (e *Engine) EnumerateAllowed(ctx context.Context) iter.Seq[string] {
	return e.union(ctx, func(g Group) bool {
		return g.Action == ActionAllow
	}, func(d Firewall) iter.Seq[string] { return d.EnumerateAllowed(ctx) })
}

// EnumerateRanges lists range block entries. An empty group lists all range groups.
func (e *Engine) EnumerateRanges(ctx context.Context, group string) iter.Seq[string] {
	prefix := e.naming.RangeBlock("")
	exact := group != ""
	if exact {
		prefix = e.naming.RangeBlock(group)
	}
	return e.union(ctx, func(g Group) bool {
		if g.Kind != KindRange {
			return false
		}
		if exact {
			return g.Prefix == prefix
		}
		return hasEntryPrefix(g, prefix)
	}, func(d Firewall) iter.Seq[string] { return d.EnumerateRanges(ctx, group) })
}

func (e *Engine) RuleExists(ctx context.Context, name string) bool {
	if e.delegate != nil && e.delegate.RuleExists(ctx, name) {
		return true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	exists, err := e.backend.RuleExists(ctx, name)
	if err != nil {
		log.Warnf("[%s] Rule lookup failed: %v", name, err)
		return false
	}
	return exists
}

// DeleteRule deletes a rule by name in whichever family holds it. It returns
// false when the rule does not exist or the deletion failed.
func (e *Engine) DeleteRule(ctx context.Context, name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	delegated := e.delegate != nil && e.delegate.DeleteRule(ctx, name)

	found, err := e.backend.DeleteRule(ctx, name)
	if err != nil {
		log.Errorf("[%s] Failed to delete rule: %v", name, err)
		e.observe("delete_rule", false)
		return false
	}
	if found {
		e.refreshGroupOf(ctx, name)
	}
	e.observe("delete_rule", true)
	return found || delegated
}

func (e *Engine) Truncate(ctx context.Context) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.mirror.Clear()
	ok := true
	if err := e.backend.Truncate(ctx); err != nil {
		log.Errorf("Failed to truncate %s firewall state: %v", e.family, err)
		ok = false
	}
	if e.delegate != nil && !e.delegate.Truncate(ctx) {
		ok = false
	}
	e.publishSizes()
	e.observe("truncate", ok)
	return ok
}

// refreshGroupOf reloads the membership of the group that owned rule name.
func (e *Engine) refreshGroupOf(ctx context.Context, name string) {
	for _, g := range e.mirror.Groups() {
		if g.Prefix != name && !HasPrefixOffset(name, g.Prefix) {
			continue
		}
		members, err := e.backend.Members(ctx, g.Prefix)
		if err != nil {
			log.Warnf("[%s] Failed to reload membership: %v", g.Prefix, err)
			e.mirror.Drop(g.Prefix)
			continue
		}
		if len(members) == 0 {
			e.mirror.Drop(g.Prefix)
		} else {
			e.mirror.Set(g, members)
		}
	}
	e.publishSizes()
}

func (e *Engine) commitSet(ctx context.Context, op string, g Group, entries []string) bool {
	sort.Strings(entries)
	stored, err := e.backend.SetMembers(ctx, g, entries)
	if err != nil {
		log.Errorf("[%s] Failed to %s %d entries: %v", g.Prefix, op, len(entries), err)
		e.observe(op, false)
		return false
	}
	if len(stored) == 0 {
		e.mirror.Drop(g.Prefix)
	} else {
		e.mirror.Set(g, stored)
	}
	e.publishSizes()
	e.observe(op, true)
	return true
}

func (e *Engine) commitDelta(ctx context.Context, op string, g Group, deltas []Delta) bool {
	if len(deltas) == 0 {
		e.observe(op, true)
		return true
	}
	if existing, ok := e.mirror.Group(g.Prefix); ok {
		g.Ports = existing.Ports
	}
	if err := e.backend.ApplyDelta(ctx, g, deltas); err != nil {
		log.Errorf("[%s] Failed to apply %d changes: %v", g.Prefix, len(deltas), err)
		e.observe(op, false)
		return false
	}
	e.mirror.Apply(g, deltas)
	e.publishSizes()
	e.observe(op, true)
	return true
}

func (e *Engine) validGroup(op, group string) bool {
	if err := ValidateGroup(group); err != nil {
		log.Errorf("Failed to %s: %v", op, err)
		e.observe(op, false)
		return false
	}
	return true
}

// forward runs fn against the delegate. A missing delegate counts as success.
func (e *Engine) forward(op string, fn func(Firewall) bool) bool {
	if e.delegate == nil {
		return true
	}
	if !fn(e.delegate) {
		log.Warnf("Secondary family rejected %s, leaving %s state untouched", op, e.family)
		e.observe(op, false)
		return false
	}
	return true
}

// partition splits addrs into canonical strings of this engine's family and
// of the other family. Without a delegate the other family is dropped.
func (e *Engine) partition(addrs []netip.Addr) (local, foreign []string) {
	v4, v6 := netaddr.SplitByFamily(addrs)
	l, f := v4, v6
	if e.family == netaddr.IPv6 {
		l, f = v6, v4
	}
	local = lo.Uniq(lo.Map(l, func(a netip.Addr, _ int) string { return a.String() }))
	foreign = lo.Uniq(lo.Map(f, func(a netip.Addr, _ int) string { return a.String() }))
	if e.delegate == nil && len(foreign) > 0 {
		log.Warnf("Dropping %d addresses of an unmanaged family", len(foreign))
		foreign = nil
	}
	return local, foreign
}

func (e *Engine) partitionDeltas(deltas []Delta) (local, foreign []Delta) {
	for _, d := range deltas {
		addr, err := netaddr.ParseAddr(d.Address)
		if err != nil {
			log.Warnf("Skipping delta for %q: %v", d.Address, err)
			continue
		}
		if d.Added && e.isProtected(addr) {
			continue
		}
		d.Address = addr.String()
		if netaddr.FamilyOf(addr) == e.family {
			local = append(local, d)
		} else if e.delegate != nil {
			foreign = append(foreign, d)
		}
	}
	return local, foreign
}

func (e *Engine) unprotected(addrs []netip.Addr) []netip.Addr {
	if e.protected == nil {
		return addrs
	}
	return lo.Filter(addrs, func(a netip.Addr, _ int) bool { return !e.isProtected(a) })
}

func (e *Engine) isProtected(addr netip.Addr) bool {
	if e.protected == nil || !e.protected(addr) {
		return false
	}
	log.Warnf("Refusing to block local address %s", addr)
	return true
}

// union collects local entries and the delegate's concurrently and yields the
// sorted, de-duplicated result.
func (e *Engine) union(ctx context.Context, keep func(Group) bool, remote func(Firewall) iter.Seq[string]) iter.Seq[string] {
	return func(yield func(string) bool) {
		var local, foreign []string
		g, _ := errgroup.WithContext(ctx)
		g.Go(func() error {
			local = e.mirror.Entries(keep)
			return nil
		})
		if e.delegate != nil {
			g.Go(func() error {
				foreign = slices.Collect(remote(e.delegate))
				return nil
			})
		}
		_ = g.Wait()

		entries := lo.Uniq(append(local, foreign...))
		sort.Strings(entries)
		for _, entry := range entries {
			if ctx.Err() != nil || !yield(entry) {
				return
			}
		}
	}
}

func (e *Engine) observe(op string, ok bool) {
	if e.observer != nil {
		e.observer.ObserveOperation(op, ok)
	}
}

func (e *Engine) publishSizes() {
	if e.observer == nil {
		return
	}
	for _, action := range []Action{ActionBlock, ActionAllow} {
		for _, kind := range []Kind{KindAddress, KindRange} {
			e.observer.SetEntries(e.family, action.String(), kind.String(), e.mirror.Size(action, kind))
		}
	}
}
