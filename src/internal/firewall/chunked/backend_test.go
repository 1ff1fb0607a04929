package chunked

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maksimkurb/fwsync/src/internal/firewall"
	"github.com/maksimkurb/fwsync/src/internal/netaddr"
)

var naming = firewall.Naming{RulePrefix: "fwsync_"}

func newBackend(capacity int) (*Backend, *MemoryStore) {
	store := NewMemoryStore()
	b := New(Config{
		Family:       netaddr.IPv4,
		Naming:       naming,
		LegacyPrefix: "IPBan_",
		Capacity:     capacity,
	}, store)
	return b, store
}

func blockGroup() firewall.Group {
	return firewall.Group{Prefix: naming.Block(""), Action: firewall.ActionBlock}
}

func setMembers(t *testing.T, b firewall.Backend, ctx context.Context, g firewall.Group, entries []string) []string {
	t.Helper()
	stored, err := b.SetMembers(ctx, g, entries)
	require.NoError(t, err)
	return stored
}

func addresses(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("10.%d.%d.%d", i/65536%256, i/256%256, i%256)
	}
	return out
}

func rule(t *testing.T, store *MemoryStore, name string) Rule {
	t.Helper()
	r, ok, err := store.TryGetRule(context.Background(), name)
	require.NoError(t, err)
	require.True(t, ok, "rule %s missing", name)
	return r
}

func TestRebuildChunks_CapacityBound(t *testing.T) {
	b, store := newBackend(1000)

	setMembers(t, b, context.Background(), blockGroup(), addresses(1001))

	assert.Equal(t, []string{"fwsync_Block_0", "fwsync_Block_1000"}, store.Names())
	assert.Len(t, rule(t, store, "fwsync_Block_0").Addresses, 1000)
	assert.Equal(t, []string{addresses(1001)[1000]}, rule(t, store, "fwsync_Block_1000").Addresses)
}

func TestRebuildChunks_TailTrim(t *testing.T) {
	b, store := newBackend(1000)
	ctx := context.Background()

	setMembers(t, b, ctx, blockGroup(), addresses(2500))
	assert.Equal(t, []string{"fwsync_Block_0", "fwsync_Block_1000", "fwsync_Block_2000"}, store.Names())

	setMembers(t, b, ctx, blockGroup(), addresses(1200))
	assert.Equal(t, []string{"fwsync_Block_0", "fwsync_Block_1000"}, store.Names())
	assert.Len(t, rule(t, store, "fwsync_Block_1000").Addresses, 200)
}

func TestRebuildChunks_SkipsUnchangedRules(t *testing.T) {
	b, store := newBackend(2)
	ctx := context.Background()
	entries := []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}

	setMembers(t, b, ctx, blockGroup(), entries)
	puts := store.Puts
	setMembers(t, b, ctx, blockGroup(), entries)
	assert.Equal(t, puts, store.Puts)
}

func TestSetMembers_ReturnsStoredForm(t *testing.T) {
	b, _ := newBackend(10)
	stored := setMembers(t, b, context.Background(), blockGroup(), []string{"10.0.0.2", "10.0.0.1/32", "10.0.0.2/32"})
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, stored)
}

func TestSetMembers_EmptyDeletesGroup(t *testing.T) {
	b, store := newBackend(2)
	ctx := context.Background()

	setMembers(t, b, ctx, blockGroup(), addresses(5))
	setMembers(t, b, ctx, blockGroup(), nil)
	assert.Empty(t, store.Names())
}

func TestApplyDelta_OnePastCapacity(t *testing.T) {
	b, store := newBackend(1000)
	ctx := context.Background()
	all := addresses(1001)

	setMembers(t, b, ctx, blockGroup(), all[:1000])
	puts := store.Puts

	require.NoError(t, b.ApplyDelta(ctx, blockGroup(), []firewall.Delta{{Address: all[1000], Added: true}}))

	assert.Equal(t, puts+1, store.Puts, "only the new rule is written")
	assert.Equal(t, []string{"fwsync_Block_0", "fwsync_Block_1000"}, store.Names())
	assert.Equal(t, []string{all[1000]}, rule(t, store, "fwsync_Block_1000").Addresses)
}

func TestApplyDelta_FillsFirstSlotWithRoom(t *testing.T) {
	b, store := newBackend(3)
	ctx := context.Background()

	setMembers(t, b, ctx, blockGroup(), []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4"})
	require.NoError(t, b.ApplyDelta(ctx, blockGroup(), []firewall.Delta{
		{Address: "10.0.0.5", Added: true},
		{Address: "10.0.0.6", Added: true},
		{Address: "10.0.0.2", Added: false},
	}))

	assert.Equal(t, []string{"10.0.0.1", "10.0.0.3", "10.0.0.5"}, rule(t, store, "fwsync_Block_0").Addresses)
	assert.Equal(t, []string{"10.0.0.4", "10.0.0.6"}, rule(t, store, "fwsync_Block_3").Addresses)
}

func TestApplyDelta_OverflowIntoNewSlots(t *testing.T) {
	b, store := newBackend(2)
	ctx := context.Background()

	setMembers(t, b, ctx, blockGroup(), []string{"10.0.0.1", "10.0.0.2"})
	require.NoError(t, b.ApplyDelta(ctx, blockGroup(), []firewall.Delta{
		{Address: "10.0.0.3", Added: true},
		{Address: "10.0.0.4", Added: true},
		{Address: "10.0.0.5", Added: true},
	}))

	assert.Equal(t, []string{"fwsync_Block_0", "fwsync_Block_2", "fwsync_Block_4"}, store.Names())
	assert.Equal(t, []string{"10.0.0.3", "10.0.0.4"}, rule(t, store, "fwsync_Block_2").Addresses)
	assert.Equal(t, []string{"10.0.0.5"}, rule(t, store, "fwsync_Block_4").Addresses)
}

func TestApplyDelta_EmptySlotIsDeleted(t *testing.T) {
	b, store := newBackend(2)
	ctx := context.Background()

	setMembers(t, b, ctx, blockGroup(), []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"})
	require.NoError(t, b.ApplyDelta(ctx, blockGroup(), []firewall.Delta{{Address: "10.0.0.3"}}))

	assert.Equal(t, []string{"fwsync_Block_0"}, store.Names())
	for _, name := range store.Names() {
		assert.NotEmpty(t, rule(t, store, name).Addresses)
	}
}

func TestApplyDelta_RemovingAbsentIsNoop(t *testing.T) {
	b, store := newBackend(2)
	ctx := context.Background()

	setMembers(t, b, ctx, blockGroup(), []string{"10.0.0.1"})
	puts, deletes := store.Puts, store.Deletes
	require.NoError(t, b.ApplyDelta(ctx, blockGroup(), []firewall.Delta{{Address: "10.9.9.9"}}))

	assert.Equal(t, puts, store.Puts)
	assert.Equal(t, deletes, store.Deletes)
}

func TestApplyDelta_MatchesHostSuffix(t *testing.T) {
	b, store := newBackend(10)
	ctx := context.Background()
	require.NoError(t, store.PutRule(ctx, Rule{
		Name:      "fwsync_Block_0",
		Action:    firewall.ActionBlock,
		Direction: DirectionIn,
		Addresses: []string{"10.0.0.1/32", "10.0.0.2/32"},
	}))

	require.NoError(t, b.ApplyDelta(ctx, blockGroup(), []firewall.Delta{
		{Address: "10.0.0.1"},
		{Address: "10.0.0.2/32", Added: true},
	}))

	assert.Equal(t, []string{"10.0.0.2"}, rule(t, store, "fwsync_Block_0").Addresses)
}

func TestApplyDelta_Convergence(t *testing.T) {
	b, _ := newBackend(7)
	ctx := context.Background()
	pool := addresses(60)
	expected := make(map[string]bool)

	for round := 0; round < 20; round++ {
		var deltas []firewall.Delta
		for i, addr := range pool {
			switch (i + round*7) % 5 {
			case 0:
				deltas = append(deltas, firewall.Delta{Address: addr, Added: true})
				expected[addr] = true
			case 3:
				deltas = append(deltas, firewall.Delta{Address: addr})
				delete(expected, addr)
			}
		}
		require.NoError(t, b.ApplyDelta(ctx, blockGroup(), deltas))

		var want []string
		for addr := range expected {
			want = append(want, addr)
		}
		sort.Strings(want)

		got, err := b.Members(ctx, blockGroup().Prefix)
		require.NoError(t, err)
		if len(want) == 0 {
			assert.Empty(t, got)
		} else {
			assert.Equal(t, want, got, "round %d", round)
		}
	}
}

func TestApplyDelta_PortsChangeRewritesRules(t *testing.T) {
	b, store := newBackend(2)
	ctx := context.Background()
	g := blockGroup()

	setMembers(t, b, ctx, g, []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"})
	g.Ports = []netaddr.PortRange{{Low: 80, High: 80}}
	require.NoError(t, b.ApplyDelta(ctx, g, nil))

	for _, name := range store.Names() {
		assert.Equal(t, "0-79,81-65535", rule(t, store, name).Ports, name)
	}
}

func TestAllowOnlyPorts(t *testing.T) {
	b, store := newBackend(10)
	g := firewall.Group{
		Prefix: naming.Allow(),
		Action: firewall.ActionAllow,
		Ports:  []netaddr.PortRange{{Low: 22, High: 22}, {Low: 8000, High: 8100}},
	}

	setMembers(t, b, context.Background(), g, []string{"10.0.0.1"})

	r := rule(t, store, "fwsync_Allow_0")
	assert.Equal(t, firewall.ActionAllow, r.Action)
	assert.Equal(t, "22,8000-8100", r.Ports)
}

func TestBlockAllPortsAllowedIsRejected(t *testing.T) {
	b, store := newBackend(10)
	g := blockGroup()
	g.Ports = []netaddr.PortRange{{Low: 0, High: 65535}}

	_, err := b.SetMembers(context.Background(), g, []string{"10.0.0.1"})
	assert.Error(t, err)
	assert.Empty(t, store.Names())
}

func TestPutRuleRefusesMatchAll(t *testing.T) {
	b, store := newBackend(10)
	ctx := context.Background()

	for _, addrs := range [][]string{nil, {"*"}, {"10.0.0.1", "any"}} {
		err := b.putRule(ctx, store, Rule{Name: "fwsync_Block_0", Addresses: addrs})
		assert.Error(t, err, "%v", addrs)
	}
	assert.Empty(t, store.Names())
}

func TestLoad(t *testing.T) {
	b, store := newBackend(2)
	ctx := context.Background()
	g := blockGroup()
	g.Ports = []netaddr.PortRange{{Low: 443, High: 443}}

	setMembers(t, b, ctx, g, []string{"10.0.0.3", "10.0.0.1", "10.0.0.2"})
	setMembers(t, b, ctx, firewall.Group{Prefix: naming.RangeBlock("geo"), Kind: firewall.KindRange}, []string{"10.1.0.0/16"})
	require.NoError(t, store.PutRule(ctx, Rule{Name: "Other_0", Addresses: []string{"10.9.9.9"}}))

	states, err := New(Config{Naming: naming, Capacity: 2}, store).Load(ctx)
	require.NoError(t, err)
	require.Len(t, states, 2)

	assert.Equal(t, "fwsync_Block_", states[0].Prefix)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}, states[0].Entries)
	assert.Equal(t, []netaddr.PortRange{{Low: 443, High: 443}}, states[0].Ports)

	assert.Equal(t, "fwsync_RangeBlock_geo_", states[1].Prefix)
	assert.Equal(t, firewall.KindRange, states[1].Kind)
	assert.Equal(t, []string{"10.1.0.0/16"}, states[1].Entries)
}

func TestRuleExistsAndDeleteRule(t *testing.T) {
	b, store := newBackend(2)
	ctx := context.Background()
	setMembers(t, b, ctx, blockGroup(), addresses(3))

	for _, name := range []string{"fwsync_Block_0", "fwsync_Block_"} {
		ok, err := b.RuleExists(ctx, name)
		require.NoError(t, err)
		assert.True(t, ok, name)
	}
	ok, err := b.RuleExists(ctx, "fwsync_Block_4")
	require.NoError(t, err)
	assert.False(t, ok)

	found, err := b.DeleteRule(ctx, "fwsync_Block_2")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []string{"fwsync_Block_0"}, store.Names())

	found, err = b.DeleteRule(ctx, "fwsync_Block_")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Empty(t, store.Names())

	found, err = b.DeleteRule(ctx, "fwsync_Block_0")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDeleteRule_IgnoresOtherNaming(t *testing.T) {
	b, store := newBackend(10)
	ctx := context.Background()
	setMembers(t, b, ctx, blockGroup(), addresses(2))

	v6 := NewWithPolicy(Config{Family: netaddr.IPv6, Naming: naming.Secondary(), Capacity: 10}, b.Policy())
	ok, err := v6.RuleExists(ctx, "fwsync_Block_0")
	require.NoError(t, err)
	assert.False(t, ok)

	found, err := v6.DeleteRule(ctx, "fwsync_Block_")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, []string{"fwsync_Block_0"}, store.Names())
}

func TestMigrate_RenamesUntilGap(t *testing.T) {
	b, store := newBackend(1000)
	ctx := context.Background()
	for _, name := range []string{"IPBan_Block_0", "IPBan_Block_1000", "IPBan_Block_3000", "IPBan_Allow_0"} {
		require.NoError(t, store.PutRule(ctx, Rule{Name: name, Addresses: []string{"10.0.0.1"}}))
	}

	require.NoError(t, b.Migrate(ctx))

	names := store.Names()
	assert.True(t, slices.Contains(names, "fwsync_Block_0"))
	assert.True(t, slices.Contains(names, "fwsync_Block_1000"))
	assert.True(t, slices.Contains(names, "fwsync_Allow_0"))
	assert.True(t, slices.Contains(names, "IPBan_Block_3000"))
	assert.False(t, slices.Contains(names, "IPBan_Block_0"))
	assert.Equal(t, 3, store.Renames)
}

func TestTruncateKeepsForeignRules(t *testing.T) {
	b, store := newBackend(2)
	ctx := context.Background()
	setMembers(t, b, ctx, blockGroup(), addresses(5))
	require.NoError(t, store.PutRule(ctx, Rule{Name: "Other_0", Addresses: []string{"10.9.9.9"}}))

	require.NoError(t, b.Truncate(ctx))
	assert.Equal(t, []string{"Other_0"}, store.Names())
}

func TestCancelledContextStopsWrites(t *testing.T) {
	b, store := newBackend(2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.SetMembers(ctx, blockGroup(), addresses(3))
	assert.Error(t, err)
	assert.Empty(t, store.Names())
}
