package ipsetfw

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fwerrors "github.com/maksimkurb/fwsync/src/internal/errors"
	"github.com/maksimkurb/fwsync/src/internal/firewall"
	"github.com/maksimkurb/fwsync/src/internal/mocks"
	"github.com/maksimkurb/fwsync/src/internal/netaddr"
	"github.com/maksimkurb/fwsync/src/internal/proc"
)

// fakeIPSet keeps set contents in memory and answers ipset commands issued
// through a MockRunner.
type fakeIPSet struct {
	sets  map[string]map[string]struct{}
	table *mocks.MockRuleTable
}

func newFakeIPSet(table *mocks.MockRuleTable) *fakeIPSet {
	return &fakeIPSet{sets: make(map[string]map[string]struct{}), table: table}
}

func (f *fakeIPSet) run(cmd proc.Command, stdin string) (*proc.Result, error) {
	switch cmd.Name {
	case "iptables-save", "ip6tables-save":
		lines := []string{"*filter"}
		for _, r := range f.table.Rules(DefaultTable, DefaultChain) {
			lines = append(lines, "-A "+DefaultChain+" "+r)
		}
		return &proc.Result{Stdout: append(lines, "COMMIT")}, nil
	case "iptables-restore", "ip6tables-restore":
		return &proc.Result{}, nil
	case "ipset":
	default:
		return nil, fmt.Errorf("unexpected command %s", cmd)
	}

	switch cmd.Args[0] {
	case "create":
		f.exec(cmd.Args)
	case "restore":
		for _, line := range strings.Split(stdin, "\n") {
			if fields := strings.Fields(line); len(fields) > 0 {
				f.exec(fields)
			}
		}
	case "destroy":
		if _, ok := f.sets[cmd.Args[1]]; !ok {
			return nil, fmt.Errorf("ipset v7.1: The set with the given name does not exist")
		}
		delete(f.sets, cmd.Args[1])
	case "list":
		var names []string
		for name := range f.sets {
			names = append(names, name)
		}
		sort.Strings(names)
		return &proc.Result{Stdout: names}, nil
	case "save":
		name := cmd.Args[1]
		out := []string{fmt.Sprintf("create %s hash:ip family inet hashsize 1024 maxelem 65536", name)}
		for _, e := range f.members(name) {
			out = append(out, fmt.Sprintf("add %s %s", name, e))
		}
		return &proc.Result{Stdout: out}, nil
	}
	return &proc.Result{}, nil
}

func (f *fakeIPSet) exec(fields []string) {
	name := fields[1]
	switch fields[0] {
	case "create":
		if _, ok := f.sets[name]; !ok {
			f.sets[name] = make(map[string]struct{})
		}
	case "add":
		f.sets[name][fields[2]] = struct{}{}
	case "del":
		delete(f.sets[name], fields[2])
	}
}

func (f *fakeIPSet) members(name string) []string {
	var out []string
	for e := range f.sets[name] {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

type harness struct {
	backend *Backend
	runner  *mocks.MockRunner
	table   *mocks.MockRuleTable
	ipset   *fakeIPSet
	dir     string
	naming  firewall.Naming
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	table := mocks.NewMockRuleTable()
	h := &harness{
		runner: mocks.NewMockRunner(),
		table:  table,
		ipset:  newFakeIPSet(table),
		dir:    t.TempDir(),
		naming: firewall.Naming{RulePrefix: "fwsync_"},
	}
	h.runner.RunFunc = h.ipset.run
	h.backend = New(h.config(), h.runner, h.table)
	return h
}

func (h *harness) config() Config {
	return Config{
		Family:           netaddr.IPv4,
		StateDir:         h.dir,
		Naming:           h.naming,
		LegacyPrefix:     "IPBan_",
		Table:            DefaultTable,
		Chain:            DefaultChain,
		HashSize:         1024,
		BlockMaxElements: 2097152,
		RangeMaxElements: 4194304,
		AllowMaxElements: 65536,
	}
}

// restart simulates a new process over the same kernel state.
func (h *harness) restart() {
	h.backend = New(h.config(), h.runner, h.table)
}

func (h *harness) blockGroup() firewall.Group {
	return firewall.Group{Prefix: h.naming.Block(""), Action: firewall.ActionBlock, Kind: firewall.KindAddress}
}

func setMembers(t *testing.T, b firewall.Backend, ctx context.Context, g firewall.Group, entries []string) []string {
	t.Helper()
	stored, err := b.SetMembers(ctx, g, entries)
	require.NoError(t, err)
	return stored
}

func (h *harness) readFile(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(h.dir, name))
	require.NoError(t, err)
	return string(data)
}

func TestEnsureRule_Idempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.blockGroup()

	require.NoError(t, h.backend.EnsureRule(ctx, g))
	require.NoError(t, h.backend.EnsureRule(ctx, g))

	rules := h.table.Rules(DefaultTable, DefaultChain)
	require.Len(t, rules, 1)
	assert.Equal(t, "-m set --match-set fwsync_Block_0 src -j DROP", rules[0])
	assert.Equal(t, 1, h.table.AppendCalls)
	assert.Equal(t, 0, h.table.DeleteCalls)
	assert.Equal(t, 0, h.table.InsertCalls)
}

func TestEnsureRule_ReplacesInPlace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.table.Seed(DefaultTable, DefaultChain, "-p tcp --dport 22 -j ACCEPT")
	g := h.blockGroup()

	require.NoError(t, h.backend.EnsureRule(ctx, g))
	h.table.Seed(DefaultTable, DefaultChain, "-j LOG")

	g.Ports = []netaddr.PortRange{{Low: 80, High: 80}}
	require.NoError(t, h.backend.EnsureRule(ctx, g))

	rules := h.table.Rules(DefaultTable, DefaultChain)
	require.Len(t, rules, 3)
	assert.Equal(t, "-m set --match-set fwsync_Block_0 src -p tcp -m multiport --dports 0:79,81:65535 -j DROP", rules[1])
	assert.Equal(t, "-j LOG", rules[2])
}

func TestEnsureRule_AllowOnlyPorts(t *testing.T) {
	h := newHarness(t)
	g := firewall.Group{
		Prefix: h.naming.Allow(),
		Action: firewall.ActionAllow,
		Ports:  []netaddr.PortRange{{Low: 443, High: 443}, {Low: 8000, High: 8080}},
	}

	require.NoError(t, h.backend.EnsureRule(context.Background(), g))

	rules := h.table.Rules(DefaultTable, DefaultChain)
	require.Len(t, rules, 1)
	assert.Equal(t, "-m set --match-set fwsync_Allow_0 src -p tcp -m multiport --dports 443,8000:8080 -j ACCEPT", rules[0])
}

func TestEnsureRule_AllPortsAllowedFails(t *testing.T) {
	h := newHarness(t)
	g := h.blockGroup()
	g.Ports = []netaddr.PortRange{{Low: 0, High: 65535}}

	assert.Error(t, h.backend.EnsureRule(context.Background(), g))
	assert.Empty(t, h.table.Rules(DefaultTable, DefaultChain))
}

func TestEnsureRule_NegatesAllowedPortsWhenBlockedListTooLong(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	allowed := []netaddr.PortRange{
		{Low: 22, High: 22}, {Low: 25, High: 25}, {Low: 53, High: 53}, {Low: 80, High: 80},
		{Low: 110, High: 110}, {Low: 443, High: 443}, {Low: 993, High: 993}, {Low: 8080, High: 8080},
	}
	g := h.blockGroup()
	g.Ports = allowed
	setMembers(t, h.backend, ctx, g, []string{"10.0.0.1"})

	rules := h.table.Rules(DefaultTable, DefaultChain)
	require.Len(t, rules, 1)
	assert.Equal(t, "-m set --match-set fwsync_Block_0 src -p tcp -m multiport ! --dports 22,25,53,80,110,443,993,8080 -j DROP", rules[0])

	h.restart()
	states, err := h.backend.Load(ctx)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, allowed, states[0].Ports)
	assert.Len(t, h.table.Rules(DefaultTable, DefaultChain), 1)
}

func TestEnsureRule_TooManyPortsFails(t *testing.T) {
	var many []netaddr.PortRange
	for port := uint16(1000); port < 1032; port += 2 {
		many = append(many, netaddr.PortRange{Low: port, High: port})
	}

	tests := []struct {
		name   string
		action firewall.Action
		prefix string
	}{
		{"block", firewall.ActionBlock, "fwsync_Block_"},
		{"allow", firewall.ActionAllow, "fwsync_Allow_"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			g := firewall.Group{Prefix: tt.prefix, Action: tt.action, Ports: many}
			err := h.backend.EnsureRule(context.Background(), g)
			require.Error(t, err)
			assert.True(t, fwerrors.HasCode(err, fwerrors.ErrCodeValidation))
			assert.Empty(t, h.table.Rules(DefaultTable, DefaultChain))
		})
	}
}

func TestEnsureRule_FifteenAllowedPortsFit(t *testing.T) {
	h := newHarness(t)
	var ports []netaddr.PortRange
	for port := uint16(1000); port < 1030; port += 2 {
		ports = append(ports, netaddr.PortRange{Low: port, High: port})
	}
	g := firewall.Group{Prefix: h.naming.Allow(), Action: firewall.ActionAllow, Ports: ports}

	require.NoError(t, h.backend.EnsureRule(context.Background(), g))
	assert.Len(t, h.table.Rules(DefaultTable, DefaultChain), 1)
}

func TestSetMembers_WritesDefinition(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	setMembers(t, h.backend, ctx, h.blockGroup(), []string{"10.0.0.2", "10.0.0.1/32", "10.0.0.0/24"})

	content := h.readFile(t, "fwsync_Block_0.set")
	assert.Equal(t,
		"create fwsync_Block_0 hash:ip family inet hashsize 1024 maxelem 2097152 -exist\n"+
			"add fwsync_Block_0 10.0.0.1 -exist\n"+
			"add fwsync_Block_0 10.0.0.2 -exist\n",
		content)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, h.ipset.members("fwsync_Block_0"))
	assert.FileExists(t, filepath.Join(h.dir, "rules.v4"))
	assert.Contains(t, h.readFile(t, "rules.v4"), "--match-set fwsync_Block_0")
}

func TestSetMembers_DelLinesForRemoved(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.blockGroup()

	setMembers(t, h.backend, ctx, g, []string{"10.0.0.1", "10.0.0.2"})
	setMembers(t, h.backend, ctx, g, []string{"10.0.0.2"})

	content := h.readFile(t, "fwsync_Block_0.set")
	assert.Contains(t, content, "del fwsync_Block_0 10.0.0.1 -exist")
	assert.NotContains(t, content, "add fwsync_Block_0 10.0.0.1")
	assert.Equal(t, []string{"10.0.0.2"}, h.ipset.members("fwsync_Block_0"))

	members, err := h.backend.Members(ctx, g.Prefix)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.2"}, members)
}

func TestSetMembers_EmptyDeletesRule(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.blockGroup()

	setMembers(t, h.backend, ctx, g, []string{"10.0.0.1"})
	setMembers(t, h.backend, ctx, g, nil)

	assert.Empty(t, h.table.Rules(DefaultTable, DefaultChain))
	assert.NoFileExists(t, filepath.Join(h.dir, "fwsync_Block_0.set"))
	assert.NotContains(t, h.ipset.sets, "fwsync_Block_0")
}

func TestApplyDelta_Unblock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.blockGroup()

	setMembers(t, h.backend, ctx, g, []string{"10.0.0.1", "10.0.0.2"})
	require.NoError(t, h.backend.ApplyDelta(ctx, g, []firewall.Delta{
		{Address: "10.0.0.3", Added: true},
		{Address: "10.0.0.1", Added: false},
	}))

	members, err := h.backend.Members(ctx, g.Prefix)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.2", "10.0.0.3"}, members)
	assert.NotContains(t, h.readFile(t, "fwsync_Block_0.set"), "add fwsync_Block_0 10.0.0.1 ")
}

func TestApplyDelta_LastRemovalDeletesRule(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.blockGroup()

	setMembers(t, h.backend, ctx, g, []string{"10.0.0.1"})
	require.NoError(t, h.backend.ApplyDelta(ctx, g, []firewall.Delta{{Address: "10.0.0.1"}}))

	exists, err := h.backend.RuleExists(ctx, "fwsync_Block_0")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRangeGroupUsesHashNet(t *testing.T) {
	h := newHarness(t)
	g := firewall.Group{Prefix: h.naming.RangeBlock(""), Action: firewall.ActionBlock, Kind: firewall.KindRange}

	stored := setMembers(t, h.backend, context.Background(), g, []string{"10.1.0.0/16", "192.168.1.0-192.168.1.3"})
	assert.Equal(t, []string{"10.1.0.0/16", "192.168.1.0/30"}, stored)

	content := h.readFile(t, "fwsync_RangeBlock_0.set")
	assert.Contains(t, content, "create fwsync_RangeBlock_0 hash:net family inet hashsize 1024 maxelem 4194304 -exist")
	assert.Contains(t, content, "add fwsync_RangeBlock_0 10.1.0.0/16 -exist")
	assert.Contains(t, content, "add fwsync_RangeBlock_0 192.168.1.0/30 -exist")
}

func TestEngineRangeMirrorSurvivesRestart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	e, err := firewall.NewEngine(ctx, h.backend, firewall.WithNaming(h.naming))
	require.NoError(t, err)
	require.True(t, e.BlockRanges(ctx, "", []string{"10.0.0.1-10.0.0.6"}, nil))

	var before []string
	for entry := range e.EnumerateRanges(ctx, "") {
		before = append(before, entry)
	}
	assert.NotContains(t, before, "10.0.0.1-10.0.0.6")

	h.restart()
	restarted, err := firewall.NewEngine(ctx, h.backend, firewall.WithNaming(h.naming))
	require.NoError(t, err)

	var after []string
	for entry := range restarted.EnumerateRanges(ctx, "") {
		after = append(after, entry)
	}
	assert.Equal(t, before, after)
	assert.True(t, restarted.IsBlocked(ctx, "10.0.0.5", firewall.NoPort))
	assert.False(t, restarted.IsBlocked(ctx, "10.0.0.7", firewall.NoPort))
}

func TestLoad_RoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.blockGroup()
	g.Ports = []netaddr.PortRange{{Low: 22, High: 22}}

	setMembers(t, h.backend, ctx, g, []string{"10.0.0.1", "10.0.0.2"})
	allow := firewall.Group{Prefix: h.naming.Allow(), Action: firewall.ActionAllow}
	setMembers(t, h.backend, ctx, allow, []string{"10.9.9.9"})

	h.restart()
	states, err := h.backend.Load(ctx)
	require.NoError(t, err)
	require.Len(t, states, 2)

	byPrefix := make(map[string]firewall.GroupState)
	for _, s := range states {
		byPrefix[s.Prefix] = s
	}
	block := byPrefix["fwsync_Block_"]
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, block.Entries)
	assert.Equal(t, firewall.ActionBlock, block.Action)
	assert.Equal(t, []netaddr.PortRange{{Low: 22, High: 22}}, block.Ports)

	assert.Equal(t, firewall.ActionAllow, byPrefix["fwsync_Allow_"].Action)
	assert.Equal(t, []string{"10.9.9.9"}, byPrefix["fwsync_Allow_"].Entries)

	assert.Len(t, h.table.Rules(DefaultTable, DefaultChain), 2)
}

func TestLoad_AfterReboot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	setMembers(t, h.backend, ctx, h.blockGroup(), []string{"10.0.0.1"})

	// Reboot: kernel state gone, state directory kept.
	h.table = mocks.NewMockRuleTable()
	h.ipset = newFakeIPSet(h.table)
	h.runner = mocks.NewMockRunner()
	h.runner.RunFunc = h.ipset.run
	h.restart()

	states, err := h.backend.Load(ctx)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, []string{"10.0.0.1"}, h.ipset.members("fwsync_Block_0"))
	assert.Equal(t, 1, h.runner.CountPrefix("iptables-restore"))
	assert.Len(t, h.table.Rules(DefaultTable, DefaultChain), 1)
}

func TestLoad_IgnoresForeignDefinitions(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.WriteFile(filepath.Join(h.dir, "other_0.set"), []byte("create other_0 hash:ip\n"), 0o644))

	states, err := h.backend.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, states)
}

func TestDeleteRule(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	setMembers(t, h.backend, ctx, h.blockGroup(), []string{"10.0.0.1"})

	found, err := h.backend.DeleteRule(ctx, "fwsync_Block_0")
	require.NoError(t, err)
	assert.True(t, found)

	found, err = h.backend.DeleteRule(ctx, "fwsync_Block_0")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDeleteRule_IgnoresOtherFamily(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	setMembers(t, h.backend, ctx, h.blockGroup(), []string{"10.0.0.1"})

	cfg6 := h.config()
	cfg6.Family = netaddr.IPv6
	cfg6.Naming = h.naming.Secondary()
	v6 := New(cfg6, h.runner, h.table)

	exists, err := v6.RuleExists(ctx, "fwsync_Block_0")
	require.NoError(t, err)
	assert.False(t, exists)

	found, err := v6.DeleteRule(ctx, "fwsync_Block_0")
	require.NoError(t, err)
	assert.False(t, found)

	assert.FileExists(t, filepath.Join(h.dir, "fwsync_Block_0.set"))
	assert.Equal(t, []string{"10.0.0.1"}, h.ipset.members("fwsync_Block_0"))
	assert.Len(t, h.table.Rules(DefaultTable, DefaultChain), 1)

	exists, err = h.backend.RuleExists(ctx, "fwsync_Block_0")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestMigrate_PurgesLegacy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.ipset.sets["IPBan_Block_0"] = map[string]struct{}{"10.0.0.1": {}}
	h.table.Seed(DefaultTable, DefaultChain, "-m set --match-set IPBan_Block_0 src -j DROP")
	legacyFile := filepath.Join(h.dir, "IPBan_Block_0.set")
	require.NoError(t, os.WriteFile(legacyFile, []byte("create IPBan_Block_0 hash:ip\n"), 0o644))

	require.NoError(t, h.backend.Migrate(ctx))

	assert.NotContains(t, h.ipset.sets, "IPBan_Block_0")
	assert.Empty(t, h.table.Rules(DefaultTable, DefaultChain))
	assert.NoFileExists(t, legacyFile)

	// The first write of each set is a full rebuild, later writes are not.
	g := h.blockGroup()
	setMembers(t, h.backend, ctx, g, []string{"10.0.0.1"})
	assert.Equal(t, 1, h.runner.CountPrefix("ipset destroy fwsync_Block_0"))
	setMembers(t, h.backend, ctx, g, []string{"10.0.0.2"})
	assert.Equal(t, 1, h.runner.CountPrefix("ipset destroy fwsync_Block_0"))
}

func TestMigrate_NothingLegacy(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.backend.Migrate(context.Background()))
	assert.False(t, h.backend.rebuild)
}

func TestTruncate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	setMembers(t, h.backend, ctx, h.blockGroup(), []string{"10.0.0.1"})
	setMembers(t, h.backend, ctx, firewall.Group{Prefix: h.naming.Allow(), Action: firewall.ActionAllow}, []string{"10.0.0.2"})
	h.table.Seed(DefaultTable, DefaultChain, "-j LOG")

	require.NoError(t, h.backend.Truncate(ctx))

	assert.Equal(t, []string{"-j LOG"}, h.table.Rules(DefaultTable, DefaultChain))
	assert.Empty(t, h.ipset.sets)
	matches, _ := filepath.Glob(filepath.Join(h.dir, "*.set"))
	assert.Empty(t, matches)
}

// cancelAfter reports cancellation once Err has been consulted n times.
type cancelAfter struct {
	context.Context
	n int
}

func (c *cancelAfter) Err() error {
	if c.n <= 0 {
		return context.Canceled
	}
	c.n--
	return nil
}

func TestSetMembers_CancelledMidWrite(t *testing.T) {
	h := newHarness(t)
	g := h.blockGroup()
	entries := []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4", "10.0.0.5"}

	_, err := h.backend.SetMembers(&cancelAfter{Context: context.Background(), n: 3}, g, entries)
	require.Error(t, err)
	assert.True(t, fwerrors.HasCode(err, fwerrors.ErrCodeCancelled))

	assert.Zero(t, h.runner.CountPrefix("ipset restore"))
	assert.Empty(t, h.ipset.sets)
	assert.Empty(t, h.table.Rules(DefaultTable, DefaultChain))
	matches, _ := filepath.Glob(filepath.Join(h.dir, "*"))
	assert.Empty(t, matches)
}

func TestSetMembers_CancelledKeepsPreviousDefinition(t *testing.T) {
	h := newHarness(t)
	g := h.blockGroup()
	setMembers(t, h.backend, context.Background(), g, []string{"10.0.0.1"})
	before := h.readFile(t, "fwsync_Block_0.set")
	restores := h.runner.CountPrefix("ipset restore")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.backend.SetMembers(ctx, g, []string{"10.0.0.2", "10.0.0.3"})
	require.Error(t, err)
	assert.True(t, fwerrors.HasCode(err, fwerrors.ErrCodeCancelled))

	assert.Equal(t, before, h.readFile(t, "fwsync_Block_0.set"))
	assert.NoFileExists(t, filepath.Join(h.dir, "fwsync_Block_0.set.tmp"))
	assert.Equal(t, restores, h.runner.CountPrefix("ipset restore"))
	assert.Equal(t, []string{"10.0.0.1"}, h.ipset.members("fwsync_Block_0"))
}

func TestSetNameTooLong(t *testing.T) {
	h := newHarness(t)
	g := firewall.Group{Prefix: "fwsync_a_very_long_group_name_indeed_", Action: firewall.ActionBlock}
	_, err := h.backend.SetMembers(context.Background(), g, []string{"10.0.0.1"})
	assert.Error(t, err)
}
