package firewall

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/maksimkurb/fwsync/src/internal/netaddr"
)

func TestMirror_SetAndApply(t *testing.T) {
	m := NewMirror()
	g := Group{Prefix: "fwsync_Block_", Action: ActionBlock}

	m.Set(g, []string{"10.0.0.2", "10.0.0.1"})
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, m.Members(g.Prefix))

	m.Apply(g, []Delta{{Address: "10.0.0.3", Added: true}, {Address: "10.0.0.1"}})
	assert.Equal(t, []string{"10.0.0.2", "10.0.0.3"}, m.Members(g.Prefix))
	assert.True(t, m.Contains(g.Prefix, "10.0.0.3"))

	m.Apply(g, []Delta{{Address: "10.0.0.2"}, {Address: "10.0.0.3"}})
	_, ok := m.Group(g.Prefix)
	assert.False(t, ok, "an emptied group is dropped")
}

func TestMirror_BlockedHonoursPorts(t *testing.T) {
	m := NewMirror()
	m.Set(Group{
		Prefix: "fwsync_RangeBlock_",
		Action: ActionBlock,
		Kind:   KindRange,
		Ports:  []netaddr.PortRange{{Low: 80, High: 80}},
	}, []string{"10.0.0.0/8", "192.168.0.10-192.168.0.20"})

	tests := []struct {
		addr string
		port int
		want bool
	}{
		{"10.1.2.3", NoPort, true},
		{"10.1.2.3", 80, false},
		{"10.1.2.3", 81, true},
		{"192.168.0.15", 22, true},
		{"192.168.0.21", 22, false},
		{"11.0.0.1", NoPort, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, m.Blocked(netip.MustParseAddr(tt.addr), tt.port), "%s:%d", tt.addr, tt.port)
	}
}

func TestMirror_AllowAndBlockAreSeparate(t *testing.T) {
	m := NewMirror()
	m.Set(Group{Prefix: "fwsync_Allow_", Action: ActionAllow}, []string{"10.0.0.1"})
	m.Set(Group{Prefix: "fwsync_Block_", Action: ActionBlock}, []string{"10.0.0.2"})

	a1 := netip.MustParseAddr("10.0.0.1")
	a2 := netip.MustParseAddr("10.0.0.2")
	assert.True(t, m.Allowed(a1))
	assert.False(t, m.Blocked(a1, NoPort))
	assert.True(t, m.Blocked(a2, NoPort))
	assert.False(t, m.Allowed(a2))

	assert.Equal(t, 1, m.Size(ActionAllow, KindAddress))
	assert.Equal(t, 1, m.Size(ActionBlock, KindAddress))
	assert.Equal(t, 0, m.Size(ActionBlock, KindRange))
}

func TestMirror_GroupsHolding(t *testing.T) {
	m := NewMirror()
	m.Set(Group{Prefix: "fwsync_ssh_", Action: ActionBlock}, []string{"10.0.0.1"})
	m.Set(Group{Prefix: "fwsync_Block_", Action: ActionBlock}, []string{"10.0.0.1", "10.0.0.2"})
	m.Set(Group{Prefix: "fwsync_Allow_", Action: ActionAllow}, []string{"10.0.0.1"})
	m.Set(Group{Prefix: "fwsync_RangeBlock_", Action: ActionBlock, Kind: KindRange}, []string{"10.0.0.0/24"})

	groups := m.GroupsHolding([]string{"10.0.0.1"})
	prefixes := make([]string, len(groups))
	for i, g := range groups {
		prefixes[i] = g.Prefix
	}
	assert.Equal(t, []string{"fwsync_Block_", "fwsync_ssh_"}, prefixes)
	assert.Empty(t, m.GroupsHolding([]string{"10.9.9.9"}))
}

func TestMirror_Clear(t *testing.T) {
	m := NewMirror()
	m.Set(Group{Prefix: "fwsync_Block_"}, []string{"10.0.0.1"})
	m.Clear()
	assert.Empty(t, m.Groups())
	assert.Empty(t, m.Entries(func(Group) bool { return true }))
}
