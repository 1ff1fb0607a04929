package firewall

import (
	"context"
	"iter"

	"github.com/maksimkurb/fwsync/src/internal/netaddr"
)

// NoPort is passed to IsBlocked when the caller has no port to check.
const NoPort = -1

// Action is what a rule does with matched traffic.
type Action int

const (
	ActionBlock Action = iota
	ActionAllow
)

func (a Action) String() string {
	if a == ActionAllow {
		return "allow"
	}
	return "block"
}

// Kind is the shape of the entries a group holds.
type Kind int

const (
	// KindAddress groups hold single host addresses.
	KindAddress Kind = iota
	// KindRange groups hold CIDR networks and ranges.
	KindRange
)

func (k Kind) String() string {
	if k == KindRange {
		return "range"
	}
	return "address"
}

// Delta is one membership change.
type Delta struct {
	Address string `json:"address"`
	Added   bool   `json:"added"`
}

// Group is one logical rule family: every rule whose name starts with Prefix.
type Group struct {
	Prefix string
	Action Action
	Kind   Kind
	// Ports restricts the rule. For ActionBlock they are the ports left open,
	// for ActionAllow the only ports allowed. Empty means all ports.
	Ports []netaddr.PortRange
}

// GroupState is a group with its persisted membership, as reported by a
// backend at startup.
type GroupState struct {
	Group
	Entries []string
}

// Backend is one family's packet filter implementation. Entries are canonical
// address or range strings (see netaddr.CanonicalEntry).
type Backend interface {
	Family() netaddr.Family

	// Migrate detects legacy naming and converts or purges it.
	Migrate(ctx context.Context) error

	// Load reconstructs every managed group from persisted state.
	Load(ctx context.Context) ([]GroupState, error)

	// SetMembers replaces the group's membership with entries and returns the
	// membership as persisted, which may differ in form from entries.
	SetMembers(ctx context.Context, g Group, entries []string) ([]string, error)

	// ApplyDelta applies incremental changes to the group's membership.
	ApplyDelta(ctx context.Context, g Group, deltas []Delta) error

	// Members returns the persisted membership of the group with prefix.
	Members(ctx context.Context, prefix string) ([]string, error)

	RuleExists(ctx context.Context, name string) (bool, error)

	// DeleteRule removes a rule by name. found is false when it did not exist.
	DeleteRule(ctx context.Context, name string) (found bool, err error)

	// Truncate removes every managed rule, set and file.
	Truncate(ctx context.Context) error
}

// Firewall is the contract offered to the ban-decision engine. Mutating calls
// return false on failure and never panic through the caller.
type Firewall interface {
	BlockAddresses(ctx context.Context, group string, addresses []string) bool
	BlockAddressesDelta(ctx context.Context, group string, deltas []Delta) bool
	BlockRanges(ctx context.Context, group string, ranges []string, allowedPorts []netaddr.PortRange) bool
	AllowAddresses(ctx context.Context, addresses []string) bool
	UnblockAddresses(ctx context.Context, addresses []string) bool

	IsBlocked(ctx context.Context, address string, port int) bool
	IsAllowed(ctx context.Context, address string) bool

	EnumerateBanned(ctx context.Context) iter.Seq[string]
	EnumerateAllowed(ctx context.Context) iter.Seq[string]
	EnumerateRanges(ctx context.Context, group string) iter.Seq[string]

	RuleExists(ctx context.Context, name string) bool
	DeleteRule(ctx context.Context, name string) bool
	Truncate(ctx context.Context) bool
}
