package chunked

import (
	"context"
	"iter"
	"sync"

	"github.com/maksimkurb/fwsync/src/internal/firewall"
)

// Direction is the traffic direction a rule filters.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// Rule is one native policy rule with an inline address list.
type Rule struct {
	Name      string
	Action    firewall.Action
	Direction Direction
	// Addresses are canonical entries without host suffixes.
	Addresses []string
	// Ports is the rendered local port list. Empty means all ports.
	Ports string
}

// PolicyStore reads and writes native policy rules. Absence is reported
// through found flags, never as an error.
type PolicyStore interface {
	// Rules returns every rule whose name starts with prefix.
	Rules(ctx context.Context, prefix string) (iter.Seq[Rule], error)
	TryGetRule(ctx context.Context, name string) (Rule, bool, error)
	// PutRule creates the rule or replaces the one with the same name.
	PutRule(ctx context.Context, r Rule) error
	DeleteRule(ctx context.Context, name string) (bool, error)
	RenameRule(ctx context.Context, oldName, newName string) error
}

// Policy is the only way to reach a PolicyStore. It holds one mutex for every
// read-modify-write sequence.
type Policy struct {
	mu    sync.Mutex
	store PolicyStore
}

func NewPolicy(store PolicyStore) *Policy {
	return &Policy{store: store}
}

// Locked runs fn with exclusive access to the store.
func (p *Policy) Locked(fn func(PolicyStore) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fn(p.store)
}
