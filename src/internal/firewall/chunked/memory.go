package chunked

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-process PolicyStore used for dry runs and tests.
type MemoryStore struct {
	mu    sync.Mutex
	rules map[string]Rule

	Puts    int
	Deletes int
	Renames int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rules: make(map[string]Rule)}
}

func (m *MemoryStore) Rules(ctx context.Context, prefix string) (iter.Seq[Rule], error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.rules))
	for name := range m.rules {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	snapshot := make([]Rule, len(names))
	for i, name := range names {
		snapshot[i] = cloneRule(m.rules[name])
	}
	return slices.Values(snapshot), nil
}

func (m *MemoryStore) TryGetRule(ctx context.Context, name string) (Rule, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[name]
	return cloneRule(r), ok, nil
}

func (m *MemoryStore) PutRule(ctx context.Context, r Rule) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Puts++
	m.rules[r.Name] = cloneRule(r)
	return nil
}

func (m *MemoryStore) DeleteRule(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[name]; !ok {
		return false, nil
	}
	m.Deletes++
	delete(m.rules, name)
	return true, nil
}

func (m *MemoryStore) RenameRule(ctx context.Context, oldName, newName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[oldName]
	if !ok {
		return fmt.Errorf("rule %s does not exist", oldName)
	}
	m.Renames++
	delete(m.rules, oldName)
	r.Name = newName
	m.rules[newName] = r
	return nil
}

// Names returns every rule name in sorted order.
func (m *MemoryStore) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.rules))
	for name := range m.rules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func cloneRule(r Rule) Rule {
	r.Addresses = slices.Clone(r.Addresses)
	return r
}
