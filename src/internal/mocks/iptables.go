package mocks

import (
	"fmt"
	"strings"
	"sync"
)

// MockRuleTable emulates the subset of go-iptables used by the set-backed
// backend. Rules are kept per table/chain in insertion order and listed in
// iptables -S form.
type MockRuleTable struct {
	mu     sync.Mutex
	chains map[string][]string

	// ListErr, when set, is returned by List.
	ListErr error

	InsertCalls int
	AppendCalls int
	DeleteCalls int
}

func NewMockRuleTable() *MockRuleTable {
	return &MockRuleTable{chains: make(map[string][]string)}
}

func key(table, chain string) string {
	return table + "/" + chain
}

func (m *MockRuleTable) List(table, chain string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	out := []string{fmt.Sprintf("-P %s ACCEPT", chain)}
	for _, rule := range m.chains[key(table, chain)] {
		out = append(out, fmt.Sprintf("-A %s %s", chain, rule))
	}
	return out, nil
}

func (m *MockRuleTable) Insert(table, chain string, pos int, rulespec ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InsertCalls++
	rules := m.chains[key(table, chain)]
	if pos < 1 || pos > len(rules)+1 {
		return fmt.Errorf("index of insertion too big: %d", pos)
	}
	rule := strings.Join(rulespec, " ")
	rules = append(rules[:pos-1], append([]string{rule}, rules[pos-1:]...)...)
	m.chains[key(table, chain)] = rules
	return nil
}

func (m *MockRuleTable) Append(table, chain string, rulespec ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AppendCalls++
	k := key(table, chain)
	m.chains[k] = append(m.chains[k], strings.Join(rulespec, " "))
	return nil
}

func (m *MockRuleTable) Delete(table, chain string, rulespec ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DeleteCalls++
	k := key(table, chain)
	rule := strings.Join(rulespec, " ")
	for i, r := range m.chains[k] {
		if r == rule {
			m.chains[k] = append(m.chains[k][:i], m.chains[k][i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("bad rule (does a matching rule exist in that chain?): %s", rule)
}

func (m *MockRuleTable) Exists(table, chain string, rulespec ...string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rule := strings.Join(rulespec, " ")
	for _, r := range m.chains[key(table, chain)] {
		if r == rule {
			return true, nil
		}
	}
	return false, nil
}

// Rules returns the rule specs of a chain in order.
func (m *MockRuleTable) Rules(table, chain string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.chains[key(table, chain)]...)
}

// Seed appends rules without counting calls.
func (m *MockRuleTable) Seed(table, chain string, rules ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(table, chain)
	m.chains[k] = append(m.chains[k], rules...)
}
