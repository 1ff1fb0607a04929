package mocks

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/maksimkurb/fwsync/src/internal/proc"
)

// MockRunner is a mock implementation of proc.Runner.
//
// It records every command (with its stdin fully read) so tests can assert
// on the exact tool invocations without running ipset, iptables or netsh.
type MockRunner struct {
	mu sync.Mutex

	// RunFunc is called by Run if not nil. stdin holds the command's input.
	RunFunc func(cmd proc.Command, stdin string) (*proc.Result, error)

	Commands []proc.Command
	Stdins   []string
}

func NewMockRunner() *MockRunner {
	return &MockRunner{}
}

// Run records the command and delegates to RunFunc.
func (m *MockRunner) Run(ctx context.Context, cmd proc.Command) (*proc.Result, error) {
	var stdin string
	if cmd.Stdin != nil {
		data, err := io.ReadAll(cmd.Stdin)
		if err != nil {
			return nil, err
		}
		stdin = string(data)
	}

	m.mu.Lock()
	m.Commands = append(m.Commands, cmd)
	m.Stdins = append(m.Stdins, stdin)
	fn := m.RunFunc
	m.mu.Unlock()

	if fn == nil {
		return &proc.Result{}, nil
	}
	return fn(cmd, stdin)
}

// Invocations returns the rendered command lines seen so far.
func (m *MockRunner) Invocations() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.Commands))
	for i, c := range m.Commands {
		out[i] = c.String()
	}
	return out
}

// CountPrefix returns how many invocations start with prefix.
func (m *MockRunner) CountPrefix(prefix string) int {
	n := 0
	for _, line := range m.Invocations() {
		if strings.HasPrefix(line, prefix) {
			n++
		}
	}
	return n
}

// Reset forgets recorded commands.
func (m *MockRunner) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Commands = nil
	m.Stdins = nil
}
