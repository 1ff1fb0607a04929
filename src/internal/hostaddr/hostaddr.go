// Package hostaddr knows the addresses assigned to this host so they are never
// blocked.
package hostaddr

import (
	"net/netip"
	"sync"

	"github.com/maksimkurb/fwsync/src/internal/log"
)

// Lister returns the addresses currently assigned to local interfaces.
type Lister func() ([]netip.Addr, error)

// Set is a refreshable set of local addresses.
type Set struct {
	mu    sync.RWMutex
	addrs map[netip.Addr]struct{}
	list  Lister
}

// New creates a set and loads it once. A failing lister leaves the set with
// only the loopback and unspecified addresses protected.
func New(list Lister) *Set {
	s := &Set{addrs: make(map[netip.Addr]struct{}), list: list}
	if err := s.Refresh(); err != nil {
		log.Warnf("Failed to list local addresses: %v", err)
	}
	return s
}

func (s *Set) Refresh() error {
	addrs, err := s.list()
	if err != nil {
		return err
	}
	next := make(map[netip.Addr]struct{}, len(addrs))
	for _, a := range addrs {
		next[a.Unmap()] = struct{}{}
	}

	s.mu.Lock()
	s.addrs = next
	s.mu.Unlock()

	log.Debugf("Protecting %d local addresses", len(next))
	return nil
}

// Contains reports whether addr belongs to this host.
func (s *Set) Contains(addr netip.Addr) bool {
	addr = addr.Unmap()
	if addr.IsLoopback() || addr.IsUnspecified() {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.addrs[addr]
	return ok
}

// Addrs returns a copy of the known local addresses.
func (s *Set) Addrs() []netip.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]netip.Addr, 0, len(s.addrs))
	for a := range s.addrs {
		out = append(out, a)
	}
	return out
}
