package ipsetfw

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/coreos/go-iptables/iptables"
	"github.com/pkg/errors"

	fwerrors "github.com/maksimkurb/fwsync/src/internal/errors"
	"github.com/maksimkurb/fwsync/src/internal/firewall"
	"github.com/maksimkurb/fwsync/src/internal/log"
	"github.com/maksimkurb/fwsync/src/internal/netaddr"
	"github.com/maksimkurb/fwsync/src/internal/proc"
)

const (
	ipsetCommand = "ipset"

	hashTypeAddress = "ip"
	hashTypeNetwork = "net"

	setFileExt = ".set"

	// maxSetNameLength is the kernel limit (IPSET_MAXNAMELEN - 1).
	maxSetNameLength = 31
)

// RuleTable is the part of *iptables.IPTables the backend uses.
type RuleTable interface {
	List(table, chain string) ([]string, error)
	Insert(table, chain string, pos int, rulespec ...string) error
	Append(table, chain string, rulespec ...string) error
	Delete(table, chain string, rulespec ...string) error
	Exists(table, chain string, rulespec ...string) (bool, error)
}

// Config describes one family's set-backed backend.
type Config struct {
	Family   netaddr.Family
	StateDir string
	Naming   firewall.Naming
	// LegacyPrefix marks sets and files left by an older naming scheme.
	LegacyPrefix string

	Table string
	Chain string

	HashSize         int
	BlockMaxElements int
	RangeMaxElements int
	AllowMaxElements int

	BlockRuleTemplate string
	AllowRuleTemplate string
}

// Backend implements firewall.Backend on top of ipset and iptables.
type Backend struct {
	cfg    Config
	runner proc.Runner
	table  RuleTable

	// rebuild forces a delete-then-recreate on the next write of every set
	// not yet in rebuilt.
	rebuild bool
	rebuilt map[string]bool
}

// New creates a backend from explicit collaborators.
func New(cfg Config, runner proc.Runner, table RuleTable) *Backend {
	return &Backend{
		cfg:     cfg,
		runner:  runner,
		table:   table,
		rebuilt: make(map[string]bool),
	}
}

// NewSystem creates a backend driving the host's ipset and iptables binaries.
func NewSystem(cfg Config) (*Backend, error) {
	if !proc.IsPrivileged() {
		return nil, fwerrors.NewConfigError("the ipset backend must run as root", nil)
	}

	protocol := iptables.ProtocolIPv4
	if cfg.Family == netaddr.IPv6 {
		protocol = iptables.ProtocolIPv6
	}
	ipt, err := iptables.NewWithProtocol(protocol)
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize iptables")
	}

	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create state directory %s", cfg.StateDir)
	}

	return New(cfg, proc.NewExecRunner(), ipt), nil
}

func (b *Backend) Family() netaddr.Family {
	return b.cfg.Family
}

// SetName returns the ipset backing the group with prefix.
func SetName(prefix string) string {
	return firewall.RuleName(prefix, 0)
}

func (b *Backend) definitionPath(setName string) string {
	return filepath.Join(b.cfg.StateDir, setName+setFileExt)
}

func (b *Backend) snapshotPath() string {
	if b.cfg.Family == netaddr.IPv6 {
		return filepath.Join(b.cfg.StateDir, "rules.v6")
	}
	return filepath.Join(b.cfg.StateDir, "rules.v4")
}

func (b *Backend) capacity(g firewall.Group) int {
	switch {
	case g.Action == firewall.ActionAllow:
		return b.cfg.AllowMaxElements
	case g.Kind == firewall.KindRange:
		return b.cfg.RangeMaxElements
	default:
		return b.cfg.BlockMaxElements
	}
}

func hashType(kind firewall.Kind) string {
	if kind == firewall.KindRange {
		return hashTypeNetwork
	}
	return hashTypeAddress
}

func (b *Backend) SetMembers(ctx context.Context, g firewall.Group, entries []string) ([]string, error) {
	setName, err := b.setNameOf(g.Prefix)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		log.Infof("[ipset %s] Membership is empty, deleting rule", setName)
		_, err := b.deleteSet(ctx, setName)
		return nil, err
	}

	previous, err := b.readMembers(setName)
	if err != nil {
		return nil, err
	}
	return b.ReplaceMembership(ctx, g, entries, previous, b.takeRebuild(setName))
}

func (b *Backend) ApplyDelta(ctx context.Context, g firewall.Group, deltas []firewall.Delta) error {
	setName, err := b.setNameOf(g.Prefix)
	if err != nil {
		return err
	}
	previous, err := b.readMembers(setName)
	if err != nil {
		return err
	}

	next := make(map[string]struct{}, len(previous))
	for _, e := range previous {
		next[e] = struct{}{}
	}
	for _, d := range sortRemovalsFirst(deltas) {
		if d.Added {
			next[d.Address] = struct{}{}
		} else {
			delete(next, d.Address)
		}
	}

	entries := make([]string, 0, len(next))
	for e := range next {
		entries = append(entries, e)
	}
	sort.Strings(entries)

	if len(entries) == 0 {
		log.Infof("[ipset %s] Last entry removed, deleting rule", setName)
		_, err := b.deleteSet(ctx, setName)
		return err
	}
	_, err = b.ReplaceMembership(ctx, g, entries, previous, b.takeRebuild(setName))
	return err
}

func (b *Backend) Members(ctx context.Context, prefix string) ([]string, error) {
	return b.readMembers(SetName(prefix))
}

func (b *Backend) RuleExists(ctx context.Context, name string) (bool, error) {
	if !b.cfg.Naming.Owns(name) {
		return false, nil
	}
	setName := normalizeSetName(name)
	_, idx, err := b.findRule(setName)
	if err != nil {
		return false, err
	}
	return idx >= 0, nil
}

// DeleteRule only touches sets under this backend's naming; the state
// directory is shared between address families.
func (b *Backend) DeleteRule(ctx context.Context, name string) (bool, error) {
	if !b.cfg.Naming.Owns(name) {
		return false, nil
	}
	return b.deleteSet(ctx, normalizeSetName(name))
}

// Load restores every persisted set and the rules snapshot, then reports the
// groups found in the state directory.
func (b *Backend) Load(ctx context.Context) ([]firewall.GroupState, error) {
	defs, err := b.definitions()
	if err != nil {
		return nil, err
	}

	for _, setName := range defs {
		if err := b.restoreFile(ctx, b.definitionPath(setName)); err != nil {
			log.Errorf("[ipset %s] Failed to restore definition: %v", setName, err)
		}
	}
	b.restoreSnapshot(ctx, defs)

	var states []firewall.GroupState
	for _, setName := range defs {
		prefix, _, ok := firewall.SplitRuleName(setName)
		if !ok {
			continue
		}
		def, err := readDefinition(b.definitionPath(setName))
		if err != nil {
			log.Warnf("[ipset %s] Skipping unreadable definition: %v", setName, err)
			continue
		}
		action, kind := b.cfg.Naming.Classify(prefix)
		g := firewall.Group{Prefix: prefix, Action: action, Kind: kind}
		if ports, found, err := b.rulePorts(setName, action); err == nil && found {
			g.Ports = ports
		}
		if len(def.members) > 0 {
			if err := b.EnsureRule(ctx, g); err != nil {
				log.Errorf("[ipset %s] Failed to ensure rule: %v", setName, err)
			}
		}
		states = append(states, firewall.GroupState{Group: g, Entries: def.sortedMembers()})
	}
	return states, nil
}

// definitions lists managed set names that have a definition file.
func (b *Backend) definitions() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(b.cfg.StateDir, "*"+setFileExt))
	if err != nil {
		return nil, err
	}
	var names []string
	for _, m := range matches {
		name := filepath.Base(m)
		name = name[:len(name)-len(setFileExt)]
		if b.cfg.Naming.Owns(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (b *Backend) setNameOf(prefix string) (string, error) {
	name := SetName(prefix)
	if len(name) > maxSetNameLength {
		return "", fwerrors.NewValidationError(fmt.Sprintf("set name %s is longer than %d characters", name, maxSetNameLength), nil)
	}
	return name, nil
}

// normalizeSetName accepts a set name or a group prefix.
func normalizeSetName(name string) string {
	if _, _, ok := firewall.SplitRuleName(name); ok {
		return name
	}
	return SetName(name)
}

func (b *Backend) takeRebuild(setName string) bool {
	if !b.rebuild || b.rebuilt[setName] {
		return false
	}
	b.rebuilt[setName] = true
	return true
}

func (b *Backend) readMembers(setName string) ([]string, error) {
	def, err := readDefinition(b.definitionPath(setName))
	if err != nil {
		if os.IsNotExist(errors.Cause(err)) {
			return nil, nil
		}
		return nil, err
	}
	return def.sortedMembers(), nil
}

func sortRemovalsFirst(deltas []firewall.Delta) []firewall.Delta {
	out := append([]firewall.Delta(nil), deltas...)
	sort.SliceStable(out, func(i, j int) bool { return !out[i].Added && out[j].Added })
	return out
}
