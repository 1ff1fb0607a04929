package chunked

import (
	"context"
	"iter"
	"slices"
	"strings"

	"github.com/pkg/errors"

	fwerrors "github.com/maksimkurb/fwsync/src/internal/errors"
	"github.com/maksimkurb/fwsync/src/internal/firewall"
	"github.com/maksimkurb/fwsync/src/internal/log"
	"github.com/maksimkurb/fwsync/src/internal/netaddr"
	"github.com/maksimkurb/fwsync/src/internal/proc"
)

const (
	netshCommand = "netsh"
	noRulesMatch = "No rules match the specified criteria"
)

// NetshStore drives Windows Firewall through "netsh advfirewall firewall".
type NetshStore struct {
	runner    proc.Runner
	direction Direction
}

func NewNetshStore(runner proc.Runner, direction Direction) *NetshStore {
	if direction == "" {
		direction = DirectionIn
	}
	return &NetshStore{runner: runner, direction: direction}
}

func (s *NetshStore) run(ctx context.Context, args ...string) (*proc.Result, error) {
	return s.runner.Run(ctx, proc.Command{
		Name: netshCommand,
		Args: append([]string{"advfirewall", "firewall"}, args...),
	})
}

func (s *NetshStore) Rules(ctx context.Context, prefix string) (iter.Seq[Rule], error) {
	res, err := s.run(ctx, "show", "rule", "name=all", "dir="+string(s.direction), "verbose")
	if err != nil {
		if isNoMatch(res) {
			return slices.Values([]Rule(nil)), nil
		}
		return nil, err
	}
	rules := parseRules(res.Stdout)
	return func(yield func(Rule) bool) {
		for _, r := range rules {
			if !strings.HasPrefix(r.Name, prefix) {
				continue
			}
			if !yield(r) {
				return
			}
		}
	}, nil
}

func (s *NetshStore) TryGetRule(ctx context.Context, name string) (Rule, bool, error) {
	res, err := s.run(ctx, "show", "rule", "name="+name, "verbose")
	if err != nil {
		if isNoMatch(res) {
			return Rule{}, false, nil
		}
		return Rule{}, false, err
	}
	for _, r := range parseRules(res.Stdout) {
		if r.Name == name {
			return r, true, nil
		}
	}
	return Rule{}, false, nil
}

func (s *NetshStore) PutRule(ctx context.Context, r Rule) error {
	addresses := strings.Join(r.Addresses, ",")
	if len(r.Addresses) == 0 || netaddr.IsMatchAll(addresses) {
		return fwerrors.NewValidationError("refusing to write rule "+r.Name+" without addresses", nil)
	}

	existing, exists, err := s.TryGetRule(ctx, r.Name)
	if err != nil {
		return err
	}

	protocol := "any"
	if r.Ports != "" {
		protocol = "tcp"
	}
	action := "block"
	if r.Action == firewall.ActionAllow {
		action = "allow"
	}

	// netsh refuses protocol=any while the rule still carries a local port, so
	// dropping the port restriction recreates the rule.
	if exists && existing.Ports != "" && r.Ports == "" {
		if _, err := s.DeleteRule(ctx, r.Name); err != nil {
			return errors.Wrapf(err, "failed to replace rule %s", r.Name)
		}
		exists = false
	}

	if exists {
		args := []string{"set", "rule", "name=" + r.Name, "new",
			"remoteip=" + addresses, "action=" + action, "protocol=" + protocol}
		if r.Ports != "" {
			args = append(args, "localport="+r.Ports)
		}
		_, err = s.run(ctx, args...)
		return errors.Wrapf(err, "failed to update rule %s", r.Name)
	}

	dir := r.Direction
	if dir == "" {
		dir = s.direction
	}
	args := []string{"add", "rule", "name=" + r.Name, "dir=" + string(dir), "action=" + action,
		"enable=yes", "profile=any", "remoteip=" + addresses, "protocol=" + protocol}
	if r.Ports != "" {
		args = append(args, "localport="+r.Ports)
	}
	_, err = s.run(ctx, args...)
	return errors.Wrapf(err, "failed to add rule %s", r.Name)
}

func (s *NetshStore) DeleteRule(ctx context.Context, name string) (bool, error) {
	res, err := s.run(ctx, "delete", "rule", "name="+name)
	if err != nil {
		if isNoMatch(res) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *NetshStore) RenameRule(ctx context.Context, oldName, newName string) error {
	_, err := s.run(ctx, "set", "rule", "name="+oldName, "new", "name="+newName)
	return errors.Wrapf(err, "failed to rename rule %s", oldName)
}

func isNoMatch(res *proc.Result) bool {
	if res == nil {
		return false
	}
	for _, line := range res.Stdout {
		if strings.Contains(line, noRulesMatch) {
			return true
		}
	}
	return strings.Contains(res.Stderr, noRulesMatch)
}

// parseRules reads the verbose "show rule" listing. Each rule starts with a
// "Rule Name:" line followed by "Key: Value" lines.
func parseRules(lines []string) []Rule {
	var rules []Rule
	var cur *Rule
	flush := func() {
		if cur != nil && cur.Name != "" {
			rules = append(rules, *cur)
		}
		cur = nil
	}

	for _, line := range lines {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "Rule Name":
			flush()
			cur = &Rule{Name: value}
		case "Direction":
			if cur != nil {
				cur.Direction = Direction(strings.ToLower(value))
			}
		case "RemoteIP":
			if cur != nil {
				cur.Addresses = parseRemoteIP(cur.Name, value)
			}
		case "LocalPort":
			if cur != nil && !strings.EqualFold(value, "Any") {
				cur.Ports = value
			}
		case "Action":
			if cur != nil && strings.EqualFold(value, "Allow") {
				cur.Action = firewall.ActionAllow
			}
		}
	}
	flush()
	return rules
}

func parseRemoteIP(ruleName, value string) []string {
	if netaddr.IsMatchAll(value) {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		entry, ok := netaddr.CanonicalEntry(strings.TrimSpace(part))
		if !ok {
			log.Warnf("[%s] Skipping unparseable remote address %q", ruleName, part)
			continue
		}
		out = append(out, entry)
	}
	return out
}
