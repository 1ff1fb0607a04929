package ipsetfw

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"github.com/valyala/fasttemplate"

	fwerrors "github.com/maksimkurb/fwsync/src/internal/errors"
	"github.com/maksimkurb/fwsync/src/internal/firewall"
	"github.com/maksimkurb/fwsync/src/internal/log"
	"github.com/maksimkurb/fwsync/src/internal/netaddr"
	"github.com/maksimkurb/fwsync/src/internal/proc"
	"github.com/maksimkurb/fwsync/src/internal/utils"
)

const (
	DefaultBlockRuleTemplate = "-m set --match-set {{set_name}} src {{ports}} -j DROP"
	DefaultAllowRuleTemplate = "-m set --match-set {{set_name}} src {{ports}} -j ACCEPT"

	DefaultTable = "filter"
	DefaultChain = "INPUT"
)

// EnsureRule creates the group's set if needed and makes sure exactly one rule
// in the managed chain references it with the group's current port clause.
func (b *Backend) EnsureRule(ctx context.Context, g firewall.Group) error {
	setName := SetName(g.Prefix)

	createArgs := strings.Fields(b.createLine(setName, g))
	if _, err := b.runner.Run(ctx, proc.Command{Name: ipsetCommand, Args: createArgs}); err != nil {
		return err
	}

	if !utils.FileExists(b.definitionPath(setName)) {
		if err := b.captureDefinition(ctx, setName); err != nil {
			log.Warnf("[ipset %s] Failed to capture definition: %v", setName, err)
		}
	}

	spec, err := b.ruleSpec(setName, g)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	line, pos, err := b.findRule(setName)
	if err != nil {
		return err
	}

	switch {
	case pos < 0:
		log.Infof("[ipset %s] Appending rule to %s/%s", setName, b.cfg.Table, b.cfg.Chain)
		if err := b.table.Append(b.cfg.Table, b.cfg.Chain, spec...); err != nil {
			return errors.Wrapf(err, "failed to append rule for %s", setName)
		}
	case sameTokens(ruleTokens(line), spec):
		log.Debugf("[ipset %s] Rule is up to date", setName)
		return nil
	default:
		log.Infof("[ipset %s] Replacing rule at position %d", setName, pos)
		if err := b.table.Delete(b.cfg.Table, b.cfg.Chain, ruleTokens(line)...); err != nil {
			return errors.Wrapf(err, "failed to delete rule for %s", setName)
		}
		if err := b.table.Insert(b.cfg.Table, b.cfg.Chain, pos, spec...); err != nil {
			return errors.Wrapf(err, "failed to insert rule for %s", setName)
		}
	}

	b.saveSnapshot(ctx)
	return nil
}

// maxMultiportSlots is the most ports one iptables multiport match takes. A
// range uses two slots.
const maxMultiportSlots = 15

// ruleSpec renders the rule template for the group.
func (b *Backend) ruleSpec(setName string, g firewall.Group) ([]string, error) {
	tmpl := b.cfg.BlockRuleTemplate
	if tmpl == "" {
		tmpl = DefaultBlockRuleTemplate
	}
	if g.Action == firewall.ActionAllow {
		if b.cfg.AllowRuleTemplate != "" {
			tmpl = b.cfg.AllowRuleTemplate
		} else {
			tmpl = DefaultAllowRuleTemplate
		}
	}

	clause, err := portClause(g)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot render rule for %s", setName)
	}

	rendered := fasttemplate.New(tmpl, "{{", "}}").ExecuteString(map[string]interface{}{
		"set_name": setName,
		"ports":    clause,
	})
	return strings.Fields(rendered), nil
}

// portClause renders the multiport match of a group. Block rules list the
// blocked ports, or negate the allowed ports when the blocked list does not
// fit in one match.
func portClause(g firewall.Group) (string, error) {
	allowed := netaddr.NormalizePorts(g.Ports)
	if len(allowed) == 0 {
		return "", nil
	}
	if g.Action == firewall.ActionAllow {
		if netaddr.MultiportSlots(allowed) > maxMultiportSlots {
			return "", tooManyPorts(allowed)
		}
		return "-p tcp -m multiport --dports " + netaddr.AllowOnlyPorts(allowed, netaddr.PortStyleIPTables), nil
	}

	blocked, err := netaddr.BlockExceptPorts(allowed, netaddr.PortStyleIPTables)
	if err != nil {
		return "", err
	}
	switch {
	case netaddr.MultiportSlots(netaddr.ComplementPorts(allowed)) <= maxMultiportSlots:
		return "-p tcp -m multiport --dports " + blocked, nil
	case netaddr.MultiportSlots(allowed) <= maxMultiportSlots:
		return "-p tcp -m multiport ! --dports " + netaddr.FormatPorts(allowed, netaddr.PortStyleIPTables), nil
	default:
		return "", tooManyPorts(allowed)
	}
}

func tooManyPorts(ports []netaddr.PortRange) error {
	return fwerrors.NewValidationError(fmt.Sprintf("port list %s needs %d multiport slots, at most %d are supported",
		netaddr.FormatPorts(ports, netaddr.PortStyleIPTables), netaddr.MultiportSlots(ports), maxMultiportSlots), nil)
}

// findRule returns the listed rule referencing setName and its 1-based
// position in the chain, or -1 when absent.
func (b *Backend) findRule(setName string) (string, int, error) {
	lines, err := b.table.List(b.cfg.Table, b.cfg.Chain)
	if err != nil {
		return "", -1, errors.Wrapf(err, "failed to list %s/%s", b.cfg.Table, b.cfg.Chain)
	}
	// lines[0] is the chain policy or declaration, so list index equals rule position.
	for i, line := range lines {
		if i == 0 {
			continue
		}
		if referencesSet(line, setName) {
			return line, i, nil
		}
	}
	return "", -1, nil
}

func referencesSet(line, setName string) bool {
	fields := strings.Fields(line)
	for i := 0; i+1 < len(fields); i++ {
		if fields[i] == "--match-set" && fields[i+1] == setName {
			return true
		}
	}
	return false
}

// ruleTokens strips "-A <chain>" from a listed rule.
func ruleTokens(line string) []string {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return nil
	}
	return fields[2:]
}

func sameTokens(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x := slices.Clone(a)
	y := slices.Clone(b)
	slices.Sort(x)
	slices.Sort(y)
	return slices.Equal(x, y)
}

// rulePorts recovers the allowed ports of a group from its live rule.
func (b *Backend) rulePorts(setName string, action firewall.Action) ([]netaddr.PortRange, bool, error) {
	line, pos, err := b.findRule(setName)
	if err != nil || pos < 0 {
		return nil, false, err
	}
	fields := strings.Fields(line)
	for i := 0; i+1 < len(fields); i++ {
		if fields[i] != "--dports" && fields[i] != "--dport" {
			continue
		}
		ports, err := netaddr.ParsePortRanges(fields[i+1])
		if err != nil {
			return nil, false, err
		}
		negated := i > 0 && fields[i-1] == "!"
		if action == firewall.ActionBlock && !negated {
			ports = netaddr.ComplementPorts(ports)
		}
		return ports, true, nil
	}
	return nil, true, nil
}

func (b *Backend) removeRule(ctx context.Context, setName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	line, pos, err := b.findRule(setName)
	if err != nil || pos < 0 {
		return err
	}
	if err := b.table.Delete(b.cfg.Table, b.cfg.Chain, ruleTokens(line)...); err != nil {
		return errors.Wrapf(err, "failed to delete rule for %s", setName)
	}
	log.Infof("[ipset %s] Rule deleted", setName)
	return nil
}

// deleteSet removes the rule, the set and its definition file.
func (b *Backend) deleteSet(ctx context.Context, setName string) (bool, error) {
	_, pos, err := b.findRule(setName)
	if err != nil {
		return false, err
	}
	path := b.definitionPath(setName)
	found := pos >= 0 || utils.FileExists(path)
	if !found {
		names, err := b.listSets(ctx)
		if err != nil {
			return false, err
		}
		found = slices.Contains(names, setName)
	}
	if !found {
		return false, nil
	}

	if err := b.removeRule(ctx, setName); err != nil {
		return true, err
	}
	if err := b.destroySet(ctx, setName); err != nil {
		return true, err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return true, errors.Wrapf(err, "failed to remove %s", path)
	}
	b.saveSnapshot(ctx)
	return true, nil
}

func (b *Backend) listSets(ctx context.Context) ([]string, error) {
	res, err := b.runner.Run(ctx, proc.Command{Name: ipsetCommand, Args: []string{"list", "-n"}})
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range res.Stdout {
		if name := strings.TrimSpace(line); name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}

func (b *Backend) saveCommand() string {
	if b.cfg.Family == netaddr.IPv6 {
		return "ip6tables-save"
	}
	return "iptables-save"
}

func (b *Backend) restoreCommand() string {
	if b.cfg.Family == netaddr.IPv6 {
		return "ip6tables-restore"
	}
	return "iptables-restore"
}

// saveSnapshot persists the rule table. Failures are logged only.
func (b *Backend) saveSnapshot(ctx context.Context) {
	res, err := b.runner.Run(ctx, proc.Command{Name: b.saveCommand()})
	if err != nil {
		log.Warnf("Failed to save rules snapshot: %v", err)
		return
	}
	path := b.snapshotPath()
	tmp := path + ".tmp"
	content := strings.Join(res.Stdout, "\n") + "\n"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		log.Warnf("Failed to write rules snapshot: %v", err)
		return
	}
	if err := utils.ReplaceFile(tmp, path); err != nil {
		log.Warnf("Failed to replace rules snapshot: %v", err)
	}
}

// restoreSnapshot loads the saved rule table when none of the managed sets has
// a rule, which is the state after a reboot.
func (b *Backend) restoreSnapshot(ctx context.Context, setNames []string) {
	path := b.snapshotPath()
	if len(setNames) == 0 || !utils.FileExists(path) {
		return
	}
	for _, name := range setNames {
		if _, pos, err := b.findRule(name); err != nil || pos >= 0 {
			return
		}
	}

	f, err := os.Open(path)
	if err != nil {
		log.Warnf("Failed to open rules snapshot: %v", err)
		return
	}
	defer utils.CloseOrWarn(f)

	log.Infof("Restoring rules snapshot from %s", path)
	if _, err := b.runner.Run(ctx, proc.Command{Name: b.restoreCommand(), Stdin: f}); err != nil {
		log.Errorf("Failed to restore rules snapshot: %v", err)
	}
}
