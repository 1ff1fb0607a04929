package ipsetfw

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"

	fwerrors "github.com/maksimkurb/fwsync/src/internal/errors"
	"github.com/maksimkurb/fwsync/src/internal/firewall"
	"github.com/maksimkurb/fwsync/src/internal/log"
	"github.com/maksimkurb/fwsync/src/internal/netaddr"
	"github.com/maksimkurb/fwsync/src/internal/proc"
	"github.com/maksimkurb/fwsync/src/internal/utils"
)

// definition is a parsed set definition file.
type definition struct {
	setName  string
	hashType string
	members  map[string]struct{}
}

func (d *definition) sortedMembers() []string {
	out := make([]string, 0, len(d.members))
	for m := range d.members {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// readDefinition replays the add and del lines of a definition file in order.
func readDefinition(path string) (*definition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", path)
	}
	defer utils.CloseOrWarn(f)

	def := &definition{members: make(map[string]struct{})}
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		switch fields[0] {
		case "create":
			def.setName = fields[1]
			if len(fields) > 2 {
				def.hashType = strings.TrimPrefix(fields[2], "hash:")
			}
		case "add", "del":
			if len(fields) < 3 {
				log.Warnf("%s:%d: missing entry", path, lineNo)
				continue
			}
			entry, ok := netaddr.CanonicalEntry(fields[2])
			if !ok {
				log.Warnf("%s:%d: skipping unparseable entry %q", path, lineNo, fields[2])
				continue
			}
			if fields[0] == "add" {
				def.members[entry] = struct{}{}
			} else {
				delete(def.members, entry)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fwerrors.NewParseError("failed to read "+path, err)
	}
	return def, nil
}

func (b *Backend) createLine(setName string, g firewall.Group) string {
	hashSize := b.cfg.HashSize
	if hashSize <= 0 {
		hashSize = 1024
	}
	return fmt.Sprintf("create %s hash:%s family %s hashsize %d maxelem %d -exist",
		setName, hashType(g.Kind), b.cfg.Family, hashSize, b.capacity(g))
}

// ReplaceMembership writes the full membership of the group's set, swaps the
// definition file in and applies it. With deleteFirst the rule and set are
// torn down before the restore. It returns the membership now in effect.
func (b *Backend) ReplaceMembership(ctx context.Context, g firewall.Group, full, previous []string, deleteFirst bool) ([]string, error) {
	setName := SetName(g.Prefix)

	entries := b.filterEntries(setName, g.Kind, full)
	if len(entries) > b.capacity(g) {
		return nil, fwerrors.NewValidationError(
			fmt.Sprintf("%d entries exceed the capacity %d of set %s", len(entries), b.capacity(g), setName), nil)
	}

	path := b.definitionPath(setName)
	tmp := path + ".tmp"
	if err := b.writeDefinition(ctx, tmp, setName, g, entries, previous, deleteFirst); err != nil {
		_ = os.Remove(tmp)
		return nil, err
	}
	if err := utils.ReplaceFile(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return nil, errors.Wrapf(err, "failed to replace %s", path)
	}

	if deleteFirst {
		log.Infof("[ipset %s] Rebuilding set from scratch", setName)
		if err := b.removeRule(ctx, setName); err != nil {
			return nil, err
		}
		if err := b.destroySet(ctx, setName); err != nil {
			return nil, err
		}
	}

	if err := b.restoreFile(ctx, path); err != nil {
		return nil, err
	}
	if err := b.EnsureRule(ctx, g); err != nil {
		return nil, err
	}

	log.Debugf("[ipset %s] Membership replaced with %d entries", setName, len(entries))
	return entries, nil
}

func (b *Backend) writeDefinition(ctx context.Context, path, setName string, g firewall.Group, entries, previous []string, deleteFirst bool) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "failed to create state directory")
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", path)
	}
	defer utils.CloseOrWarn(f)

	w := bufio.NewWriter(f)
	writeLine := func(line string) error {
		if err := ctx.Err(); err != nil {
			return fwerrors.NewCancelledError("writing "+path, err)
		}
		_, err := w.WriteString(line + "\n")
		return err
	}

	if err := writeLine(b.createLine(setName, g)); err != nil {
		return err
	}
	keep := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		keep[e] = struct{}{}
		if err := writeLine(fmt.Sprintf("add %s %s -exist", setName, e)); err != nil {
			return err
		}
	}
	if !deleteFirst {
		for _, e := range previous {
			if _, ok := keep[e]; ok {
				continue
			}
			if err := writeLine(fmt.Sprintf("del %s %s -exist", setName, e)); err != nil {
				return err
			}
		}
	}
	return errors.Wrapf(w.Flush(), "failed to write %s", path)
}

// filterEntries canonicalizes entries and drops those the set type cannot hold.
func (b *Backend) filterEntries(setName string, kind firewall.Kind, entries []string) []string {
	seen := make(map[string]struct{}, len(entries))
	out := make([]string, 0, len(entries))
	for _, raw := range entries {
		entry, ok := netaddr.CanonicalEntry(raw)
		if !ok {
			log.Warnf("[ipset %s] Skipping unparseable entry %q", setName, raw)
			continue
		}
		if kind == firewall.KindAddress && !netaddr.IsSingleHost(entry) {
			log.Warnf("[ipset %s] hash:ip cannot hold range %s, skipping", setName, entry)
			continue
		}
		if _, dup := seen[entry]; dup {
			continue
		}
		seen[entry] = struct{}{}
		out = append(out, b.setEntries(kind, entry)...)
	}
	sort.Strings(out)
	return out
}

// setEntries expands a range that is not a single prefix into the CIDRs
// hash:net accepts.
func (b *Backend) setEntries(kind firewall.Kind, entry string) []string {
	if kind != firewall.KindRange || !strings.Contains(entry, "-") {
		return []string{entry}
	}
	r, err := netaddr.ParseRange(entry)
	if err != nil {
		return nil
	}
	return r.CIDRs()
}

func (b *Backend) restoreFile(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s", path)
	}
	defer utils.CloseOrWarn(f)

	_, err = b.runner.Run(ctx, proc.Command{Name: ipsetCommand, Args: []string{"restore", "-exist"}, Stdin: f})
	return err
}

// captureDefinition saves the live set into its definition file.
func (b *Backend) captureDefinition(ctx context.Context, setName string) error {
	res, err := b.runner.Run(ctx, proc.Command{Name: ipsetCommand, Args: []string{"save", setName}})
	if err != nil {
		return err
	}
	path := b.definitionPath(setName)
	tmp := path + ".tmp"
	content := strings.Join(res.Stdout, "\n")
	if content != "" {
		content += "\n"
	}
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return errors.Wrapf(err, "failed to write %s", tmp)
	}
	return utils.ReplaceFile(tmp, path)
}

func (b *Backend) destroySet(ctx context.Context, setName string) error {
	_, err := b.runner.Run(ctx, proc.Command{Name: ipsetCommand, Args: []string{"destroy", setName}})
	if err != nil && !b.setMissing(err) {
		return err
	}
	return nil
}

// setMissing reports whether an ipset failure only says the set is absent.
func (b *Backend) setMissing(err error) bool {
	return strings.Contains(err.Error(), "does not exist")
}
