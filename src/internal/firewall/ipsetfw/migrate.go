package ipsetfw

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/maksimkurb/fwsync/src/internal/log"
)

// Migrate purges sets and definition files left under the legacy prefix. When
// any are found every managed set is rebuilt from scratch on its next write.
func (b *Backend) Migrate(ctx context.Context) error {
	legacy := b.cfg.LegacyPrefix
	if legacy == "" || strings.HasPrefix(b.cfg.Naming.RulePrefix, legacy) {
		return nil
	}

	names, err := b.listSets(ctx)
	if err != nil {
		return err
	}
	var legacySets []string
	for _, name := range names {
		if strings.HasPrefix(name, legacy) {
			legacySets = append(legacySets, name)
		}
	}
	legacyFiles, err := filepath.Glob(filepath.Join(b.cfg.StateDir, legacy+"*"+setFileExt))
	if err != nil {
		return err
	}
	if len(legacySets) == 0 && len(legacyFiles) == 0 {
		return nil
	}

	log.Infof("Found %d legacy sets and %d legacy definitions with prefix %q, purging",
		len(legacySets), len(legacyFiles), legacy)

	for _, name := range legacySets {
		if err := b.removeRule(ctx, name); err != nil {
			return err
		}
		if err := b.destroySet(ctx, name); err != nil {
			return err
		}
	}
	for _, path := range legacyFiles {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "failed to remove %s", path)
		}
	}

	b.rebuild = true
	b.rebuilt = make(map[string]bool)
	b.saveSnapshot(ctx)
	return nil
}

// Truncate removes every managed rule, set and definition file.
func (b *Backend) Truncate(ctx context.Context) error {
	names, err := b.listSets(ctx)
	if err != nil {
		return err
	}
	defs, err := b.definitions()
	if err != nil {
		return err
	}

	seen := make(map[string]struct{})
	for _, name := range append(names, defs...) {
		if !b.cfg.Naming.Owns(name) {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}

		if err := b.removeRule(ctx, name); err != nil {
			return err
		}
		if err := b.destroySet(ctx, name); err != nil {
			return err
		}
		path := b.definitionPath(name)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "failed to remove %s", path)
		}
	}

	log.Infof("Removed %d managed sets", len(seen))
	b.saveSnapshot(ctx)
	return nil
}
