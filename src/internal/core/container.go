package core

import (
	"context"
	"fmt"

	"github.com/maksimkurb/fwsync/src/internal/config"
	"github.com/maksimkurb/fwsync/src/internal/firewall"
	"github.com/maksimkurb/fwsync/src/internal/firewall/chunked"
	"github.com/maksimkurb/fwsync/src/internal/firewall/ipsetfw"
	"github.com/maksimkurb/fwsync/src/internal/hostaddr"
	"github.com/maksimkurb/fwsync/src/internal/log"
	"github.com/maksimkurb/fwsync/src/internal/metrics"
	"github.com/maksimkurb/fwsync/src/internal/netaddr"
	"github.com/maksimkurb/fwsync/src/internal/proc"
)

// BackendSpec is what a BackendFactory needs to build one family's backend.
type BackendSpec struct {
	Family       netaddr.Family
	Naming       firewall.Naming
	LegacyPrefix string
}

// BackendFactory builds the packet filter backend of one address family.
type BackendFactory func(spec BackendSpec) (firewall.Backend, error)

// AppDependencies is a dependency injection container that holds the firewall
// engines and their supporting services.
//
// Usage:
//
//	deps, err := core.NewAppDependencies(ctx, core.AppConfig{Config: cfg})
//	deps.Firewall().BlockAddresses(ctx, "", []string{"203.0.113.7"})
type AppDependencies struct {
	config   *config.Config
	primary  *firewall.Engine
	delegate *firewall.Engine
	metrics  *metrics.Collector
	local    *hostaddr.Set
}

// AppConfig holds configuration for creating application dependencies.
type AppConfig struct {
	Config *config.Config

	// BackendFactory overrides the backend selected by general.backend.
	// Tests use it to run engines over in-memory stores.
	BackendFactory BackendFactory

	// LocalAddresses lists host addresses for protect_local_addresses.
	// Defaults to hostaddr.System.
	LocalAddresses hostaddr.Lister
}

// NewAppDependencies builds the IPv4 engine and, with enable_ipv6, an IPv6
// engine it delegates the other family to. Both engines migrate legacy state
// and restore their mirrors before this returns.
func NewAppDependencies(ctx context.Context, app AppConfig) (*AppDependencies, error) {
	cfg := app.Config
	if cfg == nil {
		cfg = config.Default()
	}

	factory := app.BackendFactory
	if factory == nil {
		factory = DefaultBackendFactory(cfg)
	}

	d := &AppDependencies{
		config:  cfg,
		metrics: metrics.NewCollector(),
	}

	var opts []firewall.Option
	opts = append(opts, firewall.WithObserver(d.metrics))
	if cfg.General.ProtectLocalAddresses {
		lister := app.LocalAddresses
		if lister == nil {
			lister = hostaddr.System
		}
		d.local = hostaddr.New(lister)
		opts = append(opts, firewall.WithProtected(d.local.Contains))
	}

	naming := firewall.Naming{RulePrefix: cfg.General.RulePrefix}

	if cfg.General.EnableIPv6 {
		secondary := naming.Secondary()
		backend, err := factory(BackendSpec{
			Family:       netaddr.IPv6,
			Naming:       secondary,
			LegacyPrefix: firewall.SecondaryPrefix(cfg.General.LegacyRulePrefix),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create IPv6 backend: %w", err)
		}
		d.delegate, err = firewall.NewEngine(ctx, backend, append(opts, firewall.WithNaming(secondary))...)
		if err != nil {
			return nil, fmt.Errorf("failed to start IPv6 firewall: %w", err)
		}
	}

	backend, err := factory(BackendSpec{
		Family:       netaddr.IPv4,
		Naming:       naming,
		LegacyPrefix: cfg.General.LegacyRulePrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create IPv4 backend: %w", err)
	}

	primaryOpts := append(opts, firewall.WithNaming(naming))
	if d.delegate != nil {
		primaryOpts = append(primaryOpts, firewall.WithDelegate(d.delegate))
	}
	d.primary, err = firewall.NewEngine(ctx, backend, primaryOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to start IPv4 firewall: %w", err)
	}

	log.Infof("Firewall ready (backend=%s, prefix=%s, ipv6=%t)",
		cfg.General.Backend, cfg.General.RulePrefix, cfg.General.EnableIPv6)
	return d, nil
}

// DefaultBackendFactory maps general.backend to a backend implementation.
// Chunked backends built by one factory share a single policy, since both
// address families live in the same native rule table.
func DefaultBackendFactory(cfg *config.Config) BackendFactory {
	var policy *chunked.Policy
	sharedPolicy := func(newStore func() chunked.PolicyStore) *chunked.Policy {
		if policy == nil {
			policy = chunked.NewPolicy(newStore())
		}
		return policy
	}
	return func(spec BackendSpec) (firewall.Backend, error) {
		switch cfg.General.Backend {
		case config.BackendIPSet:
			return ipsetfw.NewSystem(ipsetfw.Config{
				Family:            spec.Family,
				StateDir:          cfg.GetAbsStateDir(),
				Naming:            spec.Naming,
				LegacyPrefix:      spec.LegacyPrefix,
				Table:             cfg.IPSet.Table,
				Chain:             cfg.IPSet.Chain,
				HashSize:          cfg.IPSet.HashSize,
				BlockMaxElements:  cfg.IPSet.BlockMaxElements,
				RangeMaxElements:  cfg.IPSet.RangeMaxElements,
				AllowMaxElements:  cfg.IPSet.AllowMaxElements,
				BlockRuleTemplate: cfg.IPSet.BlockRuleTemplate,
				AllowRuleTemplate: cfg.IPSet.AllowRuleTemplate,
			})
		case config.BackendNetsh:
			p := sharedPolicy(func() chunked.PolicyStore {
				return chunked.NewNetshStore(proc.NewExecRunner(), chunked.Direction(cfg.Chunked.Direction))
			})
			return chunked.NewWithPolicy(chunkedConfig(cfg, spec), p), nil
		case config.BackendMemory:
			p := sharedPolicy(func() chunked.PolicyStore { return chunked.NewMemoryStore() })
			return chunked.NewWithPolicy(chunkedConfig(cfg, spec), p), nil
		default:
			return nil, fmt.Errorf("unknown backend %q", cfg.General.Backend)
		}
	}
}

func chunkedConfig(cfg *config.Config, spec BackendSpec) chunked.Config {
	return chunked.Config{
		Family:       spec.Family,
		Naming:       spec.Naming,
		LegacyPrefix: spec.LegacyPrefix,
		Capacity:     cfg.Chunked.CapacityPerRule,
		Direction:    chunked.Direction(cfg.Chunked.Direction),
	}
}

// Firewall returns the primary engine. Addresses of the other family are
// forwarded to the IPv6 engine when it is enabled.
func (d *AppDependencies) Firewall() firewall.Firewall {
	return d.primary
}

// Engine returns the IPv4 engine.
func (d *AppDependencies) Engine() *firewall.Engine {
	return d.primary
}

// SecondaryEngine returns the IPv6 engine, or nil when IPv6 is disabled.
func (d *AppDependencies) SecondaryEngine() *firewall.Engine {
	return d.delegate
}

func (d *AppDependencies) Metrics() *metrics.Collector {
	return d.metrics
}

func (d *AppDependencies) Config() *config.Config {
	return d.config
}

// LocalAddresses returns the protected address set, or nil when protection is off.
func (d *AppDependencies) LocalAddresses() *hostaddr.Set {
	return d.local
}
