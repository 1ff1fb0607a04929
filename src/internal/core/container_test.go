package core

import (
	"context"
	"errors"
	"net/netip"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maksimkurb/fwsync/src/internal/config"
	"github.com/maksimkurb/fwsync/src/internal/firewall"
	"github.com/maksimkurb/fwsync/src/internal/firewall/chunked"
	"github.com/maksimkurb/fwsync/src/internal/log"
	"github.com/maksimkurb/fwsync/src/internal/netaddr"
)

func init() {
	log.DisableLogs()
}

func memoryConfig() *config.Config {
	cfg := config.Default()
	cfg.General.Backend = config.BackendMemory
	return cfg
}

func noLocalAddresses() ([]netip.Addr, error) {
	return nil, nil
}

func TestNewAppDependencies_MemoryBackend(t *testing.T) {
	ctx := context.Background()
	deps, err := NewAppDependencies(ctx, AppConfig{Config: memoryConfig(), LocalAddresses: noLocalAddresses})
	require.NoError(t, err)

	require.NotNil(t, deps.SecondaryEngine())
	assert.Equal(t, netaddr.IPv4, deps.Engine().Family())
	assert.Equal(t, netaddr.IPv6, deps.SecondaryEngine().Family())

	fw := deps.Firewall()
	require.True(t, fw.BlockAddresses(ctx, "", []string{"203.0.113.7", "2001:db8::7"}))

	assert.True(t, fw.IsBlocked(ctx, "203.0.113.7", firewall.NoPort))
	assert.True(t, fw.IsBlocked(ctx, "2001:db8::7", firewall.NoPort))
	assert.Equal(t, []string{"2001:db8::7", "203.0.113.7"}, slices.Collect(fw.EnumerateBanned(ctx)))

	assert.True(t, fw.RuleExists(ctx, "fwsync_Block_0"))
	assert.True(t, fw.RuleExists(ctx, "fwsync6_Block_0"))
}

func TestNewAppDependencies_IPv6Disabled(t *testing.T) {
	ctx := context.Background()
	cfg := memoryConfig()
	cfg.General.EnableIPv6 = false

	deps, err := NewAppDependencies(ctx, AppConfig{Config: cfg, LocalAddresses: noLocalAddresses})
	require.NoError(t, err)
	assert.Nil(t, deps.SecondaryEngine())

	fw := deps.Firewall()
	require.True(t, fw.BlockAddresses(ctx, "", []string{"203.0.113.7", "2001:db8::7"}))
	assert.False(t, fw.IsBlocked(ctx, "2001:db8::7", firewall.NoPort))
}

func TestNewAppDependencies_ProtectsLocalAddresses(t *testing.T) {
	ctx := context.Background()
	local := func() ([]netip.Addr, error) {
		return []netip.Addr{netip.MustParseAddr("192.0.2.1")}, nil
	}

	deps, err := NewAppDependencies(ctx, AppConfig{Config: memoryConfig(), LocalAddresses: local})
	require.NoError(t, err)
	require.NotNil(t, deps.LocalAddresses())

	fw := deps.Firewall()
	require.True(t, fw.BlockAddresses(ctx, "", []string{"192.0.2.1", "127.0.0.1", "198.51.100.9"}))
	assert.False(t, fw.IsBlocked(ctx, "192.0.2.1", firewall.NoPort))
	assert.False(t, fw.IsBlocked(ctx, "127.0.0.1", firewall.NoPort))
	assert.True(t, fw.IsBlocked(ctx, "198.51.100.9", firewall.NoPort))
}

func TestNewAppDependencies_ProtectionDisabled(t *testing.T) {
	ctx := context.Background()
	cfg := memoryConfig()
	cfg.General.ProtectLocalAddresses = false

	deps, err := NewAppDependencies(ctx, AppConfig{Config: cfg})
	require.NoError(t, err)
	assert.Nil(t, deps.LocalAddresses())

	require.True(t, deps.Firewall().BlockAddresses(ctx, "", []string{"127.0.0.1"}))
	assert.True(t, deps.Firewall().IsBlocked(ctx, "127.0.0.1", firewall.NoPort))
}

func TestNewAppDependencies_FactoryReceivesFamilyNaming(t *testing.T) {
	ctx := context.Background()
	cfg := memoryConfig()

	var specs []BackendSpec
	factory := func(spec BackendSpec) (firewall.Backend, error) {
		specs = append(specs, spec)
		return chunked.New(chunked.Config{
			Family:       spec.Family,
			Naming:       spec.Naming,
			LegacyPrefix: spec.LegacyPrefix,
			Capacity:     10,
			Direction:    chunked.DirectionIn,
		}, chunked.NewMemoryStore()), nil
	}

	_, err := NewAppDependencies(ctx, AppConfig{Config: cfg, BackendFactory: factory, LocalAddresses: noLocalAddresses})
	require.NoError(t, err)

	require.Len(t, specs, 2)
	assert.Equal(t, BackendSpec{
		Family:       netaddr.IPv6,
		Naming:       firewall.Naming{RulePrefix: "fwsync6_"},
		LegacyPrefix: "IPBan6_",
	}, specs[0])
	assert.Equal(t, BackendSpec{
		Family:       netaddr.IPv4,
		Naming:       firewall.Naming{RulePrefix: "fwsync_"},
		LegacyPrefix: "IPBan_",
	}, specs[1])
}

func TestNewAppDependencies_FactoryError(t *testing.T) {
	factory := func(spec BackendSpec) (firewall.Backend, error) {
		return nil, errors.New("no packet filter")
	}
	_, err := NewAppDependencies(context.Background(), AppConfig{Config: memoryConfig(), BackendFactory: factory})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no packet filter")
}

func TestDefaultBackendFactory_UnknownBackend(t *testing.T) {
	cfg := memoryConfig()
	cfg.General.Backend = "pf"
	_, err := DefaultBackendFactory(cfg)(BackendSpec{Family: netaddr.IPv4})
	require.Error(t, err)
}

func TestDefaultBackendFactory_SharesPolicyAcrossFamilies(t *testing.T) {
	for _, backend := range []string{config.BackendMemory, config.BackendNetsh} {
		t.Run(backend, func(t *testing.T) {
			cfg := memoryConfig()
			cfg.General.Backend = backend
			factory := DefaultBackendFactory(cfg)

			v4, err := factory(BackendSpec{Family: netaddr.IPv4, Naming: firewall.Naming{RulePrefix: "fwsync_"}})
			require.NoError(t, err)
			v6, err := factory(BackendSpec{Family: netaddr.IPv6, Naming: firewall.Naming{RulePrefix: "fwsync6_"}})
			require.NoError(t, err)

			b4, ok := v4.(*chunked.Backend)
			require.True(t, ok)
			b6, ok := v6.(*chunked.Backend)
			require.True(t, ok)
			assert.Same(t, b4.Policy(), b6.Policy())

			other, err := DefaultBackendFactory(cfg)(BackendSpec{Family: netaddr.IPv4})
			require.NoError(t, err)
			assert.NotSame(t, b4.Policy(), other.(*chunked.Backend).Policy())
		})
	}
}
