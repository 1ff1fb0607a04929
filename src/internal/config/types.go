package config

import (
	"path/filepath"

	"github.com/maksimkurb/fwsync/src/internal/utils"
)

const (
	BackendIPSet  = "ipset"
	BackendNetsh  = "netsh"
	BackendMemory = "memory"
)

type Config struct {
	// ConfigVersion is the configuration file version.
	ConfigVersion uint8 `toml:"config_version" json:"config_version"`

	General GeneralConfig `toml:"general" json:"general"`
	IPSet   IPSetConfig   `toml:"ipset" json:"ipset"`
	Chunked ChunkedConfig `toml:"chunked" json:"chunked"`
	API     APIConfig     `toml:"api" json:"api"`

	_absConfigFilePath string
}

type GeneralConfig struct {
	// Backend selects the packet filter: ipset (Linux), netsh (Windows Firewall) or memory (dry run).
	Backend string `toml:"backend" json:"backend" validate:"required,oneof=ipset netsh memory"`
	// StateDir holds set definitions and rule snapshots. Relative paths are resolved against the config file.
	StateDir string `toml:"state_dir" json:"state_dir" validate:"required"`
	// RulePrefix starts every rule and set name fwsync manages (default: fwsync_).
	RulePrefix string `toml:"rule_prefix" json:"rule_prefix" validate:"required,rule_prefix"`
	// LegacyRulePrefix marks rules left by an older naming scheme; they are migrated on start (default: IPBan_).
	LegacyRulePrefix string `toml:"legacy_rule_prefix" json:"legacy_rule_prefix" validate:"omitempty,rule_prefix"`
	// ProtectLocalAddresses never blocks addresses assigned to this host (default: true).
	ProtectLocalAddresses bool `toml:"protect_local_addresses" json:"protect_local_addresses"`
	// LogFormat is console or json (default: console).
	LogFormat string `toml:"log_format" json:"log_format" validate:"oneof=console json"`
	// EnableIPv6 manages the IPv6 family alongside IPv4 (default: true).
	EnableIPv6 bool `toml:"enable_ipv6" json:"enable_ipv6"`
}

type IPSetConfig struct {
	Table string `toml:"table" json:"table" validate:"required,oneof=filter raw mangle"`
	Chain string `toml:"chain" json:"chain" validate:"required"`
	// HashSize is the initial hash size of every set (default: 1024).
	HashSize int `toml:"hash_size" json:"hash_size" validate:"min=64"`
	// BlockMaxElements caps single-address block sets (default: 2097152).
	BlockMaxElements int `toml:"block_max_elements" json:"block_max_elements" validate:"min=1"`
	// RangeMaxElements caps range block sets (default: 4194304).
	RangeMaxElements int `toml:"range_max_elements" json:"range_max_elements" validate:"min=1"`
	// AllowMaxElements caps the allow set (default: 65536).
	AllowMaxElements int `toml:"allow_max_elements" json:"allow_max_elements" validate:"min=1"`
	// BlockRuleTemplate is the iptables rule of block sets. Available variables: {{set_name}}, {{ports}}.
	BlockRuleTemplate string `toml:"block_rule_template" json:"block_rule_template" validate:"rule_template"`
	// AllowRuleTemplate is the iptables rule of the allow set. Available variables: {{set_name}}, {{ports}}.
	AllowRuleTemplate string `toml:"allow_rule_template" json:"allow_rule_template" validate:"rule_template"`
}

type ChunkedConfig struct {
	// CapacityPerRule is how many addresses one rule holds inline (default: 1000).
	CapacityPerRule int `toml:"capacity_per_rule" json:"capacity_per_rule" validate:"min=1,max=10000"`
	// Direction is the traffic direction the rules filter: in or out (default: in).
	Direction string `toml:"direction" json:"direction" validate:"oneof=in out"`
}

type APIConfig struct {
	// Enabled starts the admin HTTP API with "fwsync serve" (default: false).
	Enabled bool `toml:"enabled" json:"enabled"`
	// Listen is the host:port of the admin API (default: 127.0.0.1:8089).
	Listen string `toml:"listen" json:"listen" validate:"required_if=Enabled true,hostport_or_empty"`
}

func (c *Config) GetConfigDir() string {
	return filepath.Dir(c._absConfigFilePath)
}

// GetAbsStateDir resolves the state directory against the config file location.
func (c *Config) GetAbsStateDir() string {
	if c._absConfigFilePath == "" {
		return c.General.StateDir
	}
	return utils.ResolvePath(c.General.StateDir, c.GetConfigDir())
}
