// Package config loads the fwsync TOML configuration file.
//
// Defaults are filled in before the file is decoded, so a file only needs the
// keys it wants to change:
//
//	[general]
//	backend = "ipset"
//	state_dir = "/var/lib/fwsync"
//
//	[chunked]
//	capacity_per_rule = 500
//
// ValidateConfig reports every problem at once as ValidationErrors.
package config
