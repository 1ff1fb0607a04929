// Package commands implements the fwsync command-line interface.
//
// Every command loads and validates the configuration named by --config,
// builds the firewall through core.NewAppDependencies and calls one operation
// of the firewall contract.
//
// # Available Commands
//
//   - serve: restore state and run the admin API until interrupted
//   - block, unblock, allow, block-ranges: change managed rules
//   - list, check: inspect committed entries
//   - delete-rule, truncate: remove managed rules
//   - upgrade-config: rewrite an old configuration file in place
package commands
