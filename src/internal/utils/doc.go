// Package utils provides small file and path helpers shared across fwsync.
//
//   - Path utilities: resolve paths relative to the configuration directory
//   - File utilities: close-or-warn and remove-then-rename file replacement
//
// Example:
//
//	absPath := utils.ResolvePath("state", "/etc/fwsync")
//	// Returns: /etc/fwsync/state
package utils
