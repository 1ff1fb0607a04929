//go:build !(linux || darwin || freebsd)

package proc

import "os/exec"

func prepareCommand(cmd *exec.Cmd) {}

// IsPrivileged cannot be determined cheaply here; callers rely on the tool's
// own permission errors.
func IsPrivileged() bool {
	return true
}
