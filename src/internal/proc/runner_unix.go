//go:build linux || darwin || freebsd

package proc

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// prepareCommand starts the command in its own process group so a timeout
// kills helpers spawned by the tool as well.
func prepareCommand(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
}

// IsPrivileged reports whether the process runs as root.
func IsPrivileged() bool {
	return unix.Geteuid() == 0
}
