//go:build linux

// Package procattr configures spawned agent servers so the whole process
// tree can be signalled and so a dying bridge does not leak a server.
package procattr

import (
	"os/exec"
	"syscall"
)

// Set puts the server in its own process group and asks the kernel to
// deliver SIGTERM to it if the bridge dies first (OOM kill, SIGKILL).
func Set(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}
