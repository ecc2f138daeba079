//go:build !linux

// Package procattr configures spawned agent servers so the whole process
// tree can be signalled and so a dying bridge does not leak a server.
package procattr

import (
	"os/exec"
	"syscall"
)

// Set puts the server in its own process group. Pdeathsig is Linux only, so
// elsewhere the bridge relies on Terminate during shutdown.
func Set(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}
