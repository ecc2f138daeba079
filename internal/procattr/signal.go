package procattr

import (
	"errors"
	"os"
	"syscall"
)

// SignalGroup sends sig to every process in p's group. The negative PID
// targets the group, so helpers forked by the server are reached too.
func SignalGroup(p *os.Process, sig syscall.Signal) error {
	if p == nil {
		return nil
	}
	return syscall.Kill(-p.Pid, sig)
}

// KillGroup sends SIGKILL to p's process group.
func KillGroup(p *os.Process) error {
	return SignalGroup(p, syscall.SIGKILL)
}

// Terminate asks p's group to exit. A graceful request sends SIGTERM; a
// forceful one sends SIGKILL. A group that has already exited is not an
// error.
func Terminate(p *os.Process, graceful bool) error {
	sig := syscall.SIGKILL
	if graceful {
		sig = syscall.SIGTERM
	}
	err := SignalGroup(p, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// Alive reports whether p still exists. It probes with signal 0, which
// performs the permission and existence checks without delivering anything.
func Alive(p *os.Process) bool {
	if p == nil {
		return false
	}
	err := p.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
