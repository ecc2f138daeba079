package server

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for supervisor operations.
var (
	// ErrAlreadyRunning is returned by Start while a process is running or
	// another start is in flight.
	ErrAlreadyRunning = errors.New("agent server already running")

	// ErrNotRunning is returned by Probe when no server is running.
	ErrNotRunning = errors.New("agent server not running")

	// ErrStopped is returned by a Start that was overtaken by Stop.
	ErrStopped = errors.New("agent server stopped during start")
)

// StartError reports that the server process could not be launched or
// exited before it announced a port.
type StartError struct {
	Cause   error
	Message string
}

func (e *StartError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("start agent server: %s: %v", e.Message, e.Cause)
	}
	return "start agent server: " + e.Message
}

func (e *StartError) Unwrap() error {
	return e.Cause
}

// PortTimeoutError reports that the process never printed its listening
// address. The process has been killed by the time this is returned.
type PortTimeoutError struct {
	Timeout time.Duration
}

func (e *PortTimeoutError) Error() string {
	return fmt.Sprintf("agent server did not announce a listening port within %s", e.Timeout)
}

// UnhealthyError is a health probe answered with a non-2xx status.
type UnhealthyError struct {
	StatusCode int
}

func (e *UnhealthyError) Error() string {
	return fmt.Sprintf("agent server unhealthy: status %d", e.StatusCode)
}

// FatalCrashError is reported once the server has crashed more times than
// the restart policy allows. The supervisor stays Crashed afterwards.
type FatalCrashError struct {
	Cause    error
	Restarts int
}

func (e *FatalCrashError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("agent server crashed after %d restarts: %v", e.Restarts, e.Cause)
	}
	return fmt.Sprintf("agent server crashed after %d restarts", e.Restarts)
}

func (e *FatalCrashError) Unwrap() error {
	return e.Cause
}
