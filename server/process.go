package server

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os/exec"
	"time"

	"github.com/bazelment/yoloswe/agentbridge/config"
	"github.com/bazelment/yoloswe/agentbridge/internal/procattr"
)

const (
	// waitDelay bounds how long Wait keeps copying output after the
	// process exits, in case a grandchild still holds the pipes.
	waitDelay = time.Second

	maxOutputLine = 1024 * 1024
)

// child is one spawned server process.
type child struct {
	cmd     *exec.Cmd
	done    chan struct{} // closed after Wait returns
	err     error         // Wait result, valid once done is closed
	baseURL string
}

// spawn starts the server and waits for it to print its listening address.
// ctx bounds only the wait; the process itself outlives ctx.
func spawn(ctx context.Context, cfg config.Configuration, logger *slog.Logger) (*child, error) {
	cmd := exec.Command(cfg.BinaryPath, cfg.ServerArgs()...)
	procattr.Set(cmd)
	cmd.Env = cfg.Environ()
	cmd.Dir = cfg.WorkingDirectory
	cmd.WaitDelay = waitDelay

	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		outW.Close()
		errW.Close()
		return nil, &StartError{Message: "failed to launch " + cfg.BinaryPath, Cause: err}
	}

	c := &child{cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		outW.Close()
		errW.Close()
		c.err = err
		close(c.done)
	}()

	announced := make(chan string, 1)
	go scanOutput(outR, "stdout", announced, logger)
	go scanOutput(errR, "stderr", nil, logger)

	timer := time.NewTimer(cfg.PortTimeout)
	defer timer.Stop()

	select {
	case url := <-announced:
		c.baseURL = url
		logger.Info("agent server listening", "url", url, "pid", cmd.Process.Pid)
		return c, nil
	case <-c.done:
		return nil, &StartError{Message: "process exited before announcing its port", Cause: c.err}
	case <-timer.C:
		c.kill()
		return nil, &PortTimeoutError{Timeout: cfg.PortTimeout}
	case <-ctx.Done():
		c.kill()
		return nil, &StartError{Message: "canceled while waiting for port", Cause: ctx.Err()}
	}
}

// scanOutput logs every line of r. When announced is non-nil, the first
// listening address found is sent on it. Reading continues to EOF so the
// process never blocks on a full pipe.
func scanOutput(r io.Reader, stream string, announced chan<- string, logger *slog.Logger) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxOutputLine)
	for scanner.Scan() {
		line := scanner.Text()
		logger.Debug("agent server output", "stream", stream, "line", line)
		if announced == nil {
			continue
		}
		if url, ok := ParseListenURL(line); ok {
			announced <- url
			announced = nil
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("agent server output unreadable, discarding", "stream", stream, "error", err)
		_, _ = io.Copy(io.Discard, r)
	}
}

// terminate asks the process group to exit, escalating to SIGKILL after
// grace. It returns once the process has been reaped or the kill has been
// given a moment to land.
func (c *child) terminate(grace time.Duration) {
	if err := procattr.Terminate(c.cmd.Process, true); err != nil {
		c.kill()
		return
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if !procattr.Alive(c.cmd.Process) {
				<-c.done
				return
			}
		case <-timer.C:
			c.kill()
			return
		}
	}
}

func (c *child) kill() {
	_ = procattr.Terminate(c.cmd.Process, false)
	select {
	case <-c.done:
	case <-time.After(waitDelay + time.Second):
	}
}

func (c *child) exited() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
