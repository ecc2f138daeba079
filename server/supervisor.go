// Package server supervises the locally spawned agent server process: it
// launches the binary, discovers the port it listens on, and restarts it
// with exponential backoff when it crashes.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/bazelment/yoloswe/agentbridge/config"
	"github.com/bazelment/yoloswe/agentbridge/internal/actor"
	"github.com/bazelment/yoloswe/agentbridge/internal/logging"
)

// HealthPath is probed by Probe.
const HealthPath = "/global/health"

// Handlers receive lifecycle notifications. They run on their own
// goroutine, never on the supervisor's, so they may call back into it.
type Handlers struct {
	// Restarted fires once per successful automatic restart.
	Restarted func(baseURL string)
	// Fatal fires once when restarts are exhausted.
	Fatal func(err error)
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger. Nil means slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) { s.logger = logging.OrDefault(l) }
}

// WithHTTPClient sets the client used for health probes.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Supervisor) { s.http = c }
}

// WithHandlers sets the lifecycle handlers.
func WithHandlers(h Handlers) Option {
	return func(s *Supervisor) { s.handlers = h }
}

func withSleep(fn func(context.Context, time.Duration) error) Option {
	return func(s *Supervisor) { s.sleep = fn }
}

// Supervisor owns at most one agent server process. All state below the
// loop field is touched only from operations running on the loop.
type Supervisor struct {
	logger *slog.Logger
	http   *http.Client
	sleep  func(context.Context, time.Duration) error
	loop   *actor.Loop

	handlers     Handlers
	cfg          config.Configuration
	child        *child
	lifeCancel   context.CancelFunc
	baseURL      string
	state        State
	gen          uint64 // bumped by Start and Stop to retire stale work
	restartCount int
	fatal        bool
	restarting   bool
}

// New creates a stopped supervisor.
func New(opts ...Option) *Supervisor {
	s := &Supervisor{
		logger: slog.Default(),
		http:   &http.Client{Timeout: 5 * time.Second},
		sleep:  sleepContext,
		loop:   actor.New(16),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetHandlers replaces the lifecycle handlers.
func (s *Supervisor) SetHandlers(h Handlers) {
	_ = s.loop.Do(context.Background(), func() { s.handlers = h })
}

// Start launches the server with cfg and returns its base URL once the
// process has announced it. A Start issued while another is in flight, or
// while the server runs, fails fast with ErrAlreadyRunning; callers that
// need the URL poll IsRunning and BaseURL.
func (s *Supervisor) Start(ctx context.Context, cfg config.Configuration) (string, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return "", &StartError{Message: "invalid configuration", Cause: err}
	}

	var (
		gen     uint64
		lifeCtx context.Context
		err     error
	)
	doErr := s.loop.Do(ctx, func() {
		if s.state == StateStarting || s.state == StateRunning || s.restarting {
			err = ErrAlreadyRunning
			return
		}
		if s.lifeCancel != nil {
			s.lifeCancel()
		}
		s.gen++
		gen = s.gen
		s.state = StateStarting
		s.cfg = cfg
		s.restartCount = 0
		s.fatal = false
		lifeCtx, s.lifeCancel = context.WithCancel(context.Background())
	})
	if doErr != nil {
		return "", doErr
	}
	if err != nil {
		return "", err
	}

	s.logger.Info("starting agent server", "binary", cfg.BinaryPath, "dir", cfg.WorkingDirectory)
	c, spawnErr := spawn(ctx, cfg, s.logger)

	var url string
	doErr = s.loop.Do(context.Background(), func() {
		if gen != s.gen {
			err = ErrStopped
			return
		}
		if spawnErr != nil {
			s.state = StateStopped
			s.lifeCancel()
			err = spawnErr
			return
		}
		s.run(lifeCtx, c, gen)
		url = c.baseURL
	})
	if doErr == nil && err == ErrStopped && c != nil {
		c.kill()
	}
	if doErr != nil {
		if c != nil {
			c.kill()
		}
		return "", doErr
	}
	if err != nil {
		return "", err
	}
	return url, nil
}

// run records c as the live process and starts its monitor. Loop only.
func (s *Supervisor) run(lifeCtx context.Context, c *child, gen uint64) {
	s.child = c
	s.baseURL = c.baseURL
	s.state = StateRunning
	go s.monitor(lifeCtx, c, gen)
}

func (s *Supervisor) monitor(lifeCtx context.Context, c *child, gen uint64) {
	select {
	case <-c.done:
		s.loop.Post(func() { s.crashed(lifeCtx, c, gen, c.err) })
	case <-lifeCtx.Done():
	}
}

// crashed handles the death of the live process, or a failed respawn when
// c is nil. Loop only.
func (s *Supervisor) crashed(lifeCtx context.Context, c *child, gen uint64, cause error) {
	if gen != s.gen || (c != nil && s.child != c) {
		return
	}
	s.child = nil
	s.baseURL = ""
	s.state = StateCrashed
	s.restartCount++

	limit := s.cfg.RestartLimit()
	if s.restartCount > limit {
		s.fatal = true
		s.restarting = false
		err := &FatalCrashError{Restarts: limit, Cause: cause}
		s.logger.Error("agent server crashed, giving up", "restarts", limit, "error", cause)
		if fn := s.handlers.Fatal; fn != nil {
			go fn(err)
		}
		return
	}

	attempt := s.restartCount
	delay := s.cfg.RestartBaseDelay << (attempt - 1)
	s.restarting = true
	s.logger.Warn("agent server crashed, restarting",
		"attempt", attempt, "max", limit, "delay", delay, "error", cause)
	go s.restart(lifeCtx, gen, s.cfg, delay)
}

func (s *Supervisor) restart(lifeCtx context.Context, gen uint64, cfg config.Configuration, delay time.Duration) {
	if err := s.sleep(lifeCtx, delay); err != nil {
		return
	}

	var stale bool
	if err := s.loop.Do(lifeCtx, func() {
		stale = gen != s.gen
		if !stale {
			s.state = StateStarting
		}
	}); err != nil || stale {
		return
	}

	c, spawnErr := spawn(lifeCtx, cfg, s.logger)

	var (
		handler func(string)
		url     string
	)
	err := s.loop.Do(context.Background(), func() {
		if gen != s.gen {
			stale = true
			return
		}
		if spawnErr != nil {
			s.crashed(lifeCtx, nil, gen, spawnErr)
			return
		}
		s.restarting = false
		s.run(lifeCtx, c, gen)
		url = c.baseURL
		handler = s.handlers.Restarted
	})
	if (err != nil || stale) && c != nil {
		c.kill()
		return
	}
	if url != "" {
		s.logger.Info("agent server restarted", "url", url)
		if handler != nil {
			handler(url)
		}
	}
}

// Stop terminates the server, escalating from SIGTERM to SIGKILL after the
// configured grace period, and resets the restart counter. Stopping a
// stopped supervisor is a no-op.
func (s *Supervisor) Stop(ctx context.Context) error {
	var (
		c     *child
		grace time.Duration
	)
	err := s.loop.Do(ctx, func() {
		s.gen++
		c = s.child
		grace = s.cfg.ShutdownGrace
		if s.lifeCancel != nil {
			s.lifeCancel()
			s.lifeCancel = nil
		}
		s.child = nil
		s.baseURL = ""
		s.state = StateStopped
		s.restartCount = 0
		s.fatal = false
		s.restarting = false
	})
	if err != nil {
		return err
	}
	if c == nil || c.exited() {
		return nil
	}
	if grace <= 0 {
		grace = config.DefaultShutdownGrace
	}
	s.logger.Info("stopping agent server", "pid", c.cmd.Process.Pid)
	c.terminate(grace)
	return nil
}

// Close stops the server and releases the supervisor. It must not be used
// afterwards.
func (s *Supervisor) Close() error {
	err := s.Stop(context.Background())
	s.loop.Close()
	return err
}

// Status returns a snapshot of the supervisor state.
func (s *Supervisor) Status() Status {
	var st Status
	_ = s.loop.Do(context.Background(), func() {
		st = Status{
			State:        s.state,
			BaseURL:      s.baseURL,
			RestartCount: s.restartCount,
			Fatal:        s.fatal,
		}
	})
	return st
}

// IsRunning reports whether a process is running and has announced its URL.
func (s *Supervisor) IsRunning() bool {
	return s.Status().State == StateRunning
}

// BaseURL returns the running server's URL.
func (s *Supervisor) BaseURL() (string, bool) {
	st := s.Status()
	return st.BaseURL, st.State == StateRunning
}

// IsHealthy reports whether Probe succeeds. The result is advisory: an
// unhealthy server is not restarted, only a dead one is.
func (s *Supervisor) IsHealthy(ctx context.Context) bool {
	err := s.Probe(ctx)
	if err != nil {
		s.logger.Debug("agent server health probe failed", "error", err)
	}
	return err == nil
}

// Probe issues one health request against the running server. It returns
// ErrNotRunning when there is no server to probe and an *UnhealthyError
// for any non-2xx answer.
func (s *Supervisor) Probe(ctx context.Context) error {
	url, ok := s.BaseURL()
	if !ok {
		return ErrNotRunning
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url+HealthPath, nil)
	if err != nil {
		return err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("health probe: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &UnhealthyError{StatusCode: resp.StatusCode}
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
