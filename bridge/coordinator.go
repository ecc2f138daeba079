// Package bridge composes the agent server supervisor, the event stream
// and the command client into one coordinator. It routes commands and
// events to the right session and working directory, and it decides
// which internal conditions the consumer sees as errors.
package bridge

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/bazelment/yoloswe/agentbridge/api"
	"github.com/bazelment/yoloswe/agentbridge/config"
	"github.com/bazelment/yoloswe/agentbridge/internal/actor"
	"github.com/bazelment/yoloswe/agentbridge/internal/logging"
	"github.com/bazelment/yoloswe/agentbridge/server"
	"github.com/bazelment/yoloswe/agentbridge/sse"
)

var (
	// ErrStopped is returned by commands issued after Close.
	ErrStopped = errors.New("bridge stopped")

	// ErrNotStarted is returned by commands that need a running server
	// before any prompt has started one.
	ErrNotStarted = errors.New("bridge not started")

	// ErrUnknownSession is returned for a session the bridge does not track.
	ErrUnknownSession = errors.New("unknown session")
)

const (
	startPollInterval = 100 * time.Millisecond
	promptTimeout     = 30 * time.Second
	maxTitleLength    = 60
	probeTimeout      = 5 * time.Second
)

// Supervisor runs the agent server process.
type Supervisor interface {
	Start(ctx context.Context, cfg config.Configuration) (string, error)
	Stop(ctx context.Context) error
	BaseURL() (string, bool)
	Probe(ctx context.Context) error
	SetHandlers(h server.Handlers)
}

// EventStream delivers events from the server's global stream.
type EventStream interface {
	ConnectGlobal(baseURL string) (<-chan sse.Envelope, error)
	Disconnect()
	Active() bool
}

// Commands issues REST commands against one server.
type Commands interface {
	CreateSession(ctx context.Context, directory, title string) (api.Session, error)
	Abort(ctx context.Context, directory, sessionID string) error
	PromptAsync(ctx context.Context, directory, sessionID string, req api.PromptRequest) error
	ReplyQuestion(ctx context.Context, directory, requestID string, answers [][]string) error
	RejectQuestion(ctx context.Context, directory, requestID string) error
	ReplyPermission(ctx context.Context, directory, requestID string, reply api.PermissionReply, message string) error
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger. Nil means slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logging.OrDefault(l) }
}

// WithSupervisor replaces the process supervisor.
func WithSupervisor(s Supervisor) Option {
	return func(c *Coordinator) { c.sup = s }
}

// WithEventStream replaces the event stream client.
func WithEventStream(s EventStream) Option {
	return func(c *Coordinator) { c.stream = s }
}

// WithCommands replaces how command clients are built for a base URL.
func WithCommands(fn func(baseURL string) Commands) Option {
	return func(c *Coordinator) { c.newCommands = fn }
}

// WithUserEcho makes SubmitIntent emit a user event carrying the prompt.
func WithUserEcho(on bool) Option {
	return func(c *Coordinator) { c.userEcho = on }
}

func withClock(now func() time.Time, after func(time.Duration, func()) *time.Timer) Option {
	return func(c *Coordinator) {
		c.now = now
		c.afterFunc = after
	}
}

// Intent is a prompt submitted by the consumer.
type Intent struct {
	Text      string
	Directory string // empty means the configured working directory
	Agent     string // overrides the configured agent
	Model     string // "provider/model", overrides the configured model
	// SessionID continues a specific tracked session.
	SessionID string
	// NewSession forces a fresh session even when one could be reused.
	NewSession bool
}

// Submission identifies a submitted prompt. Results arrive as events
// carrying the same session id and correlation id.
type Submission struct {
	CorrelationID string
	SessionID     string
}

// SessionInfo is a snapshot of a tracked session.
type SessionInfo struct {
	ID        string `json:"id"`
	Directory string `json:"directory"`
	Agent     string `json:"agent,omitempty"`
	Busy      bool   `json:"busy"`
}

type session struct {
	id            string
	correlationID string
	lastAgent     string
	// waitingForFirstOutput is set when a prompt is sent and cleared by
	// the first content-bearing event.
	waitingForFirstOutput bool
	// busy is set while a prompt is in flight; the idle that ends it
	// produces the single finish or error of the turn.
	busy      bool
	escalated bool
}

// Coordinator is the bridge. All fields after loop are owned by the loop.
type Coordinator struct {
	logger      *slog.Logger
	sup         Supervisor
	stream      EventStream
	newCommands func(baseURL string) Commands
	newID       func() string
	now         func() time.Time
	afterFunc   func(time.Duration, func()) *time.Timer
	queue       *queue
	loop        *actor.Loop
	userEcho    bool

	cfg       config.Configuration
	baseURL   string
	commands  Commands
	streamURL string
	streamGen uint64
	epoch     uint64 // bumped by Stop to discard late results
	routes    *routes
	sessions  map[string]*session
	lastByDir map[string]string
	timers    map[*time.Timer]struct{}
	closed    bool
}

// New creates a coordinator. Nothing is started until the first prompt
// or an explicit Restart.
func New(cfg config.Configuration, opts ...Option) *Coordinator {
	c := &Coordinator{
		logger:    slog.Default(),
		newID:     uuid.NewString,
		now:       time.Now,
		afterFunc: time.AfterFunc,
		queue:     newQueue(),
		loop:      actor.New(256),
		cfg:       cfg.WithDefaults(),
		routes:    newRoutes(),
		sessions:  make(map[string]*session),
		lastByDir: make(map[string]string),
		timers:    make(map[*time.Timer]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.sup == nil {
		c.sup = server.New(server.WithLogger(c.logger))
	}
	if c.stream == nil {
		c.stream = sse.NewClient(sse.WithLogger(c.logger))
	}
	if c.newCommands == nil {
		c.newCommands = func(baseURL string) Commands { return api.New(baseURL) }
	}
	c.sup.SetHandlers(server.Handlers{
		Restarted: c.serverRestarted,
		Fatal:     c.serverFailed,
	})
	return c
}

// Events returns the ordered event stream. It is closed by Close.
func (c *Coordinator) Events() <-chan Event {
	return c.queue.out
}

// SetConfiguration replaces the configuration used by the next server
// start. A running server keeps its configuration.
func (c *Coordinator) SetConfiguration(cfg config.Configuration) {
	cfg = cfg.WithDefaults()
	_ = c.loop.Do(context.Background(), func() { c.cfg = cfg })
}

// Configuration returns the current configuration.
func (c *Coordinator) Configuration() config.Configuration {
	var cfg config.Configuration
	_ = c.loop.Do(context.Background(), func() { cfg = c.cfg.Clone() })
	return cfg
}

// SubmitIntent sends a prompt, starting the server and the event stream
// first if needed. It returns once the prompt has been handed off; the
// answer arrives on Events. Failures that happen before hand-off are
// returned and also emitted as an error event with the submission's
// correlation id, so consumers that only watch Events see them too.
func (c *Coordinator) SubmitIntent(ctx context.Context, in Intent) (Submission, error) {
	sub := Submission{CorrelationID: c.newID()}

	var cfg config.Configuration
	if err := c.do(ctx, func() { cfg = c.cfg.Clone() }); err != nil {
		return sub, err
	}
	dir := in.Directory
	if dir == "" {
		dir = cfg.WorkingDirectory
	}

	baseURL, err := c.ensureServer(ctx, cfg)
	if err != nil {
		c.report(sub.CorrelationID, "", ErrorServer, fmt.Sprintf("failed to start agent server: %v", err))
		return sub, err
	}

	var (
		cmds      Commands
		sessionID string
		epoch     uint64
	)
	if err := c.do(ctx, func() {
		c.ensureStream(baseURL)
		cmds = c.commandsFor(baseURL)
		epoch = c.epoch
		sessionID = c.reusableSession(in, dir)
	}); err != nil {
		return sub, err
	}

	created := false
	if sessionID == "" {
		s, err := cmds.CreateSession(ctx, dir, title(in.Text))
		if err != nil {
			c.report(sub.CorrelationID, "", ErrorRequest, fmt.Sprintf("failed to create session: %v", err))
			return sub, err
		}
		sessionID = s.ID
		created = true
	}
	sub.SessionID = sessionID

	stale := false
	if err := c.do(ctx, func() {
		if epoch != c.epoch {
			stale = true
			return
		}
		s := c.track(sessionID, dir)
		dir = cmp.Or(c.routes.sessionDir(sessionID), dir)
		s.correlationID = sub.CorrelationID
		s.waitingForFirstOutput = true
		s.busy = true
		s.escalated = false
		c.lastByDir[dir] = sessionID
		if c.userEcho {
			c.emit(Event{Kind: KindUser, SessionID: sessionID, CorrelationID: sub.CorrelationID, Text: in.Text})
		}
	}); err != nil {
		return sub, err
	}
	if stale {
		return sub, ErrStopped
	}

	req := promptRequest(in, cfg)
	go func() {
		pctx, cancel := context.WithTimeout(context.Background(), promptTimeout)
		defer cancel()
		if err := cmds.PromptAsync(pctx, dir, sessionID, req); err != nil {
			c.loop.Post(func() { c.promptFailed(epoch, sessionID, sub.CorrelationID, created, err) })
		}
	}()
	return sub, nil
}

func promptRequest(in Intent, cfg config.Configuration) api.PromptRequest {
	req := api.TextPrompt(in.Text)
	req.Agent = cmp.Or(in.Agent, cfg.Agent)
	model := config.Configuration{Model: cmp.Or(in.Model, cfg.Model)}
	if provider, id, ok := model.ModelRef(); ok {
		req.Model = &api.ModelRef{ProviderID: provider, ModelID: id}
	}
	return req
}

func title(text string) string {
	runes := []rune(text)
	if len(runes) <= maxTitleLength {
		return text
	}
	return string(runes[:maxTitleLength-1]) + "…"
}

// promptFailed reports a prompt the server refused. A session created
// just for it is dropped rather than left waiting for events that will
// never come.
func (c *Coordinator) promptFailed(epoch uint64, sessionID, correlationID string, created bool, err error) {
	if epoch != c.epoch {
		return
	}
	s, ok := c.sessions[sessionID]
	if !ok || s.correlationID != correlationID {
		return
	}
	c.emit(Event{
		Kind:          KindError,
		SessionID:     sessionID,
		CorrelationID: correlationID,
		Text:          fmt.Sprintf("failed to send prompt: %v", err),
		Error:         &ErrorPayload{Code: ErrorRequest},
	})
	if created {
		c.removeSession(sessionID)
		return
	}
	s.busy = false
	s.waitingForFirstOutput = false
}

// ensureServer returns the running server's URL, starting it if needed.
// A start already in flight elsewhere is waited for.
func (c *Coordinator) ensureServer(ctx context.Context, cfg config.Configuration) (string, error) {
	for {
		if url, ok := c.sup.BaseURL(); ok {
			return url, nil
		}
		url, err := c.sup.Start(ctx, cfg)
		if err == nil {
			c.loop.Post(func() { c.serverStarted(url) })
			return url, nil
		}
		if !errors.Is(err, server.ErrAlreadyRunning) {
			return "", err
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(startPollInterval):
		}
	}
}

func (c *Coordinator) serverStarted(url string) {
	if c.baseURL != url {
		c.baseURL = url
		c.commands = nil
	}
}

// commandsFor returns the command client for url. Loop only.
func (c *Coordinator) commandsFor(url string) Commands {
	if c.commands == nil || c.baseURL != url {
		c.baseURL = url
		c.commands = c.newCommands(url)
	}
	return c.commands
}

// ensureStream connects the global stream to url unless it already is.
// Loop only.
func (c *Coordinator) ensureStream(url string) {
	if c.streamURL == url && c.stream.Active() {
		return
	}
	c.connectStream(url)
}

func (c *Coordinator) connectStream(url string) {
	ch, err := c.stream.ConnectGlobal(url)
	if err != nil {
		c.logger.Error("failed to connect event stream", "url", url, "error", err)
		return
	}
	c.streamGen++
	c.streamURL = url
	gen := c.streamGen
	go c.readEvents(ch, gen)
}

// readEvents moves envelopes from the stream onto the loop. It ends when
// the stream is disconnected.
func (c *Coordinator) readEvents(ch <-chan sse.Envelope, gen uint64) {
	for env := range ch {
		if !c.loop.Post(func() { c.dispatch(env, gen) }) {
			return
		}
	}
}

// reusableSession picks the session to continue, or "" to create one.
// Loop only.
func (c *Coordinator) reusableSession(in Intent, dir string) string {
	if in.NewSession {
		return ""
	}
	if in.SessionID != "" {
		if _, ok := c.sessions[in.SessionID]; ok {
			return in.SessionID
		}
		return ""
	}
	if id, ok := c.lastByDir[dir]; ok {
		if _, tracked := c.sessions[id]; tracked {
			return id
		}
	}
	return ""
}

// track registers a session and binds its directory. Loop only.
func (c *Coordinator) track(sessionID, dir string) *session {
	s, ok := c.sessions[sessionID]
	if !ok {
		s = &session{id: sessionID}
		c.sessions[sessionID] = s
	}
	c.routes.bindSession(sessionID, dir)
	return s
}

func (c *Coordinator) removeSession(sessionID string) {
	delete(c.sessions, sessionID)
	c.routes.dropSession(sessionID)
	for dir, id := range c.lastByDir {
		if id == sessionID {
			delete(c.lastByDir, dir)
		}
	}
}

// Interrupt aborts the session's current prompt. The idle that follows is
// reported as a finish.
func (c *Coordinator) Interrupt(ctx context.Context, sessionID string) error {
	var (
		cmds  Commands
		dir   string
		known bool
	)
	if err := c.do(ctx, func() {
		_, known = c.sessions[sessionID]
		cmds = c.commands
		dir = c.routes.resolve(sessionID, "", c.cfg.WorkingDirectory)
	}); err != nil {
		return err
	}
	if !known {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	if cmds == nil {
		return ErrNotStarted
	}

	if err := cmds.Abort(ctx, dir, sessionID); err != nil {
		return err
	}
	return c.do(ctx, func() {
		if s, ok := c.sessions[sessionID]; ok {
			s.waitingForFirstOutput = false
		}
	})
}

// QuestionReply answers a question request.
type QuestionReply struct {
	RequestID string
	SessionID string     // optional; selects the session's directory
	Answers   [][]string // one list of selected labels per question
}

// ReplyToQuestion answers a question. The request's routing entry is
// consumed whether or not the server accepts the reply.
func (c *Coordinator) ReplyToQuestion(ctx context.Context, r QuestionReply) error {
	cmds, dir, err := c.requestTarget(ctx, r.SessionID, func() string { return c.routes.questionDir(r.RequestID) })
	if err != nil {
		return err
	}
	err = cmds.ReplyQuestion(ctx, dir, r.RequestID, r.Answers)
	c.loop.Post(func() { c.routes.dropQuestion(r.RequestID) })
	return err
}

// RejectQuestion dismisses a question.
func (c *Coordinator) RejectQuestion(ctx context.Context, requestID, sessionID string) error {
	cmds, dir, err := c.requestTarget(ctx, sessionID, func() string { return c.routes.questionDir(requestID) })
	if err != nil {
		return err
	}
	err = cmds.RejectQuestion(ctx, dir, requestID)
	c.loop.Post(func() { c.routes.dropQuestion(requestID) })
	return err
}

// PermissionReply answers a permission request.
type PermissionReply struct {
	RequestID string
	SessionID string // optional; selects the session's directory
	Reply     api.PermissionReply
	Message   string
}

// ReplyToPermission answers a permission request.
func (c *Coordinator) ReplyToPermission(ctx context.Context, r PermissionReply) error {
	cmds, dir, err := c.requestTarget(ctx, r.SessionID, func() string { return c.routes.permissionDir(r.RequestID) })
	if err != nil {
		return err
	}
	err = cmds.ReplyPermission(ctx, dir, r.RequestID, r.Reply, r.Message)
	c.loop.Post(func() { c.routes.dropPermission(r.RequestID) })
	return err
}

// requestTarget resolves the command client and directory for a reply.
func (c *Coordinator) requestTarget(ctx context.Context, sessionID string, requestDir func() string) (Commands, string, error) {
	var (
		cmds Commands
		dir  string
	)
	if err := c.do(ctx, func() {
		cmds = c.commands
		dir = c.routes.resolve(sessionID, requestDir(), c.cfg.WorkingDirectory)
	}); err != nil {
		return nil, "", err
	}
	if cmds == nil {
		return nil, "", ErrNotStarted
	}
	return cmds, dir, nil
}

// CompleteSession stops tracking a session the consumer is done with.
func (c *Coordinator) CompleteSession(sessionID string) {
	_ = c.loop.Do(context.Background(), func() { c.removeSession(sessionID) })
}

// FailSession aborts a session on the server, best effort, and stops
// tracking it.
func (c *Coordinator) FailSession(ctx context.Context, sessionID string) {
	var (
		cmds Commands
		dir  string
	)
	_ = c.loop.Do(ctx, func() {
		if _, ok := c.sessions[sessionID]; !ok {
			return
		}
		cmds = c.commands
		dir = c.routes.resolve(sessionID, "", c.cfg.WorkingDirectory)
		c.removeSession(sessionID)
	})
	if cmds != nil {
		if err := cmds.Abort(ctx, dir, sessionID); err != nil {
			c.logger.Debug("abort of failed session failed", "session", sessionID, "error", err)
		}
	}
}

// Sessions returns the tracked sessions.
func (c *Coordinator) Sessions() []SessionInfo {
	var out []SessionInfo
	_ = c.loop.Do(context.Background(), func() {
		out = lo.MapToSlice(c.sessions, func(id string, s *session) SessionInfo {
			return SessionInfo{ID: id, Directory: c.routes.sessionDir(id), Agent: s.lastAgent, Busy: s.busy}
		})
	})
	return out
}

// Stop disconnects the event stream, stops the server and forgets every
// session and pending request. The coordinator can be used again; the
// next prompt starts a new server.
func (c *Coordinator) Stop(ctx context.Context) error {
	if err := c.do(ctx, c.reset); err != nil {
		return err
	}
	c.stream.Disconnect()
	return c.sup.Stop(ctx)
}

// reset clears all state. Loop only.
func (c *Coordinator) reset() {
	c.epoch++
	c.streamGen++
	c.streamURL = ""
	c.baseURL = ""
	c.commands = nil
	for t := range c.timers {
		t.Stop()
	}
	clear(c.timers)
	clear(c.sessions)
	clear(c.lastByDir)
	c.routes.reset()
}

// Restart stops everything and starts the server and event stream again
// with the current configuration.
func (c *Coordinator) Restart(ctx context.Context) error {
	if err := c.Stop(ctx); err != nil {
		return err
	}
	cfg := c.Configuration()
	url, err := c.ensureServer(ctx, cfg)
	if err != nil {
		c.report("", "", ErrorServer, fmt.Sprintf("failed to start agent server: %v", err))
		return err
	}
	return c.do(ctx, func() {
		c.commandsFor(url)
		c.ensureStream(url)
	})
}

// Close stops the bridge for good and closes Events.
func (c *Coordinator) Close(ctx context.Context) error {
	err := c.Stop(ctx)
	_ = c.loop.Do(ctx, func() { c.closed = true })
	c.loop.Close()
	c.queue.close()
	return err
}

// serverRestarted follows the supervisor onto a new process.
func (c *Coordinator) serverRestarted(url string) {
	c.loop.Post(func() {
		c.logger.Info("agent server restarted, reconnecting", "url", url)
		c.commandsFor(url)
		if c.streamURL != "" {
			c.connectStream(url)
		}
	})
}

// serverFailed reports a server that crashed too often to restart.
func (c *Coordinator) serverFailed(err error) {
	c.loop.Post(func() {
		c.streamGen++
		c.streamURL = ""
		c.commands = nil
		c.baseURL = ""
		c.emit(Event{
			Kind:  KindError,
			Text:  fmt.Sprintf("agent server crashed repeatedly: %v", err),
			Error: &ErrorPayload{Code: ErrorServer},
		})
		go c.stream.Disconnect()
	})
}

// report emits an error event from outside the loop.
func (c *Coordinator) report(correlationID, sessionID string, code ErrorCode, msg string) {
	c.loop.Post(func() {
		c.emit(Event{
			Kind:          KindError,
			SessionID:     sessionID,
			CorrelationID: correlationID,
			Text:          msg,
			Error:         &ErrorPayload{Code: code},
		})
	})
}

// emit stamps ev and queues it for the consumer. Loop only.
func (c *Coordinator) emit(ev Event) {
	if c.closed {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = c.now()
	}
	c.queue.push(ev)
}

// do runs fn on the loop, mapping a closed loop to ErrStopped.
func (c *Coordinator) do(ctx context.Context, fn func()) error {
	err := c.loop.Do(ctx, fn)
	if errors.Is(err, actor.ErrClosed) {
		return ErrStopped
	}
	return err
}
