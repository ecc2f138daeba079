package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sourcegraph/conc"

	"github.com/bazelment/yoloswe/agentbridge/api"
	"github.com/bazelment/yoloswe/agentbridge/bridge"
	"github.com/bazelment/yoloswe/agentbridge/internal/logging"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second

	defaultSubscriberBuffer = 1024
	maxCommandSize          = 1 << 20
)

// Bridge is the part of the coordinator the relay drives.
type Bridge interface {
	SubmitIntent(ctx context.Context, in bridge.Intent) (bridge.Submission, error)
	Interrupt(ctx context.Context, sessionID string) error
	ReplyToQuestion(ctx context.Context, r bridge.QuestionReply) error
	RejectQuestion(ctx context.Context, requestID, sessionID string) error
	ReplyToPermission(ctx context.Context, r bridge.PermissionReply) error
	Sessions() []bridge.SessionInfo
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. Nil means slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = logging.OrDefault(l) }
}

// WithSubscriberBuffer sets how many events a slow client may fall behind
// before the oldest are dropped.
func WithSubscriberBuffer(n int) Option {
	return func(s *Server) { s.bufSize = n }
}

// WithCheckOrigin replaces the upgrader's origin check. The default only
// accepts same-host origins.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(s *Server) { s.upgrader.CheckOrigin = fn }
}

// Server serves the relay endpoints:
//
//	GET /events    WebSocket: event frames out, commands in
//	GET /sessions  tracked sessions as JSON
//	GET /schema    JSON schema of the event payload
type Server struct {
	bridge      Bridge
	broadcaster *Broadcaster
	logger      *slog.Logger
	upgrader    websocket.Upgrader
	bufSize     int
}

// NewServer creates a relay for b whose events come from bc.
func NewServer(b Bridge, bc *Broadcaster, opts ...Option) *Server {
	s := &Server{
		bridge:      b,
		broadcaster: bc,
		logger:      slog.Default(),
		bufSize:     defaultSubscriberBuffer,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("GET /sessions", s.handleSessions)
	mux.HandleFunc("GET /schema", s.handleSchema)
	return mux
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("relay listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("relay listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := s.bridge.Sessions()
	if sessions == nil {
		sessions = []bridge.SessionInfo{}
	}
	writeJSON(w, sessions)
}

func (s *Server) handleSchema(w http.ResponseWriter, _ *http.Request) {
	data, err := bridge.Schema()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// handleEvents upgrades to WebSocket and serves the connection until
// either side closes it.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	// Subscribe before the handshake completes so a client never misses
	// events published right after it connects. Repeated ?session=
	// parameters narrow the stream to those sessions.
	id, events := s.broadcaster.Subscribe(s.bufSize, r.URL.Query()["session"]...)
	defer s.broadcaster.Unsubscribe(id)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	logger := s.logger.With("client", r.RemoteAddr, "subscriber", id)
	logger.Info("relay client connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	c := &client{
		conn:       conn,
		out:        make(chan Frame, 64),
		logger:     logger,
		cancel:     cancel,
		subscriber: id,
	}

	var wg conc.WaitGroup
	wg.Go(func() { c.writePump(ctx, events) })
	wg.Go(func() { s.readPump(ctx, c, &wg) })
	wg.Wait()
	logger.Info("relay client disconnected")
}

type client struct {
	conn       *websocket.Conn
	out        chan Frame
	logger     *slog.Logger
	cancel     context.CancelFunc
	subscriber int
}

// send queues a frame for the writer. It gives up once the connection is
// going away.
func (c *client) send(ctx context.Context, f Frame) {
	select {
	case c.out <- f:
	case <-ctx.Done():
	}
}

// readPump decodes commands and runs each on its own goroutine so a slow
// command does not stall the connection.
func (s *Server) readPump(ctx context.Context, c *client, wg *conc.WaitGroup) {
	defer c.cancel()

	c.conn.SetReadLimit(maxCommandSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			c.send(ctx, resultFrame(Result{Error: fmt.Sprintf("invalid command: %v", err)}))
			continue
		}
		wg.Go(func() {
			res := s.execute(ctx, cmd)
			// A filtered client keeps seeing the sessions it starts.
			if res.OK && res.SessionID != "" {
				s.broadcaster.Follow(c.subscriber, res.SessionID)
			}
			c.send(ctx, resultFrame(res))
		})
	}
}

// writePump is the connection's only writer.
func (c *client) writePump(ctx context.Context, events <-chan bridge.Event) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.cancel()
		_ = c.conn.Close()
	}()

	closeConn := func() {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}

	for {
		select {
		case <-ctx.Done():
			closeConn()
			return
		case ev, ok := <-events:
			if !ok {
				closeConn()
				return
			}
			if !c.write(Frame{Type: FrameEvent, Event: &ev}) {
				return
			}
		case f := <-c.out:
			if !c.write(f) {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) write(f Frame) bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	if err := c.conn.WriteJSON(f); err != nil {
		c.logger.Debug("websocket write failed", "error", err)
		return false
	}
	return true
}

func resultFrame(r Result) Frame {
	return Frame{Type: FrameResult, Result: &r}
}

// execute runs one command against the bridge.
func (s *Server) execute(ctx context.Context, cmd Command) Result {
	res := Result{ID: cmd.ID}
	var err error
	switch cmd.Type {
	case CommandSubmit:
		var sub bridge.Submission
		sub, err = s.bridge.SubmitIntent(ctx, bridge.Intent{
			Text:       cmd.Text,
			Directory:  cmd.Directory,
			Agent:      cmd.Agent,
			Model:      cmd.Model,
			SessionID:  cmd.SessionID,
			NewSession: cmd.NewSession,
		})
		res.SessionID = sub.SessionID
		res.CorrelationID = sub.CorrelationID
	case CommandInterrupt:
		err = s.bridge.Interrupt(ctx, cmd.SessionID)
	case CommandReplyQuestion:
		err = s.bridge.ReplyToQuestion(ctx, bridge.QuestionReply{
			RequestID: cmd.RequestID,
			SessionID: cmd.SessionID,
			Answers:   cmd.Answers,
		})
	case CommandRejectQuestion:
		err = s.bridge.RejectQuestion(ctx, cmd.RequestID, cmd.SessionID)
	case CommandReplyPermission:
		reply := api.PermissionReply(cmd.Reply)
		if !reply.Valid() {
			err = fmt.Errorf("invalid permission reply %q", cmd.Reply)
			break
		}
		err = s.bridge.ReplyToPermission(ctx, bridge.PermissionReply{
			RequestID: cmd.RequestID,
			SessionID: cmd.SessionID,
			Reply:     reply,
			Message:   cmd.Message,
		})
	default:
		err = fmt.Errorf("unknown command type %q", cmd.Type)
	}
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.OK = true
	return res
}
