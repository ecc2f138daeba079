// Package sse consumes the agent server's Server-Sent Event streams and
// turns their payloads into typed events.
package sse

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bazelment/yoloswe/agentbridge/api"
	"github.com/bazelment/yoloswe/agentbridge/internal/actor"
	"github.com/bazelment/yoloswe/agentbridge/internal/logging"
)

// Stream endpoints.
const (
	EventPath       = "/event"
	GlobalEventPath = "/global/event"
)

const (
	defaultInitialBackoff = time.Second
	defaultMaxBackoff     = 30 * time.Second

	readChunkSize = 32 * 1024
	envelopeQueue = 256
)

// Envelope is an event together with the directory it belongs to. On a
// directory-scoped stream Directory is the directory that was connected.
type Envelope struct {
	Event     Event
	Directory string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client. It must not impose an overall
// request timeout, since streams stay open indefinitely.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger. Nil means slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = logging.OrDefault(l) }
}

// WithClassifier sets the plan-intent classifier used for questions.
func WithClassifier(ic IntentClassifier) Option {
	return func(c *Client) { c.classifier = ic }
}

// WithBackoff overrides the reconnect delays.
func WithBackoff(initial, maxDelay time.Duration) Option {
	return func(c *Client) {
		c.initialBackoff = initial
		c.maxBackoff = maxDelay
	}
}

func withSleep(fn func(context.Context, time.Duration) error) Option {
	return func(c *Client) { c.sleep = fn }
}

type stream struct {
	cancel context.CancelFunc
	done   chan struct{}
	id     uint64
}

// Client keeps at most one stream open and reconnects it forever with
// exponential backoff until Disconnect or Close. Fields after loop are
// owned by the loop.
type Client struct {
	http           *http.Client
	logger         *slog.Logger
	classifier     IntentClassifier
	parser         *Parser
	initialBackoff time.Duration
	maxBackoff     time.Duration
	sleep          func(context.Context, time.Duration) error
	loop           *actor.Loop

	stream    *stream
	seq       uint64
	connected bool
	closed    bool
}

// NewClient creates a disconnected client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		http:           &http.Client{},
		logger:         slog.Default(),
		initialBackoff: defaultInitialBackoff,
		maxBackoff:     defaultMaxBackoff,
		sleep:          sleepContext,
		loop:           actor.New(16),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.parser = &Parser{Classifier: c.classifier, Logger: c.logger}
	return c
}

// Connect opens the directory-scoped stream at baseURL. Any previous
// stream is closed first. The returned channel is closed when the stream
// is disconnected.
func (c *Client) Connect(baseURL, directory string) (<-chan Envelope, error) {
	return c.open(strings.TrimRight(baseURL, "/")+EventPath, directory, false)
}

// ConnectGlobal opens the global stream, which carries events for every
// directory the server knows.
func (c *Client) ConnectGlobal(baseURL string) (<-chan Envelope, error) {
	return c.open(strings.TrimRight(baseURL, "/")+GlobalEventPath, "", true)
}

func (c *Client) open(url, directory string, global bool) (<-chan Envelope, error) {
	var (
		prev, next *stream
		ctx        context.Context
	)
	err := c.loop.Do(context.Background(), func() {
		if c.closed {
			return
		}
		prev = c.stream
		c.seq++
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(context.Background())
		next = &stream{id: c.seq, cancel: cancel, done: make(chan struct{})}
		c.stream = next
		c.connected = false
	})
	if errors.Is(err, actor.ErrClosed) || (err == nil && next == nil) {
		return nil, ErrClosed
	}
	if err != nil {
		return nil, err
	}

	if prev != nil {
		prev.cancel()
		<-prev.done
	}

	out := make(chan Envelope, envelopeQueue)
	go c.run(ctx, next, url, directory, global, out)
	return out, nil
}

// Disconnect closes the current stream, if any, and waits for its reader
// to exit.
func (c *Client) Disconnect() {
	var s *stream
	_ = c.loop.Do(context.Background(), func() {
		s = c.stream
		c.stream = nil
		c.connected = false
	})
	if s != nil {
		s.cancel()
		<-s.done
	}
}

// Close disconnects and releases the client.
func (c *Client) Close() {
	_ = c.loop.Do(context.Background(), func() { c.closed = true })
	c.Disconnect()
	c.loop.Close()
}

// Connected reports whether a stream is open and receiving.
func (c *Client) Connected() bool {
	var v bool
	_ = c.loop.Do(context.Background(), func() { v = c.connected })
	return v
}

// Active reports whether a stream is open or being reconnected.
func (c *Client) Active() bool {
	var v bool
	_ = c.loop.Do(context.Background(), func() { v = c.stream != nil })
	return v
}

func (c *Client) setConnected(id uint64, v bool) {
	c.loop.Post(func() {
		if c.stream != nil && c.stream.id == id {
			c.connected = v
		}
	})
}

func (c *Client) run(ctx context.Context, s *stream, url, directory string, global bool, out chan<- Envelope) {
	defer close(s.done)
	defer close(out)

	backoff := c.initialBackoff
	for {
		received, err := c.receive(ctx, s, url, directory, global, out)
		if ctx.Err() != nil {
			return
		}
		if received {
			backoff = c.initialBackoff
		}
		c.logger.Warn("event stream disconnected, reconnecting", "url", url, "error", err, "delay", backoff)
		if c.sleep(ctx, backoff) != nil {
			return
		}
		backoff = min(backoff*2, c.maxBackoff)
	}
}

// receive runs one connection to completion. It reports whether the
// server accepted the stream, which resets the backoff.
func (c *Client) receive(ctx context.Context, s *stream, url, directory string, global bool, out chan<- Envelope) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if directory != "" {
		req.Header.Set(api.DirectoryHeader, directory)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return false, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	c.logger.Debug("event stream connected", "url", url, "directory", directory)
	c.setConnected(s.id, true)
	defer c.setConnected(s.id, false)

	var f Framer
	buf := make([]byte, readChunkSize)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			for _, payload := range f.Feed(buf[:n]) {
				if !c.deliver(ctx, payload, directory, global, out) {
					return true, ctx.Err()
				}
			}
		}
		if rerr != nil {
			for _, payload := range f.Close() {
				if !c.deliver(ctx, payload, directory, global, out) {
					return true, ctx.Err()
				}
			}
			if errors.Is(rerr, io.EOF) {
				rerr = io.ErrUnexpectedEOF
			}
			return true, rerr
		}
	}
}

func (c *Client) deliver(ctx context.Context, payload, directory string, global bool, out chan<- Envelope) bool {
	c.logger.Log(ctx, logging.LevelTrace, "event stream frame", "data", payload)

	var events []Event
	if global {
		directory, events = c.parser.ParseGlobal([]byte(payload))
	} else {
		events = c.parser.Parse([]byte(payload))
	}
	for _, ev := range events {
		select {
		case out <- Envelope{Directory: directory, Event: ev}:
		case <-ctx.Done():
			return false
		}
	}
	return true
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
