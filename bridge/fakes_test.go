package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bazelment/yoloswe/agentbridge/api"
	"github.com/bazelment/yoloswe/agentbridge/config"
	"github.com/bazelment/yoloswe/agentbridge/internal/logging"
	"github.com/bazelment/yoloswe/agentbridge/server"
	"github.com/bazelment/yoloswe/agentbridge/sse"
)

type fakeSupervisor struct {
	startErr error
	probeErr error
	handlers server.Handlers
	url      string
	mu       sync.Mutex
	starts   int
	stops    int
	running  bool
}

func (f *fakeSupervisor) Start(_ context.Context, _ config.Configuration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.startErr != nil {
		return "", f.startErr
	}
	if f.running {
		return "", server.ErrAlreadyRunning
	}
	f.running = true
	return f.url, nil
}

func (f *fakeSupervisor) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.running = false
	return nil
}

func (f *fakeSupervisor) BaseURL() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.url, f.running
}

func (f *fakeSupervisor) Probe(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return server.ErrNotRunning
	}
	return f.probeErr
}

func (f *fakeSupervisor) SetHandlers(h server.Handlers) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = h
}

func (f *fakeSupervisor) restart(url string) {
	f.mu.Lock()
	f.url = url
	f.running = true
	h := f.handlers.Restarted
	f.mu.Unlock()
	h(url)
}

func (f *fakeSupervisor) fail(err error) {
	f.mu.Lock()
	f.running = false
	h := f.handlers.Fatal
	f.mu.Unlock()
	h(err)
}

func (f *fakeSupervisor) counts() (starts, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops
}

type fakeStream struct {
	ch          chan sse.Envelope
	urls        []string
	mu          sync.Mutex
	disconnects int
}

func (f *fakeStream) ConnectGlobal(url string) (<-chan sse.Envelope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ch != nil {
		close(f.ch)
	}
	f.ch = make(chan sse.Envelope)
	f.urls = append(f.urls, url)
	return f.ch, nil
}

func (f *fakeStream) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ch != nil {
		close(f.ch)
		f.ch = nil
	}
	f.disconnects++
}

func (f *fakeStream) Active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ch != nil
}

func (f *fakeStream) connectedURLs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.urls...)
}

func (f *fakeStream) send(t *testing.T, dir string, events ...sse.Event) {
	t.Helper()
	f.mu.Lock()
	ch := f.ch
	f.mu.Unlock()
	require.NotNil(t, ch, "stream not connected")
	for _, ev := range events {
		ch <- sse.Envelope{Directory: dir, Event: ev}
	}
}

type call struct {
	answers [][]string
	op      string
	dir     string
	id      string
	reply   api.PermissionReply
	req     api.PromptRequest
}

type fakeCommands struct {
	createErr error
	promptErr error
	replyErr  error
	calls     []call
	urls      []string
	mu        sync.Mutex
	next      int
}

func (f *fakeCommands) record(c call) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
}

func (f *fakeCommands) callsOf(op string) []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []call
	for _, c := range f.calls {
		if c.op == op {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeCommands) CreateSession(_ context.Context, dir, _ string) (api.Session, error) {
	f.record(call{op: "create", dir: dir})
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return api.Session{}, f.createErr
	}
	f.next++
	return api.Session{ID: fmt.Sprintf("ses_%d", f.next), Directory: dir}, nil
}

func (f *fakeCommands) Abort(_ context.Context, dir, id string) error {
	f.record(call{op: "abort", dir: dir, id: id})
	return nil
}

func (f *fakeCommands) PromptAsync(_ context.Context, dir, id string, req api.PromptRequest) error {
	f.record(call{op: "prompt", dir: dir, id: id, req: req})
	return f.promptErr
}

func (f *fakeCommands) ReplyQuestion(_ context.Context, dir, id string, answers [][]string) error {
	f.record(call{op: "reply_question", dir: dir, id: id, answers: answers})
	return f.replyErr
}

func (f *fakeCommands) RejectQuestion(_ context.Context, dir, id string) error {
	f.record(call{op: "reject_question", dir: dir, id: id})
	return f.replyErr
}

func (f *fakeCommands) ReplyPermission(_ context.Context, dir, id string, reply api.PermissionReply, _ string) error {
	f.record(call{op: "reply_permission", dir: dir, id: id, reply: reply})
	return f.replyErr
}

// fakeClock collects AfterFunc callbacks so tests fire them by hand.
type fakeClock struct {
	fns []func()
	mu  sync.Mutex
}

func (f *fakeClock) afterFunc(_ time.Duration, fn func()) *time.Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fns = append(f.fns, fn)
	return time.NewTimer(time.Hour)
}

func (f *fakeClock) fire() {
	f.mu.Lock()
	fns := f.fns
	f.fns = nil
	f.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (f *fakeClock) pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fns)
}

type harness struct {
	c      *Coordinator
	sup    *fakeSupervisor
	stream *fakeStream
	cmds   *fakeCommands
	clock  *fakeClock
}

var testConfig = config.Configuration{
	WorkingDirectory: "/default",
	Model:            "anthropic/claude-sonnet",
	Agent:            "build",
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		sup:    &fakeSupervisor{url: "http://127.0.0.1:4096"},
		stream: &fakeStream{},
		cmds:   &fakeCommands{},
		clock:  &fakeClock{},
	}
	base := []Option{
		WithLogger(logging.Nop()),
		WithSupervisor(h.sup),
		WithEventStream(h.stream),
		WithCommands(func(url string) Commands {
			h.cmds.mu.Lock()
			h.cmds.urls = append(h.cmds.urls, url)
			h.cmds.mu.Unlock()
			return h.cmds
		}),
		withClock(time.Now, h.clock.afterFunc),
	}
	h.c = New(testConfig, append(base, opts...)...)
	t.Cleanup(func() { _ = h.c.Close(context.Background()) })
	return h
}

func (h *harness) submit(t *testing.T, in Intent) Submission {
	t.Helper()
	sub, err := h.c.SubmitIntent(context.Background(), in)
	require.NoError(t, err)
	return sub
}

// next returns the next event with its timestamp cleared.
func (h *harness) next(t *testing.T) Event {
	t.Helper()
	select {
	case ev, ok := <-h.c.Events():
		require.True(t, ok, "events closed")
		require.False(t, ev.Time.IsZero(), "event not timestamped")
		ev.Time = time.Time{}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

// none asserts that no event arrives within a short window.
func (h *harness) none(t *testing.T) {
	t.Helper()
	select {
	case ev := <-h.c.Events():
		t.Fatalf("unexpected event: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

// sync waits until every envelope sent so far has been dispatched. The
// stream channel is unbuffered, so once the reader takes the marker it has
// already posted everything before it.
func (h *harness) sync(t *testing.T) {
	t.Helper()
	if h.stream.Active() {
		h.stream.send(t, "", sse.HeartbeatEvent{})
	}
	require.NoError(t, h.c.do(context.Background(), func() {}))
}

var errBoom = errors.New("boom")
