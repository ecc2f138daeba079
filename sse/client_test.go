package sse

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bazelment/yoloswe/agentbridge/api"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c := NewClient(WithLogger(nopLogger()), WithBackoff(10*time.Millisecond, 50*time.Millisecond))
	t.Cleanup(c.Close)
	return c
}

// writeChunks writes s in pieces of n bytes, flushing after each so the
// client sees the frames split at arbitrary points.
func writeChunks(w http.ResponseWriter, s string, n int) {
	f := w.(http.Flusher)
	for len(s) > 0 {
		k := min(n, len(s))
		_, _ = io.WriteString(w, s[:k])
		f.Flush()
		s = s[k:]
	}
}

func recv(t *testing.T, ch <-chan Envelope) Envelope {
	t.Helper()
	select {
	case env, ok := <-ch:
		require.True(t, ok, "stream closed")
		return env
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return Envelope{}
	}
}

func waitClosed(t *testing.T, ch <-chan Envelope) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("stream channel not closed")
		}
	}
}

func TestConnectScopedStream(t *testing.T) {
	var (
		mu      sync.Mutex
		headers http.Header
		path    string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		headers = r.Header.Clone()
		path = r.URL.Path
		mu.Unlock()
		w.Header().Set("Content-Type", "text/event-stream")
		writeChunks(w,
			"data: {\"type\":\"server.connected\",\"properties\":{}}\n\n"+
				"data: {\"type\":\"message.part.updated\",\"properties\":{\"part\":{\"sessionID\":\"ses_1\",\"type\":\"text\"},\"delta\":\"Hello\"}}\n\n"+
				"data: {\"type\":\"session.idle\",\"properties\":{\"sessionID\":\"ses_1\"}}\n\n",
			7)
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	c := newTestClient(t)
	ch, err := c.Connect(srv.URL, "/work/a")
	require.NoError(t, err)

	assert.Equal(t, Envelope{Directory: "/work/a", Event: ConnectedEvent{}}, recv(t, ch))
	assert.Equal(t, Envelope{Directory: "/work/a", Event: TextDeltaEvent{SessionID: "ses_1", Delta: "Hello"}}, recv(t, ch))
	assert.Equal(t, Envelope{Directory: "/work/a", Event: SessionIdleEvent{SessionID: "ses_1"}}, recv(t, ch))

	assert.Eventually(t, c.Connected, 2*time.Second, 10*time.Millisecond)
	assert.True(t, c.Active())

	mu.Lock()
	assert.Equal(t, EventPath, path)
	assert.Equal(t, "text/event-stream", headers.Get("Accept"))
	assert.Equal(t, "/work/a", headers.Get(api.DirectoryHeader))
	mu.Unlock()

	c.Disconnect()
	waitClosed(t, ch)
	assert.False(t, c.Connected())
	assert.False(t, c.Active())
}

func TestConnectGlobalStream(t *testing.T) {
	var path atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path.Store(r.URL.Path)
		assert.Empty(t, r.Header.Get(api.DirectoryHeader))
		writeChunks(w,
			"data: {\"directory\":\"/work/b\",\"payload\":{\"type\":\"session.idle\",\"properties\":{\"sessionID\":\"ses_9\"}}}\n\n",
			16)
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	c := newTestClient(t)
	ch, err := c.ConnectGlobal(srv.URL + "/")
	require.NoError(t, err)

	assert.Equal(t, Envelope{Directory: "/work/b", Event: SessionIdleEvent{SessionID: "ses_9"}}, recv(t, ch))
	assert.Equal(t, GlobalEventPath, path.Load())
}

func TestReconnectsAfterStreamEnds(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := conns.Add(1)
		switch n {
		case 1:
			// Final frame has no trailing blank line; it is flushed at EOF.
			writeChunks(w, "data: {\"type\":\"session.idle\",\"properties\":{\"sessionID\":\"first\"}}", 5)
		case 2:
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			writeChunks(w, "data: {\"type\":\"session.idle\",\"properties\":{\"sessionID\":\"third\"}}\n\n", 64)
			<-r.Context().Done()
		}
	}))
	t.Cleanup(srv.Close)

	c := newTestClient(t)
	ch, err := c.Connect(srv.URL, "")
	require.NoError(t, err)

	assert.Equal(t, "first", recv(t, ch).Event.Session())
	assert.Equal(t, "third", recv(t, ch).Event.Session())
	assert.GreaterOrEqual(t, conns.Load(), int32(3))
}

func TestReconnectBackoffSchedule(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch n := conns.Add(1); {
		case n <= 7:
			w.WriteHeader(http.StatusBadGateway)
		case n == 8:
			writeChunks(w, "data: {\"type\":\"server.connected\"}\n\n", 64)
		default:
			<-r.Context().Done()
		}
	}))
	t.Cleanup(srv.Close)

	var (
		mu     sync.Mutex
		delays []time.Duration
	)
	c := NewClient(WithLogger(nopLogger()), withSleep(func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return ctx.Err()
	}))
	t.Cleanup(c.Close)

	ch, err := c.Connect(srv.URL, "")
	require.NoError(t, err)
	assert.Equal(t, ConnectedEvent{}, recv(t, ch).Event)

	assert.Eventually(t, func() bool { return conns.Load() >= 9 }, 5*time.Second, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	s := time.Second
	assert.Equal(t, []time.Duration{s, 2 * s, 4 * s, 8 * s, 16 * s, 30 * s, 30 * s, s}, delays)
}

func TestConnectReplacesPreviousStream(t *testing.T) {
	var open atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		open.Add(1)
		defer open.Add(-1)
		writeChunks(w, "data: {\"type\":\"server.connected\"}\n\n", 64)
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	c := newTestClient(t)
	first, err := c.Connect(srv.URL, "/a")
	require.NoError(t, err)
	recv(t, first)

	second, err := c.Connect(srv.URL, "/b")
	require.NoError(t, err)
	waitClosed(t, first)

	env := recv(t, second)
	assert.Equal(t, "/b", env.Directory)
	assert.Eventually(t, func() bool { return open.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestConnectAfterClose(t *testing.T) {
	c := NewClient(WithLogger(nopLogger()))
	c.Close()
	_, err := c.Connect("http://127.0.0.1:1", "")
	assert.ErrorIs(t, err, ErrClosed)
	assert.False(t, c.Connected())
}

func TestNotConnectedWhileRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := newTestClient(t)
	_, err := c.Connect(url, "")
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	assert.False(t, c.Connected())
	assert.True(t, c.Active())
}

func TestStatusError(t *testing.T) {
	err := &StatusError{StatusCode: 503, Status: "503 Service Unavailable"}
	assert.Contains(t, err.Error(), "503")
}
