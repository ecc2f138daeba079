package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorded struct {
	Method    string
	Path      string
	Directory string
	Body      string
}

// fakeServer records every request and answers with status and body.
func fakeServer(t *testing.T, status int, body string) (*httptest.Server, func() []recorded) {
	t.Helper()
	var (
		mu   sync.Mutex
		reqs []recorded
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		reqs = append(reqs, recorded{
			Method:    r.Method,
			Path:      r.URL.EscapedPath(),
			Directory: r.Header.Get(DirectoryHeader),
			Body:      string(data),
		})
		mu.Unlock()
		if body != "" {
			w.Header().Set("Content-Type", "application/json")
		}
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []recorded {
		mu.Lock()
		defer mu.Unlock()
		return append([]recorded(nil), reqs...)
	}
}

func TestCreateSession(t *testing.T) {
	srv, reqs := fakeServer(t, http.StatusOK, `{"id":"ses_1","title":"hello","directory":"/work"}`)
	c := New(srv.URL + "/")

	s, err := c.CreateSession(context.Background(), "/work", "hello")
	require.NoError(t, err)
	assert.Equal(t, Session{ID: "ses_1", Title: "hello", Directory: "/work"}, s)

	got := reqs()
	require.Len(t, got, 1)
	assert.Equal(t, http.MethodPost, got[0].Method)
	assert.Equal(t, "/session", got[0].Path)
	assert.Equal(t, "/work", got[0].Directory)
	assert.JSONEq(t, `{"title":"hello"}`, got[0].Body)
}

func TestCreateSessionMissingID(t *testing.T) {
	srv, _ := fakeServer(t, http.StatusOK, `{}`)
	_, err := New(srv.URL).CreateSession(context.Background(), "", "")
	assert.ErrorContains(t, err, "no session id")
}

func TestCommands(t *testing.T) {
	model := &ModelRef{ProviderID: "anthropic", ModelID: "claude-sonnet"}

	tests := []struct {
		name     string
		call     func(c *Client) error
		wantPath string
		wantBody string
	}{
		{
			name:     "abort",
			call:     func(c *Client) error { return c.Abort(context.Background(), "/work", "ses_1") },
			wantPath: "/session/ses_1/abort",
		},
		{
			name: "prompt",
			call: func(c *Client) error {
				req := TextPrompt("hi")
				req.Model = model
				req.Agent = "build"
				return c.PromptAsync(context.Background(), "/work", "ses_1", req)
			},
			wantPath: "/session/ses_1/prompt_async",
			wantBody: `{"model":{"providerID":"anthropic","modelID":"claude-sonnet"},"agent":"build","parts":[{"type":"text","text":"hi"}]}`,
		},
		{
			name: "reply question",
			call: func(c *Client) error {
				return c.ReplyQuestion(context.Background(), "/work", "que_1", [][]string{{"Yes"}})
			},
			wantPath: "/question/que_1/reply",
			wantBody: `{"answers":[["Yes"]]}`,
		},
		{
			name:     "reply question without answers",
			call:     func(c *Client) error { return c.ReplyQuestion(context.Background(), "/work", "que_1", nil) },
			wantPath: "/question/que_1/reply",
			wantBody: `{"answers":[]}`,
		},
		{
			name:     "reject question",
			call:     func(c *Client) error { return c.RejectQuestion(context.Background(), "/work", "que_1") },
			wantPath: "/question/que_1/reject",
		},
		{
			name: "reply permission",
			call: func(c *Client) error {
				return c.ReplyPermission(context.Background(), "/work", "per_1", PermissionReject, "not there")
			},
			wantPath: "/permission/per_1/reply",
			wantBody: `{"reply":"reject","message":"not there"}`,
		},
		{
			name:     "escapes ids",
			call:     func(c *Client) error { return c.Abort(context.Background(), "/work", "a/b") },
			wantPath: "/session/a%2Fb/abort",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, reqs := fakeServer(t, http.StatusNoContent, "")
			require.NoError(t, tt.call(New(srv.URL)))

			got := reqs()
			require.Len(t, got, 1)
			assert.Equal(t, http.MethodPost, got[0].Method)
			assert.Equal(t, tt.wantPath, got[0].Path)
			assert.Equal(t, "/work", got[0].Directory)
			if tt.wantBody == "" {
				assert.Empty(t, got[0].Body)
			} else {
				assert.JSONEq(t, tt.wantBody, got[0].Body)
			}
		})
	}
}

func TestHTTPError(t *testing.T) {
	srv, _ := fakeServer(t, http.StatusNotFound, `{"error":"no such session"}`)
	err := New(srv.URL).Abort(context.Background(), "", "ses_x")

	var he *HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusNotFound, he.StatusCode)
	assert.Equal(t, "/session/ses_x/abort", he.Path)
	assert.Contains(t, he.Body, "no such session")
	assert.Contains(t, err.Error(), "abort session ses_x")
}

func TestInvalidPermissionReply(t *testing.T) {
	srv, reqs := fakeServer(t, http.StatusNoContent, "")
	err := New(srv.URL).ReplyPermission(context.Background(), "", "per_1", "maybe", "")
	assert.ErrorContains(t, err, "invalid reply")
	assert.Empty(t, reqs())
}

func TestNoDirectoryHeaderWhenEmpty(t *testing.T) {
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Values(DirectoryHeader)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	require.NoError(t, New(srv.URL).Abort(context.Background(), "", "ses_1"))
	assert.Empty(t, seen)
}

func TestPromptRequestJSON(t *testing.T) {
	data, err := json.Marshal(TextPrompt("hello"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"parts":[{"type":"text","text":"hello"}]}`, string(data))
}
