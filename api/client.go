// Package api is a thin client for the agent server's REST commands. The
// commands are fire-and-forget: their results arrive on the event stream,
// not in the responses.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DirectoryHeader scopes a request or stream to one working directory.
const DirectoryHeader = "x-opencode-directory"

const maxErrorBody = 4096

// Client issues commands against one server base URL. It is safe for
// concurrent use.
type Client struct {
	http    *http.Client
	baseURL string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New creates a client for baseURL, e.g. "http://127.0.0.1:4096".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		http:    &http.Client{Timeout: 30 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the server URL the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Session is the subset of the server's session record the bridge uses.
type Session struct {
	ID        string `json:"id"`
	Title     string `json:"title,omitempty"`
	Directory string `json:"directory,omitempty"`
}

// CreateSession creates a session in directory.
func (c *Client) CreateSession(ctx context.Context, directory, title string) (Session, error) {
	body := struct {
		Title string `json:"title,omitempty"`
	}{Title: title}

	var s Session
	if err := c.do(ctx, http.MethodPost, "/session", directory, body, &s); err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	if s.ID == "" {
		return Session{}, fmt.Errorf("create session: response has no session id")
	}
	return s, nil
}

// Abort stops whatever the session is doing.
func (c *Client) Abort(ctx context.Context, directory, sessionID string) error {
	if err := c.do(ctx, http.MethodPost, "/session/"+url.PathEscape(sessionID)+"/abort", directory, nil, nil); err != nil {
		return fmt.Errorf("abort session %s: %w", sessionID, err)
	}
	return nil
}

// ModelRef selects a provider and model for one prompt.
type ModelRef struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

// Part is one piece of prompt input.
type Part struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// PromptRequest is the body of a prompt_async call.
type PromptRequest struct {
	Model *ModelRef `json:"model,omitempty"`
	Agent string    `json:"agent,omitempty"`
	Parts []Part    `json:"parts"`
}

// TextPrompt builds a request with a single text part.
func TextPrompt(text string) PromptRequest {
	return PromptRequest{Parts: []Part{{Type: "text", Text: text}}}
}

// PromptAsync queues a prompt. The server answers 204 right away; the
// reply streams in as events.
func (c *Client) PromptAsync(ctx context.Context, directory, sessionID string, req PromptRequest) error {
	if err := c.do(ctx, http.MethodPost, "/session/"+url.PathEscape(sessionID)+"/prompt_async", directory, req, nil); err != nil {
		return fmt.Errorf("prompt session %s: %w", sessionID, err)
	}
	return nil
}

// ReplyQuestion answers a question request. answers holds the selected
// labels (or custom text) for each question, in order.
func (c *Client) ReplyQuestion(ctx context.Context, directory, requestID string, answers [][]string) error {
	if answers == nil {
		answers = [][]string{}
	}
	body := struct {
		Answers [][]string `json:"answers"`
	}{Answers: answers}
	if err := c.do(ctx, http.MethodPost, "/question/"+url.PathEscape(requestID)+"/reply", directory, body, nil); err != nil {
		return fmt.Errorf("reply to question %s: %w", requestID, err)
	}
	return nil
}

// RejectQuestion dismisses a question request without answering.
func (c *Client) RejectQuestion(ctx context.Context, directory, requestID string) error {
	if err := c.do(ctx, http.MethodPost, "/question/"+url.PathEscape(requestID)+"/reject", directory, nil, nil); err != nil {
		return fmt.Errorf("reject question %s: %w", requestID, err)
	}
	return nil
}

// PermissionReply is the decision sent for a permission request.
type PermissionReply string

const (
	PermissionOnce   PermissionReply = "once"
	PermissionAlways PermissionReply = "always"
	PermissionReject PermissionReply = "reject"
)

// Valid reports whether r is one of the known replies.
func (r PermissionReply) Valid() bool {
	switch r {
	case PermissionOnce, PermissionAlways, PermissionReject:
		return true
	}
	return false
}

// ReplyPermission answers a permission request. message is optional
// feedback shown to the agent on rejection.
func (c *Client) ReplyPermission(ctx context.Context, directory, requestID string, reply PermissionReply, message string) error {
	if !reply.Valid() {
		return fmt.Errorf("reply to permission %s: invalid reply %q", requestID, reply)
	}
	body := struct {
		Reply   PermissionReply `json:"reply"`
		Message string          `json:"message,omitempty"`
	}{Reply: reply, Message: message}
	if err := c.do(ctx, http.MethodPost, "/permission/"+url.PathEscape(requestID)+"/reply", directory, body, nil); err != nil {
		return fmt.Errorf("reply to permission %s: %w", requestID, err)
	}
	return nil
}

// do sends a JSON request and decodes a JSON response into out when out is
// non-nil and the server sent a body.
func (c *Client) do(ctx context.Context, method, path, directory string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if directory != "" {
		req.Header.Set(DirectoryHeader, directory)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &HTTPError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(data)),
		}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
