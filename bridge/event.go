package bridge

import (
	"encoding/json"
	"time"
)

// Kind tags an Event.
type Kind string

const (
	KindThought   Kind = "thought"
	KindTool      Kind = "tool"
	KindFinish    Kind = "finish"
	KindError     Kind = "error"
	KindAssistant Kind = "assistant"
	KindUsage     Kind = "usage"
	KindUser      Kind = "user"
	// KindUnknown carries notifications without a dedicated kind, such as
	// an agent switch.
	KindUnknown Kind = "unknown"
)

// Event is the normalized event delivered to consumers. Which optional
// fields are set depends on Kind:
//
//	assistant, thought, user  Text
//	tool                      Tool
//	usage                     Usage
//	error                     Text, Error
//	unknown                   Agent
type Event struct {
	Time          time.Time     `json:"time"`
	Tool          *ToolPayload  `json:"tool,omitempty"`
	Usage         *UsagePayload `json:"usage,omitempty"`
	Error         *ErrorPayload `json:"error,omitempty"`
	Kind          Kind          `json:"kind" jsonschema:"enum=thought,enum=tool,enum=finish,enum=error,enum=assistant,enum=usage,enum=user,enum=unknown"`
	SessionID     string        `json:"session_id,omitempty"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	Text          string        `json:"text,omitempty"`
	Agent         string        `json:"agent,omitempty"`
	// Final marks an assistant event that repeats the complete text of a
	// part whose deltas were already delivered.
	Final bool `json:"final,omitempty"`
}

// Tool payload names for requests that need an answer.
const (
	ToolQuestion   = "question"
	ToolPermission = "permission"
)

// ToolPayload describes a tool call, or a question or permission request
// the consumer must answer.
type ToolPayload struct {
	Input      json.RawMessage    `json:"input,omitempty"`
	Question   *QuestionPayload   `json:"question,omitempty"`
	Permission *PermissionPayload `json:"permission,omitempty"`
	Name       string             `json:"name"`
	CallID     string             `json:"call_id,omitempty"`
	Title      string             `json:"title,omitempty"`
	Status     string             `json:"status,omitempty" jsonschema:"enum=pending,enum=running,enum=completed,enum=error"`
	Output     string             `json:"output,omitempty"`
	Error      string             `json:"error,omitempty"`
	Diff       string             `json:"diff,omitempty"`
}

// QuestionOption is one selectable answer.
type QuestionOption struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// QuestionItem is one question inside a request.
type QuestionItem struct {
	Text     string           `json:"text"`
	Header   string           `json:"header,omitempty"`
	Options  []QuestionOption `json:"options,omitempty"`
	Multiple bool             `json:"multiple,omitempty"`
	Custom   bool             `json:"custom,omitempty"`
}

// QuestionPayload is a question request. Answer it with ReplyToQuestion
// or RejectQuestion using RequestID.
type QuestionPayload struct {
	RequestID  string         `json:"request_id"`
	Directory  string         `json:"directory,omitempty"`
	PlanIntent string         `json:"plan_intent,omitempty" jsonschema:"enum=plan_enter,enum=plan_exit"`
	Questions  []QuestionItem `json:"questions"`
}

// PermissionPayload is a permission request. Answer it with
// ReplyToPermission using RequestID.
type PermissionPayload struct {
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	RequestID  string          `json:"request_id"`
	Directory  string          `json:"directory,omitempty"`
	Permission string          `json:"permission"`
	Patterns   []string        `json:"patterns,omitempty"`
	Always     []string        `json:"always,omitempty"`
}

// UsagePayload is a token usage report.
type UsagePayload struct {
	Input      int64   `json:"input"`
	Output     int64   `json:"output"`
	Reasoning  int64   `json:"reasoning,omitempty"`
	CacheRead  int64   `json:"cache_read,omitempty"`
	CacheWrite int64   `json:"cache_write,omitempty"`
	Total      int64   `json:"total"`
	Cost       float64 `json:"cost,omitempty"`
}

// ErrorCode classifies error events.
type ErrorCode string

const (
	// ErrorSession is an error reported by the server for a session.
	ErrorSession ErrorCode = "session_error"
	// ErrorNoOutput is a session that went idle without producing output.
	ErrorNoOutput ErrorCode = "no_output"
	// ErrorRetryExhausted is a provider that keeps failing and retrying.
	ErrorRetryExhausted ErrorCode = "retry_exhausted"
	// ErrorRequest is a failed command issued on the consumer's behalf.
	ErrorRequest ErrorCode = "request_failed"
	// ErrorServer is an agent server that could not be started or kept
	// running.
	ErrorServer ErrorCode = "server_error"
)

// ErrorPayload details an error event. The message is in Event.Text.
type ErrorPayload struct {
	Code       ErrorCode `json:"code" jsonschema:"enum=session_error,enum=no_output,enum=retry_exhausted,enum=request_failed,enum=server_error"`
	Name       string    `json:"name,omitempty"`
	StatusCode int       `json:"status_code,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
}

// NoOutputMessage is the text of the error reported for a session that
// went idle before producing anything.
const NoOutputMessage = "no output from provider"
