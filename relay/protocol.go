package relay

import (
	"github.com/bazelment/yoloswe/agentbridge/bridge"
)

// Command types accepted from clients.
const (
	CommandSubmit          = "submit"
	CommandInterrupt       = "interrupt"
	CommandReplyQuestion   = "reply_question"
	CommandRejectQuestion  = "reject_question"
	CommandReplyPermission = "reply_permission"
)

// Command is a client request. Which fields matter depends on Type.
type Command struct {
	Answers    [][]string `json:"answers,omitempty"`
	ID         string     `json:"id,omitempty"`
	Type       string     `json:"type"`
	Text       string     `json:"text,omitempty"`
	Directory  string     `json:"directory,omitempty"`
	Agent      string     `json:"agent,omitempty"`
	Model      string     `json:"model,omitempty"`
	SessionID  string     `json:"session_id,omitempty"`
	RequestID  string     `json:"request_id,omitempty"`
	Reply      string     `json:"reply,omitempty"`
	Message    string     `json:"message,omitempty"`
	NewSession bool       `json:"new_session,omitempty"`
}

// Frame types sent to clients.
const (
	FrameEvent  = "event"
	FrameResult = "result"
)

// Frame is one message sent to a client: a bridge event or the result of
// a command.
type Frame struct {
	Event  *bridge.Event `json:"event,omitempty"`
	Result *Result       `json:"result,omitempty"`
	Type   string        `json:"type"`
}

// Result answers a Command. ID echoes the command's id.
type Result struct {
	ID            string `json:"id,omitempty"`
	Error         string `json:"error,omitempty"`
	SessionID     string `json:"session_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	OK            bool   `json:"ok"`
}
