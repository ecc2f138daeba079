package sse

import "encoding/json"

// EventType discriminates between parsed stream events.
type EventType int

const (
	EventTypeConnected EventType = iota
	EventTypeHeartbeat
	EventTypeUsageUpdated
	EventTypeTextDelta
	EventTypeTextComplete
	EventTypeReasoningDelta
	EventTypeToolRunning
	EventTypeToolCompleted
	EventTypeToolError
	EventTypeAgentChanged
	EventTypeSessionIdle
	EventTypeSessionStatus
	EventTypeSessionError
	EventTypeQuestionAsked
	EventTypePermissionAsked
)

var eventTypeNames = [...]string{
	EventTypeConnected:       "connected",
	EventTypeHeartbeat:       "heartbeat",
	EventTypeUsageUpdated:    "usage_updated",
	EventTypeTextDelta:       "text_delta",
	EventTypeTextComplete:    "text_complete",
	EventTypeReasoningDelta:  "reasoning_delta",
	EventTypeToolRunning:     "tool_running",
	EventTypeToolCompleted:   "tool_completed",
	EventTypeToolError:       "tool_error",
	EventTypeAgentChanged:    "agent_changed",
	EventTypeSessionIdle:     "session_idle",
	EventTypeSessionStatus:   "session_status",
	EventTypeSessionError:    "session_error",
	EventTypeQuestionAsked:   "question_asked",
	EventTypePermissionAsked: "permission_asked",
}

func (t EventType) String() string {
	if int(t) < len(eventTypeNames) {
		return eventTypeNames[t]
	}
	return "unknown"
}

// Event is a parsed stream event.
type Event interface {
	Type() EventType
	// Session returns the id of the session the event belongs to, or "".
	Session() string
}

// ConnectedEvent is the first event the server sends on a new stream.
type ConnectedEvent struct{}

func (ConnectedEvent) Type() EventType { return EventTypeConnected }
func (ConnectedEvent) Session() string { return "" }

// HeartbeatEvent keeps an idle stream alive.
type HeartbeatEvent struct{}

func (HeartbeatEvent) Type() EventType { return EventTypeHeartbeat }
func (HeartbeatEvent) Session() string { return "" }

// Usage is a token count breakdown.
type Usage struct {
	Input      int64
	Output     int64
	Reasoning  int64
	CacheRead  int64
	CacheWrite int64
	Total      int64
}

// UsageUpdatedEvent reports token usage for a step or a message.
type UsageUpdatedEvent struct {
	SessionID string
	MessageID string
	Tokens    Usage
	Cost      float64
}

func (e UsageUpdatedEvent) Type() EventType { return EventTypeUsageUpdated }
func (e UsageUpdatedEvent) Session() string { return e.SessionID }

// TextDeltaEvent carries a chunk of assistant text.
type TextDeltaEvent struct {
	SessionID string
	MessageID string
	PartID    string
	Delta     string
}

func (e TextDeltaEvent) Type() EventType { return EventTypeTextDelta }
func (e TextDeltaEvent) Session() string { return e.SessionID }

// TextCompleteEvent carries the final text of a part.
type TextCompleteEvent struct {
	SessionID string
	MessageID string
	PartID    string
	Text      string
}

func (e TextCompleteEvent) Type() EventType { return EventTypeTextComplete }
func (e TextCompleteEvent) Session() string { return e.SessionID }

// ReasoningDeltaEvent carries a chunk of model reasoning.
type ReasoningDeltaEvent struct {
	SessionID string
	MessageID string
	PartID    string
	Delta     string
}

func (e ReasoningDeltaEvent) Type() EventType { return EventTypeReasoningDelta }
func (e ReasoningDeltaEvent) Session() string { return e.SessionID }

// ToolCall identifies one tool invocation and its input.
type ToolCall struct {
	Input     json.RawMessage
	SessionID string
	MessageID string
	CallID    string
	Tool      string
	Title     string
}

// ToolRunningEvent fires while a tool call is pending or running.
type ToolRunningEvent struct {
	ToolCall
	Status string // "pending" or "running"
}

func (e ToolRunningEvent) Type() EventType { return EventTypeToolRunning }
func (e ToolRunningEvent) Session() string { return e.SessionID }

// ToolCompletedEvent fires when a tool call finishes.
type ToolCompletedEvent struct {
	ToolCall
	Output string
	Diff   string // from state.metadata.diff, when the tool edited files
}

func (e ToolCompletedEvent) Type() EventType { return EventTypeToolCompleted }
func (e ToolCompletedEvent) Session() string { return e.SessionID }

// ToolErrorEvent fires when a tool call fails.
type ToolErrorEvent struct {
	ToolCall
	Error string
}

func (e ToolErrorEvent) Type() EventType { return EventTypeToolError }
func (e ToolErrorEvent) Session() string { return e.SessionID }

// AgentChangedEvent reports the agent handling a message.
type AgentChangedEvent struct {
	SessionID string
	Agent     string
}

func (e AgentChangedEvent) Type() EventType { return EventTypeAgentChanged }
func (e AgentChangedEvent) Session() string { return e.SessionID }

// SessionIdleEvent reports that a session finished processing.
type SessionIdleEvent struct {
	SessionID string
}

func (e SessionIdleEvent) Type() EventType { return EventTypeSessionIdle }
func (e SessionIdleEvent) Session() string { return e.SessionID }

// SessionStatusEvent reports a non-idle status such as "busy" or "retry".
type SessionStatusEvent struct {
	SessionID string
	Status    string
	Message   string // retry reason
	Attempt   int    // retry attempt, starting at 1
	Next      int64  // unix millis of the next retry
}

func (e SessionStatusEvent) Type() EventType { return EventTypeSessionStatus }
func (e SessionStatusEvent) Session() string { return e.SessionID }

// SessionErrorEvent reports a failed session.
type SessionErrorEvent struct {
	SessionID  string
	Name       string
	Message    string
	StatusCode int
}

func (e SessionErrorEvent) Type() EventType { return EventTypeSessionError }
func (e SessionErrorEvent) Session() string { return e.SessionID }

// PlanIntent classifies a question that asks to switch planning mode.
type PlanIntent int

const (
	PlanIntentNone PlanIntent = iota
	PlanIntentEnter
	PlanIntentExit
)

func (p PlanIntent) String() string {
	switch p {
	case PlanIntentEnter:
		return "plan_enter"
	case PlanIntentExit:
		return "plan_exit"
	default:
		return ""
	}
}

// QuestionOption is one selectable answer.
type QuestionOption struct {
	Label       string
	Description string
}

// Question is one prompt inside a question request.
type Question struct {
	Text     string
	Header   string
	Options  []QuestionOption
	Multiple bool // more than one option may be selected
	Custom   bool // free-form answers are accepted
}

// QuestionAskedEvent is a request for the user to answer questions.
type QuestionAskedEvent struct {
	ID        string
	SessionID string
	MessageID string
	CallID    string
	Tool      string // tool that asked, when the server says
	Questions []Question
	Intent    PlanIntent
}

func (e QuestionAskedEvent) Type() EventType { return EventTypeQuestionAsked }
func (e QuestionAskedEvent) Session() string { return e.SessionID }

// PermissionAskedEvent is a request for the user to allow an action.
type PermissionAskedEvent struct {
	Metadata   json.RawMessage
	ID         string
	SessionID  string
	Permission string // e.g. "edit", "bash", "webfetch"
	MessageID  string
	CallID     string
	Patterns   []string
	Always     []string // patterns an "always" reply would allow
}

func (e PermissionAskedEvent) Type() EventType { return EventTypePermissionAsked }
func (e PermissionAskedEvent) Session() string { return e.SessionID }
