package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/samber/lo"

	"github.com/bazelment/yoloswe/agentbridge/sse"
)

// dispatch handles one envelope from the event stream. Loop only.
func (c *Coordinator) dispatch(env sse.Envelope, gen uint64) {
	if gen != c.streamGen || env.Event == nil {
		return
	}
	ev := env.Event
	sessionID := ev.Session()

	// Learn the directory before anything else looks at the event.
	if sessionID != "" && env.Directory != "" {
		c.routes.bindSession(sessionID, env.Directory)
	}

	switch ev.(type) {
	case sse.ConnectedEvent:
		c.scheduleHealthCheck()
		return
	case sse.HeartbeatEvent:
		return
	}

	if !c.accepts(sessionID) {
		c.logger.Debug("dropping event for untracked session", "session", sessionID, "type", ev.Type())
		return
	}
	s := c.sessions[sessionID]

	switch e := ev.(type) {
	case sse.TextDeltaEvent:
		c.output(s)
		c.emitFor(s, Event{Kind: KindAssistant, SessionID: sessionID, Text: e.Delta})

	case sse.TextCompleteEvent:
		c.output(s)
		c.emitFor(s, Event{Kind: KindAssistant, SessionID: sessionID, Text: e.Text, Final: true})

	case sse.ReasoningDeltaEvent:
		c.output(s)
		c.emitFor(s, Event{Kind: KindThought, SessionID: sessionID, Text: e.Delta})

	case sse.ToolRunningEvent:
		c.output(s)
		c.emitFor(s, Event{Kind: KindTool, SessionID: sessionID, Tool: toolPayload(e.ToolCall, e.Status)})

	case sse.ToolCompletedEvent:
		c.output(s)
		p := toolPayload(e.ToolCall, "completed")
		p.Output = e.Output
		p.Diff = e.Diff
		c.emitFor(s, Event{Kind: KindTool, SessionID: sessionID, Tool: p})

	case sse.ToolErrorEvent:
		c.output(s)
		p := toolPayload(e.ToolCall, "error")
		p.Error = e.Error
		c.emitFor(s, Event{Kind: KindTool, SessionID: sessionID, Tool: p})

	case sse.UsageUpdatedEvent:
		c.output(s)
		c.emitFor(s, Event{Kind: KindUsage, SessionID: sessionID, Usage: &UsagePayload{
			Input:      e.Tokens.Input,
			Output:     e.Tokens.Output,
			Reasoning:  e.Tokens.Reasoning,
			CacheRead:  e.Tokens.CacheRead,
			CacheWrite: e.Tokens.CacheWrite,
			Total:      e.Tokens.Total,
			Cost:       e.Cost,
		}})

	case sse.AgentChangedEvent:
		if s != nil {
			if s.lastAgent == e.Agent {
				return
			}
			s.lastAgent = e.Agent
		}
		c.emitFor(s, Event{Kind: KindUnknown, SessionID: sessionID, Agent: e.Agent})

	case sse.SessionIdleEvent:
		c.idle(s, sessionID)

	case sse.SessionErrorEvent:
		c.logger.Warn("session error", "session", sessionID, "name", e.Name, "message", e.Message)
		c.emitFor(s, Event{
			Kind:      KindError,
			SessionID: sessionID,
			Text:      e.Message,
			Error:     &ErrorPayload{Code: ErrorSession, Name: e.Name, StatusCode: e.StatusCode},
		})
		if s != nil {
			s.busy = false
			s.waitingForFirstOutput = false
			s.lastAgent = ""
		}

	case sse.SessionStatusEvent:
		c.status(s, e)

	case sse.QuestionAskedEvent:
		c.output(s)
		dir := c.routes.resolve(sessionID, env.Directory, c.cfg.WorkingDirectory)
		c.routes.bindQuestion(e.ID, sessionID, dir)
		c.emitFor(s, Event{Kind: KindTool, SessionID: sessionID, Tool: questionPayload(e, dir)})

	case sse.PermissionAskedEvent:
		c.output(s)
		dir := c.routes.resolve(sessionID, env.Directory, c.cfg.WorkingDirectory)
		c.routes.bindPermission(e.ID, sessionID, dir)
		c.emitFor(s, Event{Kind: KindTool, SessionID: sessionID, Tool: permissionPayload(e, dir)})

	default:
		c.logger.Debug("ignoring stream event", "type", ev.Type())
	}
}

// accepts applies session filtering: until the first session is tracked
// every event is accepted, afterwards only events for tracked sessions and
// events without a session.
func (c *Coordinator) accepts(sessionID string) bool {
	if sessionID == "" || len(c.sessions) == 0 {
		return true
	}
	_, ok := c.sessions[sessionID]
	return ok
}

// output records content for s. Content also reopens a turn the bridge
// had already closed, so the idle that follows still ends it.
func (c *Coordinator) output(s *session) {
	if s == nil {
		return
	}
	s.waitingForFirstOutput = false
	s.busy = true
}

// idle ends a turn: with an error if nothing was produced, else a finish.
// Repeated idles for the same turn are dropped.
func (c *Coordinator) idle(s *session, sessionID string) {
	if s == nil {
		c.emit(Event{Kind: KindFinish, SessionID: sessionID})
		return
	}
	if !s.busy {
		return
	}
	s.busy = false
	if s.waitingForFirstOutput {
		s.waitingForFirstOutput = false
		c.logger.Warn("session went idle without output", "session", sessionID)
		c.emitFor(s, Event{
			Kind:      KindError,
			SessionID: sessionID,
			Text:      NoOutputMessage,
			Error:     &ErrorPayload{Code: ErrorNoOutput},
		})
		return
	}
	c.emitFor(s, Event{Kind: KindFinish, SessionID: sessionID})
}

// status handles non-idle session status. Provider retries are only
// logged until they reach the escalation attempt, which fails the turn
// once instead of waiting out a long backoff.
func (c *Coordinator) status(s *session, e sse.SessionStatusEvent) {
	if e.Status != "retry" {
		c.logger.Debug("session status", "session", e.SessionID, "status", e.Status)
		return
	}
	c.logger.Info("provider retrying", "session", e.SessionID, "attempt", e.Attempt, "message", e.Message)

	threshold := c.cfg.RetryEscalationAttempt
	if e.Attempt < threshold {
		return
	}
	if s != nil {
		if s.escalated {
			return
		}
		s.escalated = true
		s.busy = false
		s.waitingForFirstOutput = false
	} else if e.Attempt != threshold {
		return
	}

	msg := fmt.Sprintf("provider keeps failing after %d attempts", e.Attempt)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	c.emitFor(s, Event{
		Kind:      KindError,
		SessionID: e.SessionID,
		Text:      msg,
		Error:     &ErrorPayload{Code: ErrorRetryExhausted, Attempt: e.Attempt},
	})
}

// emitFor stamps ev with the correlation id of s's current prompt.
func (c *Coordinator) emitFor(s *session, ev Event) {
	if s != nil && ev.CorrelationID == "" {
		ev.CorrelationID = s.correlationID
	}
	c.emit(ev)
}

// scheduleHealthCheck snapshots the busy sessions when the stream
// (re)connects and logs the ones still busy after the grace delay. It
// only observes; nothing is repaired.
func (c *Coordinator) scheduleHealthCheck() {
	busy := lo.Keys(lo.PickBy(c.sessions, func(_ string, s *session) bool { return s.busy }))
	if len(busy) == 0 {
		return
	}
	epoch := c.epoch
	var t *time.Timer
	t = c.afterFunc(c.cfg.ReconnectCheckDelay, func() {
		c.loop.Post(func() {
			delete(c.timers, t)
			if epoch != c.epoch {
				return
			}
			stuck := lo.Filter(busy, func(id string, _ int) bool {
				s, ok := c.sessions[id]
				return ok && s.busy
			})
			if len(stuck) > 0 {
				go c.reportStuck(stuck, c.cfg.ReconnectCheckDelay)
			}
		})
	})
	c.timers[t] = struct{}{}
}

// reportStuck logs sessions that stayed busy across a reconnect along with
// a fresh server probe. It runs off the loop since the probe blocks.
func (c *Coordinator) reportStuck(stuck []string, delay time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	err := c.sup.Probe(ctx)
	c.logger.Warn("sessions still busy after event stream reconnect",
		"sessions", stuck, "delay", delay, "server_healthy", err == nil, "probe_error", err)
}

func toolPayload(call sse.ToolCall, status string) *ToolPayload {
	return &ToolPayload{
		Name:   call.Tool,
		CallID: call.CallID,
		Title:  call.Title,
		Status: status,
		Input:  call.Input,
	}
}

func questionPayload(e sse.QuestionAskedEvent, dir string) *ToolPayload {
	q := &QuestionPayload{
		RequestID:  e.ID,
		Directory:  dir,
		PlanIntent: e.Intent.String(),
		Questions: lo.Map(e.Questions, func(item sse.Question, _ int) QuestionItem {
			return QuestionItem{
				Text:     item.Text,
				Header:   item.Header,
				Multiple: item.Multiple,
				Custom:   item.Custom,
				Options: lo.Map(item.Options, func(o sse.QuestionOption, _ int) QuestionOption {
					return QuestionOption{Label: o.Label, Description: o.Description}
				}),
			}
		}),
	}
	return &ToolPayload{Name: ToolQuestion, CallID: e.CallID, Status: "pending", Question: q}
}

func permissionPayload(e sse.PermissionAskedEvent, dir string) *ToolPayload {
	return &ToolPayload{
		Name:   ToolPermission,
		CallID: e.CallID,
		Status: "pending",
		Permission: &PermissionPayload{
			RequestID:  e.ID,
			Directory:  dir,
			Permission: e.Permission,
			Patterns:   e.Patterns,
			Always:     e.Always,
			Metadata:   e.Metadata,
		},
	}
}
