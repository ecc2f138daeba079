package sse

import (
	"log/slog"

	"github.com/bazelment/yoloswe/agentbridge/internal/logging"
)

const unknownError = "Unknown error"

// Parser turns stream payloads into events. The zero value is usable and
// logs to slog.Default with DefaultClassifier.
type Parser struct {
	Classifier IntentClassifier
	Logger     *slog.Logger
}

func (p *Parser) logger() *slog.Logger {
	return logging.OrDefault(p.Logger)
}

func (p *Parser) classifier() IntentClassifier {
	if p.Classifier == nil {
		return DefaultClassifier
	}
	return p.Classifier
}

// Parse decodes a payload of the form {"type": ..., "properties": {...}}.
// Malformed or unrecognized payloads are logged and yield nil. Most
// payloads yield one event; message.updated may yield an agent change and
// a usage update.
func (p *Parser) Parse(data []byte) []Event {
	v, err := ParseValue(data)
	if err != nil || !v.IsObject() {
		p.logger().Warn("skipping malformed stream payload", "error", err, "len", len(data))
		return nil
	}
	return p.dispatch(v)
}

// ParseGlobal decodes a global payload of the form
// {"directory": ..., "payload": {"type": ..., ...}} and returns the
// originating directory with the events of the inner payload.
func (p *Parser) ParseGlobal(data []byte) (string, []Event) {
	v, err := ParseValue(data)
	if err != nil || !v.IsObject() {
		p.logger().Warn("skipping malformed global stream payload", "error", err, "len", len(data))
		return "", nil
	}
	payload := v.Get("payload")
	if !payload.IsObject() {
		p.logger().Warn("skipping global stream payload without inner payload")
		return "", nil
	}
	return v.Get("directory").StrOr(""), p.dispatch(payload)
}

func (p *Parser) dispatch(v Value) []Event {
	typ, _ := v.Get("type").Str()
	props := v.Get("properties")

	var ev Event
	switch typ {
	case "server.connected":
		ev = ConnectedEvent{}
	case "server.heartbeat":
		ev = HeartbeatEvent{}
	case "message.part.updated":
		ev = parsePart(props)
	case "message.updated":
		return parseMessage(props)
	case "session.status":
		ev = parseStatus(props)
	case "session.error":
		ev = parseSessionError(props)
	case "session.idle":
		ev = SessionIdleEvent{SessionID: props.Get("sessionID").StrOr("")}
	case "question.asked":
		ev = p.parseQuestion(props)
	case "permission.asked":
		ev = parsePermission(props)
	default:
		p.logger().Debug("skipping unknown stream event", "type", typ)
		return nil
	}
	if ev == nil {
		return nil
	}
	return []Event{ev}
}

func parsePart(props Value) Event {
	part := props.Get("part")
	sessionID := part.Get("sessionID").StrOr("")
	messageID := part.Get("messageID").StrOr("")
	partID := part.Get("id").StrOr("")
	delta := props.Get("delta").StrOr("")

	switch part.Get("type").StrOr("") {
	case "step-finish":
		usage := parseUsage(part.Get("tokens"))
		if usage.Total <= 0 {
			return nil
		}
		cost, _ := part.Get("cost").Float()
		return UsageUpdatedEvent{SessionID: sessionID, MessageID: messageID, Tokens: usage, Cost: cost}

	case "text":
		if delta != "" {
			return TextDeltaEvent{SessionID: sessionID, MessageID: messageID, PartID: partID, Delta: delta}
		}
		if part.Get("time", "end").Exists() {
			return TextCompleteEvent{SessionID: sessionID, MessageID: messageID, PartID: partID, Text: part.Get("text").StrOr("")}
		}
		return nil

	case "reasoning":
		if delta == "" {
			return nil
		}
		return ReasoningDeltaEvent{SessionID: sessionID, MessageID: messageID, PartID: partID, Delta: delta}

	case "tool":
		state := part.Get("state")
		call := ToolCall{
			SessionID: sessionID,
			MessageID: messageID,
			CallID:    part.Get("callID").StrOr(""),
			Tool:      part.Get("tool").StrOr(""),
			Title:     state.Get("title").StrOr(""),
			Input:     state.Get("input").Raw(),
		}
		switch status := state.Get("status").StrOr(""); status {
		case "pending", "running":
			return ToolRunningEvent{ToolCall: call, Status: status}
		case "completed":
			return ToolCompletedEvent{
				ToolCall: call,
				Output:   state.Get("output").StrOr(""),
				Diff:     state.Get("metadata", "diff").StrOr(""),
			}
		case "error":
			return ToolErrorEvent{ToolCall: call, Error: state.Get("error").StrOr(unknownError)}
		}
	}
	return nil
}

// parseUsage reads a tokens object. When the server omits the total it is
// the sum of the counted categories.
func parseUsage(tokens Value) Usage {
	num := func(keys ...string) int64 {
		n, _ := tokens.Get(keys...).Int()
		return n
	}
	u := Usage{
		Input:      num("input"),
		Output:     num("output"),
		Reasoning:  num("reasoning"),
		CacheRead:  num("cache", "read"),
		CacheWrite: num("cache", "write"),
	}
	if total, ok := tokens.Get("total").Int(); ok {
		u.Total = total
	} else {
		u.Total = u.Input + u.Output + u.Reasoning + u.CacheRead + u.CacheWrite
	}
	return u
}

func parseMessage(props Value) []Event {
	info := props.Get("info")
	sessionID := info.Get("sessionID").StrOr("")

	var out []Event
	if agent := info.Get("agent").StrOr(""); agent != "" {
		out = append(out, AgentChangedEvent{SessionID: sessionID, Agent: agent})
	}
	if tokens := info.Get("tokens"); tokens.IsObject() {
		if usage := parseUsage(tokens); usage.Total > 0 {
			cost, _ := info.Get("cost").Float()
			out = append(out, UsageUpdatedEvent{
				SessionID: sessionID,
				MessageID: info.Get("id").StrOr(""),
				Tokens:    usage,
				Cost:      cost,
			})
		}
	}
	return out
}

func parseStatus(props Value) Event {
	sessionID := props.Get("sessionID").StrOr("")
	status := props.Get("status")
	typ := status.Get("type").StrOr("")
	if typ == "idle" {
		return SessionIdleEvent{SessionID: sessionID}
	}
	attempt, _ := status.Get("attempt").Int()
	next, _ := status.Get("next").Int()
	return SessionStatusEvent{
		SessionID: sessionID,
		Status:    typ,
		Attempt:   int(attempt),
		Message:   status.Get("message").StrOr(""),
		Next:      next,
	}
}

// parseSessionError accepts an error given as a plain string, as
// {name, data: {message, statusCode}}, or as a bare name.
func parseSessionError(props Value) Event {
	ev := SessionErrorEvent{SessionID: props.Get("sessionID").StrOr("")}
	errV := props.Get("error")
	if s, ok := errV.Str(); ok {
		ev.Message = s
	} else {
		ev.Name = errV.Get("name").StrOr("")
		ev.Message = errV.Get("data", "message").StrOr("")
		if code, ok := errV.Get("data", "statusCode").Int(); ok {
			ev.StatusCode = int(code)
		}
		if ev.Message == "" {
			ev.Message = errV.Get("message").StrOr(ev.Name)
		}
	}
	if ev.Message == "" {
		ev.Message = unknownError
	}
	return ev
}

func (p *Parser) parseQuestion(props Value) Event {
	ev := QuestionAskedEvent{
		ID:        props.Get("id").StrOr(""),
		SessionID: props.Get("sessionID").StrOr(""),
		MessageID: props.Get("tool", "messageID").StrOr(""),
		CallID:    props.Get("tool", "callID").StrOr(""),
		Tool:      props.Get("tool", "name").StrOr(""),
	}
	if qs := props.Get("questions").Array(); len(qs) > 0 {
		for _, q := range qs {
			ev.Questions = append(ev.Questions, parseQuestionItem(q))
		}
	} else if props.Get("question").Exists() {
		ev.Questions = []Question{parseQuestionItem(props)}
	}
	ev.Intent = classifyIntent(ev, p.classifier())
	return ev
}

func parseQuestionItem(q Value) Question {
	out := Question{
		Text:   q.Get("question").StrOr(""),
		Header: q.Get("header").StrOr(""),
	}
	out.Multiple, _ = q.Get("multiple").Bool()
	out.Custom, _ = q.Get("custom").Bool()
	for _, o := range q.Get("options").Array() {
		if label, ok := o.Str(); ok {
			out.Options = append(out.Options, QuestionOption{Label: label})
			continue
		}
		out.Options = append(out.Options, QuestionOption{
			Label:       o.Get("label").StrOr(""),
			Description: o.Get("description").StrOr(""),
		})
	}
	return out
}

func parsePermission(props Value) Event {
	return PermissionAskedEvent{
		ID:         props.Get("id").StrOr(""),
		SessionID:  props.Get("sessionID").StrOr(""),
		Permission: props.Get("permission").StrOr(""),
		Patterns:   props.Get("patterns").Strings(),
		Metadata:   props.Get("metadata").Raw(),
		Always:     props.Get("always").Strings(),
		MessageID:  props.Get("tool", "messageID").StrOr(""),
		CallID:     props.Get("tool", "callID").StrOr(""),
	}
}
