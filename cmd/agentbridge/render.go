package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-runewidth"
	"golang.org/x/term"

	"github.com/bazelment/yoloswe/agentbridge/bridge"
)

const (
	ansiReset  = "\033[0m"
	ansiDim    = "\033[2m"
	ansiBold   = "\033[1m"
	ansiRed    = "\033[31m"
	ansiYellow = "\033[33m"
	ansiCyan   = "\033[36m"

	defaultWidth = 100
)

// renderer prints bridge events for a human. It remembers the most recent
// question and permission request so replies can omit the request id.
type renderer struct {
	w       io.Writer
	mu      sync.Mutex
	width   int
	color   bool
	verbose bool

	// streaming records sessions whose assistant text arrived as deltas,
	// so the final complete text is not printed twice.
	streaming      map[string]bool
	midLine        bool
	lastQuestion   pendingRequest
	lastPermission pendingRequest
}

type pendingRequest struct {
	requestID string
	sessionID string
	options   []string
}

// newTerminalRenderer renders to f, with color and width taken from the
// terminal when f is one.
func newTerminalRenderer(f *os.File, w io.Writer, verbose bool) *renderer {
	r := newRenderer(w, verbose)
	fd := int(f.Fd())
	if term.IsTerminal(fd) {
		r.color = os.Getenv("NO_COLOR") == ""
		if width, _, err := term.GetSize(fd); err == nil && width > 0 {
			r.width = width
		}
	}
	return r
}

func newRenderer(w io.Writer, verbose bool) *renderer {
	return &renderer{
		w:         w,
		width:     defaultWidth,
		verbose:   verbose,
		streaming: make(map[string]bool),
	}
}

func (r *renderer) paint(code, s string) string {
	if !r.color {
		return s
	}
	return code + s + ansiReset
}

// line prints one full line, ending any partial assistant output first.
func (r *renderer) line(format string, args ...any) {
	if r.midLine {
		fmt.Fprintln(r.w)
		r.midLine = false
	}
	fmt.Fprintf(r.w, format+"\n", args...)
}

// truncate collapses whitespace and fits s into the columns left after the
// line prefix. Wide runes count as two columns.
func (r *renderer) truncate(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	return runewidth.Truncate(s, max(r.width-20, 20), "…")
}

func (r *renderer) render(ev bridge.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch ev.Kind {
	case bridge.KindAssistant:
		if ev.Final {
			if r.streaming[ev.SessionID] {
				return
			}
			r.line("%s", ev.Text)
			return
		}
		r.streaming[ev.SessionID] = true
		fmt.Fprint(r.w, ev.Text)
		r.midLine = !strings.HasSuffix(ev.Text, "\n")

	case bridge.KindThought:
		if r.verbose {
			r.line("%s", r.paint(ansiDim, "thinking: "+r.truncate(ev.Text)))
		}

	case bridge.KindTool:
		r.renderTool(ev)

	case bridge.KindUsage:
		if r.verbose && ev.Usage != nil {
			r.line("%s", r.paint(ansiDim, fmt.Sprintf("[usage] in=%d out=%d reasoning=%d cache=%d/%d cost=$%.4f",
				ev.Usage.Input, ev.Usage.Output, ev.Usage.Reasoning, ev.Usage.CacheRead, ev.Usage.CacheWrite, ev.Usage.Cost)))
		}

	case bridge.KindFinish:
		delete(r.streaming, ev.SessionID)
		r.line("%s", r.paint(ansiDim, "[done]"))

	case bridge.KindError:
		delete(r.streaming, ev.SessionID)
		label := "[error]"
		if ev.Error != nil {
			label = fmt.Sprintf("[error %s]", ev.Error.Code)
		}
		r.line("%s %s", r.paint(ansiRed, label), ev.Text)

	case bridge.KindUnknown:
		if ev.Agent != "" {
			r.line("%s", r.paint(ansiDim, "[agent] "+ev.Agent))
		}

	case bridge.KindUser:
		// The user already sees what they typed.
	}
}

func (r *renderer) renderTool(ev bridge.Event) {
	t := ev.Tool
	if t == nil {
		return
	}
	switch {
	case t.Question != nil:
		q := t.Question
		var labels []string
		for _, item := range q.Questions {
			header := item.Header
			if header == "" {
				header = "question"
			}
			r.line("%s %s", r.paint(ansiYellow+ansiBold, "["+header+"]"), item.Text)
			for i, o := range item.Options {
				desc := ""
				if o.Description != "" {
					desc = " - " + o.Description
				}
				r.line("  %d. %s%s", i+1, o.Label, desc)
				labels = append(labels, o.Label)
			}
		}
		if q.PlanIntent != "" {
			r.line("%s", r.paint(ansiDim, "(plan mode: "+q.PlanIntent+")"))
		}
		r.line("%s", r.paint(ansiDim, fmt.Sprintf("reply with /answer <choice> or /reject (request %s)", q.RequestID)))
		r.lastQuestion = pendingRequest{requestID: q.RequestID, sessionID: ev.SessionID, options: labels}

	case t.Permission != nil:
		p := t.Permission
		r.line("%s %s %s", r.paint(ansiYellow+ansiBold, "[permission]"), p.Permission, strings.Join(p.Patterns, " "))
		r.line("%s", r.paint(ansiDim, fmt.Sprintf("reply with /allow, /always or /deny (request %s)", p.RequestID)))
		r.lastPermission = pendingRequest{requestID: p.RequestID, sessionID: ev.SessionID}

	default:
		if !r.verbose && t.Status != "running" && t.Status != "error" {
			return
		}
		detail := t.Title
		if detail == "" && len(t.Input) > 0 {
			detail = string(t.Input)
		}
		if t.Status == "error" {
			detail = t.Error
		}
		status := r.paint(ansiCyan, fmt.Sprintf("[%s %s]", t.Name, t.Status))
		if t.Status == "error" {
			status = r.paint(ansiRed, fmt.Sprintf("[%s %s]", t.Name, t.Status))
		}
		r.line("%s %s", status, r.truncate(detail))
	}
}

// question returns the most recent question request, if any.
func (r *renderer) question() (pendingRequest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastQuestion, r.lastQuestion.requestID != ""
}

// permission returns the most recent permission request, if any.
func (r *renderer) permission() (pendingRequest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastPermission, r.lastPermission.requestID != ""
}

// clearRequest forgets a request once it has been answered.
func (r *renderer) clearRequest(requestID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastQuestion.requestID == requestID {
		r.lastQuestion = pendingRequest{}
	}
	if r.lastPermission.requestID == requestID {
		r.lastPermission = pendingRequest{}
	}
}
