package sse

import (
	"regexp"
	"strings"
)

// IntentClassifier decides whether a question asks to enter or leave
// planning mode. It is consulted only when the question does not come
// from a known planning tool.
type IntentClassifier interface {
	Classify(q QuestionAskedEvent) PlanIntent
}

// ClassifierFunc adapts a function to IntentClassifier.
type ClassifierFunc func(q QuestionAskedEvent) PlanIntent

func (f ClassifierFunc) Classify(q QuestionAskedEvent) PlanIntent { return f(q) }

// Planning tool names that identify intent without looking at the text.
const (
	ToolPlanEnter = "plan_enter"
	ToolPlanExit  = "plan_exit"
)

// RegexClassifier matches question text and headers against patterns.
// Exit is checked first, since "leave plan mode and start building" also
// mentions plan mode.
type RegexClassifier struct {
	Enter *regexp.Regexp
	Exit  *regexp.Regexp
}

// DefaultClassifier recognizes the phrasing agents commonly use.
var DefaultClassifier IntentClassifier = RegexClassifier{
	Enter: regexp.MustCompile(`(?i)\b(enter|switch (to|into)|start|begin|use)\b.{0,40}\bplan(ning)?( mode)?\b`),
	Exit: regexp.MustCompile(`(?i)(\b(exit|leave|done with|finish)\b.{0,40}\bplan(ning)?( mode)?\b)|` +
		`(\bready to (implement|build|execute)\b)|(\b(start|begin|proceed with) (the )?(implementation|implementing|building)\b)`),
}

func (c RegexClassifier) Classify(q QuestionAskedEvent) PlanIntent {
	var sb strings.Builder
	for _, question := range q.Questions {
		sb.WriteString(question.Header)
		sb.WriteByte('\n')
		sb.WriteString(question.Text)
		sb.WriteByte('\n')
	}
	text := sb.String()
	switch {
	case c.Exit != nil && c.Exit.MatchString(text):
		return PlanIntentExit
	case c.Enter != nil && c.Enter.MatchString(text):
		return PlanIntentEnter
	default:
		return PlanIntentNone
	}
}

// classifyIntent prefers the asking tool's identity and falls back to
// the text classifier.
func classifyIntent(q QuestionAskedEvent, c IntentClassifier) PlanIntent {
	switch q.Tool {
	case ToolPlanEnter:
		return PlanIntentEnter
	case ToolPlanExit:
		return PlanIntentExit
	}
	if c == nil {
		return PlanIntentNone
	}
	return c.Classify(q)
}
