package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ergochat/readline"
	"github.com/spf13/cobra"

	"github.com/bazelment/yoloswe/agentbridge/api"
	"github.com/bazelment/yoloswe/agentbridge/bridge"
	"github.com/bazelment/yoloswe/agentbridge/relay"
)

const chatHelp = `Start an interactive session. Lines are sent as prompts to the current
session; lines starting with / are commands:

  /interrupt                 abort the current prompt (also Ctrl+C)
  /answer [@id] <choice>     answer a question; choices are option numbers or
                             labels, separated by commas, questions by ';'
  /reject [@id]              dismiss a question
  /allow [@id]               allow a permission request once
  /always [@id]              allow it from now on
  /deny [@id]                deny it
  /new                       start a new session with the next prompt
  /sessions                  list tracked sessions
  /quit                      exit (also Ctrl+D)`

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the agent interactively",
	Long:  chatHelp,
	Args:  cobra.NoArgs,
	RunE:  runChat,
}

func init() {
	rootCmd.AddCommand(chatCmd)
}

func runChat(_ *cobra.Command, _ []string) error {
	ctx, cancel := setupContext()
	defer cancel()

	coord, logger, err := startBridge(ctx, true)
	if err != nil {
		return err
	}
	defer stopBridge(coord, logger)

	rl, err := readline.NewFromConfig(&readline.Config{
		Prompt:          "> ",
		HistoryFile:     historyPath(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("failed to start line editor: %w", err)
	}
	defer rl.Close()

	r := newTerminalRenderer(os.Stdout, rl, verbose)
	go func() {
		for ev := range coord.Events() {
			r.render(ev)
		}
	}()

	chat := &chatSession{bridge: coord, r: r, out: rl}
	fmt.Fprintln(rl, "Interactive mode. Type a prompt, /help for commands, Ctrl+D to exit.")
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if chat.sessionID != "" {
				if err := chat.bridge.Interrupt(ctx, chat.sessionID); err != nil {
					fmt.Fprintf(rl, "interrupt failed: %v\n", err)
				}
			}
			continue
		}
		if err != nil {
			return nil // EOF
		}
		quit, err := chat.handle(ctx, line)
		if err != nil {
			fmt.Fprintf(rl, "error: %v\n", err)
		}
		if quit || ctx.Err() != nil {
			return nil
		}
	}
}

func historyPath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	if err := os.MkdirAll(filepath.Join(dir, "agentbridge"), 0o755); err != nil {
		return ""
	}
	return filepath.Join(dir, "agentbridge", "history")
}

// chatSession holds the REPL's notion of the current session.
type chatSession struct {
	bridge     relay.Bridge
	r          *renderer
	out        io.Writer
	sessionID  string
	newSession bool
}

// chatLine is one parsed input line: a prompt when name is empty.
type chatLine struct {
	name string
	args []string
	rest string
}

func parseChatLine(line string) chatLine {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return chatLine{rest: line}
	}
	name, rest, _ := strings.Cut(line[1:], " ")
	l := chatLine{name: strings.ToLower(name), rest: strings.TrimSpace(rest)}
	if l.rest != "" {
		l.args = strings.Fields(l.rest)
	}
	return l
}

// requestRef splits an optional leading "@id" off the arguments.
func requestRef(l chatLine) (id, rest string) {
	if len(l.args) > 0 && strings.HasPrefix(l.args[0], "@") {
		id = strings.TrimPrefix(l.args[0], "@")
		rest = strings.TrimSpace(strings.TrimPrefix(l.rest, l.args[0]))
		return id, rest
	}
	return "", l.rest
}

// parseAnswers turns "1, Other; yes" into one answer list per question.
// Numbers select from options when in range.
func parseAnswers(s string, options []string) [][]string {
	var out [][]string
	for _, group := range strings.Split(s, ";") {
		var answers []string
		for _, a := range strings.Split(group, ",") {
			a = strings.TrimSpace(a)
			if a == "" {
				continue
			}
			if n, err := strconv.Atoi(a); err == nil && n >= 1 && n <= len(options) {
				a = options[n-1]
			}
			answers = append(answers, a)
		}
		out = append(out, answers)
	}
	return out
}

var errNoSession = errors.New("no active session")

func (c *chatSession) handle(ctx context.Context, line string) (quit bool, err error) {
	l := parseChatLine(line)
	switch l.name {
	case "":
		if l.rest == "" {
			return false, nil
		}
		sub, err := c.bridge.SubmitIntent(ctx, bridge.Intent{
			Text:       l.rest,
			SessionID:  c.sessionID,
			NewSession: c.newSession,
		})
		if err != nil {
			return false, err
		}
		c.sessionID = sub.SessionID
		c.newSession = false
		return false, nil

	case "quit", "exit", "q":
		return true, nil

	case "help":
		fmt.Fprintln(c.out, chatHelp)
		return false, nil

	case "new":
		c.sessionID = ""
		c.newSession = true
		fmt.Fprintln(c.out, "the next prompt starts a new session")
		return false, nil

	case "interrupt":
		if c.sessionID == "" {
			return false, errNoSession
		}
		return false, c.bridge.Interrupt(ctx, c.sessionID)

	case "sessions":
		for _, s := range c.bridge.Sessions() {
			marker := " "
			if s.ID == c.sessionID {
				marker = "*"
			}
			state := "idle"
			if s.Busy {
				state = "busy"
			}
			fmt.Fprintf(c.out, "%s %s %s %s %s\n", marker, s.ID, state, s.Agent, s.Directory)
		}
		return false, nil

	case "answer", "reject":
		id, rest := requestRef(l)
		pending, ok := c.r.question()
		sessionID := pending.sessionID
		if id == "" {
			if !ok {
				return false, errors.New("no pending question")
			}
			id = pending.requestID
		} else if id != pending.requestID {
			sessionID = ""
		}
		if l.name == "reject" {
			err = c.bridge.RejectQuestion(ctx, id, sessionID)
		} else {
			if rest == "" {
				return false, errors.New("usage: /answer [@id] <choice>[,<choice>][;...]")
			}
			err = c.bridge.ReplyToQuestion(ctx, bridge.QuestionReply{
				RequestID: id,
				SessionID: sessionID,
				Answers:   parseAnswers(rest, pending.options),
			})
		}
		c.r.clearRequest(id)
		return false, err

	case "allow", "always", "deny":
		id, message := requestRef(l)
		pending, ok := c.r.permission()
		sessionID := pending.sessionID
		if id == "" {
			if !ok {
				return false, errors.New("no pending permission request")
			}
			id = pending.requestID
		} else if id != pending.requestID {
			sessionID = ""
		}
		reply := map[string]api.PermissionReply{
			"allow":  api.PermissionOnce,
			"always": api.PermissionAlways,
			"deny":   api.PermissionReject,
		}[l.name]
		err = c.bridge.ReplyToPermission(ctx, bridge.PermissionReply{
			RequestID: id,
			SessionID: sessionID,
			Reply:     reply,
			Message:   message,
		})
		c.r.clearRequest(id)
		return false, err
	}
	return false, fmt.Errorf("unknown command /%s (try /help)", l.name)
}
