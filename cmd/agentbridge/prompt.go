package main

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/bazelment/yoloswe/agentbridge/api"
	"github.com/bazelment/yoloswe/agentbridge/bridge"
)

var (
	allowPermissions bool
	promptTimeout    time.Duration
)

var promptCmd = &cobra.Command{
	Use:   "prompt <text>",
	Short: "Send one prompt and print the answer",
	Long: `Send a single prompt, stream the answer and exit when the turn ends.

Questions are rejected since there is nobody to answer them. Permission
requests are denied unless --allow is set.

Example:
  agentbridge prompt "summarize the README"
  agentbridge prompt --allow -m anthropic/claude-sonnet-4 "run the tests"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPrompt,
}

func init() {
	promptCmd.Flags().BoolVar(&allowPermissions, "allow", false, "Allow permission requests once instead of denying them")
	promptCmd.Flags().DurationVar(&promptTimeout, "timeout", 0, "Maximum time to wait for the answer (e.g. 5m). 0 means no timeout")
	rootCmd.AddCommand(promptCmd)
}

var errTurnFailed = errors.New("prompt failed")

func runPrompt(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupContext()
	defer cancel()
	if promptTimeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, promptTimeout)
		defer cancelTimeout()
	}

	coord, logger, err := startBridge(ctx, false)
	if err != nil {
		return err
	}
	defer stopBridge(coord, logger)

	r := newTerminalRenderer(os.Stdout, cmd.OutOrStdout(), verbose)
	sub, err := coord.SubmitIntent(ctx, bridge.Intent{Text: strings.Join(args, " ")})
	if err != nil {
		return err
	}
	return awaitTurn(ctx, coord, r, sub)
}

// awaitTurn renders events until the submission's turn ends. Requests
// that need an answer are settled without a human.
func awaitTurn(ctx context.Context, coord *bridge.Coordinator, r *renderer, sub bridge.Submission) error {
	for {
		select {
		case <-ctx.Done():
			interruptCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = coord.Interrupt(interruptCtx, sub.SessionID)
			cancel()
			return ctx.Err()
		case ev, ok := <-coord.Events():
			if !ok {
				return bridge.ErrStopped
			}
			r.render(ev)
			if err := settleRequest(ctx, coord, ev); err != nil {
				r.line("could not answer request: %v", err)
			}
			if ev.CorrelationID != sub.CorrelationID {
				continue
			}
			switch ev.Kind {
			case bridge.KindFinish:
				return nil
			case bridge.KindError:
				return errTurnFailed
			}
		}
	}
}

func settleRequest(ctx context.Context, coord *bridge.Coordinator, ev bridge.Event) error {
	if ev.Tool == nil {
		return nil
	}
	switch {
	case ev.Tool.Question != nil:
		return coord.RejectQuestion(ctx, ev.Tool.Question.RequestID, ev.SessionID)
	case ev.Tool.Permission != nil:
		reply := api.PermissionReject
		if allowPermissions {
			reply = api.PermissionOnce
		}
		return coord.ReplyToPermission(ctx, bridge.PermissionReply{
			RequestID: ev.Tool.Permission.RequestID,
			SessionID: ev.SessionID,
			Reply:     reply,
		})
	}
	return nil
}
