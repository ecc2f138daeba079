package main

import (
	"github.com/spf13/cobra"

	"github.com/bazelment/yoloswe/agentbridge/relay"
)

var (
	listenAddr  string
	startServer bool
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Serve the bridge to remote clients over WebSocket",
	Long: `Serve the bridge over HTTP. Clients connect to /events with a WebSocket,
receive every bridge event as a JSON frame and send commands (submit,
interrupt, reply_question, reject_question, reply_permission) as JSON
messages. Add ?session=<id> (repeatable) to /events to receive only those
sessions plus the ones the client submits. /sessions lists tracked
sessions and /schema describes events.

Example:
  agentbridge relay --listen 127.0.0.1:7777`,
	Args: cobra.NoArgs,
	RunE: runRelay,
}

func init() {
	relayCmd.Flags().StringVar(&listenAddr, "listen", "127.0.0.1:7777", "Address to listen on")
	relayCmd.Flags().BoolVar(&startServer, "start", false, "Start the agent server right away instead of on the first prompt")
	rootCmd.AddCommand(relayCmd)
}

func runRelay(_ *cobra.Command, _ []string) error {
	ctx, cancel := setupContext()
	defer cancel()

	coord, logger, err := startBridge(ctx, true)
	if err != nil {
		return err
	}
	defer stopBridge(coord, logger)

	if startServer {
		if err := coord.Restart(ctx); err != nil {
			return err
		}
	}

	bc := relay.NewBroadcaster(logger)
	go bc.Run(ctx, coord.Events())

	return relay.NewServer(coord, bc, relay.WithLogger(logger)).ListenAndServe(ctx, listenAddr)
}
