// Command agentbridge drives a local agent server from the terminal, or
// relays its events to remote clients.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bazelment/yoloswe/agentbridge/bridge"
	"github.com/bazelment/yoloswe/agentbridge/config"
	"github.com/bazelment/yoloswe/agentbridge/internal/logging"
)

// Global flags (persistent across all commands)
var (
	configPath string
	binaryPath string
	model      string
	agent      string
	workDir    string
	verbose    bool
	trace      bool
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:   "agentbridge",
	Short: "Bridge to a locally spawned agent server",
	Long: `agentbridge starts an agent server on an ephemeral port, follows its
event stream and routes prompts, interrupts and question/permission replies
to the right session and working directory.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "agentbridge.yaml", "Configuration file (YAML); a missing file means defaults")
	rootCmd.PersistentFlags().StringVar(&binaryPath, "binary", "", "Agent server binary (overrides config)")
	rootCmd.PersistentFlags().StringVarP(&model, "model", "m", "", "Model as provider/model (overrides config)")
	rootCmd.PersistentFlags().StringVar(&agent, "agent", "", "Agent name (overrides config)")
	rootCmd.PersistentFlags().StringVarP(&workDir, "dir", "C", "", "Working directory (default: config, then current directory)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&trace, "trace", false, "Log every event stream frame")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Start the agent server with debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newLogger creates a structured logger with the configured verbosity.
func newLogger() *slog.Logger {
	return logging.New(os.Stderr, verbose, trace)
}

// loadConfig reads the configuration file and applies flag overrides.
func loadConfig() (config.Configuration, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Configuration{}, err
	}
	cfg, err = applyFlags(cfg)
	if err != nil {
		return config.Configuration{}, err
	}
	return cfg, cfg.Validate()
}

// applyFlags overrides cfg with the command-line flags that were set.
func applyFlags(cfg config.Configuration) (config.Configuration, error) {
	if binaryPath != "" {
		cfg.BinaryPath = binaryPath
	}
	if model != "" {
		cfg.Model = model
	}
	if agent != "" {
		cfg.Agent = agent
	}
	if debug {
		cfg.Debug = true
	}
	if workDir != "" {
		cfg.WorkingDirectory = workDir
	}
	if cfg.WorkingDirectory == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return cfg, err
		}
		cfg.WorkingDirectory = cwd
	}
	abs, err := filepath.Abs(cfg.WorkingDirectory)
	if err != nil {
		return cfg, fmt.Errorf("resolving working directory: %w", err)
	}
	cfg.WorkingDirectory = abs
	return cfg, nil
}

// setupContext returns a context cancelled by the first SIGINT or SIGTERM.
// A second signal exits immediately.
func setupContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			fmt.Fprintf(os.Stderr, "\nReceived signal %v, shutting down...\n", sig)
			cancel()
		case <-ctx.Done():
			signal.Stop(sigCh)
			return
		}
		sig := <-sigCh
		fmt.Fprintf(os.Stderr, "\nReceived second signal %v, forcing exit\n", sig)
		os.Exit(1)
	}()
	return ctx, cancel
}

// startBridge loads the configuration and builds a coordinator. Long-running
// commands also follow edits to the configuration file.
func startBridge(ctx context.Context, watch bool, opts ...bridge.Option) (*bridge.Coordinator, *slog.Logger, error) {
	logger := newLogger()
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	coord := bridge.New(cfg, append([]bridge.Option{bridge.WithLogger(logger)}, opts...)...)

	if watch && configPath != "" {
		go func() {
			err := config.Watch(ctx, configPath, logger, func(next config.Configuration) {
				next, err := applyFlags(next)
				if err != nil {
					logger.Warn("ignoring reloaded configuration", "error", err)
					return
				}
				logger.Info("configuration reloaded; applies to the next server start", "path", configPath)
				coord.SetConfiguration(next)
			})
			if err != nil && ctx.Err() == nil {
				logger.Warn("configuration watch stopped", "error", err)
			}
		}()
	}
	return coord, logger, nil
}

// stopBridge closes the coordinator with a fresh context so the server is
// stopped even after the command's context was cancelled.
func stopBridge(coord *bridge.Coordinator, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*config.DefaultShutdownGrace)
	defer cancel()
	if err := coord.Close(ctx); err != nil {
		logger.Warn("error stopping bridge", "error", err)
	}
}
