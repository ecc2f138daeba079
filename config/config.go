// Package config holds the Configuration value the bridge is started with
// and loads it from YAML files and the environment.
package config

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by WithDefaults.
const (
	DefaultBinaryPath       = "opencode"
	DefaultHostname         = "127.0.0.1"
	DefaultPortTimeout      = 30 * time.Second
	DefaultMaxRestarts      = 3
	NoRestarts              = -1
	DefaultRestartBaseDelay = time.Second
	DefaultShutdownGrace    = 5 * time.Second

	DefaultRetryEscalationAttempt = 3
	DefaultReconnectCheckDelay    = 15 * time.Second
)

// Environment variables that override file values.
const (
	EnvBinary = "AGENTBRIDGE_BINARY"
	EnvModel  = "AGENTBRIDGE_MODEL"
	EnvAgent  = "AGENTBRIDGE_AGENT"
	EnvDebug  = "AGENTBRIDGE_DEBUG"
)

// Configuration describes how to run the agent server. It is treated as an
// immutable value: a bridge copies it on start, and replacing it later only
// affects the next start.
type Configuration struct {
	Env              map[string]string `yaml:"env"`
	BinaryPath       string            `yaml:"binary_path"`
	Model            string            `yaml:"model"` // "provider/model"
	Agent            string            `yaml:"agent"`
	WorkingDirectory string            `yaml:"working_directory"`
	Hostname         string            `yaml:"hostname"`
	Args             []string          `yaml:"args"` // replaces the default server-mode arguments
	PortTimeout      time.Duration     `yaml:"port_timeout"`
	RestartBaseDelay time.Duration     `yaml:"restart_base_delay"`
	ShutdownGrace    time.Duration     `yaml:"shutdown_grace"`
	MaxRestarts      int               `yaml:"max_restarts"` // 0 means the default, negative disables restarts
	Debug            bool              `yaml:"debug"`

	// RetryEscalationAttempt is the provider retry attempt at which a
	// session is reported as failed instead of waiting out the backoff.
	RetryEscalationAttempt int `yaml:"retry_escalation_attempt"`
	// ReconnectCheckDelay is how long after an event stream reconnect the
	// bridge looks for sessions that never resolved.
	ReconnectCheckDelay time.Duration `yaml:"reconnect_check_delay"`
}

// Default returns a Configuration with every default applied.
func Default() Configuration {
	return Configuration{}.WithDefaults()
}

// WithDefaults returns a copy with zero fields replaced by defaults.
func (c Configuration) WithDefaults() Configuration {
	c = c.Clone()
	if c.BinaryPath == "" {
		c.BinaryPath = DefaultBinaryPath
	}
	if c.Hostname == "" {
		c.Hostname = DefaultHostname
	}
	if c.PortTimeout <= 0 {
		c.PortTimeout = DefaultPortTimeout
	}
	if c.MaxRestarts == 0 {
		c.MaxRestarts = DefaultMaxRestarts
	}
	if c.RestartBaseDelay <= 0 {
		c.RestartBaseDelay = DefaultRestartBaseDelay
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	if c.RetryEscalationAttempt <= 0 {
		c.RetryEscalationAttempt = DefaultRetryEscalationAttempt
	}
	if c.ReconnectCheckDelay <= 0 {
		c.ReconnectCheckDelay = DefaultReconnectCheckDelay
	}
	return c
}

// Clone returns a deep copy, so the caller's maps and slices are never
// shared with a running bridge.
func (c Configuration) Clone() Configuration {
	c.Env = maps.Clone(c.Env)
	c.Args = slices.Clone(c.Args)
	return c
}

// Validate reports configuration that cannot start a server.
func (c Configuration) Validate() error {
	if strings.TrimSpace(c.BinaryPath) == "" {
		return errors.New("config: binary path is empty")
	}
	if c.Model != "" {
		if _, _, ok := c.ModelRef(); !ok {
			return fmt.Errorf("config: model %q is not in provider/model form", c.Model)
		}
	}
	return nil
}

// RestartLimit is the number of automatic restarts allowed after crashes.
func (c Configuration) RestartLimit() int {
	return max(c.MaxRestarts, 0)
}

// ModelRef splits Model into provider and model ids. The model id may
// itself contain slashes (e.g. "openrouter/anthropic/claude-sonnet").
func (c Configuration) ModelRef() (provider, model string, ok bool) {
	provider, model, ok = strings.Cut(c.Model, "/")
	if !ok || provider == "" || model == "" {
		return "", "", false
	}
	return provider, model, true
}

// ServerArgs returns the arguments that put the binary in server mode:
// listen on an ephemeral loopback port.
func (c Configuration) ServerArgs() []string {
	if len(c.Args) > 0 {
		return slices.Clone(c.Args)
	}
	hostname := c.Hostname
	if hostname == "" {
		hostname = DefaultHostname
	}
	args := []string{"serve", "--hostname", hostname, "--port", "0"}
	if c.Debug {
		args = append(args, "--print-logs", "--log-level", "DEBUG")
	}
	return args
}

// Environ returns os.Environ() followed by the configured overrides in a
// stable order.
func (c Configuration) Environ() []string {
	env := os.Environ()
	for _, k := range slices.Sorted(maps.Keys(c.Env)) {
		env = append(env, k+"="+c.Env[k])
	}
	return env
}

// Load reads a YAML configuration file. A missing file yields the defaults.
// Environment overrides are applied after the file.
func Load(path string) (Configuration, error) {
	var c Configuration
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Configuration{}, fmt.Errorf("config: reading %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &c); err != nil {
				return Configuration{}, fmt.Errorf("config: parsing %s: %w", path, err)
			}
		}
		if c.WorkingDirectory != "" && !filepath.IsAbs(c.WorkingDirectory) {
			c.WorkingDirectory = filepath.Join(filepath.Dir(path), c.WorkingDirectory)
		}
	}

	c = applyEnv(c)
	c = c.WithDefaults()
	if err := c.Validate(); err != nil {
		return Configuration{}, err
	}
	return c, nil
}

func applyEnv(c Configuration) Configuration {
	if v := os.Getenv(EnvBinary); v != "" {
		c.BinaryPath = v
	}
	if v := os.Getenv(EnvModel); v != "" {
		c.Model = v
	}
	if v := os.Getenv(EnvAgent); v != "" {
		c.Agent = v
	}
	if v := os.Getenv(EnvDebug); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Debug = b
		}
	}
	return c
}
