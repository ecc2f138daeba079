package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{EnvBinary, EnvModel, EnvAgent, EnvDebug} {
		t.Setenv(k, "")
	}
}

func TestWithDefaults(t *testing.T) {
	c := Configuration{}.WithDefaults()
	assert.Equal(t, DefaultBinaryPath, c.BinaryPath)
	assert.Equal(t, DefaultHostname, c.Hostname)
	assert.Equal(t, DefaultPortTimeout, c.PortTimeout)
	assert.Equal(t, DefaultMaxRestarts, c.MaxRestarts)
	assert.Equal(t, DefaultRestartBaseDelay, c.RestartBaseDelay)
	assert.Equal(t, DefaultShutdownGrace, c.ShutdownGrace)

	c = Configuration{BinaryPath: "/bin/agent", MaxRestarts: 1}.WithDefaults()
	assert.Equal(t, "/bin/agent", c.BinaryPath)
	assert.Equal(t, 1, c.MaxRestarts)
	assert.Equal(t, 1, c.RestartLimit())

	c = Configuration{MaxRestarts: NoRestarts}.WithDefaults()
	assert.Equal(t, NoRestarts, c.MaxRestarts)
	assert.Zero(t, c.RestartLimit())
	assert.Equal(t, DefaultMaxRestarts, Default().RestartLimit())
}

func TestClone(t *testing.T) {
	orig := Configuration{
		Env:  map[string]string{"A": "1"},
		Args: []string{"serve"},
	}
	cp := orig.Clone()
	cp.Env["A"] = "2"
	cp.Args[0] = "other"

	assert.Equal(t, "1", orig.Env["A"])
	assert.Equal(t, "serve", orig.Args[0])
}

func TestModelRef(t *testing.T) {
	tests := []struct {
		model    string
		provider string
		id       string
		ok       bool
	}{
		{"anthropic/claude-sonnet", "anthropic", "claude-sonnet", true},
		{"openrouter/anthropic/claude", "openrouter", "anthropic/claude", true},
		{"noslash", "", "", false},
		{"/model", "", "", false},
		{"provider/", "", "", false},
		{"", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			p, m, ok := Configuration{Model: tt.model}.ModelRef()
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.provider, p)
			assert.Equal(t, tt.id, m)
		})
	}
}

func TestServerArgs(t *testing.T) {
	c := Default()
	assert.Equal(t, []string{"serve", "--hostname", "127.0.0.1", "--port", "0"}, c.ServerArgs())

	c.Debug = true
	assert.Equal(t, []string{"serve", "--hostname", "127.0.0.1", "--port", "0", "--print-logs", "--log-level", "DEBUG"}, c.ServerArgs())

	c.Args = []string{"custom"}
	assert.Equal(t, []string{"custom"}, c.ServerArgs())
}

func TestEnviron(t *testing.T) {
	c := Configuration{Env: map[string]string{"ZZ_B": "2", "ZZ_A": "1"}}
	env := c.Environ()
	require.GreaterOrEqual(t, len(env), 2)
	assert.Equal(t, []string{"ZZ_A=1", "ZZ_B=2"}, env[len(env)-2:])
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Default().Validate())
	assert.Error(t, Configuration{}.Validate())
	assert.NoError(t, Configuration{BinaryPath: "x", MaxRestarts: NoRestarts}.Validate())
	assert.Error(t, Configuration{BinaryPath: "x", Model: "bad"}.Validate())
}

func TestLoad(t *testing.T) {
	clearEnv(t)

	t.Run("missing file yields defaults", func(t *testing.T) {
		c, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		require.NoError(t, err)
		assert.Equal(t, Default(), c)
	})

	t.Run("file values", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "agentbridge.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
binary_path: /usr/local/bin/opencode
model: anthropic/claude-sonnet
agent: build
debug: true
working_directory: work
port_timeout: 10s
max_restarts: 5
env:
  FOO: bar
`), 0o644))

		c, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "/usr/local/bin/opencode", c.BinaryPath)
		assert.Equal(t, "anthropic/claude-sonnet", c.Model)
		assert.Equal(t, "build", c.Agent)
		assert.True(t, c.Debug)
		assert.Equal(t, filepath.Join(dir, "work"), c.WorkingDirectory)
		assert.Equal(t, 10*time.Second, c.PortTimeout)
		assert.Equal(t, 5, c.MaxRestarts)
		assert.Equal(t, map[string]string{"FOO": "bar"}, c.Env)
	})

	t.Run("env overrides file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "c.yaml")
		require.NoError(t, os.WriteFile(path, []byte("model: a/b\n"), 0o644))
		t.Setenv(EnvModel, "x/y")
		t.Setenv(EnvBinary, "/opt/agent")
		t.Setenv(EnvDebug, "true")

		c, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "x/y", c.Model)
		assert.Equal(t, "/opt/agent", c.BinaryPath)
		assert.True(t, c.Debug)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "c.yaml")
		require.NoError(t, os.WriteFile(path, []byte("model: [unterminated\n"), 0o644))
		_, err := Load(path)
		assert.Error(t, err)
	})

	t.Run("invalid model", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "c.yaml")
		require.NoError(t, os.WriteFile(path, []byte("model: nomodel\n"), 0o644))
		_, err := Load(path)
		assert.ErrorContains(t, err, "provider/model")
	})
}

func TestWatch(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "c.yaml")
	require.NoError(t, os.WriteFile(path, []byte("agent: one\n"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu     sync.Mutex
		agents []string
	)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, nil, func(c Configuration) {
			mu.Lock()
			agents = append(agents, c.Agent)
			mu.Unlock()
		})
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("agent: two\n"), 0o644))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(agents) > 0 && agents[len(agents)-1] == "two"
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}
