package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaults_Valid(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, Validate(cfg))

	grace, err := cfg.GracePeriod()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, grace)

	stop, err := cfg.BackendShutdownTimeout()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, stop)

	fetch, err := cfg.FetchTimeout()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, fetch)
}

func TestLoad_OverlaysDefaults(t *testing.T) {
	path := writeFile(t, "wlchan.yaml", `
version: 1
endpoint:
  address: tcp://127.0.0.1:8081
transport:
  workers: 4
  grace_period: 250ms
log:
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "tcp://127.0.0.1:8081", cfg.Endpoint.Address)
	assert.Equal(t, 4, cfg.Transport.Workers)
	assert.Equal(t, "250ms", cfg.Transport.GracePeriod)
	assert.Equal(t, "json", cfg.Log.Format)

	// Untouched fields keep their defaults.
	assert.Equal(t, "5s", cfg.Transport.BackendShutdownTimeout)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "30s", cfg.Endpoint.FetchTimeout)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")

	_, err = Load(writeFile(t, "bad.yaml", "endpoint: [unterminated"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv(EnvEndpointSocket, "unix:///run/spire/agent.sock")
	t.Setenv(EnvStrictSchemes, "yes")
	t.Setenv(EnvFetchTimeout, "2s")
	t.Setenv(EnvWorkers, "3")
	t.Setenv(EnvGracePeriod, "1s")
	t.Setenv(EnvBackendShutdownTimeout, "3s")
	t.Setenv(EnvLogLevel, "debug")
	t.Setenv(EnvLogFormat, "json")
	t.Setenv(EnvDebugAddr, "127.0.0.1:9999")

	cfg := Defaults()
	require.NoError(t, applyEnvOverrides(&cfg))

	assert.Equal(t, "unix:///run/spire/agent.sock", cfg.Endpoint.Address)
	assert.True(t, cfg.Endpoint.StrictSchemes)
	assert.Equal(t, "2s", cfg.Endpoint.FetchTimeout)
	assert.Equal(t, 3, cfg.Transport.Workers)
	assert.Equal(t, "1s", cfg.Transport.GracePeriod)
	assert.Equal(t, "3s", cfg.Transport.BackendShutdownTimeout)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.True(t, cfg.Debug.Enabled)
	assert.Equal(t, "127.0.0.1:9999", cfg.Debug.Addr)
}

func TestApplyEnvOverrides_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"workers not a number", EnvWorkers, "many"},
		{"strict not a bool", EnvStrictSchemes, "maybe"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			cfg := Defaults()
			err := applyEnvOverrides(&cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.key)
		})
	}
}

func TestParseBool(t *testing.T) {
	for _, v := range []string{"true", "1", "YES", " on "} {
		b, err := parseBool(v)
		require.NoError(t, err, v)
		assert.True(t, b, v)
	}
	for _, v := range []string{"false", "0", "no", "Off"} {
		b, err := parseBool(v)
		require.NoError(t, err, v)
		assert.False(t, b, v)
	}
	_, err := parseBool("sometimes")
	assert.Error(t, err)
}

func TestResolve_FileThenEnv(t *testing.T) {
	path := writeFile(t, "wlchan.yaml", `
endpoint:
  address: tcp://127.0.0.1:8081
transport:
  workers: 2
`)
	t.Setenv(EnvWorkers, "8")

	cfg, err := Resolve(path)
	require.NoError(t, err)
	assert.Equal(t, "tcp://127.0.0.1:8081", cfg.Endpoint.Address)
	assert.Equal(t, 8, cfg.Transport.Workers)
}

func TestResolve_NoFile(t *testing.T) {
	cfg, err := Resolve("")
	require.NoError(t, err)
	assert.Equal(t, Defaults().Endpoint.Address, cfg.Endpoint.Address)
}

func TestResolve_ValidationFailure(t *testing.T) {
	t.Setenv(EnvGracePeriod, "soon")

	_, err := Resolve("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transport.grace_period")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*FileConfig)
		wantErr string
	}{
		{"defaults", func(*FileConfig) {}, ""},
		{"bare socket path", func(c *FileConfig) { c.Endpoint.Address = "/run/spire/agent.sock" }, ""},
		{"empty address", func(c *FileConfig) { c.Endpoint.Address = "" }, "endpoint.address must be set"},
		{"address without scheme", func(c *FileConfig) { c.Endpoint.Address = "agent.sock" }, "invalid endpoint.address"},
		{"unknown scheme permissive", func(c *FileConfig) { c.Endpoint.Address = "dns://agent:8081" }, ""},
		{"unknown scheme strict", func(c *FileConfig) {
			c.Endpoint.Address = "dns://agent:8081"
			c.Endpoint.StrictSchemes = true
		}, "scheme must be unix or tcp"},
		{"bad fetch timeout", func(c *FileConfig) { c.Endpoint.FetchTimeout = "forever" }, "endpoint.fetch_timeout"},
		{"negative grace", func(c *FileConfig) { c.Transport.GracePeriod = "-1s" }, "must not be negative"},
		{"zero grace", func(c *FileConfig) { c.Transport.GracePeriod = "0s" }, ""},
		{"bad shutdown timeout", func(c *FileConfig) { c.Transport.BackendShutdownTimeout = "" }, "transport.backend_shutdown_timeout"},
		{"negative workers", func(c *FileConfig) { c.Transport.Workers = -2 }, "transport.workers"},
		{"bad log level", func(c *FileConfig) { c.Log.Level = "chatty" }, "log.level"},
		{"bad log format", func(c *FileConfig) { c.Log.Format = "xml" }, "log.format"},
		{"debug on loopback", func(c *FileConfig) { c.Debug.Enabled = true }, ""},
		{"debug on localhost", func(c *FileConfig) {
			c.Debug.Enabled = true
			c.Debug.Addr = "localhost:9464"
		}, ""},
		{"debug on all interfaces", func(c *FileConfig) {
			c.Debug.Enabled = true
			c.Debug.Addr = "0.0.0.0:9464"
		}, "loopback"},
		{"debug address malformed", func(c *FileConfig) {
			c.Debug.Enabled = true
			c.Debug.Addr = "9464"
		}, "debug.addr"},
		{"debug disabled ignores address", func(c *FileConfig) { c.Debug.Addr = "0.0.0.0:9464" }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)

			err := Validate(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLogSection_NewLogger(t *testing.T) {
	var buf bytes.Buffer

	logger, err := LogSection{Level: "warn", Format: "json"}.NewLogger(&buf)
	require.NoError(t, err)

	logger.Info("dropped")
	logger.Warn("kept", "k", "v")

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.True(t, strings.HasPrefix(out, "{"), "expected JSON output, got %q", out)
	assert.Contains(t, out, `"k":"v"`)
}

func TestLoadDotEnv(t *testing.T) {
	path := writeFile(t, "test.env", "WLCHAN_TEST_FROM_DOTENV=loaded\nWLCHAN_TEST_PRESET=fromfile\n")
	t.Setenv("WLCHAN_TEST_PRESET", "preset")
	t.Cleanup(func() { _ = os.Unsetenv("WLCHAN_TEST_FROM_DOTENV") })

	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "loaded", os.Getenv("WLCHAN_TEST_FROM_DOTENV"))
	assert.Equal(t, "preset", os.Getenv("WLCHAN_TEST_PRESET"), "existing variables must win")
}

func TestLoadDotEnv_Missing(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	assert.NoError(t, LoadDotEnv(""), "missing default .env is not an error")
	assert.Error(t, LoadDotEnv("does-not-exist.env"))
}
