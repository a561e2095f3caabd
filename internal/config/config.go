// Package config loads wlchan configuration from a YAML file, the
// environment and an optional .env file.
//
// Precedence, lowest first: Defaults, the config file, environment
// variables. Durations are written in Go syntax ("5s", "250ms").
package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
)

// EndpointSection describes the Workload API endpoint.
type EndpointSection struct {
	// Address of the Workload API.
	// Example: "unix:///tmp/spire-agent/public/api.sock" or "tcp://127.0.0.1:8081"
	Address string `yaml:"address"`

	// StrictSchemes rejects schemes other than unix and tcp instead of
	// treating them as tcp.
	StrictSchemes bool `yaml:"strict_schemes"`

	// FetchTimeout bounds a single fetch. Defaults to 30s.
	FetchTimeout string `yaml:"fetch_timeout"`
}

// TransportSection tunes channel construction and release.
type TransportSection struct {
	// Workers is the number of event loops per domain-socket backend.
	// Zero lets the runtime decide.
	Workers int `yaml:"workers"`

	// GracePeriod is how long release waits for in-flight calls.
	GracePeriod string `yaml:"grace_period"`

	// BackendShutdownTimeout bounds how long release waits for the
	// backend's event loops.
	BackendShutdownTimeout string `yaml:"backend_shutdown_timeout"`
}

// LogSection configures the structured logger.
type LogSection struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// DebugSection configures the local metrics and health endpoint.
type DebugSection struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// FileConfig represents a wlchan configuration file.
type FileConfig struct {
	// Version is the config file format version (optional, currently always 1)
	Version int `yaml:"version,omitempty"`

	Endpoint  EndpointSection  `yaml:"endpoint"`
	Transport TransportSection `yaml:"transport"`
	Log       LogSection       `yaml:"log"`
	Debug     DebugSection     `yaml:"debug"`
}

// Defaults returns the configuration used when nothing else is set.
func Defaults() FileConfig {
	return FileConfig{
		Version: 1,
		Endpoint: EndpointSection{
			Address:      "unix:///tmp/spire-agent/public/api.sock",
			FetchTimeout: "30s",
		},
		Transport: TransportSection{
			GracePeriod:            "5s",
			BackendShutdownTimeout: "5s",
		},
		Log: LogSection{
			Level:  "info",
			Format: "text",
		},
		Debug: DebugSection{
			Addr: "127.0.0.1:9464",
		},
	}
}

// FetchTimeout returns the parsed endpoint.fetch_timeout.
func (c FileConfig) FetchTimeout() (time.Duration, error) {
	return parseDuration("endpoint.fetch_timeout", c.Endpoint.FetchTimeout)
}

// GracePeriod returns the parsed transport.grace_period.
func (c FileConfig) GracePeriod() (time.Duration, error) {
	return parseDuration("transport.grace_period", c.Transport.GracePeriod)
}

// BackendShutdownTimeout returns the parsed transport.backend_shutdown_timeout.
func (c FileConfig) BackendShutdownTimeout() (time.Duration, error) {
	return parseDuration("transport.backend_shutdown_timeout", c.Transport.BackendShutdownTimeout)
}

func parseDuration(field, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", field, value, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s %q: must not be negative", field, value)
	}
	return d, nil
}

// NewLogger builds a slog logger writing to w.
func (l LogSection) NewLogger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return nil, fmt.Errorf("invalid log.level %q: %w", l.Level, err)
	}

	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(l.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log.format %q: must be text or json", l.Format)
	}
}
