package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Environment variables recognised by applyEnvOverrides.
const (
	// EnvEndpointSocket is the standard SPIFFE variable naming the Workload
	// API address.
	EnvEndpointSocket = "SPIFFE_ENDPOINT_SOCKET"

	EnvStrictSchemes          = "WLCHAN_STRICT_SCHEMES"
	EnvFetchTimeout           = "WLCHAN_FETCH_TIMEOUT"
	EnvWorkers                = "WLCHAN_WORKERS"
	EnvGracePeriod            = "WLCHAN_GRACE_PERIOD"
	EnvBackendShutdownTimeout = "WLCHAN_BACKEND_SHUTDOWN_TIMEOUT"
	EnvLogLevel               = "WLCHAN_LOG_LEVEL"
	EnvLogFormat              = "WLCHAN_LOG_FORMAT"
	EnvDebugAddr              = "WLCHAN_DEBUG_ADDR"
)

// applyEnvOverrides overrides config values with environment variables if set
// Returns error for invalid environment variable values to fail fast
func applyEnvOverrides(cfg *FileConfig) error {
	if addr := os.Getenv(EnvEndpointSocket); addr != "" {
		cfg.Endpoint.Address = addr
	}
	if strict := os.Getenv(EnvStrictSchemes); strict != "" {
		s, err := parseBool(strict)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvStrictSchemes, strict, err)
		}
		cfg.Endpoint.StrictSchemes = s
	}
	if timeout := os.Getenv(EnvFetchTimeout); timeout != "" {
		cfg.Endpoint.FetchTimeout = timeout
	}

	if workers := os.Getenv(EnvWorkers); workers != "" {
		w, err := strconv.Atoi(workers)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvWorkers, workers, err)
		}
		cfg.Transport.Workers = w
	}
	if grace := os.Getenv(EnvGracePeriod); grace != "" {
		cfg.Transport.GracePeriod = grace
	}
	if timeout := os.Getenv(EnvBackendShutdownTimeout); timeout != "" {
		cfg.Transport.BackendShutdownTimeout = timeout
	}

	if level := os.Getenv(EnvLogLevel); level != "" {
		cfg.Log.Level = level
	}
	if format := os.Getenv(EnvLogFormat); format != "" {
		cfg.Log.Format = format
	}

	// Setting the address turns the debug endpoint on.
	if addr := os.Getenv(EnvDebugAddr); addr != "" {
		cfg.Debug.Addr = addr
		cfg.Debug.Enabled = true
	}

	return nil
}

// parseBool parses boolean environment variables
// Accepts: "true", "1", "yes", "on" for true; "false", "0", "no", "off" for false
func parseBool(value string) (bool, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	switch value {
	case "true", "1", "yes", "on":
		return true, nil
	case "false", "0", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean value %q", value)
	}
}
