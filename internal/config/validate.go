package config

import (
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/sufield/wlchannel/channel"
)

// Validate checks a resolved configuration.
//
// Ensures:
//   - endpoint.address parses, and under strict_schemes uses unix or tcp
//   - durations parse and are not negative
//   - transport.workers is not negative
//   - log level and format are known
//   - an enabled debug endpoint listens on a loopback address
func Validate(cfg FileConfig) error {
	if cfg.Endpoint.Address == "" {
		return errors.New("endpoint.address must be set")
	}
	addr, err := channel.ParseAddress(cfg.Endpoint.Address)
	if err != nil {
		return fmt.Errorf("invalid endpoint.address: %w", err)
	}
	if cfg.Endpoint.StrictSchemes && addr.Scheme != "unix" && addr.Scheme != "tcp" {
		return fmt.Errorf("invalid endpoint.address %q: scheme must be unix or tcp when strict_schemes is set", cfg.Endpoint.Address)
	}

	if _, err := cfg.FetchTimeout(); err != nil {
		return err
	}
	if _, err := cfg.GracePeriod(); err != nil {
		return err
	}
	if _, err := cfg.BackendShutdownTimeout(); err != nil {
		return err
	}

	if cfg.Transport.Workers < 0 {
		return fmt.Errorf("transport.workers must not be negative: got %d", cfg.Transport.Workers)
	}

	if _, err := cfg.Log.NewLogger(io.Discard); err != nil {
		return err
	}

	if cfg.Debug.Enabled {
		if err := validateLoopback(cfg.Debug.Addr); err != nil {
			return fmt.Errorf("invalid debug.addr %q: %w", cfg.Debug.Addr, err)
		}
	}

	return nil
}

func validateLoopback(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if host == "localhost" {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return errors.New("debug endpoint must listen on a loopback address")
	}
	return nil
}
