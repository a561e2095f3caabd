package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/sufield/wlchannel/channel"
	"github.com/sufield/wlchannel/internal/config"
)

func newValidateCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [config-file]",
		Short: "Validate a wlchan configuration",
		Long: `Validate a wlchan configuration file together with any environment
overrides, and print the effective settings.`,
		Example: `  wlchan validate wlchan.yaml

  # Use in CI/CD pipelines
  if wlchan validate config/production.yaml; then
      echo "Configuration is valid"
  fi`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				flags.configPath = args[0]
			}
			cfg, err := resolveConfig(flags)
			if err != nil {
				return fmt.Errorf("validation failed: %w", err)
			}
			printSettings(cmd.OutOrStdout(), flags.configPath, cfg)
			return nil
		},
	}
}

func printSettings(w io.Writer, path string, cfg config.FileConfig) {
	if path == "" {
		path = "(defaults)"
	}
	fmt.Fprintf(w, "✓ Valid configuration: %s\n", path)

	// Validate has already accepted the address.
	addr, _ := channel.ParseAddress(cfg.Endpoint.Address)
	kind := channel.Classify(addr)

	fmt.Fprintln(w, "\nEndpoint settings:")
	fmt.Fprintf(w, "  Address: %s\n", cfg.Endpoint.Address)
	fmt.Fprintf(w, "  Transport: %s\n", kind)
	if kind == channel.KindDomainSocket {
		fmt.Fprintf(w, "  Backend: %s\n", channel.NativeBackend())
	}
	if cfg.Endpoint.StrictSchemes {
		fmt.Fprintln(w, "  Schemes: strict (unix, tcp)")
	} else if addr.Scheme != "unix" && addr.Scheme != "tcp" {
		fmt.Fprintf(w, "  Schemes: ⚠ permissive, %q is treated as tcp\n", addr.Scheme)
	}
	fmt.Fprintf(w, "  Fetch timeout: %s\n", cfg.Endpoint.FetchTimeout)

	fmt.Fprintln(w, "\nTransport settings:")
	workers := fmt.Sprint(cfg.Transport.Workers)
	if cfg.Transport.Workers == 0 {
		workers = "auto"
	}
	fmt.Fprintf(w, "  Workers: %s\n", workers)
	fmt.Fprintf(w, "  Grace period: %s\n", cfg.Transport.GracePeriod)
	fmt.Fprintf(w, "  Backend shutdown timeout: %s\n", cfg.Transport.BackendShutdownTimeout)

	if cfg.Debug.Enabled {
		fmt.Fprintf(w, "\nDebug endpoint: %s\n", cfg.Debug.Addr)
	}
}
