package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/sufield/wlchannel/channel"
	"github.com/sufield/wlchannel/internal/bg"
	"github.com/sufield/wlchannel/internal/config"
	"github.com/sufield/wlchannel/internal/metrics"
	"github.com/sufield/wlchannel/workloadapi"
)

// VersionInfo holds build-time version information
type VersionInfo struct {
	Version string
	Commit  string
	Date    string
}

// app is the state shared by commands that talk to an endpoint.
type app struct {
	cfg      config.FileConfig
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Transport
	exec     *bg.Counting
	factory  *channel.Factory
	timeout  time.Duration
}

type rootFlags struct {
	configPath string
	envFile    string
	address    string
	logLevel   string
}

func newRootCmd(v VersionInfo) *cobra.Command {
	var flags rootFlags

	root := &cobra.Command{
		Use:   "wlchan",
		Short: "Inspect SPIFFE Workload API endpoints",
		Long: fmt.Sprintf(`wlchan (%s)

Builds gRPC channels to a SPIFFE Workload API endpoint the way workloads do:
domain sockets through the platform's native I/O backend, everything else
over plaintext TCP.`, v.Version),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "path to a wlchan YAML config file")
	pf.StringVar(&flags.envFile, "env-file", "", "path to a .env file (default: ./.env if present)")
	pf.StringVarP(&flags.address, "address", "a", "", "Workload API address, overrides config and "+config.EnvEndpointSocket)
	pf.StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(
		newProbeCmd(&flags),
		newFetchCmd(&flags),
		newWatchCmd(&flags),
		newValidateCmd(&flags),
		newVersionCmd(v),
	)
	return root
}

// resolveConfig applies .env, the config file, the environment and then
// command-line flags, in that order.
func resolveConfig(flags *rootFlags) (config.FileConfig, error) {
	if err := config.LoadDotEnv(flags.envFile); err != nil {
		return config.FileConfig{}, err
	}

	cfg, err := config.Resolve(flags.configPath)
	if err != nil {
		return cfg, err
	}

	if flags.address != "" {
		cfg.Endpoint.Address = flags.address
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	if flags.address != "" || flags.logLevel != "" {
		if err := config.Validate(cfg); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

func newApp(cmd *cobra.Command, flags *rootFlags) (*app, error) {
	cfg, err := resolveConfig(flags)
	if err != nil {
		return nil, err
	}

	logger, err := cfg.Log.NewLogger(cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}

	// Validate has already parsed these.
	grace, _ := cfg.GracePeriod()
	stop, _ := cfg.BackendShutdownTimeout()
	timeout, _ := cfg.FetchTimeout()

	registry := prometheus.NewRegistry()
	m, err := metrics.New(registry)
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		metrics:  m,
		exec:     bg.NewCounting(bg.Async{}),
		timeout:  timeout,
		factory: channel.NewFactory(
			channel.WithLogger(logger),
			channel.WithMetrics(m),
			channel.WithGracePeriod(grace),
			channel.WithBackendShutdownTimeout(stop),
			channel.WithWorkers(cfg.Transport.Workers),
			channel.WithStrictSchemes(cfg.Endpoint.StrictSchemes),
		),
	}, nil
}

func (a *app) newClient() (*workloadapi.Client, error) {
	return workloadapi.New(a.cfg.Endpoint.Address,
		workloadapi.WithFactory(a.factory),
		workloadapi.WithExecutor(a.exec),
		workloadapi.WithTimeout(a.timeout),
		workloadapi.WithLogger(a.logger))
}

// describe returns the rows shared by probe and watch output.
func describe(res channel.Resource) [][]string {
	rows := [][]string{
		{"Transport", res.Kind().String()},
		{"Target", res.Target()},
	}
	if ur, ok := res.(*channel.UnixResource); ok {
		rows = append(rows, []string{"Backend", ur.BackendKind().String()})
	}
	return rows
}
