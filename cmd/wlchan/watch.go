package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spiffe/go-spiffe/v2/svid/x509svid"
	"golang.org/x/sync/errgroup"

	"github.com/sufield/wlchannel/internal/debug"
)

func newWatchCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream SVID updates until interrupted",
		Long: `Stream SVID updates until interrupted.

When debug.enabled is set (or WLCHAN_DEBUG_ADDR is exported) a local HTTP
endpoint serves /metrics, /healthz and /_debug/state while watching.`,
		Example: `  wlchan watch
  WLCHAN_DEBUG_ADDR=127.0.0.1:9464 wlchan watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd, flags)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, cmd, a)
		},
	}
}

func runWatch(ctx context.Context, cmd *cobra.Command, a *app) error {
	client, err := a.newClient()
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Close(); err != nil {
			a.logger.Warn("releasing channel failed", "error", err)
		}
	}()

	w := cmd.OutOrStdout()
	g, ctx := errgroup.WithContext(ctx)

	if a.cfg.Debug.Enabled {
		res := client.Resource()
		state := debug.IntrospectorFunc(func(context.Context) any {
			snapshot := map[string]string{}
			for _, row := range describe(res) {
				snapshot[row[0]] = row[1]
			}
			snapshot["Event loops"] = fmt.Sprint(a.exec.Submitted())
			return snapshot
		})
		srv := debug.NewServer(a.cfg.Debug.Addr, a.registry, state, a.logger)

		g.Go(srv.ListenAndServe)
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		a.logger.Info("debug endpoint enabled", "addr", a.cfg.Debug.Addr)
	}

	g.Go(func() error {
		err := client.WatchX509SVIDs(ctx, func(svids []*x509svid.SVID) error {
			fmt.Fprintf(w, "\n%s update\n", time.Now().UTC().Format(time.RFC3339))
			printSVIDs(w, svids)
			return nil
		})
		if err != nil {
			return err
		}
		// Interrupted: stop the debug server too.
		return context.Canceled
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
