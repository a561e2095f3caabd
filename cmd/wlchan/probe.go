package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/sufield/wlchannel/channel"
	"github.com/sufield/wlchannel/internal/backend"
	"github.com/sufield/wlchannel/workloadapi"
)

// errUnreachable is returned when the endpoint never answered.
var errUnreachable = errors.New("endpoint unreachable")

func newProbeCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Check that a Workload API endpoint answers",
		Long: `Build a channel to the endpoint and make one call.

Any answer from the agent counts as reachable, including PermissionDenied
for a workload that has no registration entry.`,
		Example: `  wlchan probe --address unix:///tmp/spire-agent/public/api.sock
  wlchan probe --address tcp://127.0.0.1:8081`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd, flags)
			if err != nil {
				return err
			}
			return runProbe(cmd.Context(), cmd, a)
		},
	}
}

func runProbe(ctx context.Context, cmd *cobra.Command, a *app) error {
	client, err := a.newClient()
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Close(); err != nil {
			a.logger.Warn("releasing channel failed", "error", err)
		}
	}()

	start := time.Now()
	_, fetchErr := client.FetchX509SVIDs(ctx)
	elapsed := time.Since(start).Round(time.Millisecond)

	result, reachable := classifyProbe(fetchErr)

	table := NewTableWriter([]string{"Property", "Value"})
	for _, row := range describe(client.Resource()) {
		table.AddRow(row)
	}
	table.AddRow([]string{"Event loops", fmt.Sprint(a.exec.Submitted())})
	table.AddRow([]string{"Result", result})
	table.AddRow([]string{"Latency", elapsed.String()})
	table.Print(cmd.OutOrStdout())

	if !reachable {
		if ur, ok := client.Resource().(*channel.UnixResource); ok && ur.BackendKind() == backend.KindPortable {
			fmt.Fprintln(cmd.OutOrStdout(), "\nThis platform has no native backend; domain sockets cannot be dialed. Use a tcp:// address.")
		}
		return fmt.Errorf("%w: %w", errUnreachable, fetchErr)
	}
	return nil
}

// classifyProbe maps a fetch result to a description and whether the agent
// answered at all.
func classifyProbe(err error) (string, bool) {
	if err == nil {
		return "✓ reachable, identity issued", true
	}
	switch code := status.Code(err); code {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		return fmt.Sprintf("✗ unreachable (%s)", code), false
	case codes.Unknown:
		// Not a gRPC status: the response could not be parsed.
		if errors.Is(err, workloadapi.ErrInvalidResponse) {
			return "⚠ reachable, invalid response", true
		}
		return fmt.Sprintf("✗ failed (%v)", err), false
	default:
		return fmt.Sprintf("✓ reachable (%s)", code), true
	}
}
