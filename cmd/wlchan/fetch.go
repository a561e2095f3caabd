package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"github.com/spiffe/go-spiffe/v2/svid/x509svid"
)

func newFetchCmd(flags *rootFlags) *cobra.Command {
	var bundles bool

	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch X.509 SVIDs (and optionally trust bundles)",
		Example: `  wlchan fetch
  wlchan fetch --bundles --address tcp://127.0.0.1:8081`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd, flags)
			if err != nil {
				return err
			}
			return runFetch(cmd.Context(), cmd.OutOrStdout(), a, bundles)
		},
	}
	cmd.Flags().BoolVar(&bundles, "bundles", false, "also fetch X.509 trust bundles")
	return cmd
}

func runFetch(ctx context.Context, w io.Writer, a *app, withBundles bool) error {
	client, err := a.newClient()
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Close(); err != nil {
			a.logger.Warn("releasing channel failed", "error", err)
		}
	}()

	svids, err := client.FetchX509SVIDs(ctx)
	if err != nil {
		return err
	}
	printSVIDs(w, svids)

	if !withBundles {
		return nil
	}

	set, err := client.FetchX509Bundles(ctx)
	if err != nil {
		return err
	}

	table := NewTableWriter([]string{"Trust domain", "Authorities"})
	bundles := set.Bundles()
	sort.Slice(bundles, func(i, j int) bool {
		return bundles[i].TrustDomain().String() < bundles[j].TrustDomain().String()
	})
	for _, b := range bundles {
		table.AddRow([]string{b.TrustDomain().String(), fmt.Sprint(len(b.X509Authorities()))})
	}
	fmt.Fprintln(w)
	table.Print(w)
	return nil
}

func printSVIDs(w io.Writer, svids []*x509svid.SVID) {
	table := NewTableWriter([]string{"SPIFFE ID", "Hint", "Expires", "Chain"})
	for _, s := range svids {
		hint := s.Hint
		if hint == "" {
			hint = "-"
		}
		table.AddRow([]string{
			s.ID.String(),
			hint,
			s.Certificates[0].NotAfter.UTC().Format(time.RFC3339),
			fmt.Sprint(len(s.Certificates)),
		})
	}
	table.Print(w)
}
