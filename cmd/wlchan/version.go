package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/sufield/wlchannel/channel"
)

func newVersionCmd(v VersionInfo) *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "wlchan %s (commit: %s, built: %s)\n", v.Version, v.Commit, v.Date)
			if !verbose {
				return
			}

			fmt.Fprintln(w)
			table := NewTableWriter([]string{"Component", "Value"})
			table.AddRow([]string{"Go", runtime.Version()})
			table.AddRow([]string{"Platform", runtime.GOOS + "/" + runtime.GOARCH})
			table.AddRow([]string{"I/O backend", channel.NativeBackend().String()})
			table.Print(w)
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "show platform and backend details")
	return cmd
}
