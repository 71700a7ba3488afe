package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dhcgn/imap-extract/output"
	"github.com/dhcgn/imap-extract/stats"
)

func newHostsCmd() *cobra.Command {
	var topN int

	cmd := &cobra.Command{
		Use:   "hosts [sqlite database]",
		Short: "Show the most linked hosts stored in a SQLite results database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := output.NewSQLiteStore(args[0])
			if err != nil {
				return err
			}
			defer store.Close()

			counts, err := store.HostCounts(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Top %d link hosts:\n", topN)
			stats.PrettyPrintTop(cmd.OutOrStdout(), counts, topN)
			return nil
		},
	}
	cmd.Flags().IntVarP(&topN, "top", "t", 20, "Number of hosts to display")
	return cmd
}
