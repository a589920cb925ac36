package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newSourcesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "List the registered source adapters in match order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tMATCH\tREFRESH\tPROXY")
			for _, d := range appInstance.Registry.Descriptors() {
				match := d.Regexp
				if match == "" {
					match = d.Pattern
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.ID, match, d.Refresh, d.Proxy)
			}
			return tw.Flush()
		},
	}
}
