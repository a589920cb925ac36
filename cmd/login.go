package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login <source-id>",
		Short: "Log in to a page source in a visible browser window",
		Long: `Opens the source's login URL in a headful browser using the shared profile
and waits until its check script reports a session, or browser.auth_timeout
passes. Headless fetches then reuse the stored session.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := appInstance.Login(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "logged in to %s\n", args[0])
			return nil
		},
	}
}
