package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newReportsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reports",
		Short: "Reads the report store",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Prints stored report ids, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ids, err := app.Reports().List(cmd.Context())
			if err != nil {
				return fmt.Errorf("list reports: %w", err)
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "get <id>",
		Short: "Prints one stored report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			raw, err := app.Reports().Get(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("get report: %w", err)
			}
			if _, err := fmt.Fprintln(cmd.OutOrStdout(), string(raw)); err != nil {
				return fmt.Errorf("write report: %w", err)
			}
			return nil
		},
	})
	return cmd
}
