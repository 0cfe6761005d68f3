package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newAuditsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "audits",
		Short: "Prints recent audit outcomes from the ledger",
		Long:  `Requires database.dsn. Prints the newest audits first.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ledger := app.Ledger()
			if ledger == nil {
				return fmt.Errorf("audit ledger is not configured (set database.dsn)")
			}
			records, err := ledger.RecentAudits(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("list audits: %w", err)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "FINISHED\tSTATUS\tURL\tDETAIL")
			for _, rec := range records {
				detail := ""
				switch {
				case rec.ReportID != nil:
					detail = *rec.ReportID
				case rec.ErrorKind != nil:
					detail = *rec.ErrorKind
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", rec.FinishedAt.Format(time.RFC3339), rec.Status, rec.URL, detail)
			}
			if err := w.Flush(); err != nil {
				return fmt.Errorf("write audits: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of audits to print")
	return cmd
}
