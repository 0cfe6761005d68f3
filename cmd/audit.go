package cmd

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/page-audit-server/internal/audit"
	"github.com/JakeFAU/page-audit-server/internal/engine"
	"github.com/JakeFAU/page-audit-server/internal/report"
)

type auditSummary struct {
	AuditID    string              `json:"auditId"`
	URL        string              `json:"url"`
	FinalURL   string              `json:"finalUrl"`
	Locale     string              `json:"locale"`
	Timestamp  time.Time           `json:"timestamp"`
	ReportID   string              `json:"reportId"`
	ReportPath string              `json:"reportPath"`
	MirrorURI  string              `json:"mirrorUri,omitempty"`
	Scores     map[string]*float64 `json:"scores"`
}

func newAuditCmd() *cobra.Command {
	var (
		locale      string
		performance bool
		categories  []string
	)
	cmd := &cobra.Command{
		Use:   "audit <url>",
		Short: "Runs one audit and prints a summary",
		Long: `Launches a private headless Chrome, scores the page, saves the report to
the configured report directory and prints a JSON summary.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			opts := engine.GeneralOptions("")
			if performance {
				opts = engine.PerformanceOptions("")
			}
			if len(categories) > 0 {
				for _, c := range categories {
					if !report.IsKnownCategory(c) {
						return fmt.Errorf("unknown category %q (known: %s)", c, strings.Join(report.AllCategories, ", "))
					}
				}
				opts.Categories = categories
			}
			out, err := app.Orchestrator().Run(cmd.Context(), audit.Request{
				URL:     args[0],
				Locale:  locale,
				Options: opts,
			})
			if err != nil {
				return fmt.Errorf("audit %s: %w", args[0], err)
			}
			scores := make(map[string]*float64, len(out.Report.Categories))
			for name, cat := range out.Report.Categories {
				scores[name] = cat.Score
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(auditSummary{
				AuditID:    out.AuditID,
				URL:        out.URL,
				FinalURL:   out.Report.FinalURL,
				Locale:     out.Locale,
				Timestamp:  out.Timestamp,
				ReportID:   out.Stored.ID,
				ReportPath: out.Stored.Path,
				MirrorURI:  out.Stored.MirrorURI,
				Scores:     scores,
			}); err != nil {
				return fmt.Errorf("write summary: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&locale, "locale", "", "report locale (defaults to engine.default_locale)")
	cmd.Flags().BoolVar(&performance, "performance", false, "performance only, desktop emulation")
	cmd.Flags().StringSliceVar(&categories, "categories", nil, "comma separated categories to score")
	return cmd
}
