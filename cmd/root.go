// Package cmd defines the CLI commands for the page-audit-server executable.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/page-audit-server/internal/config"
	"github.com/JakeFAU/page-audit-server/internal/server"
)

const closeTimeout = 15 * time.Second

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// newApp is the application factory. Tests replace it to inject fakes.
var newApp = func(ctx context.Context, cfg *config.Config) (*server.App, error) {
	return server.Build(ctx, cfg)
}

// appHolder keeps the built App so it can be closed after the command returns,
// whether or not the command failed.
type appHolder struct {
	app *server.App
}

// newRootCmd creates the root command and its subcommands.
func newRootCmd(holder *appHolder) *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "page-audit-server",
		Short: "Runs Lighthouse audits in private headless Chrome sessions.",
		Long: `page-audit-server audits web pages for performance, accessibility,
best practices and SEO. Each audit launches its own headless Chrome, scores the
page, stores the report as a JSON file and exposes it over HTTP.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			app, err := newApp(cmd.Context(), &cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			holder.app = app
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, app))
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); AUDIT_* environment variables override it")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newAuditCmd())
	cmd.AddCommand(newReportsCmd())
	cmd.AddCommand(newAuditsCmd())
	return cmd
}

func resolveApp(ctx context.Context) (*server.App, error) {
	app, ok := ctx.Value(appKey).(*server.App)
	if !ok || app == nil {
		return nil, fmt.Errorf("application not initialized")
	}
	return app, nil
}

// run executes the CLI with args and closes the App afterwards.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	holder := &appHolder{}
	root := newRootCmd(holder)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	if holder.app != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if cerr := holder.app.Close(closeCtx); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Execute is the main entry point.
func Execute() {
	if err := run(context.Background(), os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
