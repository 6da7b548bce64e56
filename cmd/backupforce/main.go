// Command backupforce is the CLI entrypoint wrapping the core
// backup/restore engine (spec.md §6 "CLI surface"). It owns nothing
// domain-specific: it loads config, assembles the collaborators, and
// reports the core's results as exit codes and JSON.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/steveyegge/backupforce/internal/telemetry"
)

var (
	configPath   string
	jsonOutput   bool
	verbose      bool
	otlpEndpoint string
)

var rootCmd = &cobra.Command{
	Use:   "backupforce",
	Short: "Backup and restore CRM tenant data via the Bulk API",
	Long: `backupforce extracts and restores Salesforce-style CRM tenant data
using the Bulk Query and Bulk Ingest APIs.

Exit codes:
  0 - all objects completed
  2 - partial failure (some objects failed or were skipped)
  3 - run cancelled
  4 - fatal configuration or connection error`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		shutdown, err := telemetry.Init(cmd.Context(), otlpEndpoint)
		if err != nil {
			return exitErr(4, fmt.Errorf("init telemetry: %w", err))
		}
		telemetryShutdown = shutdown
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if telemetryShutdown != nil {
			_ = telemetryShutdown(context.Background())
		}
		return nil
	},
}

var telemetryShutdown telemetry.Shutdown

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to the backupforce YAML config file")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Emit JSON results instead of human-readable text")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose/debug logging")
	rootCmd.PersistentFlags().StringVar(&otlpEndpoint, "otlp-endpoint", "", "OTLP collector endpoint for metrics (default: stdout exporter, or $BACKUPFORCE_OTLP_ENDPOINT)")

	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(limitsCmd)

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			if ee.err != nil {
				fmt.Fprintln(os.Stderr, ee.err)
			}
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(4)
	}
}
