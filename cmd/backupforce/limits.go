package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/steveyegge/backupforce/internal/config"
	"github.com/steveyegge/backupforce/internal/credentials"
)

var limitsConnection string

var limitsCmd = &cobra.Command{
	Use:   "limits",
	Short: "Display the source or target org's daily API and Bulk job quota (advisory)",
	Long: `Fetch and print the Limits API response. This is purely informational
(spec.md §6 "Limits API (consumed, advisory)") — the core never enforces it.`,
	RunE: runLimits,
}

func init() {
	limitsCmd.Flags().StringVar(&limitsConnection, "connection", "source", `Which connection to query: "source" or "target"`)
}

func runLimits(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := config.Load(configPath)
	if err != nil {
		return exitErr(4, fmt.Errorf("load config: %w", err))
	}

	var (
		cc     config.ConnectionConfig
		prefix string
	)
	switch limitsConnection {
	case "source":
		cc, prefix = cfg.Source, "BACKUPFORCE_SOURCE_"
	case "target":
		cc, prefix = cfg.Target, "BACKUPFORCE_TARGET_"
	default:
		return exitErr(4, fmt.Errorf("unknown connection %q, expected source or target", limitsConnection))
	}

	store := credentials.NewEnvStore(prefix)
	client, err := connectionClient(store, cc)
	if err != nil {
		return exitErr(4, err)
	}

	limits, err := client.Limits(ctx)
	if err != nil {
		return exitErr(4, fmt.Errorf("fetch limits: %w", err))
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(limits)
		return nil
	}

	fmt.Printf("Daily API requests:  %d / %d remaining\n", limits.DailyAPIRequests.Remaining, limits.DailyAPIRequests.Max)
	fmt.Printf("Daily Bulk batches:  %d / %d remaining\n", limits.DailyBulkAPIBatches.Remaining, limits.DailyBulkAPIBatches.Max)
	return nil
}
