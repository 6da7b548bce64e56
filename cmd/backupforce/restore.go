package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/steveyegge/backupforce/internal/bulkapi"
	"github.com/steveyegge/backupforce/internal/config"
	"github.com/steveyegge/backupforce/internal/credentials"
	"github.com/steveyegge/backupforce/internal/restore"
	"github.com/steveyegge/backupforce/internal/types"
)

var (
	restoreObjects        []string
	restoreMode           string
	restoreExternalIDF    string
	restoreBatchSize      int
	restoreBatchParallel  int
	restoreStopOnError    bool
	restorePreserveIds    bool
	restoreDryRun         bool
	restoreDeferUnresolvd bool
)

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Ingest previously backed-up objects into the target connection",
	Long: `Run a restore of one or more objects from the configured sink into
the target connection (spec.md §4.6).

Examples:
  backupforce restore --config backupforce.yaml --objects Account,Contact
  backupforce restore --config backupforce.yaml --objects Account --dry-run`,
	RunE: runRestore,
}

func init() {
	restoreCmd.Flags().StringSliceVar(&restoreObjects, "objects", nil, "Comma-separated object API names to restore; they are applied in lookup-dependency order (required)")
	restoreCmd.Flags().StringVar(&restoreMode, "mode", "insert", "Restore mode: insert, upsert, or update")
	restoreCmd.Flags().StringVar(&restoreExternalIDF, "external-id-field", "", "External ID field name, required for upsert")
	restoreCmd.Flags().IntVar(&restoreBatchSize, "batch-size", 0, "Rows per ingest batch (0 = config default)")
	restoreCmd.Flags().IntVar(&restoreBatchParallel, "batch-parallelism", 0, "Max batches of one object submitted concurrently (0 = default 3)")
	restoreCmd.Flags().BoolVar(&restoreStopOnError, "stop-on-error", false, "Abort the whole restore on the first batch failure")
	restoreCmd.Flags().BoolVar(&restorePreserveIds, "preserve-ids", false, "Attempt to preserve source record Ids (requires target support)")
	restoreCmd.Flags().BoolVar(&restoreDryRun, "dry-run", false, "Preview row counts and API call estimates without submitting")
	restoreCmd.Flags().BoolVar(&restoreDeferUnresolvd, "defer-unresolved", true, "Hold back rows with unresolved lookups (counted as deferred, not submitted) instead of dropping the lookup field")
	_ = restoreCmd.MarkFlagRequired("objects")
}

func restoreModeFromFlag(s string) (types.RestoreMode, error) {
	switch s {
	case "insert":
		return types.RestoreInsert, nil
	case "upsert":
		return types.RestoreUpsert, nil
	case "update":
		return types.RestoreUpdate, nil
	default:
		return "", fmt.Errorf("unknown restore mode %q", s)
	}
}

func runRestore(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := config.Load(configPath)
	if err != nil {
		return exitErr(4, fmt.Errorf("load config: %w", err))
	}

	mode, err := restoreModeFromFlag(restoreMode)
	if err != nil {
		return exitErr(4, err)
	}
	if mode == types.RestoreUpsert && restoreExternalIDF == "" {
		return exitErr(4, fmt.Errorf("--external-id-field is required for upsert mode"))
	}

	store := credentials.NewEnvStore("BACKUPFORCE_TARGET_")
	client, err := connectionClient(store, cfg.Target)
	if err != nil {
		return exitErr(4, err)
	}

	source := &restore.FileRowSource{Root: cfg.OutputRoot}
	eng := restore.New(client, source)

	batchSize := restoreBatchSize
	if batchSize <= 0 {
		batchSize = cfg.BatchSize
	}

	opts := restore.Options{
		Mode:             mode,
		ExternalIDField:  restoreExternalIDF,
		BatchSize:        batchSize,
		BatchParallelism: restoreBatchParallel,
		StopOnError:      restoreStopOnError,
		PreserveIds:      restorePreserveIds,
		DryRun:           restoreDryRun,
		DeferUnresolved:  restoreDeferUnresolvd,
	}

	if restoreDryRun {
		return runRestorePreview(ctx, client, cfg.OutputRoot, restoreObjects, opts)
	}

	result, err := eng.Run(ctx, restoreObjects, opts)
	if err != nil {
		return exitErr(4, err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(result)
	} else {
		printRestoreSummary(result)
	}

	return exitErr(codeForRestore(result), nil)
}

// runRestorePreview renders each object's restore.Preview without
// submitting any batches (spec.md §4.6 "dry-run").
func runRestorePreview(ctx context.Context, client *bulkapi.Client, outputRoot string, objects []string, opts restore.Options) error {
	graph, err := restore.BuildGraph(ctx, client, objects)
	if err != nil {
		return exitErr(4, fmt.Errorf("build dependency graph: %w", err))
	}

	source := &restore.FileRowSource{Root: outputRoot}
	eng := restore.New(client, source)

	previews := make([]restore.Preview, 0, len(objects))
	for _, object := range objects {
		p, err := eng.Preview(ctx, object, graph, opts, 0)
		if err != nil {
			return exitErr(4, fmt.Errorf("preview %s: %w", object, err))
		}
		previews = append(previews, p)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(previews)
		return nil
	}

	for _, p := range previews {
		fmt.Printf("  %-30s rows=%d deferred=%d estimated_api_calls=%d\n", p.Object, p.TotalRows, p.DeferredRows, p.EstimatedAPICalls)
	}
	return nil
}

func codeForRestore(result *restore.Result) int {
	for _, obj := range result.Objects {
		if obj.RowsFailed > 0 {
			return 2
		}
	}
	return 0
}

func printRestoreSummary(result *restore.Result) {
	fmt.Printf("restore order: %v\n", result.Order)
	if len(result.Deferred) > 0 {
		fmt.Printf("deferred lookups: %d\n", len(result.Deferred))
	}
	for _, obj := range result.Objects {
		fmt.Printf("  %-30s applied=%d failed=%d deferred=%d\n", obj.Object, obj.RowsApplied, obj.RowsFailed, obj.Deferred)
	}
}
