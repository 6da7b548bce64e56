package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/steveyegge/backupforce/internal/config"
	"github.com/steveyegge/backupforce/internal/credentials"
	"github.com/steveyegge/backupforce/internal/history"
	"github.com/steveyegge/backupforce/internal/orchestrator"
	"github.com/steveyegge/backupforce/internal/types"
)

var (
	backupObjects     []string
	backupIncremental bool
	backupWhere       string
	backupIncludeRel  bool
	backupRelDepth    int
	backupPriorityOnl bool
	backupPreserveRel bool
	backupRecordLimit int
	backupWatch       bool
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Extract objects from the source connection into the configured sink",
	Long: `Run a backup of one or more objects from the configured source
connection (spec.md §2 "System Overview").

Examples:
  backupforce backup --config backupforce.yaml --objects Account,Contact
  backupforce backup --config backupforce.yaml --objects Account --incremental`,
	RunE: runBackup,
}

func init() {
	backupCmd.Flags().StringSliceVar(&backupObjects, "objects", nil, "Comma-separated object API names to back up (required)")
	backupCmd.Flags().BoolVar(&backupIncremental, "incremental", false, "Use the incremental strategy instead of a full snapshot")
	backupCmd.Flags().StringVar(&backupWhere, "where", "", "Additional SOQL WHERE clause, ANDed with the incremental predicate")
	backupCmd.Flags().BoolVar(&backupIncludeRel, "include-related", false, "Follow child relationships and back up related records too")
	backupCmd.Flags().IntVar(&backupRelDepth, "relationship-depth", 1, "Maximum child-relationship depth to follow (1-3)")
	backupCmd.Flags().BoolVar(&backupPriorityOnl, "priority-only", false, "Restrict related-record discovery to the priority object allow-list")
	backupCmd.Flags().BoolVar(&backupPreserveRel, "preserve-relationships", false, "Write the restore-assist manifest (field/record-type/external-id metadata)")
	backupCmd.Flags().IntVar(&backupRecordLimit, "record-limit", 0, "Cap the number of rows fetched per object (0 = unlimited)")
	backupCmd.Flags().BoolVar(&backupWatch, "watch", false, "Re-run the backup whenever --config changes, until interrupted")
	_ = backupCmd.MarkFlagRequired("objects")
}

func runBackup(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if backupWatch {
		return watchAndRunBackup(ctx)
	}

	run, err := executeBackup(ctx)
	if err != nil {
		return err
	}
	return reportBackupResult(run)
}

// watchAndRunBackup hot-reloads configPath via fsnotify and re-runs the
// backup on every change, until ctx is cancelled (spec.md §1 "external
// collaborators").
func watchAndRunBackup(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return exitErr(4, fmt.Errorf("create config watcher: %w", err))
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(configPath)); err != nil {
		return exitErr(4, fmt.Errorf("watch %s: %w", configPath, err))
	}

	if run, err := executeBackup(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
	} else {
		printRunSummary(run)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(configPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			run, err := executeBackup(ctx)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				continue
			}
			printRunSummary(run)
		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintln(os.Stderr, watchErr)
		}
	}
}

func executeBackup(ctx context.Context) (*types.BackupRun, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, exitErr(4, fmt.Errorf("load config: %w", err))
	}

	store := credentials.NewEnvStore("BACKUPFORCE_SOURCE_")
	client, err := connectionClient(store, cfg.Source)
	if err != nil {
		return nil, exitErr(4, err)
	}

	dest, err := buildSink(cfg.Sink)
	if err != nil {
		return nil, exitErr(4, fmt.Errorf("build sink: %w", err))
	}
	if err := dest.Connect(ctx); err != nil {
		return nil, exitErr(4, fmt.Errorf("connect sink: %w", err))
	}
	defer dest.Disconnect(ctx)

	histPath := filepath.Join(cfg.OutputRoot, "_backup_history.jsonl")
	hist := history.NewFileStore(histPath)

	tasks, err := describeTasks(ctx, client, backupObjects, nil, backupRecordLimit)
	if err != nil {
		return nil, exitErr(4, err)
	}

	eng := newExtractEngine(client)
	strat := newStrategy(dest, hist, cfg.Source.Name)
	rel := newRelationshipAnalyzer(client)
	orch := orchestrator.New(client, eng, strat, rel, hist)

	opts := orchestrator.Options{
		Parallelism:           cfg.Parallelism,
		OutputRoot:            cfg.OutputRoot,
		Sink:                  dest,
		RecordLimit:           backupRecordLimit,
		Incremental:           backupIncremental,
		CustomWhere:           backupWhere,
		Compress:              cfg.Compress,
		IncludeRelated:        backupIncludeRel,
		RelationshipDepth:     backupRelDepth,
		PriorityOnly:          backupPriorityOnl,
		PreserveRelationships: backupPreserveRel,
		Username:              cfg.Source.Name,
	}
	if verbose {
		log := newLogger()
		opts.LogSink = func(line string) { log.Info(strings.TrimSpace(line)) }
	}

	run, err := orch.Run(ctx, tasks, opts)
	if err != nil {
		return nil, exitErr(4, err)
	}

	return run, nil
}

// reportBackupResult prints/encodes run and converts its underlying
// status into this process's final error (carrying the exit code).
func reportBackupResult(run *types.BackupRun) error {
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(run)
	} else {
		printRunSummary(run)
	}
	return exitErr(codeForRun(run), nil)
}

func codeForRun(run *types.BackupRun) int {
	switch run.Status {
	case types.RunCompleted:
		for _, r := range run.Results {
			if r.Status == types.TaskFailed || r.Status == types.TaskSkipped {
				return 2
			}
		}
		return 0
	case types.RunCancelled:
		return 3
	default:
		return 4
	}
}

func printRunSummary(run *types.BackupRun) {
	fmt.Printf("run %s: %s (%d objects)\n", run.ID, run.Status, len(run.Results))
	for _, r := range run.Results {
		fmt.Printf("  %-30s %-10s records=%d bytes=%d", r.ObjectName, r.Status, r.RecordCount, r.ByteCount)
		if r.ErrorMsg != "" {
			fmt.Printf(" error=%q", r.ErrorMsg)
		}
		if r.Warning != "" {
			fmt.Printf(" warning=%q", r.Warning)
		}
		fmt.Println()
	}
}

// exitErr carries the intended process exit code alongside an optional
// error (spec.md §6 "exit codes"); a nil err with a non-zero code still
// causes main to exit with that code without printing anything extra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return ""
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func exitErr(code int, err error) error {
	if code == 0 && err == nil {
		return nil
	}
	return &exitError{code: code, err: err}
}
