// Package orchestrator implements the Orchestrator (spec.md §4.1): a
// bounded worker pool that drives a selection of ObjectTasks through the
// Incremental Strategy and Extract Engine into a Sink, with rate-limited
// progress callbacks, a batched log queue, cooperative cancellation, and
// a related-records post-pass.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/backupforce/internal/bulkapi"
	"github.com/steveyegge/backupforce/internal/extract"
	"github.com/steveyegge/backupforce/internal/history"
	"github.com/steveyegge/backupforce/internal/incremental"
	"github.com/steveyegge/backupforce/internal/relationship"
	"github.com/steveyegge/backupforce/internal/sink"
	"github.com/steveyegge/backupforce/internal/types"
)

const (
	defaultParallelism   = 15
	statusCoalesceWindow = 100 * time.Millisecond
	logFlushInterval     = 200 * time.Millisecond
	logFlushMaxPerTick   = 50
	cancelGracePeriod    = time.Second
)

// Options configures one Run call (spec.md §4.1 public contract).
type Options struct {
	Parallelism           int
	OutputRoot            string
	Sink                  sink.Sink
	RecordLimit           int
	Incremental           bool
	CustomWhere           string
	Compress              bool
	IncludeRelated        bool
	RelationshipDepth     int
	PriorityOnly          bool
	PreserveRelationships bool
	Username              string

	LogSink func(line string)
}

func (o Options) withDefaults() Options {
	if o.Parallelism <= 0 {
		o.Parallelism = defaultParallelism
	}
	if o.Parallelism > defaultParallelism {
		o.Parallelism = defaultParallelism
	}
	if o.RelationshipDepth <= 0 {
		o.RelationshipDepth = 1
	}
	if o.RelationshipDepth > 3 {
		o.RelationshipDepth = 3
	}
	return o
}

// Validate rejects construction-time option errors, per spec.md §4.1
// "Errors: constructor errors for invalid options".
func (o Options) Validate() error {
	if o.OutputRoot == "" {
		return fmt.Errorf("orchestrator: OutputRoot is required")
	}
	if o.Sink == nil {
		return fmt.Errorf("orchestrator: Sink is required")
	}
	return nil
}

// Orchestrator wires the Extract Engine, Incremental Strategy, and
// Relationship Analyzer together for one source tenant.
type Orchestrator struct {
	Client       *bulkapi.Client
	Extract      *extract.Engine
	Strategy     *incremental.Strategy
	Relationship *relationship.Analyzer
	History      history.Store
}

// New builds an Orchestrator from its already-constructed collaborators.
func New(client *bulkapi.Client, eng *extract.Engine, strat *incremental.Strategy, rel *relationship.Analyzer, hist history.Store) *Orchestrator {
	return &Orchestrator{Client: client, Extract: eng, Strategy: strat, Relationship: rel, History: hist}
}

// logQueue is the lock-free-in-spirit (channel-backed) log buffer flushed
// at logFlushInterval, bounded to logFlushMaxPerTick per flush (spec.md
// §4.1 "Throttling").
type logQueue struct {
	ch   chan string
	done chan struct{}
	wg   sync.WaitGroup
}

func newLogQueue(sinkFn func(string)) *logQueue {
	q := &logQueue{ch: make(chan string, 4096), done: make(chan struct{})}
	if sinkFn == nil {
		sinkFn = func(string) {}
	}
	q.wg.Add(1)
	go q.run(sinkFn)
	return q
}

func (q *logQueue) run(sinkFn func(string)) {
	defer q.wg.Done()
	ticker := time.NewTicker(logFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			q.flush(sinkFn)
		case <-q.done:
			// Drain remaining messages with a grace period, then stop
			// (spec.md §5 "abandons batched log flush... after a 1s grace period").
			deadline := time.After(cancelGracePeriod)
			for {
				select {
				case line := <-q.ch:
					sinkFn(line)
				case <-deadline:
					return
				default:
					if len(q.ch) == 0 {
						return
					}
				}
			}
		}
	}
}

func (q *logQueue) flush(sinkFn func(string)) {
	for i := 0; i < logFlushMaxPerTick; i++ {
		select {
		case line := <-q.ch:
			sinkFn(line)
		default:
			return
		}
	}
}

func (q *logQueue) log(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	select {
	case q.ch <- line:
	default:
		// Queue full: drop rather than block the worker.
	}
}

func (q *logQueue) stop() {
	close(q.done)
	q.wg.Wait()
}

// taskThrottle coalesces status callbacks for one ObjectTask to at most
// one per statusCoalesceWindow (spec.md §4.1 "Throttling").
type taskThrottle struct {
	lastTick atomic.Int64 // unix nanos
}

func (t *taskThrottle) allow(now time.Time) bool {
	last := t.lastTick.Load()
	if now.UnixNano()-last < int64(statusCoalesceWindow) {
		return false
	}
	return t.lastTick.CompareAndSwap(last, now.UnixNano())
}

// Run drives selection through the pipeline to completion or cancellation
// (spec.md §4.1 public contract).
func (o *Orchestrator) Run(ctx context.Context, selection []*types.ObjectTask, opts Options) (*types.BackupRun, error) {
	opts = opts.withDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if len(selection) == 0 {
		return nil, fmt.Errorf("orchestrator: selection must be non-empty")
	}

	run := &types.BackupRun{
		ID:         uuid.NewString(),
		Username:   opts.Username,
		Kind:       types.RunFull,
		TargetKind: sinkTargetKind(opts.Sink),
		StartTime:  time.Now(),
		Status:     types.RunInProgress,
	}
	if opts.Incremental {
		run.Kind = types.RunIncremental
	}

	logs := newLogQueue(opts.LogSink)
	defer logs.stop()

	if err := opts.Sink.Connect(ctx); err != nil {
		run.Status = types.RunFailed
		return run, fmt.Errorf("connect sink: %w", err)
	}
	defer opts.Sink.Disconnect(context.WithoutCancel(ctx))

	results := make([]types.ObjectBackupResult, len(selection))
	backedUp := make(map[string]bool)
	var backedUpMu sync.Mutex
	var completed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Parallelism)

	for i, task := range selection {
		i, task := i, task
		g.Go(func() error {
			select {
			case <-gctx.Done():
				task.SetStatus(types.TaskCancelled)
				results[i] = cancelledResult(task)
				return nil
			default:
			}

			result := o.runTask(gctx, task, opts, logs)
			results[i] = result

			backedUpMu.Lock()
			if result.Status == types.TaskCompleted {
				backedUp[task.Descriptor.Name] = true
			}
			backedUpMu.Unlock()

			completed.Add(1)
			logs.log("object %s finished: %s (%d rows)", task.Descriptor.Name, result.Status, result.RecordCount)
			return nil
		})
	}

	// g.Wait never returns an error: individual task failures are captured
	// in results, not propagated, so siblings are never aborted (spec.md
	// §4.1 "Errors").
	_ = g.Wait()

	run.Results = results
	run.EndTime = time.Now()
	run.Status = types.RunCompleted
	if ctx.Err() != nil {
		run.Status = types.RunCancelled
	}

	if opts.IncludeRelated && opts.RecordLimit != 0 && ctx.Err() == nil {
		relatedResults, err := o.runRelatedPostPass(ctx, selection, opts, backedUp, logs)
		if err != nil {
			logs.log("related-records post-pass error: %v", err)
		} else {
			run.Results = append(run.Results, relatedResults...)
		}

		if err := o.writeRelationshipManifest(opts, selection); err != nil {
			logs.log("relationship manifest error: %v", err)
		}
	}

	if err := o.writeManifest(opts, run); err != nil {
		logs.log("manifest error: %v", err)
	}

	if opts.Compress && ctx.Err() == nil {
		if fs, ok := opts.Sink.(*sink.FileSink); ok {
			if _, err := fs.FinalizeZip(run.EndTime); err != nil {
				logs.log("zip compression error: %v", err)
			}
		}
	}

	return run, nil
}

func cancelledResult(task *types.ObjectTask) types.ObjectBackupResult {
	return types.ObjectBackupResult{
		ObjectName: task.Descriptor.Name,
		Status:     types.TaskCancelled,
	}
}

func sinkTargetKind(s sink.Sink) types.TargetKind {
	if _, ok := s.(*sink.TableSink); ok {
		return types.TargetDB
	}
	return types.TargetFile
}

// runTask executes the per-object pipeline described in spec.md §4.1
// "Scheduling": delta decision -> custom WHERE merge -> selected-fields
// projection -> Extract Engine call -> optional blob download -> Sink
// write -> result emission.
func (o *Orchestrator) runTask(ctx context.Context, task *types.ObjectTask, opts Options, logs *logQueue) types.ObjectBackupResult {
	start := time.Now()
	task.SetStatus(types.TaskRunning)

	targetTable := opts.Sink.SanitizeTableName(task.Descriptor.Name)
	where := task.WhereClause
	if where == "" {
		where = opts.CustomWhere
	}
	decision, err := o.Strategy.Decide(ctx, task.Descriptor.Name, targetTable, opts.Incremental, where)
	if err != nil {
		return o.failTask(task, start, fmt.Errorf("incremental decision: %w", err))
	}

	throttle := &taskThrottle{}
	onStatus := func(state types.ExtractJobState, rowsSoFar int64) {
		now := time.Now()
		if !throttle.allow(now) && !state.Terminal() {
			return
		}
		logs.log("object %s: %s (%d rows so far)", task.Descriptor.Name, state, rowsSoFar)
	}

	limit := task.RecordLimit
	if limit == 0 {
		limit = opts.RecordLimit
	}

	result, err := o.Extract.Query(ctx, task.Descriptor.Name, opts.OutputRoot, decision.Where, limit, task.SelectedFields, onStatus)
	if err != nil {
		if ce, ok := asClassified(err); ok && ce.Kind.SkipsObject() {
			task.Finish(types.TaskSkipped, 0, 0, time.Since(start), time.Time{}, ce.Error(), "")
			return types.ObjectBackupResult{ObjectName: task.Descriptor.Name, Status: types.TaskSkipped, ErrorMsg: ce.Error(), DurationMs: time.Since(start).Milliseconds()}
		}
		return o.failTask(task, start, fmt.Errorf("extract %s: %w", task.Descriptor.Name, err))
	}

	if blobField, ok := extract.BlobFieldFor(task.Descriptor.Name); ok {
		if _, err := o.Extract.DownloadBlobs(ctx, task.Descriptor.Name, opts.OutputRoot); err != nil {
			logs.log("blob download for %s field %s: %v", task.Descriptor.Name, blobField, err)
		}
	}

	writtenRows, err := o.writeToSink(ctx, task, opts, result, logs)
	if err != nil {
		return o.failTask(task, start, err)
	}

	now := time.Now()
	if ce := o.recordWatermark(ctx, task, opts, now); ce != nil {
		logs.log("watermark recording for %s: %v", task.Descriptor.Name, ce)
	}

	task.Finish(types.TaskCompleted, writtenRows, result.ByteCount, time.Since(start), now, "", "")
	return types.ObjectBackupResult{
		ObjectName:  task.Descriptor.Name,
		Status:      types.TaskCompleted,
		RecordCount: writtenRows,
		ByteCount:   result.ByteCount,
		DurationMs:  time.Since(start).Milliseconds(),
		Watermark:   now,
	}
}

func (o *Orchestrator) writeToSink(ctx context.Context, task *types.ObjectTask, opts Options, result extract.Result, logs *logQueue) (int64, error) {
	path := filepath.Join(opts.OutputRoot, task.Descriptor.Name+".csv")
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open extracted csv for %s: %w", task.Descriptor.Name, err)
	}
	defer f.Close()

	writeOnStatus := sink.StatusFunc(func(rowsWritten int64) {
		logs.log("object %s: %d rows written to sink", task.Descriptor.Name, rowsWritten)
	})

	written, err := opts.Sink.WriteData(ctx, task.Descriptor.Name, f, "", writeOnStatus)
	if err != nil {
		return 0, fmt.Errorf("sink write for %s: %w", task.Descriptor.Name, err)
	}
	if written != result.RowCount {
		logs.log("object %s: extracted %d rows but sink confirmed %d", task.Descriptor.Name, result.RowCount, written)
	}
	return written, nil
}

func (o *Orchestrator) recordWatermark(ctx context.Context, task *types.ObjectTask, opts Options, now time.Time) error {
	if o.History == nil {
		return nil
	}
	if _, ok := opts.Sink.(*sink.TableSink); ok {
		return nil // TableSink records its own watermark on WriteData (sink.recordWatermark)
	}
	return o.History.Append(ctx, history.Record{
		Username:    opts.Username,
		Object:      task.Descriptor.Name,
		CompletedAt: now,
		RowCount:    task.RecordCount,
		RunID:       "",
	})
}

func (o *Orchestrator) failTask(task *types.ObjectTask, start time.Time, err error) types.ObjectBackupResult {
	task.Finish(types.TaskFailed, 0, 0, time.Since(start), time.Time{}, err.Error(), "")
	return types.ObjectBackupResult{
		ObjectName: task.Descriptor.Name,
		Status:     types.TaskFailed,
		ErrorMsg:   err.Error(),
		DurationMs: time.Since(start).Milliseconds(),
	}
}

func asClassified(err error) (*bulkapi.ClassifiedError, bool) {
	ce, ok := err.(*bulkapi.ClassifiedError)
	return ce, ok
}

// runRelatedPostPass implements spec.md §4.1's "Related-records post-pass":
// for each parent task that produced a non-empty CSV, discover or accept
// child relationships up to opts.RelationshipDepth, group by child, and
// submit each grouped extraction, skipping children already backed up.
func (o *Orchestrator) runRelatedPostPass(ctx context.Context, parents []*types.ObjectTask, opts Options, backedUp map[string]bool, logs *logQueue) ([]types.ObjectBackupResult, error) {
	var allEntries []relationship.SelectionEntry
	ids := make(map[string]struct{})

	for _, parent := range parents {
		if parent.Status != types.TaskCompleted || parent.RecordCount == 0 {
			continue
		}
		parentIds, err := relationship.ExtractIds(parent.Descriptor.Name, opts.OutputRoot)
		if err != nil {
			logs.log("extract ids for %s: %v", parent.Descriptor.Name, err)
			continue
		}
		for id := range parentIds {
			ids[id] = struct{}{}
		}

		tree, err := o.Relationship.BuildTree(ctx, parent.Descriptor.Name, opts.RelationshipDepth)
		if err != nil {
			logs.log("build relationship tree for %s: %v", parent.Descriptor.Name, err)
			continue
		}
		allEntries = append(allEntries, relationship.EntriesFromTree(tree, opts.PriorityOnly)...)
	}

	grouped := relationship.CollapseByChild(allEntries, ids)

	var results []types.ObjectBackupResult
	for _, related := range grouped {
		if backedUp[related.ChildObject] {
			continue
		}
		if ctx.Err() != nil {
			break
		}

		start := time.Now()
		onStatus := func(state types.ExtractJobState, rowsSoFar int64) {
			if state.Terminal() {
				logs.log("related object %s: %s (%d rows)", related.ChildObject, state, rowsSoFar)
			}
		}
		result, err := o.Extract.Query(ctx, related.ChildObject, opts.OutputRoot, related.Where, opts.RecordLimit, nil, onStatus)
		if err != nil {
			results = append(results, types.ObjectBackupResult{
				ObjectName: related.ChildObject,
				Status:     types.TaskFailed,
				ErrorMsg:   err.Error(),
				DurationMs: time.Since(start).Milliseconds(),
			})
			continue
		}

		written, err := o.writeRelatedToSink(ctx, related.ChildObject, opts, logs)
		if err != nil {
			results = append(results, types.ObjectBackupResult{
				ObjectName: related.ChildObject,
				Status:     types.TaskFailed,
				ErrorMsg:   err.Error(),
				DurationMs: time.Since(start).Milliseconds(),
			})
			continue
		}

		backedUp[related.ChildObject] = true
		results = append(results, types.ObjectBackupResult{
			ObjectName:  related.ChildObject,
			Status:      types.TaskCompleted,
			RecordCount: written,
			ByteCount:   result.ByteCount,
			DurationMs:  time.Since(start).Milliseconds(),
		})
	}

	return results, nil
}

func (o *Orchestrator) writeRelatedToSink(ctx context.Context, object string, opts Options, logs *logQueue) (int64, error) {
	path := filepath.Join(opts.OutputRoot, object+".csv")
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open extracted csv for related object %s: %w", object, err)
	}
	defer f.Close()

	onStatus := sink.StatusFunc(func(rowsWritten int64) {
		logs.log("related object %s: %d rows written to sink", object, rowsWritten)
	})
	return opts.Sink.WriteData(ctx, object, f, "", onStatus)
}

// manifest is the spec.md §4.1 "emit a manifest" artifact written after
// the related-records post-pass.
type manifest struct {
	GeneratedAt time.Time                  `json:"generated_at"`
	RunID       string                     `json:"run_id"`
	Status      types.RunStatus            `json:"status"`
	Results     []types.ObjectBackupResult `json:"results"`
}

func (o *Orchestrator) writeManifest(opts Options, run *types.BackupRun) error {
	return writeJSONAtomic(filepath.Join(opts.OutputRoot, "_manifest.json"), manifest{
		GeneratedAt: time.Now(),
		RunID:       run.ID,
		Status:      run.Status,
		Results:     run.Results,
	})
}

type relationshipManifestEntry struct {
	Parent string   `json:"parent"`
	Depth  int      `json:"depth"`
	Hints  []string `json:"restore_hints"`
}

func (o *Orchestrator) writeRelationshipManifest(opts Options, selection []*types.ObjectTask) error {
	hints := []string{"restore parents before related children"}
	if opts.PreserveRelationships {
		hints = append(hints, "preserve source-tenant lookup values where the target already has matching ids")
	}

	entries := make([]relationshipManifestEntry, 0, len(selection))
	for _, task := range selection {
		entries = append(entries, relationshipManifestEntry{
			Parent: task.Descriptor.Name,
			Depth:  opts.RelationshipDepth,
			Hints:  hints,
		})
	}
	doc := struct {
		GeneratedAt           time.Time                   `json:"generated_at"`
		Depth                 int                         `json:"depth"`
		PreserveRelationships bool                        `json:"preserve_relationships"`
		Parents               []relationshipManifestEntry `json:"parents"`
	}{
		GeneratedAt:           time.Now(),
		Depth:                 opts.RelationshipDepth,
		PreserveRelationships: opts.PreserveRelationships,
		Parents:               entries,
	}
	return writeJSONAtomic(filepath.Join(opts.OutputRoot, "_relationship_manifest.json"), doc)
}

// writeJSONAtomic writes v to a temp file in the same directory and
// renames it over path, so readers never see a partial manifest.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	tmp, err := os.CreateTemp(dir, base+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp manifest file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close manifest temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("replace manifest file: %w", err)
	}
	return os.Chmod(path, 0o600)
}
