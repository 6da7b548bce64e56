// Package restore implements the Bulk Restore Engine (spec.md §4.6):
// dependency-ordered, batched application of insert/upsert/update
// operations against a target tenant's Bulk ingest API, with relationship
// remapping and dry-run preview.
package restore

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/backupforce/internal/bulkapi"
	"github.com/steveyegge/backupforce/internal/types"
)

const (
	defaultBatchSize = 200
	// defaultBatchParallelism bounds how many batches of one object may be
	// in flight at once (spec.md §5: "a small fan-out (default 3)").
	defaultBatchParallelism = 3
)

// Options controls one Engine.Run call (spec.md §4.6 "Options").
type Options struct {
	Mode                  types.RestoreMode
	ExternalIDField       string
	BatchSize             int
	StopOnError           bool
	ValidateBeforeRestore bool
	PreserveIds           bool
	DryRun                bool
	Transform             TransformConfig
	// DeferUnresolved controls what happens to a lookup field whose
	// referenced old id has no IdMapping entry yet: true holds the row back
	// (counted in ObjectResult.Deferred; it is not submitted later), false
	// drops just the field. An object with a lookup deferred to break a
	// cycle always drops the field, and secondPass sets it afterwards.
	DeferUnresolved bool
	// BatchParallelism bounds how many batches of the same object may be
	// submitted to the target tenant concurrently.
	BatchParallelism int
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = defaultBatchSize
	}
	if o.BatchParallelism <= 0 {
		o.BatchParallelism = defaultBatchParallelism
	}
	return o
}

// Engine drives the restore pipeline for one target tenant.
type Engine struct {
	Client *bulkapi.Client
	Source RowSource
	IdMap  *IdMapping
}

// New builds an Engine with a fresh IdMapping.
func New(client *bulkapi.Client, source RowSource) *Engine {
	return &Engine{Client: client, Source: source, IdMap: NewIdMapping()}
}

// ObjectResult is the per-object outcome of Run.
type ObjectResult struct {
	Object      string
	RowsApplied int64
	RowsFailed  int64
	Failures    []types.RestoreRowResult
	Deferred    int
}

// Result is the full outcome of one restore Run.
type Result struct {
	Order    []string
	Deferred []RequiredLookup
	Objects  []ObjectResult
}

// Run restores every object in objects in dependency order. Referenced
// objects not present in objects are treated as already-resolved in the
// target (their lookup fields pass through unchanged).
func (e *Engine) Run(ctx context.Context, objects []string, opts Options) (*Result, error) {
	opts = opts.withDefaults()

	if opts.ValidateBeforeRestore {
		if err := e.preflight(ctx, objects); err != nil {
			return nil, fmt.Errorf("preflight validation: %w", err)
		}
	}

	graph, err := buildDependencyGraph(ctx, e.Client, objects)
	if err != nil {
		return nil, err
	}
	plan := topologicalOrder(graph)

	result := &Result{Order: plan.Order, Deferred: plan.DeferredEdges}

	cycleBroken := make(map[string]bool, len(plan.DeferredEdges))
	for _, edge := range plan.DeferredEdges {
		cycleBroken[edge.Child] = true
	}

	for _, object := range plan.Order {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		objOpts := opts
		if cycleBroken[object] {
			// Insert now without the cyclic lookup; secondPass sets it.
			objOpts.DeferUnresolved = false
		}
		objResult, err := e.restoreObject(ctx, object, graph, objOpts)
		result.Objects = append(result.Objects, objResult)
		if err != nil {
			if opts.StopOnError {
				return result, fmt.Errorf("restore %s: %w", object, err)
			}
		}
	}

	if len(plan.DeferredEdges) > 0 {
		if err := e.secondPass(ctx, plan.DeferredEdges, graph, opts, result); err != nil {
			return result, fmt.Errorf("second-pass update for deferred lookups: %w", err)
		}
	}

	return result, nil
}

func (e *Engine) preflight(ctx context.Context, objects []string) error {
	for _, object := range objects {
		desc, err := e.Client.DescribeSObject(ctx, object)
		if err != nil {
			return fmt.Errorf("describe %s: %w", object, err)
		}
		if desc.Name == "" {
			return fmt.Errorf("object %s not found in target tenant", object)
		}
	}
	return nil
}

func (e *Engine) restoreObject(ctx context.Context, object string, graph *dependencyGraph, opts Options) (ObjectResult, error) {
	header, rows, err := e.Source.Rows(ctx, object)
	if err != nil {
		return ObjectResult{Object: object}, fmt.Errorf("read rows for %s: %w", object, err)
	}
	if len(rows) == 0 {
		return ObjectResult{Object: object}, nil
	}

	lookups := graph.RequiredLookups(object)
	prepared, deferredCount := e.prepareRows(rows, header, object, opts, lookups)

	result := ObjectResult{Object: object, Deferred: deferredCount}

	batches := batchRows(object, opts.Mode, opts.ExternalIDField, prepared, opts.BatchSize)
	batchResults, err := e.submitBatches(ctx, object, batches, opts)
	if err != nil {
		return result, err
	}

	for _, rowResults := range batchResults {
		for _, rr := range rowResults {
			if rr.Success {
				result.RowsApplied++
				if rr.OldID != "" && rr.NewID != "" {
					if err := e.IdMap.Put(object, rr.OldID, rr.NewID); err != nil {
						return result, err
					}
				}
			} else {
				result.RowsFailed++
				result.Failures = append(result.Failures, rr)
				if opts.StopOnError {
					return result, fmt.Errorf("row failed for %s: %s", object, rr.Message)
				}
			}
		}
	}

	return result, nil
}

// submitBatches submits batches for object up to opts.BatchParallelism at a
// time (spec.md §5: batches within one object may run concurrently up to a
// small fan-out). A submit error cancels the remaining in-flight batches;
// results are returned in batch order regardless of completion order.
func (e *Engine) submitBatches(ctx context.Context, object string, batches []types.RestoreBatch, opts Options) ([][]types.RestoreRowResult, error) {
	results := make([][]types.RestoreRowResult, len(batches))
	if len(batches) == 0 {
		return results, nil
	}

	var stopRequested atomic.Bool
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.BatchParallelism)

	for i, batch := range batches {
		i, batch := i, batch
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return nil
			default:
			}
			if opts.StopOnError && stopRequested.Load() {
				return nil
			}

			rowResults, err := e.submitBatch(gctx, batch)
			if err != nil {
				return fmt.Errorf("submit batch for %s: %w", object, err)
			}
			results[i] = rowResults

			if opts.StopOnError {
				for _, rr := range rowResults {
					if !rr.Success {
						stopRequested.Store(true)
						break
					}
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// preparedRow pairs the transformed row with its source Id, needed to
// populate IdMapping after a successful insert.
type preparedRow struct {
	oldID string
	data  map[string]string
}

func (e *Engine) prepareRows(rows []map[string]string, header []string, object string, opts Options, lookups []RequiredLookup) ([]preparedRow, int) {
	prepared := make([]preparedRow, 0, len(rows))
	deferred := 0

	for _, row := range rows {
		oldID := row["Id"]
		transformed := opts.Transform.Apply(row)

		if !opts.PreserveIds && opts.Mode == types.RestoreInsert {
			delete(transformed, "Id")
		}

		rowDeferred := false
		for _, lookup := range lookups {
			oldRef, ok := transformed[lookup.Field]
			if !ok || oldRef == "" {
				continue
			}
			if newRef, ok := e.IdMap.Lookup(lookup.Parent, oldRef); ok {
				transformed[lookup.Field] = newRef
				continue
			}
			if opts.DeferUnresolved {
				rowDeferred = true
			} else {
				delete(transformed, lookup.Field)
			}
		}
		if rowDeferred {
			deferred++
			continue
		}

		prepared = append(prepared, preparedRow{oldID: oldID, data: transformed})
	}

	return prepared, deferred
}

func batchRows(object string, mode types.RestoreMode, externalIDField string, rows []preparedRow, batchSize int) []types.RestoreBatch {
	var batches []types.RestoreBatch
	for start := 0; start < len(rows); start += batchSize {
		end := start + batchSize
		if end > len(rows) {
			end = len(rows)
		}
		data := make([]map[string]string, end-start)
		for i, r := range rows[start:end] {
			data[i] = r.data
		}
		batches = append(batches, types.RestoreBatch{
			TargetObject:    object,
			Mode:            mode,
			ExternalIDField: externalIDField,
			Rows:            data,
			IdempotencyKey:  types.IdempotencyKeyFor(object, mode, start),
		})
	}
	return batches
}

func (e *Engine) submitBatch(ctx context.Context, batch types.RestoreBatch) ([]types.RestoreRowResult, error) {
	operation := ingestOperation(batch.Mode)
	job, err := e.Client.CreateIngestJob(ctx, batch.TargetObject, operation, batch.ExternalIDField)
	if err != nil {
		return nil, fmt.Errorf("create ingest job: %w", err)
	}

	csvData, err := rowsToCSV(batch.Rows)
	if err != nil {
		return nil, fmt.Errorf("encode batch rows: %w", err)
	}
	if err := e.Client.UploadJobData(ctx, job.ID, csvData); err != nil {
		return nil, fmt.Errorf("upload batch data: %w", err)
	}
	if err := e.Client.CloseIngestJobForUpload(ctx, job.ID); err != nil {
		return nil, fmt.Errorf("close ingest job for upload: %w", err)
	}

	if err := e.pollIngestJob(ctx, job.ID); err != nil {
		return nil, err
	}

	return e.collectResults(ctx, job.ID, batch.Rows)
}

func ingestOperation(mode types.RestoreMode) string {
	switch mode {
	case types.RestoreUpsert:
		return "upsert"
	case types.RestoreUpdate:
		return "update"
	default:
		return "insert"
	}
}

func (e *Engine) pollIngestJob(ctx context.Context, jobID string) error {
	delay := time.Second
	const ceiling = 30 * time.Second
	for {
		job, err := e.Client.GetIngestJob(ctx, jobID)
		if err != nil {
			return fmt.Errorf("poll ingest job: %w", err)
		}
		switch job.State {
		case "JobComplete":
			return nil
		case "Failed", "Aborted":
			return fmt.Errorf("ingest job %s ended in state %s", jobID, job.State)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > ceiling {
			delay = ceiling
		}
	}
}

// collectResults reads the successfulResults/failedResults CSVs. Each
// result row's source id is taken from its Id column (and, on success, its
// new id from sf__Id); rows are not matched to submitted by position.
func (e *Engine) collectResults(ctx context.Context, jobID string, submitted []map[string]string) ([]types.RestoreRowResult, error) {
	var results []types.RestoreRowResult

	successCSV, err := e.Client.GetSuccessfulResults(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("fetch successful results: %w", err)
	}
	successRows, err := parseResultCSV(successCSV)
	if err != nil {
		return nil, fmt.Errorf("parse successful results: %w", err)
	}
	for _, row := range successRows {
		results = append(results, types.RestoreRowResult{
			OldID:   row["Id"],
			NewID:   row["sf__Id"],
			Success: true,
		})
	}

	failedCSV, err := e.Client.GetFailedResults(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("fetch failed results: %w", err)
	}
	failedRows, err := parseResultCSV(failedCSV)
	if err != nil {
		return nil, fmt.Errorf("parse failed results: %w", err)
	}
	for _, row := range failedRows {
		results = append(results, types.RestoreRowResult{
			OldID:   row["Id"],
			Success: false,
			Message: row["sf__Error"],
		})
	}

	return results, nil
}

func parseResultCSV(data []byte) ([]map[string]string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	header, err := r.Read()
	if err != nil {
		return nil, nil
	}

	var rows []map[string]string
	for {
		record, err := r.Read()
		if err != nil {
			break
		}
		rows = append(rows, rowFromRecord(header, record))
	}
	return rows, nil
}

func rowsToCSV(rows []map[string]string) ([]byte, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("no rows to submit")
	}

	var header []string
	seen := make(map[string]bool)
	for _, row := range rows {
		for col := range row {
			if !seen[col] {
				seen[col] = true
				header = append(header, col)
			}
		}
	}
	sort.Strings(header)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return nil, err
	}
	for _, row := range rows {
		record := make([]string, len(header))
		for i, col := range header {
			record[i] = row[col]
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// secondPass performs the deferred cyclic-lookup updates once all parents
// in the main order exist (spec.md §4.6 "cycles resolve by... deferring
// the cyclic lookups to a second pass that performs updates once parents
// exist").
func (e *Engine) secondPass(ctx context.Context, deferred []RequiredLookup, graph *dependencyGraph, opts Options, result *Result) error {
	byChild := make(map[string][]RequiredLookup)
	var order []string
	for _, edge := range deferred {
		if _, seen := byChild[edge.Child]; !seen {
			order = append(order, edge.Child)
		}
		byChild[edge.Child] = append(byChild[edge.Child], edge)
	}

	for _, child := range order {
		_, rows, err := e.Source.Rows(ctx, child)
		if err != nil {
			return fmt.Errorf("read rows for second pass on %s: %w", child, err)
		}

		var updateRows []preparedRow
		for _, row := range rows {
			oldID := row["Id"]
			newID, ok := e.IdMap.Lookup(child, oldID)
			if !ok {
				continue // row itself was never successfully inserted; nothing to update
			}
			update := map[string]string{"Id": newID}
			resolved := false
			for _, edge := range byChild[child] {
				if oldRef, ok := row[edge.Field]; ok && oldRef != "" {
					if newRef, ok := e.IdMap.Lookup(edge.Parent, oldRef); ok {
						update[edge.Field] = newRef
						resolved = true
					}
				}
			}
			if resolved {
				updateRows = append(updateRows, preparedRow{oldID: oldID, data: update})
			}
		}
		if len(updateRows) == 0 {
			continue
		}

		batches := batchRows(child, types.RestoreUpdate, "", updateRows, opts.BatchSize)
		for _, batch := range batches {
			if _, err := e.submitBatch(ctx, batch); err != nil {
				return fmt.Errorf("submit second-pass update batch for %s: %w", child, err)
			}
		}
	}
	return nil
}

// Preview is the dry-run outcome for one object (spec.md §4.6 "Dry run").
type Preview struct {
	Object            string
	TotalRows         int
	DeferredRows      int
	EstimatedAPICalls int
	SampleRows        []map[string]string
}

const defaultPreviewCap = 50

// Preview drives the same pipeline minus the submit step, surfacing the
// first N rows (default defaultPreviewCap) with transformations and
// resolved references applied.
func (e *Engine) Preview(ctx context.Context, object string, graph *dependencyGraph, opts Options, sampleCap int) (Preview, error) {
	if sampleCap <= 0 {
		sampleCap = defaultPreviewCap
	}
	opts = opts.withDefaults()

	header, rows, err := e.Source.Rows(ctx, object)
	if err != nil {
		return Preview{}, fmt.Errorf("read rows for %s: %w", object, err)
	}

	lookups := graph.RequiredLookups(object)
	prepared, deferredCount := e.prepareRows(rows, header, object, opts, lookups)

	sampleCount := len(prepared)
	if sampleCount > sampleCap {
		sampleCount = sampleCap
	}
	sample := make([]map[string]string, sampleCount)
	for i := 0; i < sampleCount; i++ {
		sample[i] = prepared[i].data
	}

	return Preview{
		Object:            object,
		TotalRows:         len(rows),
		DeferredRows:      deferredCount,
		EstimatedAPICalls: int(math.Ceil(float64(len(prepared)) / float64(opts.BatchSize))),
		SampleRows:        sample,
	}, nil
}

// BuildGraph exposes dependency graph construction for callers (e.g. the
// CLI) that want to run Preview across a selection before committing to
// a full Run.
func BuildGraph(ctx context.Context, client *bulkapi.Client, objects []string) (*dependencyGraph, error) {
	return buildDependencyGraph(ctx, client, objects)
}
