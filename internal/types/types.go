// Package types holds the data model shared across the backup and restore
// pipelines: object descriptors, per-object tasks, extract jobs, backup
// runs, relationships, and restore bookkeeping.
package types

import (
	"strconv"
	"sync"
	"time"
)

// FieldDescriptor describes a single field on an object.
type FieldDescriptor struct {
	Name         string
	Type         string
	ExternalID   bool
	ReferenceTo  []string // candidate parent objects, empty unless Type == "reference"
}

// ObjectDescriptor is the describe-time metadata for one queryable object.
// Built from a bulkapi.Client.DescribeSObject response (see describeTasks in
// cmd/backupforce); it is not cached between runs.
type ObjectDescriptor struct {
	Name                     string
	Label                    string
	Queryable                bool
	Fields                   []FieldDescriptor
	SupportsLastModifiedDate bool
}

// FieldByName looks up a field descriptor by name, case-sensitive.
func (d *ObjectDescriptor) FieldByName(name string) (FieldDescriptor, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldDescriptor{}, false
}

// TaskStatus is the terminal/non-terminal lifecycle state of an ObjectTask.
type TaskStatus string

const (
	TaskPending   TaskStatus = "Pending"
	TaskRunning   TaskStatus = "Running"
	TaskCompleted TaskStatus = "Completed"
	TaskFailed    TaskStatus = "Failed"
	TaskSkipped   TaskStatus = "Skipped"
	TaskCancelled TaskStatus = "Cancelled"
)

// Terminal reports whether the status will never change again.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskSkipped, TaskCancelled:
		return true
	default:
		return false
	}
}

// ObjectTask is one object's extract/sink pipeline instance for a single run.
// Mutated in place by its worker; guarded by mu since progress readers may
// observe it concurrently (spec.md §5 "Shared-resource policy").
type ObjectTask struct {
	mu sync.Mutex

	Descriptor     ObjectDescriptor
	Status         TaskStatus
	SelectedFields []string // nil = all queryable fields
	WhereClause    string   // per-task custom predicate; overrides the run's CustomWhere and is ANDed with any incremental predicate
	RecordLimit    int      // 0 = unlimited

	RecordCount int64
	ByteCount   int64
	Duration    time.Duration
	ErrorMsg    string
	Warning     string
	Watermark   time.Time // set on Completed for objects that support it
}

// SetStatus updates status under the task's lock. Safe for concurrent callers.
func (t *ObjectTask) SetStatus(s TaskStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Status = s
}

// Snapshot returns a copy of the task state for progress reporting without
// holding the lock across the caller's use of the value.
func (t *ObjectTask) Snapshot() ObjectTask {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := *t
	cp.mu = sync.Mutex{}
	return cp
}

// Finish records terminal pipeline metrics under the task's lock.
func (t *ObjectTask) Finish(status TaskStatus, records, bytes int64, dur time.Duration, watermark time.Time, errMsg, warning string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Status = status
	t.RecordCount = records
	t.ByteCount = bytes
	t.Duration = dur
	t.Watermark = watermark
	t.ErrorMsg = errMsg
	t.Warning = warning
}

// ExtractJobState is the remote Bulk query job lifecycle (spec.md §4.2).
type ExtractJobState string

const (
	JobQueued         ExtractJobState = "Queued"
	JobInProgress     ExtractJobState = "InProgress"
	JobUploadComplete ExtractJobState = "UploadComplete"
	JobComplete       ExtractJobState = "JobComplete"
	JobAborted        ExtractJobState = "Aborted"
	JobFailed         ExtractJobState = "Failed"
)

// Terminal reports whether a job state will never be polled again.
func (s ExtractJobState) Terminal() bool {
	switch s {
	case JobComplete, JobAborted, JobFailed:
		return true
	default:
		return false
	}
}

// ExtractJob tracks one remote Bulk query job attempt for one ObjectTask.
type ExtractJob struct {
	ID          string
	Object      string
	State       ExtractJobState
	CreatedAt   time.Time
	LastPolled  time.Time
	Locator     string // server-provided page locator; "" means first page
	RowsFetched int64
}

// RunKind distinguishes a full snapshot from a delta backup.
type RunKind string

const (
	RunFull        RunKind = "FULL"
	RunIncremental RunKind = "INCREMENTAL"
)

// TargetKind names the destination family for a BackupRun.
type TargetKind string

const (
	TargetFile TargetKind = "file"
	TargetDB   TargetKind = "db"
)

// RunStatus is the terminal/non-terminal lifecycle state of a BackupRun.
type RunStatus string

const (
	RunInProgress RunStatus = "IN_PROGRESS"
	RunCompleted  RunStatus = "COMPLETED"
	RunFailed     RunStatus = "FAILED"
	RunCancelled  RunStatus = "CANCELLED"
)

// ObjectBackupResult is the terminal record for one object within a run.
type ObjectBackupResult struct {
	ObjectName  string
	Status      TaskStatus
	RecordCount int64
	ByteCount   int64
	DurationMs  int64
	Watermark   time.Time
	ErrorMsg    string
	Warning     string
}

// BackupRun is the persisted record of one orchestrator invocation.
type BackupRun struct {
	ID          string
	Username    string
	Kind        RunKind
	TargetKind  TargetKind
	Destination string
	StartTime   time.Time
	EndTime     time.Time
	Status      RunStatus
	Results     []ObjectBackupResult
}

// Relationship is one discovered child->parent edge (spec.md §4.5).
type Relationship struct {
	ParentObject     string
	ChildObject      string
	ParentField      string // lookup field on the child referencing the parent
	RelationshipName string
	Depth            int
	Priority         bool
}

// RelatedBackupTask groups the lookup fields on one child object that
// should be pulled for a given parent's id set.
type RelatedBackupTask struct {
	ChildObject  string
	ParentFields []string
	Where        string
	Depth        int
}

// RestoreMode selects how a RestoreBatch is applied to the target tenant.
type RestoreMode string

const (
	RestoreInsert RestoreMode = "Insert"
	RestoreUpsert RestoreMode = "Upsert"
	RestoreUpdate RestoreMode = "Update"
)

// RestoreBatch is one bounded chunk of rows submitted to the Bulk ingest API.
type RestoreBatch struct {
	TargetObject   string
	Mode           RestoreMode
	ExternalIDField string
	Rows           []map[string]string
	IdempotencyKey string
}

// RestoreRowResult is the outcome of a single row within a RestoreBatch.
type RestoreRowResult struct {
	OldID   string
	NewID   string
	Success bool
	Code    string
	Message string
}

// IdempotencyKeyFor derives a stable idempotency key for a batch from its
// object, mode, and starting row ordinal. The key is stored on
// RestoreBatch; the restore engine does not send it to the ingest API.
func IdempotencyKeyFor(object string, mode RestoreMode, startOrdinal int) string {
	return object + ":" + string(mode) + ":" + strconv.Itoa(startOrdinal)
}
