// Package sink defines the destination abstraction for record rows
// (spec.md §4.3). Dialect-specific SQL lives behind the Sink, never
// leaking into the core (spec.md §9 "Dynamic dispatch across sinks").
package sink

import (
	"context"
	"io"
	"time"
)

// StatusFunc receives write-progress updates; callers coalesce these the
// same way extract.StatusFunc is coalesced (spec.md §4.1 "Throttling").
type StatusFunc func(rowsWritten int64)

// Sink is the capability set every destination implements.
type Sink interface {
	// Connect establishes any connection/pool state. Idempotent.
	Connect(ctx context.Context) error
	// Disconnect releases connection/pool state. Idempotent.
	Disconnect(ctx context.Context) error

	// WriteData streams CSV rows (header first) for object into the sink
	// and returns the number of rows actually written/confirmed.
	WriteData(ctx context.Context, object string, rows io.Reader, runID string, onStatus StatusFunc) (int64, error)

	// LastBackupTimestamp returns the last recorded watermark for table,
	// or the zero time if none exists. Used by internal/incremental.
	LastBackupTimestamp(ctx context.Context, table string) (time.Time, error)

	// RecreateTables reports whether this sink instance is configured to
	// drop+recreate on every write, which suppresses delta mode
	// (spec.md §4.4 rule 1).
	RecreateTables() bool

	// SanitizeTableName maps an object name to this sink's naming rules.
	SanitizeTableName(object string) string
}
