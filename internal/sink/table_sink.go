package sink

import (
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Dialect isolates the SQL differences between relational warehouses
// behind Sink, per spec.md §9 "dialect-specific SQL lives behind the
// Sink, never leaking into the core". Concrete dialects live under
// internal/sink/dialect/*.
type Dialect interface {
	// DriverName is the database/sql driver to register under (e.g.
	// "mysql"; the Dolt dialect also reports "mysql" for server mode).
	DriverName() string
	// Quote wraps an identifier in this dialect's quoting convention.
	Quote(identifier string) string
	// Sanitize maps an arbitrary object name to a valid table identifier.
	Sanitize(object string) string
	// IsRetryable classifies a driver error as transient, for the
	// backoff-wrapped retry path (spec.md §4.2 "Retry policy", reused
	// here per §9's shared error taxonomy).
	IsRetryable(err error) bool
}

// TableSink writes rows into a relational table named after the object,
// in either "recreate" (drop+create from CSV header) or "append/delta"
// mode (spec.md §4.3).
type TableSink struct {
	DB      *sql.DB
	Dialect Dialect
	Recreate bool
	Schema  string // optional schema/database prefix
}

func NewTableSink(db *sql.DB, dialect Dialect, recreate bool, schema string) *TableSink {
	return &TableSink{DB: db, Dialect: dialect, Recreate: recreate, Schema: schema}
}

func (s *TableSink) Connect(ctx context.Context) error {
	if err := s.withRetry(ctx, func() error { return s.DB.PingContext(ctx) }); err != nil {
		return fmt.Errorf("connect to warehouse: %w", err)
	}
	return s.withRetry(ctx, func() error { return s.ensureMetadataTable(ctx) })
}

func (s *TableSink) Disconnect(ctx context.Context) error {
	return s.DB.Close()
}

func (s *TableSink) RecreateTables() bool { return s.Recreate }

func (s *TableSink) SanitizeTableName(object string) string { return s.Dialect.Sanitize(object) }

func (s *TableSink) qualified(table string) string {
	if s.Schema == "" {
		return s.Dialect.Quote(table)
	}
	return s.Dialect.Quote(s.Schema) + "." + s.Dialect.Quote(table)
}

const metadataTable = "_backup_runs"

func (s *TableSink) ensureMetadataTable(ctx context.Context) error {
	ddl := fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (%s VARCHAR(255) PRIMARY KEY, %s VARCHAR(64))",
		s.qualified(metadataTable), s.Dialect.Quote("table_name"), s.Dialect.Quote("last_completed_at"),
	)
	_, err := s.DB.ExecContext(ctx, ddl)
	return err
}

// LastBackupTimestamp looks up the recorded watermark in _backup_runs
// (spec.md §6 "an internal _backup_runs metadata table").
func (s *TableSink) LastBackupTimestamp(ctx context.Context, table string) (time.Time, error) {
	q := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?",
		s.Dialect.Quote("last_completed_at"), s.qualified(metadataTable), s.Dialect.Quote("table_name"))
	var raw string
	err := s.DB.QueryRowContext(ctx, q, table).Scan(&raw)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("lookup last backup timestamp for %s: %w", table, err)
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored watermark for %s: %w", table, err)
	}
	return ts, nil
}

func (s *TableSink) recordWatermark(ctx context.Context, table string, when time.Time) error {
	q := fmt.Sprintf(
		"INSERT INTO %s (%s, %s) VALUES (?, ?) ON DUPLICATE KEY UPDATE %s = VALUES(%s)",
		s.qualified(metadataTable),
		s.Dialect.Quote("table_name"), s.Dialect.Quote("last_completed_at"),
		s.Dialect.Quote("last_completed_at"), s.Dialect.Quote("last_completed_at"),
	)
	_, err := s.DB.ExecContext(ctx, q, table, when.UTC().Format(time.RFC3339))
	return err
}

// WriteData parses header+rows CSV and loads it into a table named after
// object. In Recreate mode the table is dropped and rebuilt from the CSV
// header; otherwise rows are appended to the existing (or newly created)
// table. Row count reconciliation against the source CSV's count is the
// caller's responsibility (spec.md §4.3 "Row count reconciliation").
func (s *TableSink) WriteData(ctx context.Context, object string, rows io.Reader, runID string, onStatus StatusFunc) (int64, error) {
	table := s.Dialect.Sanitize(object)
	r := csv.NewReader(rows)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	header, err := r.Read()
	if err == io.EOF {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read CSV header for %s: %w", object, err)
	}

	if s.Recreate {
		if err := s.recreateTable(ctx, table, header); err != nil {
			return 0, err
		}
	} else {
		if err := s.ensureTable(ctx, table, header); err != nil {
			return 0, err
		}
	}

	insertSQL := s.buildInsert(table, header)
	var written int64
	const batchSize = 500
	batch := make([][]any, 0, batchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		return s.withRetry(ctx, func() error {
			tx, err := s.DB.BeginTx(ctx, nil)
			if err != nil {
				return err
			}
			stmt, err := tx.PrepareContext(ctx, insertSQL)
			if err != nil {
				tx.Rollback()
				return err
			}
			for _, row := range batch {
				if _, err := stmt.ExecContext(ctx, row...); err != nil {
					stmt.Close()
					tx.Rollback()
					return err
				}
			}
			stmt.Close()
			return tx.Commit()
		})
	}

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		record, rerr := r.Read()
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return written, fmt.Errorf("read row for %s: %w", object, rerr)
		}
		args := make([]any, len(record))
		for i, v := range record {
			args[i] = v
		}
		batch = append(batch, args)
		written++
		if onStatus != nil {
			onStatus(written)
		}
		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return written, fmt.Errorf("insert batch into %s: %w", table, err)
			}
			batch = batch[:0]
		}
	}
	if err := flush(); err != nil {
		return written, fmt.Errorf("insert final batch into %s: %w", table, err)
	}

	if err := s.recordWatermark(ctx, table, time.Now()); err != nil {
		return written, fmt.Errorf("record watermark for %s: %w", table, err)
	}
	return written, nil
}

func (s *TableSink) recreateTable(ctx context.Context, table string, header []string) error {
	return s.withRetry(ctx, func() error {
		if _, err := s.DB.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", s.qualified(table))); err != nil {
			return err
		}
		return s.createTable(ctx, table, header)
	})
}

func (s *TableSink) ensureTable(ctx context.Context, table string, header []string) error {
	return s.withRetry(ctx, func() error {
		var cols []string
		for _, h := range header {
			cols = append(cols, s.Dialect.Quote(h)+" TEXT")
		}
		ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", s.qualified(table), strings.Join(cols, ", "))
		_, err := s.DB.ExecContext(ctx, ddl)
		return err
	})
}

func (s *TableSink) createTable(ctx context.Context, table string, header []string) error {
	var cols []string
	for _, h := range header {
		cols = append(cols, s.Dialect.Quote(h)+" TEXT")
	}
	ddl := fmt.Sprintf("CREATE TABLE %s (%s)", s.qualified(table), strings.Join(cols, ", "))
	_, err := s.DB.ExecContext(ctx, ddl)
	return err
}

func (s *TableSink) buildInsert(table string, header []string) string {
	var cols, placeholders []string
	for _, h := range header {
		cols = append(cols, s.Dialect.Quote(h))
		placeholders = append(placeholders, "?")
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", s.qualified(table), strings.Join(cols, ", "), strings.Join(placeholders, ", "))
}

// withRetry wraps a DB operation in exponential backoff, retrying for up to
// 30 seconds (spec.md §4.2), classified via Dialect.IsRetryable rather than
// bulkapi's remote-error substrings.
func (s *TableSink) withRetry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if s.Dialect.IsRetryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(bo, ctx))
}
