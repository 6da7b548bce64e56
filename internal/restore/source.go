package restore

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// RowSource yields the rows for one object as an ordered header plus rows,
// abstracting over a CSV file or a database table (spec.md §4.6 step 1:
// "stream CSV or SELECT * from database table").
type RowSource interface {
	Rows(ctx context.Context, object string) (header []string, rows []map[string]string, err error)
}

// FileRowSource reads <root>/<object>.csv, the same layout the Extract
// Engine and FileSink produce.
type FileRowSource struct {
	Root string
}

func (s *FileRowSource) Rows(ctx context.Context, object string) ([]string, []map[string]string, error) {
	path := filepath.Join(s.Root, object+".csv")
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	header, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("read header from %s: %w", path, err)
	}

	var rows []map[string]string
	for {
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		default:
		}

		record, err := r.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, nil, fmt.Errorf("read records from %s: %w", path, err)
		}
		rows = append(rows, rowFromRecord(header, record))
	}
	return header, rows, nil
}

// TableRowSource reads rows from a SQL warehouse table, the TableSink
// side of the same interface.
type TableRowSource struct {
	DB     *sql.DB
	Schema string
}

func (s *TableRowSource) Rows(ctx context.Context, object string) ([]string, []map[string]string, error) {
	table := object
	if s.Schema != "" {
		table = s.Schema + "." + object
	}

	sqlRows, err := s.DB.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s", table))
	if err != nil {
		return nil, nil, fmt.Errorf("select from %s: %w", table, err)
	}
	defer sqlRows.Close()

	columns, err := sqlRows.Columns()
	if err != nil {
		return nil, nil, fmt.Errorf("read columns for %s: %w", table, err)
	}

	var rows []map[string]string
	for sqlRows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := sqlRows.Scan(ptrs...); err != nil {
			return nil, nil, fmt.Errorf("scan row from %s: %w", table, err)
		}
		row := make(map[string]string, len(columns))
		for i, col := range columns {
			row[col] = stringify(values[i])
		}
		rows = append(rows, row)
	}
	if err := sqlRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate rows from %s: %w", table, err)
	}
	return columns, rows, nil
}

func stringify(v any) string {
	if v == nil {
		return ""
	}
	switch t := v.(type) {
	case []byte:
		return string(t)
	case string:
		return t
	default:
		return fmt.Sprintf("%v", t)
	}
}

func rowFromRecord(header, record []string) map[string]string {
	row := make(map[string]string, len(header))
	for i, col := range header {
		if i < len(record) {
			row[col] = record[i]
		}
	}
	return row
}
