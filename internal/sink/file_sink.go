package sink

import (
	"archive/zip"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// FileSink is the default destination: CSV per object under Root, with
// optional end-of-run ZIP compression that replaces the loose CSVs
// (spec.md §4.3, §6).
type FileSink struct {
	Root     string
	Compress bool
}

func NewFileSink(root string, compress bool) *FileSink {
	return &FileSink{Root: root, Compress: compress}
}

func (s *FileSink) Connect(ctx context.Context) error {
	return os.MkdirAll(s.Root, 0o755)
}

func (s *FileSink) Disconnect(ctx context.Context) error { return nil }

func (s *FileSink) SanitizeTableName(object string) string { return object }

func (s *FileSink) RecreateTables() bool { return false }

// LastBackupTimestamp for FileSink is always the zero time: file-backed
// incremental watermarks come from backup history (internal/history), not
// from the sink itself (spec.md §4.4 rule 3 "For FileSink ... consult
// backup history").
func (s *FileSink) LastBackupTimestamp(ctx context.Context, table string) (time.Time, error) {
	return time.Time{}, nil
}

// WriteData for FileSink confirms the row count already written by the
// Extract Engine directly to Root/<object>.csv; it does not re-write the
// file, since the Extract Engine is the sole writer of that path
// (spec.md §5 "The CSV writer per object is exclusively owned by its
// worker"). Rows is read to completion so callers can pass the same file
// handle used for reconciliation without double-buffering it in memory.
func (s *FileSink) WriteData(ctx context.Context, object string, rows io.Reader, runID string, onStatus StatusFunc) (int64, error) {
	r := csv.NewReader(rows)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	var count int64
	first := true
	for {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		_, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return count, fmt.Errorf("read row for %s: %w", object, err)
		}
		if first {
			first = false
			continue // header
		}
		count++
		if onStatus != nil {
			onStatus(count)
		}
	}
	return count, nil
}

// FinalizeZip replaces the loose CSVs (and _blobs, manifests) under Root
// with a single backup_<yyyyMMdd_HHmmss>.zip, per spec.md §6. Called once
// at end-of-run when Compress is set.
func (s *FileSink) FinalizeZip(now time.Time) (string, error) {
	if !s.Compress {
		return "", nil
	}
	zipName := fmt.Sprintf("backup_%s.zip", now.Format("20060102_150405"))
	zipPath := filepath.Join(s.Root, zipName)

	zf, err := os.Create(zipPath)
	if err != nil {
		return "", fmt.Errorf("create zip: %w", err)
	}
	defer zf.Close()

	zw := zip.NewWriter(zf)
	var toRemove []string
	err = filepath.Walk(s.Root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || path == zipPath {
			return nil
		}
		rel, err := filepath.Rel(s.Root, path)
		if err != nil {
			return err
		}
		w, err := zw.CreateHeader(&zip.FileHeader{Name: rel, Method: zip.Deflate})
		if err != nil {
			return err
		}
		// #nosec G304 - path comes from walking our own configured output root
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		if _, err := io.Copy(w, src); err != nil {
			return err
		}
		toRemove = append(toRemove, path)
		return nil
	})
	if err != nil {
		zw.Close()
		return "", fmt.Errorf("zip output root: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("close zip: %w", err)
	}
	for _, p := range toRemove {
		_ = os.Remove(p)
	}
	return zipPath, nil
}
