package sink_test

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/backupforce/internal/sink"
)

func TestFileSinkConnectCreatesRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "nested", "dir")
	s := sink.NewFileSink(root, false)
	require.NoError(t, s.Connect(context.Background()))

	info, err := os.Stat(root)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestFileSinkWriteDataCountsRowsExcludingHeader(t *testing.T) {
	s := sink.NewFileSink(t.TempDir(), false)
	rows := strings.NewReader("Id,Name\n001,Acme\n002,Globex\n")

	var statuses []int64
	count, err := s.WriteData(context.Background(), "Account", rows, "run-1", func(n int64) {
		statuses = append(statuses, n)
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
	assert.Equal(t, []int64{1, 2}, statuses)
}

func TestFileSinkLastBackupTimestampIsAlwaysZero(t *testing.T) {
	s := sink.NewFileSink(t.TempDir(), false)
	ts, err := s.LastBackupTimestamp(context.Background(), "Account")
	require.NoError(t, err)
	assert.True(t, ts.IsZero())
}

func TestFileSinkFinalizeZip(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "Account.csv"), []byte("Id,Name\n001,Acme\n"), 0o644))

	s := sink.NewFileSink(root, true)
	zipPath, err := s.FinalizeZip(time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.FileExists(t, zipPath)

	_, err = os.Stat(filepath.Join(root, "Account.csv"))
	assert.True(t, os.IsNotExist(err), "loose CSV should be removed after zipping")

	zr, err := zip.OpenReader(zipPath)
	require.NoError(t, err)
	defer zr.Close()
	require.Len(t, zr.File, 1)
	assert.Equal(t, "Account.csv", zr.File[0].Name)
}

func TestFileSinkFinalizeZipNoopWhenNotCompressing(t *testing.T) {
	s := sink.NewFileSink(t.TempDir(), false)
	path, err := s.FinalizeZip(time.Now())
	require.NoError(t, err)
	assert.Empty(t, path)
}
