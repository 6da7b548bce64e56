package history_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/backupforce/internal/history"
)

func TestFileStoreAppendAndWatermark(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "_backup_history.jsonl")
	store := history.NewFileStore(path)
	ctx := context.Background()

	older := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	newer := time.Date(2026, 7, 29, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.Append(ctx, history.Record{Username: "u1", Object: "Account", CompletedAt: older, RowCount: 10, RunID: "run-1"}))
	require.NoError(t, store.Append(ctx, history.Record{Username: "u1", Object: "Account", CompletedAt: newer, RowCount: 12, RunID: "run-2"}))
	require.NoError(t, store.Append(ctx, history.Record{Username: "u1", Object: "Contact", CompletedAt: newer, RowCount: 3, RunID: "run-2"}))

	watermark, err := store.LastCompletedWatermark(ctx, "u1", "Account")
	require.NoError(t, err)
	assert.True(t, watermark.Equal(newer))
}

func TestFileStoreWatermarkNoHistoryIsZero(t *testing.T) {
	store := history.NewFileStore(filepath.Join(t.TempDir(), "_backup_history.jsonl"))
	watermark, err := store.LastCompletedWatermark(context.Background(), "u1", "Account")
	require.NoError(t, err)
	assert.True(t, watermark.IsZero())
}

func TestFileStoreWatermarkIgnoresOtherUsernames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "_backup_history.jsonl")
	store := history.NewFileStore(path)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, history.Record{Username: "u1", Object: "Account", CompletedAt: time.Now(), RunID: "run-1"}))

	watermark, err := store.LastCompletedWatermark(ctx, "u2", "Account")
	require.NoError(t, err)
	assert.True(t, watermark.IsZero())
}
