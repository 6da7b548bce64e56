package orchestrator_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/backupforce/internal/orchestrator"
)

func TestWatchOutputRootNotifiesOnWrite(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan fsnotify.Event, 16)
	stop, err := orchestrator.WatchOutputRoot(ctx, dir, func(e fsnotify.Event) { events <- e })
	require.NoError(t, err)
	defer stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "Account.csv"), []byte("Id,Name\n"), 0o644))

	select {
	case e := <-events:
		assert.Contains(t, e.Name, "Account.csv")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fsnotify event")
	}
}
