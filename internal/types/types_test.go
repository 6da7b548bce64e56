package types_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/steveyegge/backupforce/internal/types"
)

func TestObjectDescriptorFieldByName(t *testing.T) {
	d := types.ObjectDescriptor{
		Name: "Account",
		Fields: []types.FieldDescriptor{
			{Name: "Id", Type: "id"},
			{Name: "Name", Type: "string"},
		},
	}
	f, ok := d.FieldByName("Name")
	assert.True(t, ok)
	assert.Equal(t, "string", f.Type)

	_, ok = d.FieldByName("Missing")
	assert.False(t, ok)
}

func TestTaskStatusTerminal(t *testing.T) {
	assert.True(t, types.TaskCompleted.Terminal())
	assert.True(t, types.TaskFailed.Terminal())
	assert.True(t, types.TaskSkipped.Terminal())
	assert.True(t, types.TaskCancelled.Terminal())
	assert.False(t, types.TaskPending.Terminal())
	assert.False(t, types.TaskRunning.Terminal())
}

func TestExtractJobStateTerminal(t *testing.T) {
	assert.True(t, types.JobComplete.Terminal())
	assert.True(t, types.JobAborted.Terminal())
	assert.True(t, types.JobFailed.Terminal())
	assert.False(t, types.JobQueued.Terminal())
	assert.False(t, types.JobInProgress.Terminal())
	assert.False(t, types.JobUploadComplete.Terminal())
}

func TestObjectTaskSnapshotIsIndependentCopy(t *testing.T) {
	task := &types.ObjectTask{Status: types.TaskPending}
	task.SetStatus(types.TaskRunning)

	snap := task.Snapshot()
	assert.Equal(t, types.TaskRunning, snap.Status)

	task.SetStatus(types.TaskCompleted)
	assert.Equal(t, types.TaskRunning, snap.Status, "snapshot must not observe later mutations")
}

func TestObjectTaskFinish(t *testing.T) {
	task := &types.ObjectTask{}
	watermark := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	task.Finish(types.TaskCompleted, 10, 2048, 5*time.Second, watermark, "", "partial field coverage")

	snap := task.Snapshot()
	assert.Equal(t, types.TaskCompleted, snap.Status)
	assert.Equal(t, int64(10), snap.RecordCount)
	assert.Equal(t, int64(2048), snap.ByteCount)
	assert.Equal(t, watermark, snap.Watermark)
	assert.Equal(t, "partial field coverage", snap.Warning)
}

func TestObjectTaskConcurrentStatusUpdates(t *testing.T) {
	task := &types.ObjectTask{}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task.SetStatus(types.TaskRunning)
			_ = task.Snapshot()
		}()
	}
	wg.Wait()
	assert.Equal(t, types.TaskRunning, task.Snapshot().Status)
}

func TestIdempotencyKeyFor(t *testing.T) {
	key := types.IdempotencyKeyFor("Account", types.RestoreUpsert, 200)
	assert.Equal(t, "Account:Upsert:200", key)
}
