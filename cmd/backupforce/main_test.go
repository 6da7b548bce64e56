package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/backupforce/internal/bulkapi"
	"github.com/steveyegge/backupforce/internal/config"
	"github.com/steveyegge/backupforce/internal/restore"
	"github.com/steveyegge/backupforce/internal/types"
)

func TestRestoreModeFromFlag(t *testing.T) {
	m, err := restoreModeFromFlag("upsert")
	require.NoError(t, err)
	assert.Equal(t, types.RestoreUpsert, m)

	_, err = restoreModeFromFlag("delete")
	assert.Error(t, err)
}

func TestCodeForRun(t *testing.T) {
	assert.Equal(t, 0, codeForRun(&types.BackupRun{Status: types.RunCompleted}))
	assert.Equal(t, 2, codeForRun(&types.BackupRun{
		Status:  types.RunCompleted,
		Results: []types.ObjectBackupResult{{Status: types.TaskSkipped}},
	}))
	assert.Equal(t, 3, codeForRun(&types.BackupRun{Status: types.RunCancelled}))
	assert.Equal(t, 4, codeForRun(&types.BackupRun{Status: types.RunFailed}))
}

func TestCodeForRestore(t *testing.T) {
	assert.Equal(t, 0, codeForRestore(&restore.Result{Objects: []restore.ObjectResult{{RowsApplied: 3}}}))
	assert.Equal(t, 2, codeForRestore(&restore.Result{Objects: []restore.ObjectResult{{RowsFailed: 1}}}))
}

func TestBuildSinkFile(t *testing.T) {
	s, err := buildSink(config.SinkConfig{Kind: "file", Root: t.TempDir()})
	require.NoError(t, err)
	assert.NotNil(t, s)
}

func TestBuildSinkUnknownKind(t *testing.T) {
	_, err := buildSink(config.SinkConfig{Kind: "carrier-pigeon"})
	assert.Error(t, err)
}

func TestDescribeTasks(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/services/data/v62.0/sobjects/Account/describe", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(bulkapi.DescribeSObjectResult{
			Name: "Account",
			Fields: []bulkapi.DescribeField{
				{Name: "Id", Type: "id"},
				{Name: "Name", Type: "string"},
			},
		})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := bulkapi.New(server.URL, "62.0", func(ctx context.Context) (string, error) { return "tok", nil }, nil)

	tasks, err := describeTasks(context.Background(), client, []string{"Account"}, nil, 0)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "Account", tasks[0].Descriptor.Name)
	assert.Len(t, tasks[0].Descriptor.Fields, 2)
	assert.Equal(t, types.TaskPending, tasks[0].Status)
}
