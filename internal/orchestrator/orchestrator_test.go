package orchestrator_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/backupforce/internal/bulkapi"
	"github.com/steveyegge/backupforce/internal/extract"
	"github.com/steveyegge/backupforce/internal/history"
	"github.com/steveyegge/backupforce/internal/incremental"
	"github.com/steveyegge/backupforce/internal/orchestrator"
	"github.com/steveyegge/backupforce/internal/relationship"
	"github.com/steveyegge/backupforce/internal/sink"
	"github.com/steveyegge/backupforce/internal/types"
)

// fakeBulkServer serves a minimal Bulk Query lifecycle: one job goes
// straight to JobComplete and returns a single page of CSV.
func fakeBulkServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/services/data/v62.0/jobs/query", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			json.NewEncoder(w).Encode(bulkapi.QueryJobResponse{ID: "750xx", State: "UploadComplete"})
			return
		}
	})
	mux.HandleFunc("/services/data/v62.0/jobs/query/750xx", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			json.NewEncoder(w).Encode(bulkapi.QueryJobResponse{ID: "750xx", State: "JobComplete", NumberRecordsProcessed: 2})
		case http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		}
	})
	mux.HandleFunc("/services/data/v62.0/jobs/query/750xx/results", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Sforce-Locator", "")
		w.Write([]byte("Id,Name\n001xx,Acme\n002xx,Globex\n"))
	})
	mux.HandleFunc("/services/data/v62.0/sobjects/Account/describe", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(bulkapi.DescribeSObjectResult{Name: "Account"})
	})

	return httptest.NewServer(mux)
}

func TestRunHappyPath(t *testing.T) {
	server := fakeBulkServer(t)
	defer server.Close()

	client := bulkapi.New(server.URL, "62.0", func(ctx context.Context) (string, error) { return "tok", nil }, nil)
	eng := extract.New(client, extract.Options{})
	dir := t.TempDir()
	fileSink := &sink.FileSink{Root: dir}
	hist := history.NewFileStore(filepath.Join(dir, "history.jsonl"))
	strat := &incremental.Strategy{Sink: fileSink, History: hist, Username: "tester"}
	rel := relationship.New(client)

	orch := orchestrator.New(client, eng, strat, rel, hist)

	task := &types.ObjectTask{
		Descriptor: types.ObjectDescriptor{Name: "Account"},
		Status:     types.TaskPending,
	}

	run, err := orch.Run(context.Background(), []*types.ObjectTask{task}, orchestrator.Options{
		OutputRoot: dir,
		Sink:       fileSink,
		Username:   "tester",
	})
	require.NoError(t, err)
	require.Len(t, run.Results, 1)
	assert.Equal(t, types.TaskCompleted, run.Results[0].Status)
	assert.Equal(t, int64(2), run.Results[0].RecordCount)
	assert.Equal(t, types.RunCompleted, run.Status)

	_, err = os.Stat(filepath.Join(dir, "_manifest.json"))
	assert.NoError(t, err)
}

func TestRunRejectsMissingOutputRoot(t *testing.T) {
	orch := orchestrator.New(nil, nil, nil, nil, nil)
	_, err := orch.Run(context.Background(), []*types.ObjectTask{{}}, orchestrator.Options{Sink: &sink.FileSink{}})
	assert.Error(t, err)
}

func TestRunRejectsEmptySelection(t *testing.T) {
	orch := orchestrator.New(nil, nil, nil, nil, nil)
	_, err := orch.Run(context.Background(), nil, orchestrator.Options{OutputRoot: "x", Sink: &sink.FileSink{}})
	assert.Error(t, err)
}
