package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/steveyegge/backupforce/internal/bulkapi"
	"github.com/steveyegge/backupforce/internal/config"
	"github.com/steveyegge/backupforce/internal/credentials"
	"github.com/steveyegge/backupforce/internal/extract"
	"github.com/steveyegge/backupforce/internal/history"
	"github.com/steveyegge/backupforce/internal/incremental"
	"github.com/steveyegge/backupforce/internal/relationship"
	"github.com/steveyegge/backupforce/internal/sink"
	"github.com/steveyegge/backupforce/internal/sink/dialect/dolt"
	"github.com/steveyegge/backupforce/internal/sink/dialect/mysql"
	"github.com/steveyegge/backupforce/internal/types"
)

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if jsonOutput {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// connectionClient builds a bulkapi.Client for cc, sourcing the session
// token from the credential store (spec.md §1, §9 "external
// collaborators") rather than the config file.
func connectionClient(store credentials.Store, cc config.ConnectionConfig) (*bulkapi.Client, error) {
	if cc.BaseURL == "" {
		return nil, fmt.Errorf("connection %s: base_url is not set", cc.Name)
	}
	tokenSrc := func(ctx context.Context) (string, error) { return store.Token(ctx, cc.Name) }
	return bulkapi.New(cc.BaseURL, cc.APIVersion, tokenSrc, nil), nil
}

// buildSink constructs the configured destination from cfg.Sink
// (spec.md §4.3).
func buildSink(cfg config.SinkConfig) (sink.Sink, error) {
	switch cfg.Kind {
	case "", "file":
		return sink.NewFileSink(cfg.Root, false), nil
	case "mysql":
		db, err := mysql.Open(cfg.DSN)
		if err != nil {
			return nil, err
		}
		return sink.NewTableSink(db, mysql.New(), cfg.Recreate, cfg.Schema), nil
	case "dolt":
		db, err := dolt.Open(cfg.DSN)
		if err != nil {
			return nil, err
		}
		return sink.NewTableSink(db, dolt.New(), cfg.Recreate, cfg.Schema), nil
	default:
		return nil, fmt.Errorf("unknown sink kind %q", cfg.Kind)
	}
}

// describeTasks turns a flat list of object names into ObjectTasks by
// querying the Describe API, the shape the Orchestrator expects
// (spec.md §4.1 "selection").
func describeTasks(ctx context.Context, client *bulkapi.Client, objects []string, fields []string, limit int) ([]*types.ObjectTask, error) {
	tasks := make([]*types.ObjectTask, 0, len(objects))
	for _, object := range objects {
		described, err := client.DescribeSObject(ctx, object)
		if err != nil {
			return nil, fmt.Errorf("describe %s: %w", object, err)
		}
		descriptor := types.ObjectDescriptor{
			Name:                     described.Name,
			Label:                    described.Label,
			Queryable:                true,
			SupportsLastModifiedDate: incremental.SupportsLastModifiedDate(object),
		}
		for _, f := range described.Fields {
			descriptor.Fields = append(descriptor.Fields, types.FieldDescriptor{
				Name:        f.Name,
				Type:        f.Type,
				ExternalID:  f.ExternalID,
				ReferenceTo: f.ReferenceTo,
			})
		}
		tasks = append(tasks, &types.ObjectTask{
			Descriptor:     descriptor,
			Status:         types.TaskPending,
			SelectedFields: fields,
			RecordLimit:    limit,
		})
	}
	return tasks, nil
}

func newStrategy(s sink.Sink, hist history.Store, username string) *incremental.Strategy {
	return &incremental.Strategy{Sink: s, History: hist, Username: username}
}

func newRelationshipAnalyzer(client *bulkapi.Client) *relationship.Analyzer {
	return relationship.New(client)
}

func newExtractEngine(client *bulkapi.Client) *extract.Engine {
	return extract.New(client, extract.Options{})
}
