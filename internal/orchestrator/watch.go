package orchestrator

import (
	"context"
	"fmt"

	"github.com/fsnotify/fsnotify"
)

// WatchOutputRoot watches outputRoot for filesystem events and forwards
// them to onEvent until ctx is done or the returned stop func is called.
// This lets a GUI adapter surface partial-write progress for a long
// backup without polling the directory (spec.md §1 "external
// collaborators"); it is independent of the LogSink throttling Run
// already does for status callbacks.
func WatchOutputRoot(ctx context.Context, outputRoot string, onEvent func(fsnotify.Event)) (stop func() error, err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create output watcher: %w", err)
	}
	if err := watcher.Add(outputRoot); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", outputRoot, err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if onEvent != nil {
					onEvent(event)
				}
			case <-watcher.Errors:
				// Best-effort: a watch error doesn't fail the run, it just
				// stops progress notifications.
				return
			}
		}
	}()

	return watcher.Close, nil
}
