package serve

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/twardoch/lmstrix/services/progress"
)

// watchRegistry watches registryPath's directory for writes made outside
// this process — a hand edit, or another lmstrix invocation sharing the
// same registry file (spec §4.2) — and republishes them as a
// progress.Event so every connected websocket client sees the change
// without polling GET /v1/models. Grounded on the teacher's
// services/trace/graph/file_watcher.go fsnotify wrapper, trimmed down to
// the single file this server cares about.
//
// A watcher failure (missing directory, fsnotify unsupported on the host)
// is logged and otherwise ignored: the status server still works, it just
// won't learn about external registry edits until the next GET /v1/models.
func watchRegistry(ctx context.Context, registryPath string, emitter *progress.Emitter, logger *slog.Logger) {
	if registryPath == "" || emitter == nil {
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("registry watcher unavailable", "error", err)
		return
	}
	defer watcher.Close()

	dir := filepath.Dir(registryPath)
	if err := watcher.Add(dir); err != nil {
		logger.Warn("registry watcher could not watch directory", "dir", dir, "error", err)
		return
	}
	target := filepath.Clean(registryPath)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			emitter.Emit(progress.Event{
				Class:     "registry_changed",
				Status:    "external_write",
				Timestamp: time.Now().UTC(),
			})
		case werr, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("registry watcher error", "error", werr)
		}
	}
}
