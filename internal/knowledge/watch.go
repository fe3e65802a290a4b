package knowledge

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// settleDelay lets bursts of writes to one file collapse into one re-index.
const settleDelay = 100 * time.Millisecond

// Change reports one re-index triggered by Watch.
type Change struct {
	Path    string
	Chunks  int
	Removed bool
	Err     error
}

// Watch re-indexes files under dir as they are written, created or removed.
// It blocks until ctx is cancelled. onChange may be nil.
func (in *Ingester) Watch(ctx context.Context, dir string, onChange func(Change)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := addTree(watcher, dir); err != nil {
		return err
	}
	if onChange == nil {
		onChange = func(Change) {}
	}

	pending := map[string]struct{}{}
	timer := time.NewTimer(settleDelay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if hidden(filepath.Base(event.Name)) {
				continue
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				delete(pending, event.Name)
				n, err := in.index.RemoveSource(event.Name)
				if n > 0 || err != nil {
					onChange(Change{Path: event.Name, Chunks: n, Removed: true, Err: err})
				}
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			info, err := os.Stat(event.Name)
			if err != nil {
				continue
			}
			if info.IsDir() {
				if event.Op&fsnotify.Create != 0 {
					if err := addTree(watcher, event.Name); err != nil {
						logger.Warn("watch_add_failed", map[string]interface{}{"path": event.Name, "error": err.Error()})
					}
				}
				continue
			}
			pending[event.Name] = struct{}{}
			timer.Reset(settleDelay)

		case <-timer.C:
			for path := range pending {
				n, err := in.IngestFile(ctx, path)
				onChange(Change{Path: path, Chunks: n, Err: err})
			}
			pending = map[string]struct{}{}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watch_error", map[string]interface{}{"error": err.Error()})
		}
	}
}

func addTree(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && hidden(d.Name()) {
			return fs.SkipDir
		}
		if err := w.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}
