package offline

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch rebuilds the index whenever the database file at path is removed,
// renamed or recreated underneath the process. It blocks until ctx is done.
func (c *Cache) Watch(ctx context.Context, path string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() {
		if err := w.Close(); err != nil {
			c.logger.Warn("failed to close offline watcher", "error", err)
		}
	}()

	// Watch the directory: the file itself may not survive the events we
	// care about.
	if err := w.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	target := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Create) {
				continue
			}
			c.logger.Warn("offline database changed on disk, rebuilding index", "path", ev.Name, "op", ev.Op.String())
			if err := c.Rebuild(ctx); err != nil {
				c.logger.Error("offline index rebuild failed", "error", err)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			c.logger.Warn("offline watcher error", "error", err)
		}
	}
}
