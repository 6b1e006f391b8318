package config

import (
	"context"
	"fmt"
	"log"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the registry whenever its file changes, until the context
// is cancelled. The parent directory is watched rather than the file
// itself so editors that replace the file atomically still trigger a
// reload. Registries without a file return immediately.
func (r *Registry) Watch(ctx context.Context) error {
	if r.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	dir := filepath.Dir(r.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()
		target := filepath.Clean(r.path)

		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if err := r.Reload(); err != nil {
					// Keep the previous table on a bad edit.
					log.Printf("[config] registry reload failed, keeping previous table: %v", err)
					continue
				}
				log.Printf("[config] registry reloaded from %s", r.path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[config] watcher error: %v", err)
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}
