package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// FileWatcher reacts to forced-logout markers written by other processes
// into a shared file. It only invalidates the local session; the marker
// stays for processes that start later.
type FileWatcher struct {
	path     string
	instance string
	onMarker func(reason string)
	log      *zap.Logger
}

func NewFileWatcher(path, instance string, onMarker func(reason string), log *zap.Logger) *FileWatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &FileWatcher{path: filepath.Clean(path), instance: instance, onMarker: onMarker, log: log}
}

// Run watches the marker's directory until ctx is done.
func (w *FileWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("marker watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("marker watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("marker watcher: watch %s: %w", dir, err)
	}
	w.log.Info("watching logout marker", zap.String("path", w.path))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			w.handle(ev)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("marker watcher error", zap.Error(err))
		}
	}
}

func (w *FileWatcher) handle(ev fsnotify.Event) {
	// Chmod fires on plain reads on some platforms.
	if ev.Op == fsnotify.Chmod {
		return
	}
	if filepath.Clean(ev.Name) != w.path {
		return
	}
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}
	writer, ok := readMarkerWriter(w.path)
	if !ok || (writer != "" && writer == w.instance) {
		return
	}
	w.log.Info("logout marker written by another process", zap.String("writer", writer))
	w.onMarker("marker")
}
