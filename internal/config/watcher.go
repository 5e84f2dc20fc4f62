package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
)

// Watcher keeps the latest valid configuration snapshot for a file and
// reloads it when the file changes on disk. A reload that fails validation
// is logged and the previous snapshot stays active.
type Watcher struct {
	path    string
	log     logr.Logger
	current atomic.Pointer[Config]
}

// NewWatcher loads path once and returns a watcher serving that snapshot.
func NewWatcher(path string, log logr.Logger) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	w := &Watcher{path: path, log: log}
	w.current.Store(cfg)
	return w, nil
}

// Current returns the active snapshot. Callers must treat it as read-only.
func (w *Watcher) Current() *Config {
	return w.current.Load()
}

// Reload re-reads the file and swaps the snapshot if it is valid.
func (w *Watcher) Reload() error {
	cfg, err := Load(w.path)
	if err != nil {
		return err
	}
	w.current.Store(cfg)
	w.log.Info("configuration reloaded", "path", w.path, "domain", cfg.Domain.Name)
	return nil
}

// Run watches the config file until ctx is done. The parent directory is
// watched so that editors replacing the file atomically are picked up.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("config: watch %s: %w", dir, err)
	}
	target, err := filepath.Abs(w.path)
	if err != nil {
		return fmt.Errorf("config: resolve %s: %w", w.path, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			name, _ := filepath.Abs(event.Name)
			if name != target || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.log.V(1).Info("config file changed", "path", event.Name, "op", event.Op.String())
			if err := w.Reload(); err != nil {
				w.log.Error(err, "ignoring invalid configuration, keeping previous snapshot")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Error(err, "config watch error")
		}
	}
}

// Static serves a fixed snapshot, for callers that do not watch a file.
type Static struct {
	Config *Config
}

func (s Static) Current() *Config { return s.Config }
