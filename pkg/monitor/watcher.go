// Package monitor keeps continuous verification running: it watches suite
// sources for edits and tracks per-project health across runs.
package monitor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ChangeHandler is invoked with the set of changed paths after debouncing.
type ChangeHandler func(paths []string)

// Watcher watches suite sources and triggers debounced re-verification.
type Watcher struct {
	logger   zerolog.Logger
	watcher  *fsnotify.Watcher
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]struct{}
	timer   *time.Timer
}

// NewWatcher creates a watcher with the given debounce interval.
// A zero interval defaults to 500ms.
func NewWatcher(debounce time.Duration, logger zerolog.Logger) (*Watcher, error) {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	return &Watcher{
		logger:   logger.With().Str("component", "suite-watcher").Logger(),
		watcher:  fw,
		debounce: debounce,
		pending:  make(map[string]struct{}),
	}, nil
}

// Watch starts watching the given paths and invokes handler on changes.
// Directories are watched recursively. Watch returns after registering;
// event processing runs until the context is cancelled.
func (w *Watcher) Watch(ctx context.Context, paths []string, handler ChangeHandler) error {
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			w.logger.Warn().Err(err).Str("path", path).Msg("failed to stat path for watching")
			continue
		}

		if info.IsDir() {
			if err := w.watchDirectory(path); err != nil {
				w.logger.Warn().Err(err).Str("path", path).Msg("failed to watch directory")
			}
		} else {
			if err := w.watcher.Add(path); err != nil {
				w.logger.Warn().Err(err).Str("path", path).Msg("failed to watch file")
			}
		}
	}

	go w.processEvents(ctx, handler)

	w.logger.Info().Int("paths", len(paths)).Msg("watching suite sources")
	return nil
}

// watchDirectory adds a directory tree to the watcher, skipping noise dirs.
func (w *Watcher) watchDirectory(dirPath string) error {
	return filepath.WalkDir(dirPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if skipDir(d.Name()) {
				return filepath.SkipDir
			}
			return w.watcher.Add(path)
		}
		return nil
	})
}

func skipDir(name string) bool {
	switch name {
	case ".git", "node_modules", "vendor", ".venv", "venv", "__pycache__":
		return true
	}
	return false
}

// relevantChange reports whether an event should trigger re-verification.
func relevantChange(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".cue", ".rego", ".star", ".py", ".go", ".json", ".yaml", ".yml":
		return true
	}
	return false
}

// processEvents drains the fsnotify channel, coalescing bursts of events
// into a single handler invocation.
func (w *Watcher) processEvents(ctx context.Context, handler ChangeHandler) {
	for {
		select {
		case <-ctx.Done():
			_ = w.watcher.Close()
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			// New directories need to be added to the watch set before
			// the extension filter discards them.
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() && !skipDir(filepath.Base(event.Name)) {
					_ = w.watchDirectory(event.Name)
					continue
				}
			}
			if !relevantChange(event.Name) {
				continue
			}

			w.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("suite source changed")

			w.recordChange(event.Name, handler)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("watcher error")
		}
	}
}

// recordChange accumulates a changed path and (re)arms the debounce timer.
func (w *Watcher) recordChange(path string, handler ChangeHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending[path] = struct{}{}

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		paths := make([]string, 0, len(w.pending))
		for p := range w.pending {
			paths = append(paths, p)
		}
		w.pending = make(map[string]struct{})
		w.mu.Unlock()

		if len(paths) > 0 {
			handler(paths)
		}
	})
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return w.watcher.Close()
}
