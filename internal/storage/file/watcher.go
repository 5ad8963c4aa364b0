package file

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces bursts of filesystem events for one store.
const watchDebounce = 500 * time.Millisecond

// Watcher observes a memory-bank root for log writes made by other
// processes and reports the affected store directory. The server uses the
// callback to drop that store's cached fold; the generation check would
// catch the change on the next read anyway, so the watcher only tightens
// the window.
type Watcher struct {
	root     string
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
	onChange func(storeDir string)

	mu       sync.Mutex
	debounce map[string]*time.Timer
}

// NewWatcher watches root and its existing store subdirectories. onChange
// fires, debounced, with the directory whose log changed.
func NewWatcher(root string, logger *slog.Logger, onChange func(storeDir string)) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	w := &Watcher{
		root:     root,
		watcher:  fsw,
		logger:   logger,
		onChange: onChange,
		debounce: make(map[string]*time.Timer),
	}

	if err := fsw.Add(root); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", root, err)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("failed to list %s: %w", root, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			if err := fsw.Add(filepath.Join(root, entry.Name())); err != nil {
				w.logger.Warn("failed to watch store directory", "dir", entry.Name(), "error", err)
			}
		}
	}
	return w, nil
}

// Run consumes watcher events until the context is canceled.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handle(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", "error", err)
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	// New store directories need their own watch.
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() && filepath.Dir(event.Name) == w.root {
			if err := w.watcher.Add(event.Name); err != nil {
				w.logger.Warn("failed to watch new store directory", "dir", event.Name, "error", err)
			}
			return
		}
	}

	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}
	if filepath.Base(event.Name) != LogFileName {
		return
	}

	storeDir := filepath.Dir(event.Name)
	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.debounce[storeDir]; ok {
		timer.Stop()
	}
	w.debounce[storeDir] = time.AfterFunc(watchDebounce, func() {
		w.mu.Lock()
		delete(w.debounce, storeDir)
		w.mu.Unlock()
		w.logger.Debug("log changed on disk", "dir", storeDir)
		if w.onChange != nil {
			w.onChange(storeDir)
		}
	})
}

// Close stops the watcher and cancels pending debounce timers.
func (w *Watcher) Close() error {
	w.mu.Lock()
	for dir, timer := range w.debounce {
		timer.Stop()
		delete(w.debounce, dir)
	}
	w.mu.Unlock()
	return w.watcher.Close()
}
