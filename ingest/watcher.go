package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/RoboMaroof/ragserver/apperr"
)

// Watcher rebuilds the index from a docs folder after its files change.
// Events are debounced per folder.
type Watcher struct {
	builder  *Builder
	watcher  *fsnotify.Watcher
	debounce time.Duration
	log      *zap.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
	wg      sync.WaitGroup

	// rebuild is replaceable in tests.
	rebuild func(ctx context.Context, folder string)
}

// NewWatcher watches folders, creating them if needed.
func NewWatcher(b *Builder, folders []string, debounce time.Duration, log *zap.Logger) (*Watcher, error) {
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	for _, f := range folders {
		if err := os.MkdirAll(f, 0o755); err != nil {
			fw.Close()
			return nil, fmt.Errorf("watch %s: %w", f, err)
		}
		if err := fw.Add(f); err != nil {
			fw.Close()
			return nil, fmt.Errorf("watch %s: %w", f, err)
		}
	}
	w := &Watcher{
		builder:  b,
		watcher:  fw,
		debounce: debounce,
		log:      log,
		pending:  make(map[string]*time.Timer),
	}
	w.rebuild = w.rebuildFolder
	return w, nil
}

// Run processes events until ctx is done, then stops pending rebuilds and
// closes the underlying watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return errors.New("watcher events channel closed")
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !Supported(event.Name) {
				continue
			}
			w.schedule(ctx, filepath.Dir(event.Name))
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return errors.New("watcher errors channel closed")
			}
			w.log.Warn("watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) schedule(ctx context.Context, folder string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if timer, exists := w.pending[folder]; exists && timer.Stop() {
		w.wg.Done()
	}
	w.wg.Add(1)
	var timer *time.Timer
	timer = time.AfterFunc(w.debounce, func() {
		defer w.wg.Done()
		w.mu.Lock()
		if w.pending[folder] == timer {
			delete(w.pending, folder)
		}
		w.mu.Unlock()
		w.rebuild(ctx, folder)
	})
	w.pending[folder] = timer
}

func (w *Watcher) rebuildFolder(ctx context.Context, folder string) {
	if ctx.Err() != nil {
		return
	}
	_, err := w.builder.Build(ctx, Source{Type: SourceDocs, Path: folder})
	switch {
	case errors.Is(err, apperr.ErrIndexBuildConflict):
		w.log.Info("folder changed during a build, skipping rebuild", zap.String("folder", folder))
	case err != nil:
		w.log.Warn("folder rebuild failed", zap.String("folder", folder), zap.Error(err))
	}
}

func (w *Watcher) stop() {
	w.mu.Lock()
	for folder, timer := range w.pending {
		if timer.Stop() {
			w.wg.Done()
		}
		delete(w.pending, folder)
	}
	w.mu.Unlock()
	w.wg.Wait()
	w.watcher.Close()
}
