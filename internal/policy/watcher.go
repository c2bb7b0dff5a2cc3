package policy

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"acp/internal/action"
)

// Watcher reloads a Store whenever its backing file changes.
type Watcher struct {
	path   string
	logger *log.Logger
	fs     *fsnotify.Watcher

	mu       sync.RWMutex
	store    *Store
	onReload []func(*Store)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher creates a watcher for the policy file at path, wrapping
// the already-loaded store.
func NewWatcher(path string, store *Store, logger *log.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	return &Watcher{path: path, logger: logger, fs: fsw, store: store}, nil
}

// Start begins watching in the background.
func (w *Watcher) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	if err := w.fs.Add(w.path); err != nil {
		dir := filepath.Dir(w.path)
		if err := w.fs.Add(dir); err != nil {
			return fmt.Errorf("watch policy file/dir: %w", err)
		}
		w.logger.Printf("watching directory %s for policy changes", dir)
	} else {
		w.logger.Printf("watching policy file %s for changes", w.path)
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.loop()
	}()
	return nil
}

// Stop cancels the watch loop and waits for it to exit.
func (w *Watcher) Stop() error {
	if w.cancel != nil {
		w.cancel()
	}
	if w.fs != nil {
		w.fs.Close()
	}
	w.wg.Wait()
	return nil
}

// OnReload registers a callback invoked with the newly loaded store
// every time the policy file changes.
func (w *Watcher) OnReload(cb func(*Store)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onReload = append(w.onReload, cb)
}

// Current returns the most recently loaded store.
func (w *Watcher) Current() *Store {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.store
}

// Evaluate delegates to the most recently loaded store, so a Watcher
// can stand in anywhere a *Store is expected, picking up reloads
// transparently.
func (w *Watcher) Evaluate(a action.Action) EvaluationResult {
	return w.Current().Evaluate(a)
}

func (w *Watcher) loop() {
	var debounce *time.Timer
	const debounceDuration = 500 * time.Millisecond

	for {
		select {
		case <-w.ctx.Done():
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if event.Name != w.path {
				continue
			}
			if event.Op&fsnotify.Write == fsnotify.Write || event.Op&fsnotify.Create == fsnotify.Create {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(debounceDuration, w.reload)
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Printf("watcher error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	w.logger.Printf("reloading policy from %s", w.path)
	store, err := Load(w.path, w.logger)
	if err != nil {
		w.logger.Printf("policy reload failed, keeping previous policy: %v", err)
		return
	}

	w.mu.Lock()
	w.store = store
	callbacks := make([]func(*Store), len(w.onReload))
	copy(callbacks, w.onReload)
	w.mu.Unlock()

	for _, cb := range callbacks {
		cb(store)
	}
}
