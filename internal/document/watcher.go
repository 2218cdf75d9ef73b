// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package document

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// =============================================================================
// WATCHER
// =============================================================================

// DefaultDebounce is how long a file must be quiet before it is re-registered.
const DefaultDebounce = 500 * time.Millisecond

// Watcher re-registers files under the store's root when they change, so a
// processed document turns stale without a restart.
type Watcher struct {
	store    *Store
	watcher  *fsnotify.Watcher
	debounce time.Duration
	log      *zap.Logger

	// OnChange, if set, is called after a changed file was re-registered.
	OnChange func(doc *Document)

	mu      sync.Mutex
	pending map[string]time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher creates a watcher for store's input root.
func NewWatcher(store *Store, debounce time.Duration, log *zap.Logger) (*Watcher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		store:    store,
		watcher:  fw,
		debounce: debounce,
		log:      log,
		pending:  make(map[string]time.Time),
	}, nil
}

// Start watches the root and its subdirectories until ctx is done or Close
// is called.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.addRecursive(w.store.Root()); err != nil {
		return err
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(2)
	go w.processEvents(ctx)
	go w.processPending(ctx)
	return nil
}

// Close stops the watcher and waits for its goroutines.
func (w *Watcher) Close() error {
	if w.cancel != nil {
		w.cancel()
	}
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			w.log.Warn("cannot watch directory", zap.String("dir", path), zap.Error(err))
		}
		return nil
	})
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = w.addRecursive(event.Name)
					continue
				}
			}
			if !SupportedExtension(event.Name) || strings.HasPrefix(filepath.Base(event.Name), ".") {
				continue
			}
			w.mu.Lock()
			w.pending[event.Name] = time.Now()
			w.mu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("file watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) processPending(ctx context.Context) {
	defer w.wg.Done()
	tick := w.debounce / 5
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			var ready []string
			w.mu.Lock()
			for path, changed := range w.pending {
				if now.Sub(changed) >= w.debounce {
					ready = append(ready, path)
					delete(w.pending, path)
				}
			}
			w.mu.Unlock()

			for _, path := range ready {
				w.refresh(path)
			}
		}
	}
}

// refresh re-reads path. A file already tracked at path is verified in
// place, so a removed or renamed file turns its document stale.
func (w *Watcher) refresh(path string) {
	before, _ := w.store.Get(filepath.Base(path))
	var (
		doc *Document
		err error
	)
	if before != nil && before.Path == path {
		doc, err = w.store.Verify(before.ID)
	} else {
		doc, err = w.store.Register(path)
	}
	if err != nil {
		w.log.Debug("watcher skipped file", zap.String("path", path), zap.Error(err))
		return
	}
	changed := before == nil || before.RawHash != doc.RawHash || before.State != doc.State
	if !changed {
		return
	}
	w.log.Info("document changed on disk", zap.String("id", doc.ID), zap.String("state", string(doc.State)))
	if w.OnChange != nil {
		w.OnChange(doc)
	}
}
