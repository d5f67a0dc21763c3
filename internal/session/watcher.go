package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Watcher invalidates cached sessions whose files are changed by another
// writer, such as a manual edit. The store's own writes are recognized by
// content digest and ignored.
type Watcher struct {
	store   *Store
	fsw     *fsnotify.Watcher
	stop    chan struct{}
	stopped chan struct{}

	started   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewWatcher subscribes to changes in the store directory.
func NewWatcher(store *Store) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("session: creating watcher: %w", err)
	}
	if err := fsw.Add(store.Dir()); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("session: watching %s: %w", store.Dir(), err)
	}
	return &Watcher{
		store:   store,
		fsw:     fsw,
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}, nil
}

// Start begins processing events. Only the first call has an effect.
func (w *Watcher) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		w.started.Store(true)
		go w.loop(ctx)
	})
}

// Stop ends event processing and releases the underlying watcher. Safe to
// call multiple times and before Start.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stop)
		err = w.fsw.Close()
	})
	if w.started.Load() {
		<-w.stopped
	}
	return err
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.stopped)
	logger := w.store.cfg.Logger

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logger.Warn("session: watcher error", "error", err)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if filepath.Ext(ev.Name) != fileExt {
		return
	}
	key, ok := w.store.keyForPath(ev.Name)
	if !ok || !w.store.Cached(key) {
		return
	}

	if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
		data, err := os.ReadFile(ev.Name)
		if err == nil && w.store.ownWrite(ev.Name, data) {
			return
		}
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			w.store.cfg.Logger.Debug("session: reading changed file", "path", ev.Name, "error", err)
		}
	} else if !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return
	}

	w.store.Invalidate(key)
	w.store.cfg.Logger.Info("session: external change, cache invalidated", "session", key, "op", ev.Op.String())
}
