package lexicon

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher invalidates cached library entries when their backing .txt files
// change outside the process, so a user editing a variable file mid-session
// is picked up on the next resolve. Rapid saves are debounced.
type Watcher struct {
	mu        sync.RWMutex
	lib       *Library
	logger    *zap.Logger
	watcher   *fsnotify.Watcher
	debounce  map[string]time.Time
	settleDur time.Duration
	stopCh    chan struct{}
	doneCh    chan struct{}
	running   bool

	stats WatcherStats
}

// WatcherStats tracks watcher activity for debugging.
type WatcherStats struct {
	Events        int
	Invalidations int
	Errors        int
	LastEventPath string
	LastEventTime time.Time
}

// NewWatcher creates a watcher over the library's directory. Start must be
// called before any events are observed.
func NewWatcher(lib *Library, logger *zap.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		lib:       lib,
		logger:    logger,
		watcher:   fsw,
		debounce:  make(map[string]time.Time),
		settleDur: 300 * time.Millisecond,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}, nil
}

// Start begins watching. Non-blocking; events are handled on an internal
// goroutine until Stop.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.watcher.Add(w.lib.Dir()); err != nil {
		// The directory may not exist until the first persist. Watching the
		// parent would over-trigger, so report and let the caller decide.
		w.logger.Warn("lexicon watch failed", zap.String("dir", w.lib.Dir()), zap.Error(err))
	} else {
		w.logger.Debug("watching lexicon dir", zap.String("dir", w.lib.Dir()))
	}

	go w.run()
	return nil
}

// Stop halts the watcher and waits for the event loop to exit. Safe to call
// when never started or already stopped.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	if err := w.watcher.Close(); err != nil {
		w.logger.Warn("closing lexicon watcher", zap.Error(err))
	}
}

// Stats returns a copy of the activity counters.
func (w *Watcher) Stats() WatcherStats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stats
}

func (w *Watcher) run() {
	defer close(w.doneCh)

	settle := time.NewTicker(100 * time.Millisecond)
	defer settle.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("lexicon watcher error", zap.Error(err))
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()
		case <-settle.C:
			w.flushSettled()
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !strings.HasSuffix(event.Name, ".txt") {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	w.mu.Lock()
	w.stats.Events++
	w.stats.LastEventPath = event.Name
	w.stats.LastEventTime = time.Now()
	w.debounce[event.Name] = time.Now()
	w.mu.Unlock()
}

// flushSettled invalidates entries whose last event is older than the
// debounce window, so a burst of saves costs one reload.
func (w *Watcher) flushSettled() {
	now := time.Now()

	w.mu.Lock()
	var settled []string
	for path, at := range w.debounce {
		if now.Sub(at) >= w.settleDur {
			settled = append(settled, path)
			delete(w.debounce, path)
		}
	}
	w.stats.Invalidations += len(settled)
	w.mu.Unlock()

	for _, path := range settled {
		name := strings.TrimSuffix(filepath.Base(path), ".txt")
		w.lib.Invalidate(name)
		w.logger.Debug("lexicon entry invalidated", zap.String("name", name))
	}
}
