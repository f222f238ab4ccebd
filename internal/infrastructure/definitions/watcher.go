package definitions

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/alem-hub/progress-engine/pkg/logger"
)

// Reloader activates a new set of definitions.
type Reloader interface {
	Reload(ctx context.Context) (*Bundle, error)
}

// DefaultDebounce collapses the burst of events an editor save produces.
const DefaultDebounce = 500 * time.Millisecond

// Watcher reloads definitions when a source file in the directory changes.
// Changes are debounced: one reload runs after the directory has been quiet
// for the debounce window.
type Watcher struct {
	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	reloader Reloader
	dir      string
	debounce time.Duration
	pending  bool
	lastSeen time.Time
	running  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	log      *logger.Logger

	// OnReload is called after every attempted reload; used by tests.
	OnReload func(err error)
}

// NewWatcher creates a watcher on dir.
func NewWatcher(dir string, reloader Reloader, debounce time.Duration, log *logger.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Watcher{
		watcher:  fw,
		reloader: reloader,
		dir:      dir,
		debounce: debounce,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		log:      log.With(logger.Component("definitions_watcher")),
	}, nil
}

// Start begins watching. Non-blocking.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.watcher.Add(w.dir); err != nil {
		return err
	}
	w.log.Info("watching definitions", logger.String("dir", w.dir))

	go w.run(ctx)
	return nil
}

// Stop stops the watcher and waits for the loop to exit.
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
		w.log.Error("failed to close watcher", logger.Err(err))
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

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
			w.log.Warn("watch error", logger.Err(err))

		case <-ticker.C:
			w.flush(ctx)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !isSourceFile(event.Name) {
		return
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}

	w.log.Debug("definitions file changed", logger.String("file", event.Name), logger.String("op", event.Op.String()))

	w.mu.Lock()
	w.pending = true
	w.lastSeen = time.Now()
	w.mu.Unlock()
}

func (w *Watcher) flush(ctx context.Context) {
	w.mu.Lock()
	if !w.pending || time.Since(w.lastSeen) < w.debounce {
		w.mu.Unlock()
		return
	}
	w.pending = false
	w.mu.Unlock()

	_, err := w.reloader.Reload(ctx)
	if err != nil {
		w.log.Warn("definitions reload failed, keeping active set", logger.Err(err))
	}
	if w.OnReload != nil {
		w.OnReload(err)
	}
}

func isSourceFile(name string) bool {
	base := filepath.Base(name)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	known := false
	for _, e := range extensions {
		if ext == e {
			known = true
			break
		}
	}
	if !known {
		return false
	}
	switch stem {
	case SourceCatalog, SourceAchievements, SourceMilestones, SourceBoostRules, SourceBuryRules:
		return true
	}
	return false
}
