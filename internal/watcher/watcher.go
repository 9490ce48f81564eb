// Package watcher reports edits to configuration files.
package watcher

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 100 * time.Millisecond

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce sets how long the watcher waits for a burst of writes to settle.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithLogger configures the structured logger.
func WithLogger(logger *log.Logger) Option {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// Watcher calls onChange after any of its target files is written, created,
// or renamed into place. Parent directories are watched because editors
// usually replace files instead of writing them in place.
type Watcher struct {
	targets  map[string]struct{}
	parents  []string
	onChange func()
	watcher  *fsnotify.Watcher
	logger   *log.Logger
	debounce time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	running  bool
	timer    *time.Timer
	inflight sync.WaitGroup
}

// New creates a watcher for targets. onChange must not be nil.
func New(targets []string, onChange func(), options ...Option) (*Watcher, error) {
	if onChange == nil {
		return nil, errors.New("watcher onChange callback must not be nil")
	}
	if len(targets) == 0 {
		return nil, errors.New("watcher needs at least one target")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		targets:  make(map[string]struct{}, len(targets)),
		onChange: onChange,
		watcher:  fsw,
		logger:   log.New(io.Discard),
		debounce: defaultDebounce,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	seen := make(map[string]bool)
	for _, target := range targets {
		target = filepath.Clean(target)
		w.targets[target] = struct{}{}
		parent := filepath.Dir(target)
		if !seen[parent] {
			seen[parent] = true
			w.parents = append(w.parents, parent)
		}
	}
	for _, option := range options {
		if option != nil {
			option(w)
		}
	}
	return w, nil
}

// Start begins watching. Parents that do not exist yet are skipped.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	watched := 0
	for _, parent := range w.parents {
		if _, err := os.Stat(parent); err != nil {
			w.logger.Debug("config directory not present; not watching", "path", parent)
			continue
		}
		if err := w.watcher.Add(parent); err != nil {
			w.logger.Warn("failed to watch config directory", "path", parent, "err", err)
			continue
		}
		watched++
	}
	w.logger.Info("config watcher started", "directories", watched)

	go w.watchLoop()
	return nil
}

// Stop ends watching and waits for the event loop and any running onChange
// call to return. Pending callbacks are cancelled. Stop must not be called
// from onChange.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()

	w.cancel()
	err := w.watcher.Close()
	<-w.done
	w.inflight.Wait()
	return err
}

func (w *Watcher) watchLoop() {
	defer close(w.done)

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if _, tracked := w.targets[filepath.Clean(event.Name)]; !tracked {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.logger.Debug("config file changed", "path", event.Name, "op", event.Op.String())
			w.schedule()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "err", err)
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.fire)
}

func (w *Watcher) fire() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.timer = nil
	w.inflight.Add(1)
	w.mu.Unlock()

	defer w.inflight.Done()
	w.onChange()
}
