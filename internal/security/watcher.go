package security

import (
	"crypto/x509"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"jabconn/util"
)

// Watcher is a RootStore that rebuilds its pool whenever one of its
// source files or directories changes.  Handshakes in flight keep the
// snapshot they started with.
type Watcher struct {
	src    Sources
	pool   atomic.Pointer[Pool]
	logger *util.Logger

	debounce   time.Duration
	settle     time.Duration
	reloadMu   sync.Mutex
	lastReload time.Time
	onReload   func(*Pool)

	done    chan struct{}
	stopped sync.Once
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithWatchLogger sets the logger for the watcher.
func WithWatchLogger(l *util.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = l }
}

// WithDebounce sets the minimum gap between reloads.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// WithReloadHook registers fn to run after every successful reload.
func WithReloadHook(fn func(*Pool)) WatcherOption {
	return func(w *Watcher) { w.onReload = fn }
}

// NewWatcher loads src once and returns a watcher serving it.  Call
// Start or StartAsync to follow changes.
func NewWatcher(src Sources, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		src:      src,
		debounce: 500 * time.Millisecond,
		settle:   100 * time.Millisecond,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if err := w.reload(); err != nil {
		return nil, fmt.Errorf("security: initial load: %w", err)
	}
	return w, nil
}

// Roots implements RootStore.
func (w *Watcher) Roots() *x509.CertPool { return w.pool.Load().Roots() }

// Pool returns the current snapshot.
func (w *Watcher) Pool() *Pool { return w.pool.Load() }

// Start follows changes until Stop is called.  It blocks.
func (w *Watcher) Start() error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("security: create watcher: %w", err)
	}
	defer fw.Close()

	// Watch directories rather than files so editors that replace the
	// file by rename are still noticed.
	files := make(map[string]bool)
	dirs := make(map[string]bool)
	for _, f := range w.src.Files {
		files[filepath.Clean(f)] = true
		dirs[filepath.Dir(f)] = true
	}
	watchedDirs := make(map[string]bool)
	for _, d := range w.src.Dirs {
		watchedDirs[filepath.Clean(d)] = true
		dirs[filepath.Clean(d)] = true
	}
	for d := range dirs {
		if err := fw.Add(d); err != nil {
			return fmt.Errorf("security: watch %s: %w", d, err)
		}
	}
	w.logger.Verbose("roots: watching %d location(s)", len(dirs))

	relevant := func(name string) bool {
		name = filepath.Clean(name)
		if files[name] {
			return true
		}
		return watchedDirs[filepath.Dir(name)] && isCertFile(name)
	}

	for {
		select {
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !relevant(ev.Name) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) &&
				!ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			w.logger.Debug("roots: %s %s", ev.Op, ev.Name)
			if err := w.debouncedReload(); err != nil {
				w.logger.Warn("roots: reload failed, keeping previous set: %v", err)
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("roots: watcher error: %v", err)

		case <-w.done:
			return nil
		}
	}
}

// StartAsync runs Start in a goroutine.
func (w *Watcher) StartAsync() {
	go func() {
		if err := w.Start(); err != nil {
			w.logger.Error("roots: watcher stopped: %v", err)
		}
	}()
}

// Stop ends Start.  Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopped.Do(func() { close(w.done) })
}

func (w *Watcher) debouncedReload() error {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	now := time.Now()
	if now.Sub(w.lastReload) < w.debounce {
		return nil
	}
	w.lastReload = now

	// Let the writer finish.
	time.Sleep(w.settle)
	return w.reload()
}

func (w *Watcher) reload() error {
	p, err := Load(w.src)
	if p == nil {
		return err
	}
	if err != nil {
		w.logger.Warn("roots: %v", err)
	}
	w.pool.Store(p)
	w.logger.Verbose("roots: loaded %d custom certificate(s)", p.Added())
	if w.onReload != nil {
		w.onReload(p)
	}
	return nil
}
