package config

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// ChangeFunc receives a new config revision together with what changed
// relative to the previous one.
type ChangeFunc func(cur *Config, d ConfigDiff)

// Watcher keeps the config file at a path current. It polls the file,
// re-parses it when its modification time moves and hands every revision
// that differs in content to a [ChangeFunc]. Revisions that fail validation
// are logged and ignored, so [Watcher.Current] always returns a valid config.
type Watcher struct {
	path     string
	interval time.Duration
	lookup   func(string) (string, bool)
	onChange ChangeFunc

	mu      sync.Mutex
	current *Config
	raw     []byte
	mtime   time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Default: 5s.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithLookup replaces [os.LookupEnv] as the source of VINYLCAST_*
// overrides.
func WithLookup(fn func(string) (string, bool)) WatcherOption {
	return func(w *Watcher) { w.lookup = fn }
}

// NewWatcher loads path and starts polling it. onChange may be nil. The
// initial load must succeed.
func NewWatcher(path string, onChange ChangeFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		lookup:   os.LookupEnv,
		onChange: onChange,
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	raw, cfg, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	w.current, w.raw, w.mtime = cfg, raw, info.ModTime()

	go w.run()
	return w, nil
}

// Current returns the latest valid config. The controller reads it at every
// engage.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling. Extra calls are no-ops.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

func (w *Watcher) run() {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-t.C:
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config: stat watched file", "path", w.path, "err", err)
		return
	}
	w.mu.Lock()
	seen := info.ModTime().Equal(w.mtime)
	w.mu.Unlock()
	if seen {
		return
	}

	raw, cfg, err := w.read()

	w.mu.Lock()
	w.mtime = info.ModTime()
	if err != nil {
		w.mu.Unlock()
		slog.Warn("config: ignoring invalid revision", "path", w.path, "err", err)
		return
	}
	if bytes.Equal(raw, w.raw) {
		w.mu.Unlock()
		return
	}
	prev := w.current
	w.current, w.raw = cfg, raw
	w.mu.Unlock()

	d := Diff(prev, cfg)
	if d.Empty() {
		slog.Debug("config: revision has no effective changes", "path", w.path)
		return
	}
	slog.Info("config: reloaded", "path", w.path, "hot", d.HotReloadable(), "next_session", d.RestartRequired)
	if w.onChange != nil {
		w.onChange(cfg, d)
	}
}

func (w *Watcher) read() ([]byte, *Config, error) {
	raw, err := os.ReadFile(w.path)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := parse(raw, w.lookup)
	if err != nil {
		return nil, nil, err
	}
	return raw, cfg, nil
}
