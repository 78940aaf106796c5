package config

import (
	"crypto/sha256"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Watcher monitors the config file for changes and calls a callback when
// it is modified. It polls (mtime first, content hash second) rather than
// depending on a filesystem notification library.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)

	mu      sync.Mutex
	current *Config

	done     chan struct{}
	stopOnce sync.Once

	lastMtime time.Time
	lastHash  [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// Watch starts polling path and invokes onChange whenever the file's
// content changes and still parses into a valid config. The initial config
// is the caller's; invalid rewrites are logged and skipped.
func Watch(path string, initial *Config, onChange func(old, new *Config), opts ...WatcherOption) *Watcher {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		current:  initial,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	if raw, err := os.ReadFile(path); err == nil {
		w.lastHash = sha256.Sum256(raw)
	}
	if st, err := os.Stat(path); err == nil {
		w.lastMtime = st.ModTime()
	}

	go w.loop()
	return w
}

// Stop terminates the polling loop. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

// Current returns the most recently accepted config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

func (w *Watcher) loop() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

// check reloads the file when its mtime or hash moved.
func (w *Watcher) check() {
	st, err := os.Stat(w.path)
	if err != nil {
		return
	}
	if st.ModTime().Equal(w.lastMtime) {
		return
	}
	w.lastMtime = st.ModTime()

	raw, err := os.ReadFile(w.path)
	if err != nil {
		return
	}
	hash := sha256.Sum256(raw)
	if hash == w.lastHash {
		return
	}
	w.lastHash = hash

	cfg, err := Load(w.path)
	if err != nil {
		slog.Warn("config rewrite rejected", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	old := w.current
	w.current = cfg
	w.mu.Unlock()

	slog.Info("config reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}
