package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultPollInterval is how often [Watcher.Run] stats the config file.
const DefaultPollInterval = 5 * time.Second

// ErrUnchanged is returned by [Watcher.Reload] when the file content is
// identical to the last accepted version.
var ErrUnchanged = errors.New("config: file unchanged")

// Change describes one accepted reload.
type Change struct {
	Old, New *Config
	Diff     ConfigDiff
}

// fingerprint identifies a version of the file on disk. The mtime gates the
// cheap path; the hash decides whether the content really changed.
type fingerprint struct {
	modTime time.Time
	sum     [sha256.Size]byte
}

// Watcher keeps the last valid [Config] loaded from a file and reports
// edits. A file that fails to parse or validate is logged and ignored; the
// previous config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	log      *slog.Logger

	mu      sync.Mutex
	current *Config
	seen    fingerprint
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the poll interval. Non-positive values are ignored.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithLogger sets the logger for reload messages.
func WithLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// NewWatcher loads path and returns a Watcher holding it. Polling starts
// with [Watcher.Run].
func NewWatcher(path string, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{path: path, interval: DefaultPollInterval, log: slog.Default()}
	for _, opt := range opts {
		opt(w)
	}
	cfg, fp, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.seen = cfg, fp
	return w, nil
}

// Current returns the last accepted config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls the file until ctx is done and calls onChange for every reload
// whose [ConfigDiff] is not empty. It always returns nil so it can run in an
// errgroup next to the session.
func (w *Watcher) Run(ctx context.Context, onChange func(Change)) error {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		if !w.modified() {
			continue
		}
		ch, err := w.Reload()
		switch {
		case errors.Is(err, ErrUnchanged):
		case err != nil:
			w.log.Warn("config: reload rejected, keeping previous config", "path", w.path, "err", err)
		case !ch.Diff.Empty() && onChange != nil:
			onChange(ch)
		}
	}
}

// Reload reads the file now. It returns [ErrUnchanged] when the content
// matches the current version and the load error when the new content is
// invalid. An accepted reload with only untracked edits yields an empty Diff.
func (w *Watcher) Reload() (Change, error) {
	cfg, fp, err := w.read()
	if err != nil {
		return Change{}, err
	}

	w.mu.Lock()
	if fp.sum == w.seen.sum {
		w.seen.modTime = fp.modTime
		w.mu.Unlock()
		return Change{}, ErrUnchanged
	}
	old := w.current
	w.current, w.seen = cfg, fp
	w.mu.Unlock()

	ch := Change{Old: old, New: cfg, Diff: Diff(old, cfg)}
	if !ch.Diff.Empty() {
		w.log.Info("config: reloaded", "path", w.path, "changed", ch.Diff.Fields())
	}
	return ch, nil
}

// modified reports whether the file's mtime moved since the last read.
func (w *Watcher) modified() bool {
	info, err := os.Stat(w.path)
	if err != nil {
		w.log.Warn("config: stat failed", "path", w.path, "err", err)
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return !info.ModTime().Equal(w.seen.modTime)
}

func (w *Watcher) read() (*Config, fingerprint, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fingerprint{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fingerprint{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fingerprint{}, err
	}
	return cfg, fingerprint{modTime: info.ModTime(), sum: sha256.Sum256(data)}, nil
}
