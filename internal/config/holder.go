package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the burst of events an editor's save produces.
const reloadDebounce = 250 * time.Millisecond

// Holder gives concurrent readers the current config; a reload swaps it in
// one place for every consumer.
type Holder struct {
	mu   sync.RWMutex
	cfg  *Config
	path string // immutable after construction
}

// NewHolder returns a Holder for cfg loaded from path.
func NewHolder(cfg *Config, path string) *Holder {
	return &Holder{cfg: cfg, path: path}
}

// Config returns the current snapshot. Callers must not mutate it.
func (h *Holder) Config() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.cfg
}

// Path returns the config file path.
func (h *Holder) Path() string {
	return h.path
}

// Update replaces the config.
func (h *Holder) Update(cfg *Config) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.cfg = cfg
}

// FsWatcher is the part of *fsnotify.Watcher that Watch uses.
type FsWatcher interface {
	Add(name string) error
	Close() error
	Events() <-chan fsnotify.Event
	Errors() <-chan error
}

type fsnotifyWatcher struct{ *fsnotify.Watcher }

func (w fsnotifyWatcher) Events() <-chan fsnotify.Event { return w.Watcher.Events }
func (w fsnotifyWatcher) Errors() <-chan error          { return w.Watcher.Errors }

// NewFsWatcher returns a watcher backed by fsnotify.
func NewFsWatcher() (FsWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return fsnotifyWatcher{w}, nil
}

// Watch reloads the file whenever it changes until ctx ends. load produces
// the new config (re-applying environment and flag overrides); on success
// the holder is updated and onChange runs. An invalid file keeps the
// previous config. The directory is watched because editors save by rename.
func (h *Holder) Watch(
	ctx context.Context, w FsWatcher, load func() (*Config, error),
	onChange func(*Config), logger *slog.Logger,
) error {
	defer w.Close()

	if err := w.Add(filepath.Dir(h.path)); err != nil {
		return fmt.Errorf("watching %s: %w", h.path, err)
	}

	target := filepath.Clean(h.path)

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}

			return nil

		case ev, ok := <-w.Events():
			if !ok {
				return nil
			}

			if filepath.Clean(ev.Name) != target || ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) {
				continue
			}

			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}

			fire = timer.C

		case err, ok := <-w.Errors():
			if !ok {
				return nil
			}

			logger.Warn("config watcher error", slog.String("error", err.Error()))

		case <-fire:
			fire = nil

			cfg, err := load()
			if err != nil {
				logger.Warn("config reload rejected, keeping previous config",
					slog.String("path", h.path),
					slog.String("error", err.Error()),
				)

				continue
			}

			h.Update(cfg)
			logger.Info("config reloaded", slog.String("path", h.path))

			if onChange != nil {
				onChange(cfg)
			}
		}
	}
}
