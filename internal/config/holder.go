// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/openclaw/clawd/internal/log"
)

// Holder owns the current settings snapshot and optionally watches the
// backing file for out-of-band edits. Timing-style settings take effect
// on the next turn; structural settings (listen address, pins, database
// path) require a restart and are deliberately not re-applied here.
type Holder struct {
	path string

	mu      sync.RWMutex
	current Settings
}

// NewHolder loads the file at path and wraps it in a Holder.
func NewHolder(path string) (*Holder, error) {
	s, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &Holder{path: path, current: s}, nil
}

// Current returns a copy of the active settings.
func (h *Holder) Current() Settings {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Path returns the backing file path.
func (h *Holder) Path() string { return h.path }

// Update validates, persists, and swaps in new settings.
func (h *Holder) Update(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if err := Save(h.path, &s); err != nil {
		return err
	}
	h.mu.Lock()
	h.current = s
	h.mu.Unlock()
	return nil
}

// Reload re-reads the file and swaps the snapshot.
func (h *Holder) Reload() error {
	s, err := Load(h.path)
	if err != nil {
		return err
	}
	if err := s.Validate(); err != nil {
		return err
	}
	h.mu.Lock()
	h.current = s
	h.mu.Unlock()
	return nil
}

// Watch reloads the snapshot whenever the file is rewritten. Best
// effort: a watcher failure is logged, never fatal. Blocks until ctx is
// cancelled.
func (h *Holder) Watch(ctx context.Context) error {
	logger := log.WithComponent("config")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: atomic replaces (rename over the file) drop
	// the watch on the file itself.
	dir := filepath.Dir(h.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("config: watch %s: %w", dir, err)
	}

	target := filepath.Clean(h.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if err := h.Reload(); err != nil {
				logger.Warn().Err(err).Str("event", "config.reload_failed").Msg("config file changed but reload failed")
				continue
			}
			logger.Info().Str("event", "config.reloaded").Str("path", h.path).Msg("config reloaded")
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Str("event", "config.watch_error").Msg("config watcher error")
		}
	}
}
