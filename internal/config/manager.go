// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/aquifercache/aquifer/internal/log"
	"github.com/aquifercache/aquifer/router"
)

// Snapshot is one immutable generation of configuration: the parsed
// config plus the router built from its procedures. Readers grab the
// whole snapshot so config and router always match.
type Snapshot struct {
	Config *Config
	Router *router.Router
}

// BuildFunc turns a validated config into a router. Injected by the
// daemon so the manager stays free of transport concerns.
type BuildFunc func(*Config) (*router.Router, error)

// Manager owns the live snapshot and swaps it atomically on reload.
// Invalid reloads are rejected; the old snapshot stays live.
type Manager struct {
	path    string
	version string
	build   BuildFunc
	logger  zerolog.Logger

	snap    atomic.Pointer[Snapshot]
	watcher *fsnotify.Watcher

	mu          sync.Mutex
	subscribers []func(*Snapshot)
}

// NewManager loads, validates, and builds the initial snapshot. A config
// that does not boot cleanly is a hard error.
func NewManager(path, version string, build BuildFunc) (*Manager, error) {
	m := &Manager{
		path:    path,
		version: version,
		build:   build,
		logger:  log.WithComponent("config"),
	}

	snap, err := m.load()
	if err != nil {
		return nil, err
	}
	m.snap.Store(snap)
	return m, nil
}

// Current returns the live snapshot. Never nil after NewManager.
func (m *Manager) Current() *Snapshot {
	return m.snap.Load()
}

// Subscribe registers a callback invoked after every successful reload.
// Callbacks run on the reload goroutine and should return quickly.
func (m *Manager) Subscribe(fn func(*Snapshot)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

// Reload re-reads the config file and swaps the snapshot. On any error
// the previous snapshot stays live and the error is returned.
func (m *Manager) Reload(_ context.Context) error {
	m.logger.Info().Str("event", "config.reload_start").Msg("reloading configuration")

	snap, err := m.load()
	if err != nil {
		m.logger.Error().
			Err(err).
			Str("event", "config.reload_failed").
			Msg("keeping previous configuration")
		return err
	}

	m.snap.Store(snap)
	m.notify(snap)

	m.logger.Info().
		Str("event", "config.reload_success").
		Int("procedures", snap.Router.Len()).
		Msg("configuration reloaded")
	return nil
}

func (m *Manager) load() (*Snapshot, error) {
	cfg, err := Load(m.path, m.version)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	rt, err := m.build(cfg)
	if err != nil {
		return nil, fmt.Errorf("build router: %w", err)
	}
	return &Snapshot{Config: cfg, Router: rt}, nil
}

func (m *Manager) notify(snap *Snapshot) {
	m.mu.Lock()
	subs := make([]func(*Snapshot), len(m.subscribers))
	copy(subs, m.subscribers)
	m.mu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
}

// Watch starts watching the config file for changes. A no-op when the
// manager was created without a file path (ENV-only configuration).
func (m *Manager) Watch(ctx context.Context) error {
	if m.path == "" {
		m.logger.Info().
			Str("event", "config.watcher_disabled").
			Msg("config file watcher disabled (ENV-only configuration)")
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(m.path); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch config file: %w", err)
	}
	m.watcher = watcher

	m.logger.Info().
		Str("event", "config.watcher_started").
		Str(log.FieldPath, m.path).
		Msg("watching config file for changes")

	go m.watchLoop(ctx)
	return nil
}

// watchLoop debounces file events so editors that write in bursts trigger
// a single reload.
func (m *Manager) watchLoop(ctx context.Context) {
	var debounce *time.Timer
	const debounceDelay = 500 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Str("event", "config.watcher_stopped").Msg("config watcher stopped")
			_ = m.watcher.Close()
			return

		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(debounceDelay, func() {
					if err := m.Reload(ctx); err != nil {
						m.logger.Error().
							Err(err).
							Str("event", "config.auto_reload_failed").
							Msg("automatic config reload failed")
					}
				})
			}

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error().
				Err(err).
				Str("event", "config.watcher_error").
				Msg("config watcher error")
		}
	}
}

// Stop closes the watcher if one is running.
func (m *Manager) Stop() {
	if m.watcher != nil {
		_ = m.watcher.Close()
	}
}
