// SPDX-License-Identifier: MIT

package qcache

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Memory is the in-process Store. A janitor goroutine sweeps expired entries
// on an interval; Close stops it.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	stats   Stats
	logger  zerolog.Logger
	janitor *janitor
	once    sync.Once
}

// MemoryOption configures the in-memory store.
type MemoryOption func(*Memory)

// WithJanitorInterval sets how often expired entries are swept.
// Zero or negative disables the janitor.
func WithJanitorInterval(d time.Duration) MemoryOption {
	return func(m *Memory) {
		if d > 0 {
			m.janitor = &janitor{interval: d, stop: make(chan struct{})}
		} else {
			m.janitor = nil
		}
	}
}

// WithMemoryLogger attaches a logger for sweep diagnostics.
func WithMemoryLogger(l zerolog.Logger) MemoryOption {
	return func(m *Memory) { m.logger = l }
}

// NewMemory creates an in-memory store. The janitor defaults to a 1 minute
// sweep interval.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		entries: make(map[string]*Entry),
		logger:  zerolog.Nop(),
		janitor: &janitor{interval: time.Minute, stop: make(chan struct{})},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.janitor != nil {
		go m.janitor.run(m)
	}
	return m
}

// Get retrieves an entry by hash. Expired entries are removed lazily.
func (m *Memory) Get(_ context.Context, hash string) (*Entry, bool) {
	now := time.Now()

	m.mu.RLock()
	e, ok := m.entries[hash]
	m.mu.RUnlock()

	if !ok {
		m.mu.Lock()
		m.stats.Misses++
		m.mu.Unlock()
		return nil, false
	}
	if e.Expired(now) {
		m.mu.Lock()
		if cur, still := m.entries[hash]; still && cur.Expired(now) {
			delete(m.entries, hash)
			m.stats.Evictions++
		}
		m.stats.Misses++
		m.mu.Unlock()
		return nil, false
	}

	m.mu.Lock()
	m.stats.Hits++
	m.mu.Unlock()
	return e.Clone(), true
}

// Set stores an entry, keeping the newer of the stored and incoming entries.
func (m *Memory) Set(_ context.Context, e *Entry) error {
	if e == nil || e.Hash == "" {
		return nil
	}
	clone := e.Clone()

	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.entries[e.Hash]; ok && cur.UpdatedAt.After(e.UpdatedAt) {
		return nil
	}
	m.entries[e.Hash] = clone
	m.stats.Sets++
	return nil
}

// Delete removes an entry.
func (m *Memory) Delete(_ context.Context, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, hash)
	return nil
}

// Clear removes all entries.
func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*Entry)
	return nil
}

// Range iterates over a snapshot of the live entries.
func (m *Memory) Range(_ context.Context, fn func(*Entry) bool) error {
	now := time.Now()

	m.mu.RLock()
	snapshot := make([]*Entry, 0, len(m.entries))
	for _, e := range m.entries {
		if e.Expired(now) {
			continue
		}
		snapshot = append(snapshot, e.Clone())
	}
	m.mu.RUnlock()

	for _, e := range snapshot {
		if !fn(e) {
			return nil
		}
	}
	return nil
}

// Stats returns performance counters.
func (m *Memory) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.stats
	s.Size = len(m.entries)
	return s
}

// Close stops the janitor. Safe to call more than once.
func (m *Memory) Close() error {
	m.once.Do(func() {
		if m.janitor != nil {
			close(m.janitor.stop)
		}
	})
	return nil
}

// sweep removes all expired entries and returns how many were dropped.
func (m *Memory) sweep() int {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for hash, e := range m.entries {
		if e.Expired(now) {
			delete(m.entries, hash)
			count++
		}
	}
	m.stats.Evictions += int64(count)
	return count
}

// janitor runs the periodic sweep loop.
type janitor struct {
	interval time.Duration
	stop     chan struct{}
}

func (j *janitor) run(m *Memory) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := m.sweep(); n > 0 {
				m.logger.Debug().Int("evicted", n).Msg("swept expired cache entries")
			}
		case <-j.stop:
			return
		}
	}
}
