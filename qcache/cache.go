// SPDX-License-Identifier: MIT

// Package qcache implements the query result cache that backs server-side
// prefetching. Entries are keyed by a canonical hash of procedure path and
// input, carry a success/error state plus freshness metadata, and can be
// enumerated for dehydration. Backends: in-memory (this package), Redis
// (qcache/redis) and Badger (qcache/badger).
package qcache

import (
	"context"
	"encoding/json"
	"time"
)

// Status describes the terminal state of a cached query.
type Status string

const (
	// StatusPending marks an entry whose first fetch has not completed.
	// Pending entries are internal bookkeeping; they are never dehydrated.
	StatusPending Status = "pending"
	// StatusSuccess marks an entry holding resolver data.
	StatusSuccess Status = "success"
	// StatusError marks an entry holding a resolver failure.
	StatusError Status = "error"
)

// Entry is a single cached query result.
type Entry struct {
	Key       Key             `json:"key"`
	Hash      string          `json:"hash"`
	Status    Status          `json:"status"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
	FetchedAt time.Time       `json:"fetched_at"`
	StaleTime time.Duration   `json:"stale_time,omitempty"`
	TTL       time.Duration   `json:"ttl,omitempty"`
}

// Fresh reports whether the entry holds data that is recent enough to be
// served without refetching. Error and pending entries are never fresh.
func (e *Entry) Fresh(now time.Time) bool {
	if e == nil || e.Status != StatusSuccess {
		return false
	}
	if e.StaleTime <= 0 {
		return false
	}
	return now.Sub(e.UpdatedAt) < e.StaleTime
}

// Expired reports whether the entry has outlived its TTL. A non-positive TTL
// means the entry does not expire (backends may still enforce a floor).
func (e *Entry) Expired(now time.Time) bool {
	if e == nil {
		return true
	}
	if e.TTL <= 0 {
		return false
	}
	return now.Sub(e.UpdatedAt) >= e.TTL
}

// Clone returns a deep copy so callers can hold entries across cache writes.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	out := *e
	if e.Data != nil {
		out.Data = append(json.RawMessage(nil), e.Data...)
	}
	if e.Key.Input != nil {
		out.Key.Input = append(json.RawMessage(nil), e.Key.Input...)
	}
	return &out
}

// Stats holds cache performance counters.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Sets      int64 `json:"sets"`
	Evictions int64 `json:"evictions"`
	Size      int   `json:"size"`
}

// Store is the backend contract. Implementations must be safe for concurrent
// use. Set follows last-writer-wins by UpdatedAt: a write older than the
// stored entry must not regress it.
type Store interface {
	// Get retrieves an entry by hash. Expired entries are misses.
	Get(ctx context.Context, hash string) (*Entry, bool)
	// Set stores an entry under its Hash.
	Set(ctx context.Context, e *Entry) error
	// Delete removes an entry. Deleting a missing hash is not an error.
	Delete(ctx context.Context, hash string) error
	// Clear removes all entries.
	Clear(ctx context.Context) error
	// Range calls fn for each live entry until fn returns false. The
	// iteration sees a point-in-time view; entries may change afterwards.
	Range(ctx context.Context, fn func(*Entry) bool) error
	// Stats returns performance counters.
	Stats() Stats
	// Close releases backend resources.
	Close() error
}
