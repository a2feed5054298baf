// SPDX-License-Identifier: MIT

// Package prefetch implements server-side query helpers: execute procedures
// against a router, populate a query cache, and dehydrate the cache for
// transport. Prefetch never reports resolver failures; Fetch does. This is
// the calling convention the whole module exists to provide.
package prefetch

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/aquifercache/aquifer/hydrate"
	"github.com/aquifercache/aquifer/qcache"
	"github.com/aquifercache/aquifer/router"
)

const (
	defaultConcurrency = 5
	minConcurrency     = 1
	maxConcurrency     = 10

	defaultTTL     = 5 * time.Minute
	defaultTimeout = 10 * time.Second

	retryBaseDelay = 250 * time.Millisecond
)

// Query names one batch element: a procedure path plus its input JSON.
type Query struct {
	Path  string          `json:"path"`
	Input json.RawMessage `json:"input,omitempty"`
}

// Option configures Helpers.
type Option func(*Helpers)

// WithStore sets the query cache backend. The default is an in-memory store
// without a janitor goroutine; expired entries are dropped lazily on access.
func WithStore(s qcache.Store) Option {
	return func(h *Helpers) { h.store = s }
}

// WithTransformer sets the encoder applied to resolver outputs before they
// enter the cache. Default is the plain JSON transformer.
func WithTransformer(tr hydrate.Transformer) Option {
	return func(h *Helpers) { h.transformer = tr }
}

// WithLogger attaches a logger. Default discards.
func WithLogger(l zerolog.Logger) Option {
	return func(h *Helpers) { h.logger = l }
}

// WithConcurrency bounds PrefetchBatch fan-out. Values are clamped to
// [1, 10]; the default is 5.
func WithConcurrency(n int) Option {
	return func(h *Helpers) {
		if n < minConcurrency {
			n = minConcurrency
		}
		if n > maxConcurrency {
			n = maxConcurrency
		}
		h.concurrency = n
	}
}

// WithStaleTime sets the default freshness window. Zero (the default) means
// every call refetches.
func WithStaleTime(d time.Duration) Option {
	return func(h *Helpers) { h.staleTime = d }
}

// WithTTL sets the default cache lifetime for entries. Default 5m.
func WithTTL(d time.Duration) Option {
	return func(h *Helpers) { h.ttl = d }
}

// WithTimeout bounds a single resolver invocation. Default 10s.
func WithTimeout(d time.Duration) Option {
	return func(h *Helpers) { h.timeout = d }
}

// WithRetries re-runs failed resolvers up to n extra times with quadratic
// backoff. Default 0. Mutations are never retried.
func WithRetries(n int) Option {
	return func(h *Helpers) {
		if n < 0 {
			n = 0
		}
		h.retries = n
	}
}

// WithMetrics enables prometheus counters for prefetch outcomes. Off by
// default so library embedders do not pollute their registries; the daemon
// turns it on.
func WithMetrics(enabled bool) Option {
	return func(h *Helpers) { h.metrics = enabled }
}

// Helpers executes procedures and maintains the query cache. Safe for
// concurrent use.
type Helpers struct {
	router      *router.Router
	store       qcache.Store
	transformer hydrate.Transformer
	logger      zerolog.Logger
	flight      singleflight.Group

	concurrency int
	staleTime   time.Duration
	ttl         time.Duration
	timeout     time.Duration
	retries     int
	metrics     bool
}

// New builds helpers bound to a router. Context is passed per call, not
// bound at construction.
func New(r *router.Router, opts ...Option) *Helpers {
	h := &Helpers{
		router:      r,
		transformer: hydrate.JSON{},
		logger:      zerolog.Nop(),
		concurrency: defaultConcurrency,
		ttl:         defaultTTL,
		timeout:     defaultTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.store == nil {
		h.store = qcache.NewMemory(qcache.WithJanitorInterval(0))
	}
	return h
}

// Store exposes the bound cache backend.
func (h *Helpers) Store() qcache.Store { return h.store }

// Router exposes the bound procedure registry.
func (h *Helpers) Router() *router.Router { return h.router }

// Transformer exposes the bound transformer.
func (h *Helpers) Transformer() hydrate.Transformer { return h.transformer }
