// SPDX-License-Identifier: MIT

// Package ratelimit throttles outbound requests per origin host.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/aquifercache/aquifer/internal/metrics"
)

// Limiter hands out one token bucket per origin host. All hosts share the
// same rate/burst settings; host cardinality is bounded by the configured
// origins, so buckets are never evicted.
type Limiter struct {
	scope string
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	perHost map[string]*rate.Limiter
}

// New creates a limiter. rps <= 0 disables throttling. The scope labels
// rejection metrics (e.g. "upstream").
func New(scope string, rps float64, burst int) *Limiter {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		scope:   scope,
		rps:     limit,
		burst:   burst,
		perHost: make(map[string]*rate.Limiter),
	}
}

// Wait blocks until the host's bucket has a token or ctx is done. A ctx
// that expires (or would expire before a token frees up) counts as a
// rejection.
func (l *Limiter) Wait(ctx context.Context, host string) error {
	if err := l.hostLimiter(host).Wait(ctx); err != nil {
		metrics.IncRatelimitExceeded(l.scope)
		return err
	}
	return nil
}

// Allow reports whether the host's bucket has a token right now.
func (l *Limiter) Allow(host string) bool {
	if l.hostLimiter(host).Allow() {
		return true
	}
	metrics.IncRatelimitExceeded(l.scope)
	return false
}

func (l *Limiter) hostLimiter(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, ok := l.perHost[host]
	if !ok {
		limiter = rate.NewLimiter(l.rps, l.burst)
		l.perHost[host] = limiter
	}
	return limiter
}
