// SPDX-License-Identifier: MIT

package prefetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aquifercache/aquifer/hydrate"
	"github.com/aquifercache/aquifer/internal/metrics"
	"github.com/aquifercache/aquifer/qcache"
	"github.com/aquifercache/aquifer/router"
)

// ErrWrongKind is returned when a query call names a mutation or a mutation
// call names a query.
var ErrWrongKind = errors.New("procedure kind mismatch")

// Prefetch executes a query and populates the cache. It returns nothing and
// never reports the resolver's failure; a failed fetch becomes a StatusError
// cache entry instead. Use Fetch when the caller needs the result or its
// errors. Misconfigured calls (unknown path, mutation path, invalid input)
// are logged and recorded as error entries so they show up in dehydrated
// payloads rather than vanish.
func (h *Helpers) Prefetch(ctx context.Context, path string, input json.RawMessage) {
	p, key, err := h.resolve(path, input, router.KindQuery)
	if err != nil {
		h.logger.Warn().Err(err).Str("procedure", key.Path).Msg("prefetch misconfigured")
		h.setEntry(ctx, h.errorEntry(key, nil, err))
		if h.metrics {
			metrics.RecordPrefetch(key.Path, "error")
		}
		return
	}
	_, _ = h.fetchQuery(ctx, p, key)
}

// Fetch executes a query and returns the wire-ready result, or the failure
// Prefetch would have swallowed. The cache is consulted and populated the
// same way.
func (h *Helpers) Fetch(ctx context.Context, path string, input json.RawMessage) (json.RawMessage, error) {
	p, key, err := h.resolve(path, input, router.KindQuery)
	if err != nil {
		return nil, err
	}
	e, err := h.fetchQuery(ctx, p, key)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", key.Path, err)
	}
	return e.Data, nil
}

// Mutate runs a mutation resolver. Results are returned to the caller and
// never cached, so they can never leak into a dehydrated payload.
func (h *Helpers) Mutate(ctx context.Context, path string, input json.RawMessage) (json.RawMessage, error) {
	p, key, err := h.resolve(path, input, router.KindMutation)
	if err != nil {
		return nil, err
	}

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = h.timeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := callResolver(cctx, p, key.Input)
	if err != nil {
		return nil, fmt.Errorf("mutate %s: %w", key.Path, err)
	}
	data, err := h.transformer.Encode(out)
	if err != nil {
		return nil, fmt.Errorf("mutate %s: encode result: %w", key.Path, err)
	}
	return data, nil
}

// PrefetchBatch fans the queries out with bounded concurrency and blocks
// until every one has completed. Like Prefetch it never reports failures.
func (h *Helpers) PrefetchBatch(ctx context.Context, queries []Query) {
	if len(queries) == 0 {
		return
	}
	var g errgroup.Group
	g.SetLimit(h.concurrency)
	for _, q := range queries {
		g.Go(func() error {
			h.Prefetch(ctx, q.Path, q.Input)
			return nil
		})
	}
	_ = g.Wait()
}

// Dehydrate serializes the bound store, tagged with the bound transformer.
func (h *Helpers) Dehydrate(ctx context.Context, opts ...hydrate.Option) (*hydrate.DehydratedState, error) {
	base := []hydrate.Option{
		hydrate.WithTransformerName(h.transformer.Name()),
		hydrate.WithLogger(h.logger),
	}
	return hydrate.Dehydrate(ctx, h.store, append(base, opts...)...)
}

// DehydrateQueries serializes only the given queries' entries. Callers that
// share one long-lived store use this to ship a page-sized payload instead
// of the whole cache.
func (h *Helpers) DehydrateQueries(ctx context.Context, queries []Query, opts ...hydrate.Option) (*hydrate.DehydratedState, error) {
	wanted := make(map[string]struct{}, len(queries))
	for _, q := range queries {
		lower := strings.ToLower(q.Path)
		key, err := qcache.NewKey(lower, q.Input)
		if err != nil {
			// Invalid input is cached under the null-input key; keep the
			// error entry reachable.
			key = qcache.Key{Path: lower, Input: json.RawMessage("null")}
		}
		wanted[key.Hash()] = struct{}{}
	}
	base := []hydrate.Option{
		hydrate.WithFilter(func(e *qcache.Entry) bool {
			_, ok := wanted[e.Hash]
			return ok
		}),
	}
	return h.Dehydrate(ctx, append(base, opts...)...)
}

// Hydrate merges a state produced elsewhere into the bound store, verifying
// it was encoded by the same transformer.
func (h *Helpers) Hydrate(ctx context.Context, state *hydrate.DehydratedState) (int, error) {
	return hydrate.Hydrate(ctx, h.store, state,
		hydrate.WithExpectedTransformer(h.transformer.Name()))
}

// resolve validates the call and builds the cache key. The returned key is
// usable even on error so failures can be recorded in the cache.
func (h *Helpers) resolve(path string, input json.RawMessage, want router.Kind) (*router.Procedure, qcache.Key, error) {
	lower := strings.ToLower(path)
	key, err := qcache.NewKey(lower, input)
	if err != nil {
		return nil, qcache.Key{Path: lower, Input: json.RawMessage("null")}, err
	}
	p, ok := h.router.Lookup(lower)
	if !ok {
		return nil, key, fmt.Errorf("%s: %w", lower, router.ErrNotFound)
	}
	if p.Kind != want {
		return nil, key, fmt.Errorf("%s is a %s: %w", lower, p.Kind, ErrWrongKind)
	}
	return p, key, nil
}

// fetchQuery runs the query through cache and singleflight. It returns the
// resulting entry and the resolver error, both of which are also recorded in
// the store.
func (h *Helpers) fetchQuery(ctx context.Context, p *router.Procedure, key qcache.Key) (*qcache.Entry, error) {
	hash := key.Hash()

	if cur, ok := h.store.Get(ctx, hash); ok && cur.Fresh(time.Now()) {
		if h.metrics {
			metrics.RecordPrefetch(p.Path, "cache_hit")
		}
		return cur, nil
	}

	start := time.Now()
	ch := h.flight.DoChan(hash, func() (any, error) {
		return h.execute(ctx, p, key)
	})

	select {
	case <-ctx.Done():
		// The flight keeps running on the leader's behalf; this caller
		// just stops waiting for it.
		return nil, ctx.Err()
	case res := <-ch:
		if h.metrics {
			if res.Shared {
				metrics.RecordFetchDedup(p.Path)
			}
			outcome := "success"
			if res.Err != nil {
				outcome = "error"
			}
			metrics.RecordPrefetch(p.Path, outcome)
			metrics.ObservePrefetchDuration(p.Path, time.Since(start).Seconds())
		}
		e, _ := res.Val.(*qcache.Entry)
		return e, res.Err
	}
}

// execute performs the resolver call with timeout, retries and panic
// recovery, transforms the output and stores the terminal entry.
func (h *Helpers) execute(ctx context.Context, p *router.Procedure, key qcache.Key) (*qcache.Entry, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = h.timeout
	}
	retries := p.Retries
	if retries <= 0 {
		retries = h.retries
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var out any
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt*attempt) * retryBaseDelay
			select {
			case <-time.After(backoff):
			case <-cctx.Done():
				lastErr = cctx.Err()
				e := h.errorEntry(key, p, lastErr)
				h.setEntry(ctx, e)
				return e, lastErr
			}
		}
		out, lastErr = callResolver(cctx, p, key.Input)
		if lastErr == nil {
			break
		}
	}
	if lastErr != nil {
		if retries > 0 {
			lastErr = fmt.Errorf("after %d retries: %w", retries, lastErr)
		}
		e := h.errorEntry(key, p, lastErr)
		h.setEntry(ctx, e)
		return e, lastErr
	}

	data, err := h.transformer.Encode(out)
	if err != nil {
		err = fmt.Errorf("encode result: %w", err)
		e := h.errorEntry(key, p, err)
		h.setEntry(ctx, e)
		return e, err
	}

	now := time.Now().UTC()
	e := &qcache.Entry{
		Key:       key,
		Hash:      key.Hash(),
		Status:    qcache.StatusSuccess,
		Data:      data,
		UpdatedAt: now,
		FetchedAt: now,
		StaleTime: h.staleTimeFor(p),
		TTL:       h.ttlFor(p),
	}
	h.setEntry(ctx, e)
	return e, nil
}

// callResolver invokes the resolver and converts panics into errors, so a
// fire-and-forget prefetch cannot crash the process.
func callResolver(ctx context.Context, p *router.Procedure, input json.RawMessage) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("resolver panic: %v", r)
		}
	}()
	return p.Resolver(ctx, input)
}

func (h *Helpers) staleTimeFor(p *router.Procedure) time.Duration {
	if p != nil && p.StaleTime > 0 {
		return p.StaleTime
	}
	return h.staleTime
}

func (h *Helpers) ttlFor(p *router.Procedure) time.Duration {
	if p != nil && p.TTL > 0 {
		return p.TTL
	}
	return h.ttl
}

func (h *Helpers) errorEntry(key qcache.Key, p *router.Procedure, cause error) *qcache.Entry {
	now := time.Now().UTC()
	return &qcache.Entry{
		Key:       key,
		Hash:      key.Hash(),
		Status:    qcache.StatusError,
		Error:     cause.Error(),
		UpdatedAt: now,
		FetchedAt: now,
		TTL:       h.ttlFor(p),
	}
}

// setEntry writes through a detached context so a canceled caller still
// leaves its terminal entry behind.
func (h *Helpers) setEntry(ctx context.Context, e *qcache.Entry) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := h.store.Set(wctx, e); err != nil {
		h.logger.Warn().Err(err).Str("procedure", e.Key.Path).Msg("cache write failed")
	}
}
