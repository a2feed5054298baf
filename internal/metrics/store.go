// SPDX-License-Identifier: MIT
package metrics

import (
	"context"

	"github.com/aquifercache/aquifer/qcache"
)

// InstrumentStore wraps a cache backend so every operation feeds the
// aquifer_cache_* metrics. The daemon wraps its store with this; library
// embedders keep their stores unobserved.
func InstrumentStore(backend string, inner qcache.Store) qcache.Store {
	return &instrumentedStore{backend: backend, inner: inner}
}

type instrumentedStore struct {
	backend string
	inner   qcache.Store
}

var _ qcache.Store = (*instrumentedStore)(nil)

func (s *instrumentedStore) Get(ctx context.Context, hash string) (*qcache.Entry, bool) {
	e, ok := s.inner.Get(ctx, hash)
	if ok {
		RecordCacheOperation(s.backend, "get", "hit")
	} else {
		RecordCacheOperation(s.backend, "get", "miss")
	}
	return e, ok
}

func (s *instrumentedStore) Set(ctx context.Context, e *qcache.Entry) error {
	err := s.inner.Set(ctx, e)
	RecordCacheOperation(s.backend, "set", outcome(err))
	return err
}

func (s *instrumentedStore) Delete(ctx context.Context, hash string) error {
	err := s.inner.Delete(ctx, hash)
	RecordCacheOperation(s.backend, "delete", outcome(err))
	return err
}

func (s *instrumentedStore) Clear(ctx context.Context) error {
	err := s.inner.Clear(ctx)
	RecordCacheOperation(s.backend, "clear", outcome(err))
	return err
}

func (s *instrumentedStore) Range(ctx context.Context, fn func(*qcache.Entry) bool) error {
	err := s.inner.Range(ctx, fn)
	RecordCacheOperation(s.backend, "range", outcome(err))
	return err
}

// Stats refreshes the entry gauge as a side effect; callers that poll stats
// keep the gauge current.
func (s *instrumentedStore) Stats() qcache.Stats {
	st := s.inner.Stats()
	SetCacheEntries(s.backend, st.Size)
	return st
}

func (s *instrumentedStore) Close() error { return s.inner.Close() }

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
