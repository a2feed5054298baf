// SPDX-License-Identifier: MIT

package prefetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/aquifercache/aquifer/hydrate"
	"github.com/aquifercache/aquifer/qcache"
	"github.com/aquifercache/aquifer/router"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newHelpers(t *testing.T, build func(r *router.Router), opts ...Option) *Helpers {
	t.Helper()
	r := router.New()
	if build != nil {
		build(r)
	}
	h := New(r, opts...)
	t.Cleanup(func() { _ = h.Store().Close() })
	return h
}

func getEntry(t *testing.T, h *Helpers, path string, input json.RawMessage) (*qcache.Entry, bool) {
	t.Helper()
	key, err := qcache.NewKey(path, input)
	require.NoError(t, err)
	return h.Store().Get(context.Background(), key.Hash())
}

func TestPrefetch_FailingResolverDoesNotPropagate(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("upstream exploded")
	var calls atomic.Int32

	h := newHelpers(t, func(r *router.Router) {
		r.Query("post.byid", func(context.Context, json.RawMessage) (any, error) {
			calls.Add(1)
			return nil, boom
		})
	})

	// Returns normally; the failure lands in the cache instead.
	h.Prefetch(ctx, "post.byid", nil)

	e, ok := getEntry(t, h, "post.byid", nil)
	require.True(t, ok)
	assert.Equal(t, qcache.StatusError, e.Status)
	assert.Contains(t, e.Error, "upstream exploded")

	// Fetch surfaces what Prefetch swallowed.
	_, err := h.Fetch(ctx, "post.byid", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(2), calls.Load(), "error entries are never fresh, so fetch re-runs")
}

func TestPrefetch_PopulatesCache(t *testing.T) {
	ctx := context.Background()
	h := newHelpers(t, func(r *router.Router) {
		r.Query("post.byid", func(_ context.Context, input json.RawMessage) (any, error) {
			return map[string]any{"id": 7, "input": string(input)}, nil
		})
	})

	h.Prefetch(ctx, "post.byid", json.RawMessage(`{"id":7}`))

	e, ok := getEntry(t, h, "post.byid", json.RawMessage(`{"id":7}`))
	require.True(t, ok)
	assert.Equal(t, qcache.StatusSuccess, e.Status)
	assert.Contains(t, string(e.Data), `"id":7`)
}

func TestFetch_FreshEntrySkipsResolver(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32

	h := newHelpers(t, func(r *router.Router) {
		r.Query("post.list", func(context.Context, json.RawMessage) (any, error) {
			calls.Add(1)
			return []int{1, 2, 3}, nil
		})
	}, WithStaleTime(time.Minute))

	first, err := h.Fetch(ctx, "post.list", nil)
	require.NoError(t, err)

	second, err := h.Fetch(ctx, "post.list", nil)
	require.NoError(t, err)

	assert.Equal(t, string(first), string(second))
	assert.Equal(t, int32(1), calls.Load())

	// Prefetch also short-circuits on the fresh entry.
	h.Prefetch(ctx, "post.list", nil)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetch_ZeroStaleTimeAlwaysRefetches(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32

	h := newHelpers(t, func(r *router.Router) {
		r.Query("post.list", func(context.Context, json.RawMessage) (any, error) {
			calls.Add(1)
			return "data", nil
		})
	})

	_, err := h.Fetch(ctx, "post.list", nil)
	require.NoError(t, err)
	_, err = h.Fetch(ctx, "post.list", nil)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetch_ConcurrentCallsShareOneResolverRun(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	release := make(chan struct{})

	h := newHelpers(t, func(r *router.Router) {
		r.Query("slow.query", func(context.Context, json.RawMessage) (any, error) {
			calls.Add(1)
			<-release
			return "shared", nil
		})
	})

	const n = 10
	results := make(chan string, n)
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			data, err := h.Fetch(ctx, "slow.query", nil)
			if err != nil {
				errs <- err
				return
			}
			results <- string(data)
		}()
	}

	// Let every goroutine join the in-flight fetch, then let it finish.
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		t.Fatalf("unexpected fetch error: %v", err)
	}
	count := 0
	for data := range results {
		assert.Equal(t, `"shared"`, data)
		count++
	}
	assert.Equal(t, n, count)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPrefetch_UnknownPathRecordsErrorEntry(t *testing.T) {
	ctx := context.Background()
	h := newHelpers(t, nil)

	h.Prefetch(ctx, "no.such.path", nil)

	e, ok := getEntry(t, h, "no.such.path", nil)
	require.True(t, ok)
	assert.Equal(t, qcache.StatusError, e.Status)
	assert.Contains(t, e.Error, "procedure not found")

	// The misspelled prefetch is visible in the dehydrated payload.
	state, err := h.Dehydrate(ctx, hydrate.WithErrors())
	require.NoError(t, err)
	require.Equal(t, 1, state.Len())
	assert.Equal(t, "no.such.path", state.Queries[0].QueryKey.Path)

	_, err = h.Fetch(ctx, "no.such.path", nil)
	assert.ErrorIs(t, err, router.ErrNotFound)
}

func TestPrefetch_MutationPathIsRejected(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32

	h := newHelpers(t, func(r *router.Router) {
		r.Mutation("post.create", func(context.Context, json.RawMessage) (any, error) {
			calls.Add(1)
			return "created", nil
		})
	})

	h.Prefetch(ctx, "post.create", nil)
	assert.Equal(t, int32(0), calls.Load(), "prefetching a mutation must not run it")

	e, ok := getEntry(t, h, "post.create", nil)
	require.True(t, ok)
	assert.Equal(t, qcache.StatusError, e.Status)

	_, err := h.Fetch(ctx, "post.create", nil)
	assert.ErrorIs(t, err, ErrWrongKind)
}

func TestPrefetch_InvalidInputRecordsErrorEntry(t *testing.T) {
	ctx := context.Background()
	h := newHelpers(t, func(r *router.Router) {
		r.Query("post.byid", func(context.Context, json.RawMessage) (any, error) {
			return nil, nil
		})
	})

	h.Prefetch(ctx, "post.byid", json.RawMessage(`{broken`))

	e, ok := getEntry(t, h, "post.byid", nil)
	require.True(t, ok, "invalid input is recorded under the path with null input")
	assert.Equal(t, qcache.StatusError, e.Status)
	assert.Contains(t, e.Error, "invalid JSON")
}

func TestMutate(t *testing.T) {
	ctx := context.Background()
	h := newHelpers(t, func(r *router.Router) {
		r.Query("post.byid", func(context.Context, json.RawMessage) (any, error) {
			return nil, nil
		})
		r.Mutation("post.create", func(_ context.Context, input json.RawMessage) (any, error) {
			return map[string]any{"created": true}, nil
		})
	})

	data, err := h.Mutate(ctx, "post.create", json.RawMessage(`{"title":"a"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"created":true}`, string(data))

	// Mutation results never enter the cache.
	assert.Equal(t, 0, h.Store().Stats().Size)

	_, err = h.Mutate(ctx, "post.byid", nil)
	assert.ErrorIs(t, err, ErrWrongKind)
}

func TestPrefetch_ResolverPanicIsRecovered(t *testing.T) {
	ctx := context.Background()
	h := newHelpers(t, func(r *router.Router) {
		r.Query("panics.always", func(context.Context, json.RawMessage) (any, error) {
			panic("kaboom")
		})
	})

	require.NotPanics(t, func() { h.Prefetch(ctx, "panics.always", nil) })

	e, ok := getEntry(t, h, "panics.always", nil)
	require.True(t, ok)
	assert.Equal(t, qcache.StatusError, e.Status)
	assert.Contains(t, e.Error, "resolver panic: kaboom")

	_, err := h.Fetch(ctx, "panics.always", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resolver panic")
}

func TestFetch_RetriesThenSucceeds(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32

	h := newHelpers(t, func(r *router.Router) {
		r.Query("flaky.query", func(context.Context, json.RawMessage) (any, error) {
			if calls.Add(1) == 1 {
				return nil, fmt.Errorf("transient")
			}
			return "ok", nil
		})
	}, WithRetries(1))

	data, err := h.Fetch(ctx, "flaky.query", nil)
	require.NoError(t, err)
	assert.Equal(t, `"ok"`, string(data))
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetch_RetriesExhausted(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32

	h := newHelpers(t, func(r *router.Router) {
		r.Query("down.query", func(context.Context, json.RawMessage) (any, error) {
			calls.Add(1)
			return nil, fmt.Errorf("still down")
		})
	}, WithRetries(1))

	_, err := h.Fetch(ctx, "down.query", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 1 retries")
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetch_TimeoutRecordsError(t *testing.T) {
	ctx := context.Background()
	h := newHelpers(t, func(r *router.Router) {
		r.Query("slow.query", func(ctx context.Context, _ json.RawMessage) (any, error) {
			select {
			case <-time.After(5 * time.Second):
				return "too late", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}, router.WithTimeout(50*time.Millisecond))
	})

	_, err := h.Fetch(ctx, "slow.query", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	e, ok := getEntry(t, h, "slow.query", nil)
	require.True(t, ok)
	assert.Equal(t, qcache.StatusError, e.Status)
}

func TestPrefetch_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	h := newHelpers(t, func(r *router.Router) {
		r.Query("post.list", func(ctx context.Context, _ json.RawMessage) (any, error) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return "data", nil
		})
	})

	h.Prefetch(ctx, "post.list", nil)

	assert.Eventually(t, func() bool {
		e, ok := getEntry(t, h, "post.list", nil)
		return ok && e.Status == qcache.StatusError
	}, time.Second, 10*time.Millisecond, "cancellation should leave an error entry")
}

func TestPrefetchBatch(t *testing.T) {
	ctx := context.Background()

	var active, peak atomic.Int32
	h := newHelpers(t, func(r *router.Router) {
		r.Query("item.byid", func(context.Context, json.RawMessage) (any, error) {
			cur := active.Add(1)
			for {
				p := peak.Load()
				if cur <= p || peak.CompareAndSwap(p, cur) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			active.Add(-1)
			return "x", nil
		})
		r.Query("broken.byid", func(context.Context, json.RawMessage) (any, error) {
			return nil, fmt.Errorf("nope")
		})
	}, WithConcurrency(2))

	queries := []Query{
		{Path: "item.byid", Input: json.RawMessage(`1`)},
		{Path: "item.byid", Input: json.RawMessage(`2`)},
		{Path: "item.byid", Input: json.RawMessage(`3`)},
		{Path: "item.byid", Input: json.RawMessage(`4`)},
		{Path: "broken.byid", Input: json.RawMessage(`5`)},
		{Path: "missing.path", Input: nil},
	}
	h.PrefetchBatch(ctx, queries)

	assert.LessOrEqual(t, peak.Load(), int32(2), "fan-out must respect the concurrency bound")
	assert.Equal(t, 6, h.Store().Stats().Size, "every query leaves an entry, failures included")

	state, err := h.Dehydrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, state.Len(), "default dehydrate carries successes only")
}

func TestDehydrateQueries_RestrictsToRequested(t *testing.T) {
	ctx := context.Background()

	h := newHelpers(t, func(r *router.Router) {
		r.Query("post.byid", func(_ context.Context, input json.RawMessage) (any, error) {
			return string(input), nil
		})
	})

	h.Prefetch(ctx, "post.byid", json.RawMessage(`1`))
	h.Prefetch(ctx, "post.byid", json.RawMessage(`2`))
	h.Prefetch(ctx, "post.byid", json.RawMessage(`3`))

	state, err := h.DehydrateQueries(ctx, []Query{
		{Path: "post.byid", Input: json.RawMessage(`1`)},
		{Path: "POST.byID", Input: json.RawMessage(`3`)},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, state.Len(), "only the requested queries ship")

	full, err := h.Dehydrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, full.Len())
}

func TestHelpers_HydrateRoundTrip(t *testing.T) {
	ctx := context.Background()

	src := newHelpers(t, func(r *router.Router) {
		r.Query("post.byid", func(context.Context, json.RawMessage) (any, error) {
			return map[string]any{"id": 1}, nil
		})
	})
	src.Prefetch(ctx, "post.byid", nil)

	state, err := src.Dehydrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, "json", state.Transformer)

	dst := newHelpers(t, nil)
	applied, err := dst.Hydrate(ctx, state)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)

	typed := newHelpers(t, nil, WithTransformer(hydrate.Typed{}))
	_, err = typed.Hydrate(ctx, state)
	assert.ErrorIs(t, err, hydrate.ErrTransformerMismatch)
}

func TestWithConcurrencyClamped(t *testing.T) {
	h := newHelpers(t, nil, WithConcurrency(0))
	assert.Equal(t, 1, h.concurrency)

	h = newHelpers(t, nil, WithConcurrency(99))
	assert.Equal(t, 10, h.concurrency)
}
