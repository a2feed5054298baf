// SPDX-License-Identifier: MIT

package hydrate

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/aquifercache/aquifer/qcache"
)

// Option configures a Dehydrate call.
type Option func(*options)

type options struct {
	includeErrors bool
	filter        func(*qcache.Entry) bool
	transformer   string
	logger        zerolog.Logger
}

// WithErrors includes StatusError entries in the payload. The default keeps
// only successes, which is what hydration consumers expect to display.
func WithErrors() Option {
	return func(o *options) { o.includeErrors = true }
}

// WithFilter keeps only entries for which fn returns true. It composes with
// the status rule: pending entries stay excluded regardless.
func WithFilter(fn func(*qcache.Entry) bool) Option {
	return func(o *options) { o.filter = fn }
}

// WithTransformerName tags the payload with the name of the transformer that
// encoded its Data fields.
func WithTransformerName(name string) Option {
	return func(o *options) { o.transformer = name }
}

// WithLogger sets the logger for skipped-entry warnings.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// Dehydrate snapshots the store into a transportable state. The store is not
// mutated. Entries holding invalid JSON are skipped with a warning rather
// than failing the whole payload.
func Dehydrate(ctx context.Context, store qcache.Store, opts ...Option) (*DehydratedState, error) {
	o := options{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}

	state := &DehydratedState{
		Queries:     []DehydratedQuery{},
		Transformer: o.transformer,
		GeneratedAt: time.Now().UTC(),
	}

	skipped := 0
	err := store.Range(ctx, func(e *qcache.Entry) bool {
		switch e.Status {
		case qcache.StatusSuccess:
		case qcache.StatusError:
			if !o.includeErrors {
				return true
			}
		default:
			// Pending entries are in-flight bookkeeping, never shipped.
			return true
		}
		if o.filter != nil && !o.filter(e) {
			return true
		}
		if e.Status == qcache.StatusSuccess && !json.Valid(e.Data) {
			skipped++
			o.logger.Warn().
				Str("path", e.Key.Path).
				Str("hash", e.Hash).
				Msg("skipping cache entry with invalid data")
			return true
		}
		state.Queries = append(state.Queries, entryToQuery(e))
		return true
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(state.Queries, func(i, j int) bool {
		return state.Queries[i].QueryHash < state.Queries[j].QueryHash
	})

	if skipped > 0 {
		o.logger.Warn().Int("skipped", skipped).Msg("dehydrate dropped invalid entries")
	}
	return state, nil
}
