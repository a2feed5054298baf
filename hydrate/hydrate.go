// SPDX-License-Identifier: MIT

package hydrate

import (
	"context"
	"errors"
	"fmt"

	"github.com/aquifercache/aquifer/qcache"
)

// ErrTransformerMismatch means a payload was produced by a different
// transformer than the consumer expects, so its Data fields would decode
// wrongly.
var ErrTransformerMismatch = errors.New("dehydrated state transformer mismatch")

// HydrateOption configures a Hydrate call.
type HydrateOption func(*hydrateOptions)

type hydrateOptions struct {
	expectTransformer string
	checkTransformer  bool
	allowMismatch     bool
}

// WithExpectedTransformer makes Hydrate verify the payload's transformer tag.
func WithExpectedTransformer(name string) HydrateOption {
	return func(o *hydrateOptions) {
		o.expectTransformer = name
		o.checkTransformer = true
	}
}

// AllowTransformerMismatch downgrades a transformer mismatch from an error
// to a plain merge. Use it only when the consumer treats Data as opaque.
func AllowTransformerMismatch() HydrateOption {
	return func(o *hydrateOptions) { o.allowMismatch = true }
}

// Hydrate merges a dehydrated state into the store and returns how many
// entries were applied. An entry is skipped when the store already holds the
// same hash at least as new, so hydration never regresses local data.
// Pending states in the payload are ignored.
func Hydrate(ctx context.Context, store qcache.Store, state *DehydratedState, opts ...HydrateOption) (int, error) {
	if state == nil {
		return 0, nil
	}
	var o hydrateOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.checkTransformer && !o.allowMismatch && state.Transformer != o.expectTransformer {
		return 0, fmt.Errorf("%w: payload %q, want %q",
			ErrTransformerMismatch, state.Transformer, o.expectTransformer)
	}

	applied := 0
	for _, q := range state.Queries {
		if err := ctx.Err(); err != nil {
			return applied, err
		}
		switch q.State.Status {
		case qcache.StatusSuccess, qcache.StatusError:
		default:
			continue
		}

		incoming := queryToEntry(q)
		if cur, ok := store.Get(ctx, q.QueryHash); ok && !cur.UpdatedAt.Before(incoming.UpdatedAt) {
			continue
		}
		if err := store.Set(ctx, incoming); err != nil {
			return applied, fmt.Errorf("hydrate %q: %w", q.QueryKey.Path, err)
		}
		applied++
	}
	return applied, nil
}
