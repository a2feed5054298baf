// SPDX-License-Identifier: MIT

// Package hydrate serializes a query cache for transport and merges such
// payloads back into a cache. Dehydrate snapshots the store into a
// JSON-stable state; Hydrate applies a state without regressing entries the
// local cache already holds in newer form.
package hydrate

import (
	"encoding/json"
	"time"

	"github.com/aquifercache/aquifer/qcache"
)

// QueryState is the client-facing view of one cached result.
type QueryState struct {
	Data          json.RawMessage `json:"data,omitempty"`
	Error         string          `json:"error,omitempty"`
	Status        qcache.Status   `json:"status"`
	DataUpdatedAt int64           `json:"dataUpdatedAt"`
}

// DehydratedQuery pairs a query identity with its state.
type DehydratedQuery struct {
	QueryKey  qcache.Key `json:"queryKey"`
	QueryHash string     `json:"queryHash"`
	State     QueryState `json:"state"`
}

// DehydratedState is the transportable snapshot of a cache. Queries are
// sorted by hash so equal caches dehydrate to equal bytes. Transformer names
// the encoder that produced the Data payloads.
type DehydratedState struct {
	Queries     []DehydratedQuery `json:"queries"`
	Transformer string            `json:"transformer,omitempty"`
	GeneratedAt time.Time         `json:"generatedAt"`
}

// Len reports the number of dehydrated queries.
func (s *DehydratedState) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Queries)
}

func entryToQuery(e *qcache.Entry) DehydratedQuery {
	return DehydratedQuery{
		QueryKey:  e.Key,
		QueryHash: e.Hash,
		State: QueryState{
			Data:          e.Data,
			Error:         e.Error,
			Status:        e.Status,
			DataUpdatedAt: e.UpdatedAt.UnixMilli(),
		},
	}
}

func queryToEntry(q DehydratedQuery) *qcache.Entry {
	at := time.UnixMilli(q.State.DataUpdatedAt).UTC()
	return &qcache.Entry{
		Key:       q.QueryKey,
		Hash:      q.QueryHash,
		Status:    q.State.Status,
		Data:      q.State.Data,
		Error:     q.State.Error,
		UpdatedAt: at,
		FetchedAt: at,
	}
}
