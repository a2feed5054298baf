// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/aquifercache/aquifer/hydrate"
	"github.com/aquifercache/aquifer/prefetch"
)

// maxPrefetchQueries caps one ad hoc prefetch request. Bigger workloads
// belong in a route manifest where the refresher paces them.
const maxPrefetchQueries = 50

type prefetchRequest struct {
	Queries []prefetch.Query `json:"queries"`
	// Full switches the response from the requested queries to a dump of
	// the whole cache.
	Full bool `json:"full"`
}

// handlePrefetch serves POST /api/prefetch: run the batch, then return the
// dehydrated state for exactly the requested queries. Query failures are
// error entries in the payload, not HTTP failures.
func (s *Server) handlePrefetch(w http.ResponseWriter, r *http.Request) {
	var req prefetchRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		status, code := classify(err)
		if code == codeInternal {
			status, code = http.StatusBadRequest, codeBadRequest
		}
		writeError(w, status, code, fmt.Sprintf("invalid prefetch request: %v", err))
		return
	}
	if len(req.Queries) == 0 {
		writeError(w, http.StatusBadRequest, codeBadRequest, "queries is required")
		return
	}
	if len(req.Queries) > maxPrefetchQueries {
		writeError(w, http.StatusRequestEntityTooLarge, codePayloadTooLarge,
			fmt.Sprintf("too many queries: %d exceeds the limit of %d", len(req.Queries), maxPrefetchQueries))
		return
	}

	h := s.helpers()
	h.PrefetchBatch(r.Context(), req.Queries)

	// Unlike snapshots, the ad hoc surface ships error entries too; the
	// caller named these queries and needs to see which ones failed.
	var (
		state *hydrate.DehydratedState
		err   error
	)
	if req.Full {
		state, err = h.Dehydrate(r.Context(), hydrate.WithErrors())
	} else {
		state, err = h.DehydrateQueries(r.Context(), req.Queries, hydrate.WithErrors())
	}
	if err != nil {
		writeClassified(w, r, err)
		return
	}

	logger := requestLogger(r)
	logger.Debug().
		Str("event", "api.prefetch").
		Int("queries", len(req.Queries)).
		Bool("full", req.Full).
		Int("dehydrated", state.Len()).
		Msg("ad hoc prefetch served")

	writeJSON(w, http.StatusOK, state)
}
