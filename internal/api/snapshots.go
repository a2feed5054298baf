// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/aquifercache/aquifer/internal/log"
)

// handleSnapshotGet serves GET /api/snapshots/{name}: the last rendered
// snapshot for a route with conditional request support. The ETag is content
// addressed, so If-None-Match survives daemon restarts.
func (s *Server) handleSnapshotGet(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "*")

	meta, ok := s.deps.Snapshots.Stat(name)
	if !ok {
		writeError(w, http.StatusNotFound, codeNotFound, "snapshot not rendered")
		return
	}

	if match := r.Header.Get("If-None-Match"); match != "" && etagMatches(match, meta.ETag) {
		w.Header().Set("ETag", meta.ETag)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	payload, meta, err := s.deps.Snapshots.Load(name)
	if err != nil {
		writeClassified(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("ETag", meta.ETag)
	w.Header().Set("Last-Modified", meta.GeneratedAt.UTC().Format(http.TimeFormat))
	if _, err := w.Write(payload); err != nil {
		logger := log.WithComponentFromContext(r.Context(), "api")
		logger.Debug().Err(err).Str(log.FieldRoute, meta.Route).Msg("snapshot write aborted by client")
	}
}

// etagMatches implements the If-None-Match comparison for our always-strong
// tags: a wildcard or any listed tag equal to the current one.
func etagMatches(header, etag string) bool {
	if header == "*" {
		return true
	}
	for _, candidate := range strings.Split(header, ",") {
		if strings.TrimSpace(candidate) == etag {
			return true
		}
	}
	return false
}
