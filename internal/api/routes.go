// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aquifercache/aquifer/internal/log"
	"github.com/aquifercache/aquifer/internal/manifest"
	"github.com/aquifercache/aquifer/prefetch"
)

// routeDTO is the wire shape for manifest routes. Refresh travels as whole
// seconds, matching the column it is stored in.
type routeDTO struct {
	Name           string           `json:"name"`
	Queries        []prefetch.Query `json:"queries"`
	RefreshSeconds int64            `json:"refresh_seconds"`
	UpdatedAt      *time.Time       `json:"updated_at,omitempty"`
}

type routeListResponse struct {
	Routes []routeDTO `json:"routes"`
}

func toDTO(r manifest.Route) routeDTO {
	dto := routeDTO{
		Name:           r.Name,
		Queries:        r.Queries,
		RefreshSeconds: int64(r.Refresh / time.Second),
	}
	if !r.UpdatedAt.IsZero() {
		t := r.UpdatedAt
		dto.UpdatedAt = &t
	}
	return dto
}

// handleRouteList serves GET /api/routes.
func (s *Server) handleRouteList(w http.ResponseWriter, r *http.Request) {
	routes, err := s.deps.Manifests.List(r.Context())
	if err != nil {
		writeClassified(w, r, err)
		return
	}
	resp := routeListResponse{Routes: make([]routeDTO, 0, len(routes))}
	for _, rt := range routes {
		resp.Routes = append(resp.Routes, toDTO(rt))
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleRouteGet serves GET /api/routes/{name} and GET /api/routes/{name}/state.
// Names contain slashes, so both arrive on the wildcard; a trailing /state
// segment selects the rendered-state variant.
func (s *Server) handleRouteGet(w http.ResponseWriter, r *http.Request) {
	wild := chi.URLParam(r, "*")
	if name, ok := strings.CutSuffix(wild, "/state"); ok {
		s.serveRouteState(w, r, name)
		return
	}

	route, err := s.deps.Manifests.Get(r.Context(), wild)
	if err != nil {
		writeClassified(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDTO(*route))
}

// serveRouteState prefetches the route's manifest and responds with the
// dehydrated state in one round trip. Nothing is written to the snapshot
// store; this is the live equivalent of a snapshot.
func (s *Server) serveRouteState(w http.ResponseWriter, r *http.Request, name string) {
	ctx := log.ContextWithRoute(r.Context(), name)

	route, err := s.deps.Manifests.Get(ctx, name)
	if err != nil {
		writeClassified(w, r, err)
		return
	}

	h := s.helpers()
	h.PrefetchBatch(ctx, route.Queries)
	state, err := h.DehydrateQueries(ctx, route.Queries)
	if err != nil {
		writeClassified(w, r, err)
		return
	}

	logger := requestLogger(r)
	logger.Debug().
		Str("event", "api.route_state").
		Str(log.FieldRoute, route.Name).
		Int("queries", len(route.Queries)).
		Msg("on-demand route state served")

	writeJSON(w, http.StatusOK, state)
}

// handleRoutePut serves PUT /api/routes/{name}: validate against the live
// router, then upsert. Unknown procedures and mutations are a 422; a
// malformed name or body is a 400.
func (s *Server) handleRoutePut(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "*")
	if err := manifest.ValidateName(name); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}

	var dto routeDTO
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&dto); err != nil {
		status, code := classify(err)
		if code == codeInternal {
			status, code = http.StatusBadRequest, codeBadRequest
		}
		writeError(w, status, code, fmt.Sprintf("invalid route payload: %v", err))
		return
	}
	if dto.Name != "" && !strings.EqualFold(dto.Name, name) {
		writeError(w, http.StatusBadRequest, codeBadRequest,
			fmt.Sprintf("body names route %q but the URL names %q", dto.Name, name))
		return
	}
	if len(dto.Queries) == 0 {
		writeError(w, http.StatusBadRequest, codeBadRequest, "queries is required")
		return
	}
	if dto.RefreshSeconds < 0 {
		writeError(w, http.StatusBadRequest, codeBadRequest, "refresh_seconds must not be negative")
		return
	}

	route := manifest.Route{
		Name:    name,
		Queries: dto.Queries,
		Refresh: time.Duration(dto.RefreshSeconds) * time.Second,
	}

	if err := route.Validate(s.helpers().Router()); err != nil {
		writeError(w, http.StatusUnprocessableEntity, codeUnprocessable, err.Error())
		return
	}

	if err := s.deps.Manifests.Upsert(r.Context(), route); err != nil {
		writeClassified(w, r, err)
		return
	}

	stored, err := s.deps.Manifests.Get(r.Context(), name)
	if err != nil {
		writeClassified(w, r, err)
		return
	}

	logger := requestLogger(r)
	logger.Info().
		Str("event", "api.route_upserted").
		Str(log.FieldRoute, stored.Name).
		Int("queries", len(stored.Queries)).
		Msg("route manifest stored")

	writeJSON(w, http.StatusOK, toDTO(*stored))
}

// handleRouteDelete serves DELETE /api/routes/{name}.
func (s *Server) handleRouteDelete(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "*")

	if err := s.deps.Manifests.Delete(r.Context(), name); err != nil {
		writeClassified(w, r, err)
		return
	}

	logger := requestLogger(r)
	logger.Info().
		Str("event", "api.route_deleted").
		Str(log.FieldRoute, strings.ToLower(name)).
		Msg("route manifest deleted")

	w.WriteHeader(http.StatusNoContent)
}
