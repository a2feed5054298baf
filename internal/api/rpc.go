// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/aquifercache/aquifer/internal/log"
	"github.com/aquifercache/aquifer/internal/metrics"
	"github.com/aquifercache/aquifer/internal/telemetry"
)

// handleQuery serves GET /api/rpc/{path}. Input rides in ?input= as
// URL-encoded JSON; absent means null.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	path := chi.URLParam(r, "path")
	ctx := log.ContextWithProcedure(r.Context(), path)
	ctx, span := telemetry.Tracer("aquifer.rpc").Start(ctx, "aquifer.fetch "+path)
	defer span.End()
	span.SetAttributes(telemetry.ProcedureAttributes(path, "query")...)

	var input json.RawMessage
	if raw := r.URL.Query().Get("input"); raw != "" {
		if !json.Valid([]byte(raw)) {
			metrics.RecordRPCRequest(path, "query", string(codeBadRequest))
			writeError(w, http.StatusBadRequest, codeBadRequest, "input is not valid JSON")
			return
		}
		input = json.RawMessage(raw)
	}

	data, err := s.helpers().Fetch(ctx, path, input)
	if err != nil {
		_, code := classify(err)
		span.SetAttributes(telemetry.ErrorAttributes(string(code))...)
		metrics.RecordRPCRequest(path, "query", string(code))
		writeClassified(w, r, err)
		return
	}

	metrics.RecordRPCRequest(path, "query", "OK")
	writeResult(w, data)
}

// handleMutation serves POST /api/rpc/{path}. The body is the input JSON;
// empty means null.
func (s *Server) handleMutation(w http.ResponseWriter, r *http.Request) {
	path := chi.URLParam(r, "path")
	ctx := log.ContextWithProcedure(r.Context(), path)
	ctx, span := telemetry.Tracer("aquifer.rpc").Start(ctx, "aquifer.mutate "+path)
	defer span.End()
	span.SetAttributes(telemetry.ProcedureAttributes(path, "mutation")...)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		status, code := classify(err)
		metrics.RecordRPCRequest(path, "mutation", string(code))
		writeError(w, status, code, "failed to read request body")
		return
	}
	var input json.RawMessage
	if len(body) > 0 {
		if !json.Valid(body) {
			metrics.RecordRPCRequest(path, "mutation", string(codeBadRequest))
			writeError(w, http.StatusBadRequest, codeBadRequest, "body is not valid JSON")
			return
		}
		input = json.RawMessage(body)
	}

	data, err := s.helpers().Mutate(ctx, path, input)
	if err != nil {
		_, code := classify(err)
		span.SetAttributes(telemetry.ErrorAttributes(string(code))...)
		metrics.RecordRPCRequest(path, "mutation", string(code))
		writeClassified(w, r, err)
		return
	}

	metrics.RecordRPCRequest(path, "mutation", "OK")
	writeResult(w, data)
}
