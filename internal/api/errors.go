// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/aquifercache/aquifer/internal/log"
	"github.com/aquifercache/aquifer/internal/manifest"
	"github.com/aquifercache/aquifer/internal/resilience"
	"github.com/aquifercache/aquifer/prefetch"
	"github.com/aquifercache/aquifer/router"
)

// Error codes carried in the RPC error envelope. Clients switch on the code,
// not the HTTP status.
type errorCode string

const (
	codeBadRequest      errorCode = "BAD_REQUEST"
	codeNotFound        errorCode = "NOT_FOUND"
	codeWrongKind       errorCode = "WRONG_KIND"
	codeTimeout         errorCode = "TIMEOUT"
	codeUnavailable     errorCode = "UNAVAILABLE"
	codePayloadTooLarge errorCode = "PAYLOAD_TOO_LARGE"
	codeUnprocessable   errorCode = "UNPROCESSABLE_CONTENT"
	codeInternal        errorCode = "INTERNAL"
)

type errorBody struct {
	Code    errorCode `json:"code"`
	Message string    `json:"message"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type resultBody struct {
	Data json.RawMessage `json:"data"`
}

type resultEnvelope struct {
	Result resultBody `json:"result"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger := log.Base()
		logger.Error().Err(err).Str("event", "api.encode_error").Msg("failed to encode response")
	}
}

// writeResult wraps data in the result envelope.
func writeResult(w http.ResponseWriter, data json.RawMessage) {
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	writeJSON(w, http.StatusOK, resultEnvelope{Result: resultBody{Data: data}})
}

// writeError emits the error envelope with an explicit status and code.
func writeError(w http.ResponseWriter, status int, code errorCode, message string) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{Code: code, Message: message}})
}

// writeClassified maps err onto a status and code and emits the envelope.
// Server-side failures are logged with request correlation.
func writeClassified(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		logger := log.WithComponentFromContext(r.Context(), "api")
		logger.Error().Err(err).
			Str("event", "api.request_failed").
			Str("path", r.URL.Path).
			Msg("request failed")
	}
	writeError(w, status, code, err.Error())
}

// classify maps sentinel errors onto envelope codes. Anything untyped is an
// internal error.
func classify(err error) (int, errorCode) {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.Is(err, router.ErrNotFound), errors.Is(err, manifest.ErrNotFound):
		return http.StatusNotFound, codeNotFound
	case errors.Is(err, prefetch.ErrWrongKind):
		return http.StatusMethodNotAllowed, codeWrongKind
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, codeTimeout
	case errors.Is(err, resilience.ErrCircuitOpen):
		return http.StatusServiceUnavailable, codeUnavailable
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge, codePayloadTooLarge
	default:
		return http.StatusInternalServerError, codeInternal
	}
}
