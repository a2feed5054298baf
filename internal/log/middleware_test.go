// SPDX-License-Identifier: MIT

package log

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareLogsRequestLine(t *testing.T) {
	configureForTest(t)

	handler := Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/rpc/post.byId", nil)
	req = req.WithContext(ContextWithRequestID(req.Context(), "req-42"))
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTeapot, rec.Code)

	entry := lastLine(t)
	assert.Equal(t, "http.request", entry["event"])
	assert.Equal(t, "GET", entry["method"])
	assert.Equal(t, "/api/rpc/post.byId", entry["path"])
	assert.Equal(t, float64(http.StatusTeapot), entry["status"])
	assert.Equal(t, float64(len("short and stout")), entry["bytes"])
	assert.Equal(t, "req-42", entry["request_id"])
}

func TestMiddlewareDefaultsToOK(t *testing.T) {
	configureForTest(t)

	handler := Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// No explicit WriteHeader and no body.
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	entry := lastLine(t)
	assert.Equal(t, float64(http.StatusOK), entry["status"])
	assert.Equal(t, float64(0), entry["bytes"])
}

func TestMiddlewareExposesContextLogger(t *testing.T) {
	configureForTest(t)

	var sawComponent string
	handler := Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := FromContext(r.Context())
		logger.Info().Msg("inner")
		sawComponent, _ = lastLine(t)["component"].(string)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, "http", sawComponent)
}
