// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aquifercache/aquifer/qcache"
)

func putRoute(t *testing.T, ts *testServer, name, body string) {
	t.Helper()
	rec := ts.do(t, http.MethodPut, "/api/routes/"+name, strings.NewReader(body))
	require.Equal(t, http.StatusOK, rec.Code, "put %s: %s", name, rec.Body.String())
}

func TestRouteLifecycle(t *testing.T) {
	ts := newTestServer(t)

	// Create.
	body := `{"queries":[{"path":"post.byid","input":{"id":42}},{"path":"post.list"}],"refresh_seconds":60}`
	rec := ts.do(t, http.MethodPut, "/api/routes/posts/42", strings.NewReader(body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var dto routeDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dto))
	assert.Equal(t, "posts/42", dto.Name)
	assert.Equal(t, int64(60), dto.RefreshSeconds)
	require.Len(t, dto.Queries, 2)
	require.NotNil(t, dto.UpdatedAt)

	// Read back, list and single.
	rec = ts.do(t, http.MethodGet, "/api/routes", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list routeListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Routes, 1)
	assert.Equal(t, "posts/42", list.Routes[0].Name)

	rec = ts.do(t, http.MethodGet, "/api/routes/posts/42", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dto))
	assert.Equal(t, "posts/42", dto.Name)

	// Overwrite with a shorter manifest.
	body = `{"queries":[{"path":"post.list"}],"refresh_seconds":0}`
	rec = ts.do(t, http.MethodPut, "/api/routes/posts/42", strings.NewReader(body))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dto))
	require.Len(t, dto.Queries, 1)
	assert.Zero(t, dto.RefreshSeconds)

	// Delete, then the route is gone.
	rec = ts.do(t, http.MethodDelete, "/api/routes/posts/42", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/api/routes/posts/42", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/routes/posts/42", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	code, _ := decodeError(t, rec)
	assert.Equal(t, "NOT_FOUND", code)
}

func TestRoutePutUnknownProcedure(t *testing.T) {
	ts := newTestServer(t)

	body := `{"queries":[{"path":"post.vanished"}]}`
	rec := ts.do(t, http.MethodPut, "/api/routes/posts/index", strings.NewReader(body))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	code, msg := decodeError(t, rec)
	assert.Equal(t, "UNPROCESSABLE_CONTENT", code)
	assert.Contains(t, msg, "post.vanished")
}

func TestRoutePutRejectsMutationQuery(t *testing.T) {
	ts := newTestServer(t)

	body := `{"queries":[{"path":"post.create"}]}`
	rec := ts.do(t, http.MethodPut, "/api/routes/posts/index", strings.NewReader(body))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	code, msg := decodeError(t, rec)
	assert.Equal(t, "UNPROCESSABLE_CONTENT", code)
	assert.Contains(t, msg, "mutation")
}

func TestRoutePutValidation(t *testing.T) {
	ts := newTestServer(t)

	cases := []struct {
		name string
		url  string
		body string
		want string
	}{
		{
			name: "bad route name",
			url:  "/api/routes/posts/$money",
			body: `{"queries":[{"path":"post.list"}]}`,
			want: "invalid route name",
		},
		{
			name: "name mismatch",
			url:  "/api/routes/posts/index",
			body: `{"name":"posts/other","queries":[{"path":"post.list"}]}`,
			want: "body names route",
		},
		{
			name: "no queries",
			url:  "/api/routes/posts/index",
			body: `{"queries":[]}`,
			want: "queries is required",
		},
		{
			name: "negative refresh",
			url:  "/api/routes/posts/index",
			body: `{"queries":[{"path":"post.list"}],"refresh_seconds":-5}`,
			want: "must not be negative",
		},
		{
			name: "unknown field",
			url:  "/api/routes/posts/index",
			body: `{"queries":[{"path":"post.list"}],"ttl":10}`,
			want: "ttl",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPut, tc.url, strings.NewReader(tc.body))
			require.Equal(t, http.StatusBadRequest, rec.Code)
			code, msg := decodeError(t, rec)
			assert.Equal(t, "BAD_REQUEST", code)
			assert.Contains(t, msg, tc.want)
		})
	}
}

func TestRouteState(t *testing.T) {
	ts := newTestServer(t)
	putRoute(t, ts, "posts/42", `{"queries":[{"path":"post.byid","input":{"id":42}}]}`)

	rec := ts.do(t, http.MethodGet, "/api/routes/posts/42/state", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	state := decodeState(t, rec)
	require.Len(t, state.Queries, 1)
	assert.Equal(t, "post.byid", state.Queries[0].QueryKey.Path)
	assert.Equal(t, qcache.StatusSuccess, state.Queries[0].State.Status)
	assert.Contains(t, string(state.Queries[0].State.Data), "post 42")
}

func TestRouteStateDropsFailedQueries(t *testing.T) {
	ts := newTestServer(t)
	putRoute(t, ts, "page/flaky", `{"queries":[{"path":"post.broken"},{"path":"post.list"}]}`)

	rec := ts.do(t, http.MethodGet, "/api/routes/page/flaky/state", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	state := decodeState(t, rec)
	require.Len(t, state.Queries, 1, "only successful entries ship")
	assert.Equal(t, "post.list", state.Queries[0].QueryKey.Path)
}

func TestRouteStateUnknownRoute(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/routes/posts/42/state", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	code, _ := decodeError(t, rec)
	assert.Equal(t, "NOT_FOUND", code)
}

func TestRouteStateDoesNotWriteSnapshot(t *testing.T) {
	ts := newTestServer(t)
	putRoute(t, ts, "posts/42", `{"queries":[{"path":"post.list"}]}`)

	rec := ts.do(t, http.MethodGet, "/api/routes/posts/42/state", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	_, ok := ts.snaps.Stat("posts/42")
	assert.False(t, ok, "on-demand state must not touch the snapshot store")
}
