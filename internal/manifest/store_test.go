// SPDX-License-Identifier: MIT

package manifest

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aquifercache/aquifer/prefetch"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "manifest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreUpsertGetRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	route := Route{
		Name: "Posts/42",
		Queries: []prefetch.Query{
			{Path: "post.byId", Input: json.RawMessage(`{"id":42}`)},
			{Path: "comments.list", Input: json.RawMessage(`{"postId":42}`)},
		},
		Refresh: 90 * time.Second,
	}
	require.NoError(t, s.Upsert(ctx, route))

	got, err := s.Get(ctx, "posts/42")
	require.NoError(t, err)
	assert.Equal(t, "posts/42", got.Name, "names are stored lowercased")
	require.Len(t, got.Queries, 2)
	assert.Equal(t, "post.byId", got.Queries[0].Path)
	assert.JSONEq(t, `{"id":42}`, string(got.Queries[0].Input))
	assert.Equal(t, 90*time.Second, got.Refresh)
	assert.WithinDuration(t, time.Now(), got.UpdatedAt, time.Minute)
}

func TestStoreGetMissing(t *testing.T) {
	s := newStore(t)
	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreUpsertOverwrites(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	route := Route{
		Name:    "posts",
		Queries: []prefetch.Query{{Path: "post.list"}},
		Refresh: time.Minute,
	}
	require.NoError(t, s.Upsert(ctx, route))

	route.Refresh = 5 * time.Minute
	require.NoError(t, s.Upsert(ctx, route))

	got, err := s.Get(ctx, "posts")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, got.Refresh)

	all, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestStoreUpsertRejectsBadName(t *testing.T) {
	s := newStore(t)
	err := s.Upsert(context.Background(), Route{Name: "no spaces"})
	require.Error(t, err)

	all, err := s.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestStoreListSorted(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	for _, name := range []string{"zebra", "alpha", "middle/path"} {
		require.NoError(t, s.Upsert(ctx, Route{
			Name:    name,
			Queries: []prefetch.Query{{Path: "post.list"}},
		}))
	}

	all, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "alpha", all[0].Name)
	assert.Equal(t, "middle/path", all[1].Name)
	assert.Equal(t, "zebra", all[2].Name)
}

func TestStoreDelete(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, Route{
		Name:    "posts",
		Queries: []prefetch.Query{{Path: "post.list"}},
	}))
	require.NoError(t, s.Delete(ctx, "posts"))

	_, err := s.Get(ctx, "posts")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, "posts"), ErrNotFound)
}

func TestStoreUpsertIfNewer(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	route := Route{
		Name:      "posts",
		Queries:   []prefetch.Query{{Path: "post.list"}},
		Refresh:   time.Minute,
		UpdatedAt: base,
	}
	applied, err := s.UpsertIfNewer(ctx, route)
	require.NoError(t, err)
	assert.True(t, applied, "first write always lands")

	// A stale seed must not clobber the stored row.
	route.Refresh = 10 * time.Minute
	route.UpdatedAt = base.Add(-time.Hour)
	applied, err = s.UpsertIfNewer(ctx, route)
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := s.Get(ctx, "posts")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, got.Refresh)

	route.UpdatedAt = base.Add(time.Hour)
	applied, err = s.UpsertIfNewer(ctx, route)
	require.NoError(t, err)
	assert.True(t, applied)

	got, err = s.Get(ctx, "posts")
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, got.Refresh)
}

func TestStorePing(t *testing.T) {
	s := newStore(t)
	assert.NoError(t, s.Ping(context.Background()))

	require.NoError(t, s.Close())
	assert.Error(t, s.Ping(context.Background()))
}

func TestStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.db")
	ctx := context.Background()

	s, err := NewStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Upsert(ctx, Route{
		Name:    "posts",
		Queries: []prefetch.Query{{Path: "post.list"}},
	}))
	require.NoError(t, s.Close())

	s, err = NewStore(path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	got, err := s.Get(ctx, "posts")
	require.NoError(t, err)
	assert.Equal(t, "posts", got.Name)
}
