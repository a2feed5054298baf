// SPDX-License-Identifier: MIT

package snapshot

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aquifercache/aquifer/hydrate"
	"github.com/aquifercache/aquifer/qcache"
)

func testState(t *testing.T, hashes ...string) *hydrate.DehydratedState {
	t.Helper()
	state := &hydrate.DehydratedState{
		Transformer: "json",
		GeneratedAt: time.Now().UTC(),
	}
	for _, h := range hashes {
		state.Queries = append(state.Queries, hydrate.DehydratedQuery{
			QueryKey:  qcache.Key{Path: "post.byid", Input: json.RawMessage(`{"id":1}`)},
			QueryHash: h,
			State: hydrate.QueryState{
				Data:          json.RawMessage(`{"id":1}`),
				Status:        qcache.StatusSuccess,
				DataUpdatedAt: time.Now().UnixMilli(),
			},
		})
	}
	return state
}

func TestStoreWriteLoadRoundTrip(t *testing.T) {
	s, err := NewStore(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)

	meta, err := s.Write("Posts/42", testState(t, "aaa"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(meta.ETag, `"`) && strings.HasSuffix(meta.ETag, `"`), "ETag must be quoted")
	assert.Positive(t, meta.Size)
	assert.Equal(t, "posts-42.json", filepath.Base(meta.Path))

	data, got, err := s.Load("posts/42")
	require.NoError(t, err)
	assert.Equal(t, meta.ETag, got.ETag)

	var state hydrate.DehydratedState
	require.NoError(t, json.Unmarshal(data, &state))
	assert.Equal(t, 1, state.Len())
}

func TestStoreLoadUnrendered(t *testing.T) {
	s, err := NewStore(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)

	_, _, err = s.Load("ghost")
	assert.ErrorIs(t, err, ErrNotRendered)

	_, ok := s.Stat("ghost")
	assert.False(t, ok)
}

func TestStoreWriteReplaces(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, zerolog.Nop())
	require.NoError(t, err)

	first, err := s.Write("posts", testState(t, "aaa"))
	require.NoError(t, err)
	second, err := s.Write("posts", testState(t, "aaa", "bbb"))
	require.NoError(t, err)
	assert.NotEqual(t, first.ETag, second.ETag)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "rewrites must not accumulate files")

	data, meta, err := s.Load("posts")
	require.NoError(t, err)
	assert.Equal(t, second.ETag, meta.ETag)

	var state hydrate.DehydratedState
	require.NoError(t, json.Unmarshal(data, &state))
	assert.Equal(t, 2, state.Len())
}

func TestStoreRescan(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, zerolog.Nop())
	require.NoError(t, err)

	written, err := s.Write("posts/42", testState(t, "aaa"))
	require.NoError(t, err)
	_, err = s.Write("users", testState(t, "bbb"))
	require.NoError(t, err)

	// Stray files must not end up in the index.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0600))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	restarted, err := NewStore(dir, zerolog.Nop())
	require.NoError(t, err)
	_, ok := restarted.Stat("posts/42")
	require.False(t, ok, "fresh store starts unindexed")

	n, err := restarted.Rescan()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	meta, ok := restarted.Stat("posts/42")
	require.True(t, ok)
	assert.Equal(t, written.ETag, meta.ETag, "content-addressed tags survive restarts")

	data, _, err := restarted.Load("users")
	require.NoError(t, err)
	var state hydrate.DehydratedState
	require.NoError(t, json.Unmarshal(data, &state))
	assert.Equal(t, 1, state.Len())
}

func TestEtagContentAddressed(t *testing.T) {
	a := etag([]byte("payload"))
	b := etag([]byte("payload"))
	c := etag([]byte("other"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
