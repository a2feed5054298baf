// SPDX-License-Identifier: MIT

package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/aquifercache/aquifer/hydrate"
	"github.com/aquifercache/aquifer/internal/metrics"
)

// ErrNotRendered is returned when a route has no snapshot on disk yet.
var ErrNotRendered = errors.New("snapshot not rendered")

// Meta describes one rendered snapshot file.
type Meta struct {
	Route       string    `json:"route"`
	ETag        string    `json:"etag"`
	GeneratedAt time.Time `json:"generated_at"`
	Size        int64     `json:"size"`
	Path        string    `json:"path"`
}

// Store writes snapshots under one directory, one file per route. All
// methods are safe for concurrent use.
type Store struct {
	dir    string
	logger zerolog.Logger

	mu    sync.RWMutex
	index map[string]Meta // slug -> meta
}

// NewStore creates the snapshot directory when missing. The index starts
// empty; call Rescan to pick up files from a previous run.
func NewStore(dir string, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return &Store{
		dir:    dir,
		logger: logger,
		index:  make(map[string]Meta),
	}, nil
}

// Dir returns the snapshot directory.
func (s *Store) Dir() string { return s.dir }

// Write renders the state to <dir>/<slug>.json atomically and updates the
// index.
func (s *Store) Write(route string, state *hydrate.DehydratedState) (Meta, error) {
	meta, err := s.write(route, state)
	if err != nil {
		metrics.RecordSnapshotWrite(route, "error")
		return Meta{}, err
	}
	metrics.RecordSnapshotWrite(route, "success")
	metrics.SetSnapshotAge(route, 0)
	return meta, nil
}

func (s *Store) write(route string, state *hydrate.DehydratedState) (Meta, error) {
	payload, err := json.Marshal(state)
	if err != nil {
		return Meta{}, fmt.Errorf("encode snapshot %s: %w", route, err)
	}

	slug := Slugify(route)
	path := filepath.Join(s.dir, slug+".json")

	pending, err := renameio.NewPendingFile(path)
	if err != nil {
		return Meta{}, fmt.Errorf("create pending snapshot: %w", err)
	}
	defer func() {
		if err := pending.Cleanup(); err != nil {
			s.logger.Debug().Err(err).Msg("cleanup pending snapshot")
		}
	}()

	if _, err := pending.Write(payload); err != nil {
		return Meta{}, fmt.Errorf("write snapshot %s: %w", route, err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return Meta{}, fmt.Errorf("replace snapshot %s: %w", route, err)
	}

	meta := Meta{
		Route:       route,
		ETag:        etag(payload),
		GeneratedAt: time.Now().UTC(),
		Size:        int64(len(payload)),
		Path:        path,
	}
	s.mu.Lock()
	s.index[slug] = meta
	s.mu.Unlock()

	s.logger.Debug().
		Str("route", route).
		Int("bytes", len(payload)).
		Int("queries", state.Len()).
		Msg("snapshot written")
	return meta, nil
}

// Load reads a route's snapshot bytes plus its metadata. Returns
// ErrNotRendered when the route was never written.
func (s *Store) Load(route string) ([]byte, Meta, error) {
	meta, ok := s.Stat(route)
	if !ok {
		return nil, Meta{}, fmt.Errorf("route %q: %w", route, ErrNotRendered)
	}
	data, err := os.ReadFile(meta.Path)
	if err != nil {
		return nil, Meta{}, fmt.Errorf("read snapshot %s: %w", route, err)
	}
	return data, meta, nil
}

// Stat returns a route's snapshot metadata without reading the file.
func (s *Store) Stat(route string) (Meta, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta, ok := s.index[Slugify(route)]
	return meta, ok
}

// Rescan rebuilds the index from files already on disk so a restarted
// daemon serves the last rendered snapshots. Returns how many were indexed.
func (s *Store) Rescan() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("scan snapshot dir: %w", err)
	}

	index := make(map[string]Meta, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn().Err(err).Str("path", path).Msg("skipping unreadable snapshot")
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		slug := strings.TrimSuffix(e.Name(), ".json")
		index[slug] = Meta{
			Route:       slug,
			ETag:        etag(data),
			GeneratedAt: info.ModTime().UTC(),
			Size:        int64(len(data)),
			Path:        path,
		}
	}

	s.mu.Lock()
	s.index = index
	s.mu.Unlock()

	s.logger.Info().Int("snapshots", len(index)).Msg("snapshot index rebuilt")
	return len(index), nil
}

// etag is the strong validator served with snapshot responses. Content
// addressed, so a byte-identical rewrite keeps its tag.
func etag(payload []byte) string {
	return `"` + strconv.FormatUint(xxhash.Sum64(payload), 16) + `"`
}
