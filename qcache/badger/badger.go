// SPDX-License-Identifier: MIT

// Package badger provides a disk-backed query cache on Badger. It keeps
// dehydratable state across daemon restarts, which the in-memory backend
// cannot.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/aquifercache/aquifer/qcache"
)

// Config controls the Badger backend.
type Config struct {
	// Path is the directory for the Badger value log and LSM tree.
	Path string
	// KeyPrefix namespaces cache keys. Defaults to "aq:q:".
	KeyPrefix string
	// DefaultTTL applies to entries without their own TTL. Defaults to 5m.
	DefaultTTL time.Duration
	// GCInterval is how often the value log garbage collector runs.
	// Zero means the default of 5m; negative disables GC.
	GCInterval time.Duration
}

// Store is a qcache.Store persisted in a local Badger database.
type Store struct {
	db         *badgerdb.DB
	prefix     []byte
	defaultTTL time.Duration
	logger     zerolog.Logger

	hits   atomic.Int64
	misses atomic.Int64
	sets   atomic.Int64

	stopGC    chan struct{}
	closeOnce sync.Once
}

var _ qcache.Store = (*Store)(nil)

// New opens the database at cfg.Path and starts the GC loop.
func New(cfg Config, logger zerolog.Logger) (*Store, error) {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "aq:q:"
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 5 * time.Minute
	}
	gcInterval := cfg.GCInterval
	if gcInterval == 0 {
		gcInterval = 5 * time.Minute
	}

	opts := badgerdb.DefaultOptions(cfg.Path).WithLogger(nil)
	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, err
	}

	s := &Store{
		db:         db,
		prefix:     []byte(cfg.KeyPrefix),
		defaultTTL: cfg.DefaultTTL,
		logger:     logger,
		stopGC:     make(chan struct{}),
	}

	if gcInterval > 0 {
		go s.gcLoop(gcInterval)
	}

	logger.Info().
		Str("path", cfg.Path).
		Str("prefix", cfg.KeyPrefix).
		Msg("badger cache opened")

	return s, nil
}

func (s *Store) key(hash string) []byte {
	return append(append([]byte(nil), s.prefix...), hash...)
}

// Get retrieves an entry by hash. Corrupt and expired entries are dropped
// and reported as misses.
func (s *Store) Get(ctx context.Context, hash string) (*qcache.Entry, bool) {
	key := s.key(hash)

	var e qcache.Entry
	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &e)
		})
	})
	switch {
	case errors.Is(err, badgerdb.ErrKeyNotFound):
		s.misses.Add(1)
		return nil, false
	case err != nil:
		s.logger.Warn().Err(err).Str("hash", hash).Msg("badger get failed, dropping entry")
		_ = s.Delete(ctx, hash)
		s.misses.Add(1)
		return nil, false
	}

	// Badger TTL granularity is one second; enforce the exact deadline here.
	if e.Expired(time.Now()) {
		_ = s.Delete(ctx, hash)
		s.misses.Add(1)
		return nil, false
	}

	s.hits.Add(1)
	return &e, true
}

// Set stores an entry. The read-compare-write runs in one transaction, so
// an older writer cannot regress a newer entry.
func (s *Store) Set(ctx context.Context, e *qcache.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	key := s.key(e.Hash)
	buf, err := json.Marshal(e)
	if err != nil {
		return err
	}

	ttl := e.TTL
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	err = s.db.Update(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(key)
		if err == nil {
			var cur qcache.Entry
			if verr := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &cur)
			}); verr == nil && cur.UpdatedAt.After(e.UpdatedAt) {
				return nil
			}
		} else if !errors.Is(err, badgerdb.ErrKeyNotFound) {
			return err
		}
		entry := badgerdb.NewEntry(key, buf).WithTTL(ttl)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return err
	}

	s.sets.Add(1)
	return nil
}

// Delete removes an entry. Deleting a missing hash is not an error.
func (s *Store) Delete(ctx context.Context, hash string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Delete(s.key(hash))
	})
}

// Clear drops every key under the cache prefix.
func (s *Store) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.DropPrefix(s.prefix)
}

// Range calls fn for each live entry until fn returns false.
func (s *Store) Range(ctx context.Context, fn func(*qcache.Entry) bool) error {
	now := time.Now()
	return s.db.View(func(txn *badgerdb.Txn) error {
		it := txn.NewIterator(badgerdb.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(s.prefix); it.ValidForPrefix(s.prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			var e qcache.Entry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				continue
			}
			if e.Expired(now) {
				continue
			}
			if !fn(&e) {
				return nil
			}
		}
		return nil
	})
}

// Stats returns counters. Size walks the keyspace and is O(n).
func (s *Store) Stats() qcache.Stats {
	size := 0
	_ = s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(s.prefix); it.ValidForPrefix(s.prefix); it.Next() {
			size++
		}
		return nil
	})
	return qcache.Stats{
		Hits:   s.hits.Load(),
		Misses: s.misses.Load(),
		Sets:   s.sets.Load(),
		Size:   size,
	}
}

// Close stops the GC loop and closes the database.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stopGC)
		err = s.db.Close()
	})
	return err
}

func (s *Store) gcLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			// RunValueLogGC reclaims at most one file per call; loop
			// until it reports nothing left to rewrite.
			for {
				if err := s.db.RunValueLogGC(0.5); err != nil {
					break
				}
			}
		case <-s.stopGC:
			return
		}
	}
}
