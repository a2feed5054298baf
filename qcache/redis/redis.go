// SPDX-License-Identifier: MIT

// Package redis provides a Redis-backed qcache.Store so multiple instances
// can share one prefetch cache.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/aquifercache/aquifer/qcache"
)

var errStopIteration = errors.New("stop iteration")

// Config holds Redis connection parameters.
type Config struct {
	Addr     string // host:port
	Password string
	DB       int
	// KeyPrefix namespaces cache keys. Defaults to "aq:q:".
	KeyPrefix string
	// DefaultTTL applies to entries without their own TTL. Defaults to 5m.
	DefaultTTL time.Duration
	// OpTimeout bounds individual Redis commands. Defaults to 2s.
	OpTimeout time.Duration
}

// Store is a Redis-backed qcache.Store.
type Store struct {
	client     *goredis.Client
	logger     zerolog.Logger
	prefix     string
	defaultTTL time.Duration
	opTimeout  time.Duration
	stats      struct {
		hits   atomic.Int64
		misses atomic.Int64
		sets   atomic.Int64
	}
}

var _ qcache.Store = (*Store)(nil)

// New connects to Redis and verifies the connection.
func New(cfg Config, logger zerolog.Logger) (*Store, error) {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "aq:q:"
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 5 * time.Minute
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 2 * time.Second
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger.Info().
		Str("addr", cfg.Addr).
		Int("db", cfg.DB).
		Str("prefix", cfg.KeyPrefix).
		Msg("connected to redis cache")

	return &Store{
		client:     client,
		logger:     logger,
		prefix:     cfg.KeyPrefix,
		defaultTTL: cfg.DefaultTTL,
		opTimeout:  cfg.OpTimeout,
	}, nil
}

func (s *Store) key(hash string) string { return s.prefix + hash }

// Get retrieves an entry. Redis expiry stands in for TTL checks.
func (s *Store) Get(ctx context.Context, hash string) (*qcache.Entry, bool) {
	opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	val, err := s.client.Get(opCtx, s.key(hash)).Bytes()
	if err == goredis.Nil {
		s.stats.misses.Add(1)
		return nil, false
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("hash", hash).Msg("redis get failed")
		s.stats.misses.Add(1)
		return nil, false
	}

	var e qcache.Entry
	if err := json.Unmarshal(val, &e); err != nil {
		s.logger.Warn().Err(err).Str("hash", hash).Msg("corrupt cache entry, dropping")
		_ = s.Delete(ctx, hash)
		s.stats.misses.Add(1)
		return nil, false
	}

	s.stats.hits.Add(1)
	return &e, true
}

// Set stores an entry, keeping the newer of the stored and incoming entries.
// The read-compare-write is not transactional; concurrent writers for one
// hash are already serialized by the prefetch singleflight.
func (s *Store) Set(ctx context.Context, e *qcache.Entry) error {
	if e == nil || e.Hash == "" {
		return nil
	}
	if cur := s.getRaw(ctx, e.Hash); cur != nil && cur.UpdatedAt.After(e.UpdatedAt) {
		return nil
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal cache entry %s: %w", e.Hash, err)
	}

	ttl := e.TTL
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	if ttl < time.Second {
		ttl = time.Second
	}

	opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	if err := s.client.Set(opCtx, s.key(e.Hash), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", e.Hash, err)
	}
	s.stats.sets.Add(1)
	return nil
}

// getRaw fetches an entry without touching the hit/miss counters.
func (s *Store) getRaw(ctx context.Context, hash string) *qcache.Entry {
	opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	val, err := s.client.Get(opCtx, s.key(hash)).Bytes()
	if err != nil {
		return nil
	}
	var e qcache.Entry
	if err := json.Unmarshal(val, &e); err != nil {
		return nil
	}
	return &e
}

// Delete removes an entry.
func (s *Store) Delete(ctx context.Context, hash string) error {
	opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	if err := s.client.Del(opCtx, s.key(hash)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", hash, err)
	}
	return nil
}

// Clear removes all entries under the configured prefix.
func (s *Store) Clear(ctx context.Context) error {
	return s.scan(ctx, func(key string) error {
		opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
		defer cancel()
		return s.client.Del(opCtx, key).Err()
	})
}

// Range iterates entries under the prefix via SCAN.
func (s *Store) Range(ctx context.Context, fn func(*qcache.Entry) bool) error {
	err := s.scan(ctx, func(key string) error {
		opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
		defer cancel()
		val, err := s.client.Get(opCtx, key).Bytes()
		if err == goredis.Nil {
			return nil // expired between SCAN and GET
		}
		if err != nil {
			return err
		}
		var e qcache.Entry
		if err := json.Unmarshal(val, &e); err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("skipping corrupt cache entry")
			return nil
		}
		if !fn(&e) {
			return errStopIteration
		}
		return nil
	})
	if errors.Is(err, errStopIteration) {
		return nil
	}
	return err
}

// scan walks all keys under the prefix.
func (s *Store) scan(ctx context.Context, fn func(key string) error) error {
	var cursor uint64
	for {
		opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
		keys, next, err := s.client.Scan(opCtx, cursor, s.prefix+"*", 100).Result()
		cancel()
		if err != nil {
			return fmt.Errorf("redis scan: %w", err)
		}
		for _, key := range keys {
			if err := fn(key); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// Stats returns counters. Size is the number of keys under the prefix.
func (s *Store) Stats() qcache.Stats {
	size := 0
	_ = s.scan(context.Background(), func(string) error {
		size++
		return nil
	})
	return qcache.Stats{
		Hits:   s.stats.hits.Load(),
		Misses: s.stats.misses.Load(),
		Sets:   s.stats.sets.Load(),
		Size:   size,
	}
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping checks connectivity, for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
