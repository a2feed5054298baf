// SPDX-License-Identifier: MIT

package manifest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure Go driver, no CGO
)

// ErrNotFound is returned when a route name resolves to no stored row.
var ErrNotFound = errors.New("route not found")

const busyTimeout = 5 * time.Second

// Store persists route manifests in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens the manifest database, applying WAL mode and busy_timeout
// through the DSN so every pooled connection gets them, and creates the
// schema when missing.
func NewStore(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)",
		path, busyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open manifest db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping manifest db: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate manifest db: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS routes (
		name TEXT PRIMARY KEY,
		queries TEXT NOT NULL,
		refresh_seconds INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable. Used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Upsert writes the route, replacing any existing row. A zero UpdatedAt is
// stamped with the current time.
func (s *Store) Upsert(ctx context.Context, r Route) error {
	row, err := toRow(r)
	if err != nil {
		return err
	}

	query := `
	INSERT INTO routes (name, queries, refresh_seconds, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(name) DO UPDATE SET
		queries = excluded.queries,
		refresh_seconds = excluded.refresh_seconds,
		updated_at = excluded.updated_at
	`
	_, err = s.db.ExecContext(ctx, query, row.name, row.queries, row.refreshSeconds, row.updatedAt)
	return err
}

// UpsertIfNewer writes the route only when its UpdatedAt is newer than the
// stored row. Config seeding uses this so routes edited through the API
// survive a restart. Reports whether the row was written.
func (s *Store) UpsertIfNewer(ctx context.Context, r Route) (bool, error) {
	row, err := toRow(r)
	if err != nil {
		return false, err
	}

	// RFC3339 UTC strings order lexicographically, so the comparison can
	// stay inside SQL.
	query := `
	INSERT INTO routes (name, queries, refresh_seconds, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(name) DO UPDATE SET
		queries = excluded.queries,
		refresh_seconds = excluded.refresh_seconds,
		updated_at = excluded.updated_at
	WHERE excluded.updated_at > routes.updated_at
	`
	res, err := s.db.ExecContext(ctx, query, row.name, row.queries, row.refreshSeconds, row.updatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Get retrieves one route by name. Returns ErrNotFound for unknown names.
func (s *Store) Get(ctx context.Context, name string) (*Route, error) {
	query := `
	SELECT name, queries, refresh_seconds, updated_at
	FROM routes
	WHERE name = ?
	`
	var (
		queries        string
		refreshSeconds int64
		updatedAt      string
		r              Route
	)
	err := s.db.QueryRowContext(ctx, query, strings.ToLower(name)).
		Scan(&r.Name, &queries, &refreshSeconds, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("route %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := fromRow(&r, queries, refreshSeconds, updatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

// List returns all routes sorted by name.
func (s *Store) List(ctx context.Context) ([]Route, error) {
	query := `
	SELECT name, queries, refresh_seconds, updated_at
	FROM routes
	ORDER BY name
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var routes []Route
	for rows.Next() {
		var (
			queries        string
			refreshSeconds int64
			updatedAt      string
			r              Route
		)
		if err := rows.Scan(&r.Name, &queries, &refreshSeconds, &updatedAt); err != nil {
			return nil, err
		}
		if err := fromRow(&r, queries, refreshSeconds, updatedAt); err != nil {
			return nil, err
		}
		routes = append(routes, r)
	}
	return routes, rows.Err()
}

// Delete removes one route. Returns ErrNotFound when nothing was deleted.
func (s *Store) Delete(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM routes WHERE name = ?`, strings.ToLower(name))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("route %q: %w", name, ErrNotFound)
	}
	return nil
}

type routeRow struct {
	name           string
	queries        string
	refreshSeconds int64
	updatedAt      string
}

func toRow(r Route) (routeRow, error) {
	if err := ValidateName(r.Name); err != nil {
		return routeRow{}, err
	}
	raw, err := json.Marshal(r.Queries)
	if err != nil {
		return routeRow{}, fmt.Errorf("route %s: encode queries: %w", r.Name, err)
	}
	at := r.UpdatedAt
	if at.IsZero() {
		at = time.Now()
	}
	return routeRow{
		name:           strings.ToLower(r.Name),
		queries:        string(raw),
		refreshSeconds: int64(r.Refresh / time.Second),
		updatedAt:      at.UTC().Format(time.RFC3339),
	}, nil
}

func fromRow(r *Route, queries string, refreshSeconds int64, updatedAt string) error {
	if err := json.Unmarshal([]byte(queries), &r.Queries); err != nil {
		return fmt.Errorf("route %s: decode queries: %w", r.Name, err)
	}
	r.Refresh = time.Duration(refreshSeconds) * time.Second
	at, err := time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return fmt.Errorf("route %s: parse updated_at: %w", r.Name, err)
	}
	r.UpdatedAt = at
	return nil
}
