// SPDX-License-Identifier: MIT

// Package router holds the procedure registry that prefetch helpers and the
// daemon resolve against. Procedures are registered under dot-separated
// paths ("post.byId") and are either queries or mutations.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// ErrNotFound is returned when a path resolves to no registered procedure.
var ErrNotFound = errors.New("procedure not found")

// Kind distinguishes cacheable queries from side-effecting mutations.
type Kind string

const (
	KindQuery    Kind = "query"
	KindMutation Kind = "mutation"
)

// Resolver produces the result for one procedure call. The input is the
// caller's JSON (nil means no input); the returned value is encoded by the
// configured transformer before it enters the cache.
type Resolver func(ctx context.Context, input json.RawMessage) (any, error)

// Procedure is an immutable registry entry. Zero-valued durations and
// retries inherit the helper defaults.
type Procedure struct {
	Path      string
	Kind      Kind
	Resolver  Resolver
	StaleTime time.Duration
	TTL       time.Duration
	Timeout   time.Duration
	Retries   int
}

// ProcOption tunes per-procedure cache and fetch behaviour.
type ProcOption func(*Procedure)

// WithStaleTime sets how long a cached result is served without refetching.
func WithStaleTime(d time.Duration) ProcOption {
	return func(p *Procedure) { p.StaleTime = d }
}

// WithTTL sets how long a cached result may live at all.
func WithTTL(d time.Duration) ProcOption {
	return func(p *Procedure) { p.TTL = d }
}

// WithTimeout bounds one resolver invocation.
func WithTimeout(d time.Duration) ProcOption {
	return func(p *Procedure) { p.Timeout = d }
}

// WithRetries sets how often a failed resolver call is re-run.
func WithRetries(n int) ProcOption {
	return func(p *Procedure) { p.Retries = n }
}

// pathRe matches one or more dot-separated lowercase segments.
var pathRe = regexp.MustCompile(`^[a-z0-9_-]+(\.[a-z0-9_-]+)*$`)

// ValidatePath reports whether path fits the procedure path grammar.
// Matching is case-insensitive; registration stores paths lowercased.
func ValidatePath(path string) error {
	if path == "" {
		return errors.New("empty procedure path")
	}
	if !pathRe.MatchString(strings.ToLower(path)) {
		return fmt.Errorf("invalid procedure path %q: want dot-separated segments of [a-z0-9_-]", path)
	}
	return nil
}

// Router is a procedure registry. Registration and Merge are not safe to run
// concurrently with Lookup; build the router fully, then share it read-only.
// The daemon swaps whole routers atomically on config reload instead of
// mutating a live one.
type Router struct {
	procs map[string]*Procedure
}

// New returns an empty registry.
func New() *Router {
	return &Router{procs: make(map[string]*Procedure)}
}

// Query registers a query procedure. It panics on an invalid or duplicate
// path and on a nil resolver: registration happens at init time, and a
// broken registration is a programmer error, same as mounting a bad chi
// route.
func (r *Router) Query(path string, fn Resolver, opts ...ProcOption) *Procedure {
	return r.register(path, KindQuery, fn, opts)
}

// Mutation registers a mutation procedure. Same panic rules as Query.
// Queries and mutations share one namespace.
func (r *Router) Mutation(path string, fn Resolver, opts ...ProcOption) *Procedure {
	return r.register(path, KindMutation, fn, opts)
}

func (r *Router) register(path string, kind Kind, fn Resolver, opts []ProcOption) *Procedure {
	if err := ValidatePath(path); err != nil {
		panic(fmt.Sprintf("router: %v", err))
	}
	if fn == nil {
		panic(fmt.Sprintf("router: nil resolver for %q", path))
	}
	key := strings.ToLower(path)
	if _, dup := r.procs[key]; dup {
		panic(fmt.Sprintf("router: duplicate procedure %q", key))
	}
	p := &Procedure{Path: key, Kind: kind, Resolver: fn}
	for _, opt := range opts {
		opt(p)
	}
	r.procs[key] = p
	return p
}

// Lookup resolves a path case-insensitively.
func (r *Router) Lookup(path string) (*Procedure, bool) {
	p, ok := r.procs[strings.ToLower(path)]
	return p, ok
}

// Paths returns all registered paths, sorted.
func (r *Router) Paths() []string {
	out := make([]string, 0, len(r.procs))
	for p := range r.procs {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Len reports the number of registered procedures.
func (r *Router) Len() int { return len(r.procs) }

// Merge mounts every procedure of sub under prefix. Unlike Query and
// Mutation this reports collisions as errors, because merges run at config
// load where a bad file must not crash the process.
func (r *Router) Merge(prefix string, sub *Router) error {
	if err := ValidatePath(prefix); err != nil {
		return fmt.Errorf("merge prefix: %w", err)
	}
	prefix = strings.ToLower(prefix)

	// Check everything before touching the map so a failed merge leaves
	// the router unchanged.
	for path := range sub.procs {
		full := prefix + "." + path
		if _, dup := r.procs[full]; dup {
			return fmt.Errorf("merge: procedure %q already registered", full)
		}
	}
	for path, p := range sub.procs {
		mounted := *p
		mounted.Path = prefix + "." + path
		r.procs[mounted.Path] = &mounted
	}
	return nil
}
