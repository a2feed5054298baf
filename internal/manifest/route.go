// SPDX-License-Identifier: MIT

// Package manifest persists named route manifests: the set of queries a
// page needs, so clients ask for "the state for posts/42" instead of
// enumerating queries themselves.
package manifest

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/aquifercache/aquifer/prefetch"
	"github.com/aquifercache/aquifer/router"
)

// nameRe matches one or more slash-separated lowercase segments.
var nameRe = regexp.MustCompile(`^[a-z0-9_-]+(/[a-z0-9_-]+)*$`)

// ValidateName reports whether name fits the route name grammar. Matching
// is case-insensitive; the store keys rows by the lowercased name.
func ValidateName(name string) error {
	if name == "" {
		return errors.New("empty route name")
	}
	if !nameRe.MatchString(strings.ToLower(name)) {
		return fmt.Errorf("invalid route name %q: want slash-separated segments of [a-z0-9_-]", name)
	}
	return nil
}

// Route is one named manifest. Refresh of zero means the route is rendered
// on demand only and never by the background refresher.
type Route struct {
	Name      string           `json:"name"`
	Queries   []prefetch.Query `json:"queries"`
	Refresh   time.Duration    `json:"refresh"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Validate checks the route against the active procedure registry. Every
// query must reference a registered query procedure; mutations cannot be
// prefetched and are rejected here.
func (r Route) Validate(reg *router.Router) error {
	if err := ValidateName(r.Name); err != nil {
		return err
	}
	if len(r.Queries) == 0 {
		return fmt.Errorf("route %s: needs at least one query", r.Name)
	}
	for _, q := range r.Queries {
		p, ok := reg.Lookup(q.Path)
		if !ok {
			return fmt.Errorf("route %s: unknown procedure %q", r.Name, q.Path)
		}
		if p.Kind != router.KindQuery {
			return fmt.Errorf("route %s: %q is a mutation, manifests hold queries only", r.Name, q.Path)
		}
	}
	return nil
}
