// SPDX-License-Identifier: MIT

package upstream

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aquifercache/aquifer/router"
)

// Endpoint binds one procedure path to an HTTP origin.
type Endpoint struct {
	Path       string
	Kind       router.Kind
	URL        string
	Method     string
	Headers    map[string]string
	AuthBearer string

	StaleTime time.Duration
	TTL       time.Duration
	Timeout   time.Duration
	Retries   int

	// set during validation
	target *url.URL
}

// validate parses and checks the endpoint against the policy, filling in
// defaults. The returned endpoint carries the parsed target URL.
func (e Endpoint) validate(cp *compiledPolicy) (Endpoint, error) {
	if err := router.ValidatePath(e.Path); err != nil {
		return e, err
	}
	switch e.Kind {
	case router.KindQuery, router.KindMutation:
	default:
		return e, fmt.Errorf("procedure %s: unknown kind %q", e.Path, e.Kind)
	}

	u, err := url.Parse(strings.TrimSpace(e.URL))
	if err != nil {
		return e, fmt.Errorf("procedure %s: invalid url: %w", e.Path, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return e, fmt.Errorf("procedure %s: url must be absolute: %q", e.Path, e.URL)
	}
	if u.Fragment != "" {
		return e, fmt.Errorf("procedure %s: url fragments not allowed", e.Path)
	}
	if err := cp.checkURL(u); err != nil {
		return e, fmt.Errorf("procedure %s: %w", e.Path, err)
	}

	switch strings.ToUpper(e.Method) {
	case "":
		if e.Kind == router.KindMutation {
			e.Method = http.MethodPost
		} else {
			e.Method = http.MethodGet
		}
	case http.MethodGet, http.MethodPost:
		e.Method = strings.ToUpper(e.Method)
	default:
		return e, fmt.Errorf("procedure %s: method %q not supported", e.Path, e.Method)
	}

	e.target = u
	return e, nil
}

// Host returns the origin host the endpoint talks to. Valid only after
// validation.
func (e Endpoint) Host() string {
	return e.target.Host
}
