// SPDX-License-Identifier: MIT

package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aquifercache/aquifer/router"
)

// BuildRouter validates every endpoint against the policy and registers a
// resolver for it. Any bad endpoint fails the whole build; a half-built
// router is never returned.
func BuildRouter(c *Client, endpoints []Endpoint, policy Policy) (*router.Router, error) {
	cp, err := policy.compile()
	if err != nil {
		return nil, err
	}

	validated := make([]Endpoint, 0, len(endpoints))
	seen := make(map[string]struct{}, len(endpoints))
	for _, ep := range endpoints {
		v, err := ep.validate(cp)
		if err != nil {
			return nil, err
		}
		key := strings.ToLower(v.Path)
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("procedure %s: duplicate path", v.Path)
		}
		seen[key] = struct{}{}
		validated = append(validated, v)
	}

	r := router.New()
	for _, ep := range validated {
		opts := []router.ProcOption{
			router.WithStaleTime(ep.StaleTime),
			router.WithTTL(ep.TTL),
			router.WithTimeout(ep.Timeout),
			router.WithRetries(ep.Retries),
		}
		resolver := c.Resolver(ep)
		if ep.Kind == router.KindMutation {
			r.Mutation(ep.Path, resolver, opts...)
		} else {
			r.Query(ep.Path, resolver, opts...)
		}
	}
	return r, nil
}

// Resolver adapts one validated endpoint into a router resolver.
func (c *Client) Resolver(ep Endpoint) router.Resolver {
	return func(ctx context.Context, input json.RawMessage) (any, error) {
		return c.call(ctx, ep, input)
	}
}
