// SPDX-License-Identifier: MIT

package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/httprate"

	"github.com/aquifercache/aquifer/internal/metrics"
)

// RateLimitConfig holds configuration for rate limiting middleware.
type RateLimitConfig struct {
	// RequestLimit is the maximum number of requests allowed in the window.
	RequestLimit int
	// WindowSize is the sliding window for the counter.
	WindowSize time.Duration
	// Scope labels the exceeded counter metric.
	Scope string
	// KeyFunc extracts the limit key from the request; defaults to client IP.
	KeyFunc func(r *http.Request) (string, error)
}

// RateLimit creates a sliding window rate limiter backed by httprate.
// Exceeded requests get a 429 envelope with a Retry-After hint.
func RateLimit(cfg RateLimitConfig) func(http.Handler) http.Handler {
	keyFunc := cfg.KeyFunc
	if keyFunc == nil {
		keyFunc = httprate.KeyByIP
	}
	scope := cfg.Scope
	if scope == "" {
		scope = "api"
	}

	return httprate.Limit(
		cfg.RequestLimit,
		cfg.WindowSize,
		httprate.WithKeyFuncs(keyFunc),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			metrics.IncRatelimitExceeded(scope)

			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(cfg.WindowSize.Seconds())))
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"code":"TOO_MANY_REQUESTS","message":"rate limit exceeded, try again later"}}`))
		}),
	)
}

// APIRateLimit maps the configured steady rate and burst onto a sliding
// window: burst requests per (burst/rps) seconds keeps the long-run rate at
// rps while absorbing spikes up to the burst size.
func APIRateLimit(rps, burst int) func(http.Handler) http.Handler {
	if rps <= 0 {
		rps = 50
	}
	if burst < rps {
		burst = rps
	}
	window := time.Duration(float64(burst) / float64(rps) * float64(time.Second))

	return RateLimit(RateLimitConfig{
		RequestLimit: burst,
		WindowSize:   window,
		Scope:        "api",
	})
}

// RenderRateLimit guards endpoints that fan out to origins, such as ad hoc
// prefetches and on-demand route renders.
func RenderRateLimit() func(http.Handler) http.Handler {
	return RateLimit(RateLimitConfig{
		RequestLimit: 60,
		WindowSize:   time.Minute,
		Scope:        "render",
	})
}
