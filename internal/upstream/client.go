// SPDX-License-Identifier: MIT

// Package upstream resolves procedures against configured HTTP origins.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/aquifercache/aquifer/internal/log"
	"github.com/aquifercache/aquifer/internal/metrics"
	"github.com/aquifercache/aquifer/internal/ratelimit"
	"github.com/aquifercache/aquifer/internal/resilience"
)

const (
	defaultClientTimeout         = 10 * time.Second
	defaultDialTimeout           = 3 * time.Second
	defaultResponseHeaderTimeout = 5 * time.Second
	defaultIdleConnTimeout       = 30 * time.Second
	defaultExpectContinueTimeout = 1 * time.Second
	defaultMaxIdleConns          = 16
	defaultMaxIdleConnsPerHost   = 4

	// Error bodies get truncated to this many bytes in error messages.
	maxErrorExcerpt = 256
)

// Options configures the shared origin client.
type Options struct {
	Timeout          time.Duration
	Tracing          bool
	BreakerThreshold int
	BreakerReset     time.Duration
	RateRPS          float64
	RateBurst        int
	Logger           zerolog.Logger
}

// Client is the shared machinery behind every origin resolver: one pooled
// HTTP client, one rate limiter, and one circuit breaker per origin host.
type Client struct {
	http    *http.Client
	logger  zerolog.Logger
	limiter *ratelimit.Limiter
	tracer  trace.Tracer

	breakerThreshold int
	breakerReset     time.Duration

	mu       sync.Mutex
	breakers map[string]*resilience.CircuitBreaker
}

// NewClient builds the shared client. The HTTP timeout is a hard ceiling;
// per-procedure timeouts arrive via ctx and are usually shorter.
func NewClient(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultClientTimeout
	}

	dialTimeout := timeout
	if dialTimeout > defaultDialTimeout {
		dialTimeout = defaultDialTimeout
	}
	headerTimeout := timeout
	if headerTimeout > defaultResponseHeaderTimeout {
		headerTimeout = defaultResponseHeaderTimeout
	}

	var rt http.RoundTripper = &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          defaultMaxIdleConns,
		MaxIdleConnsPerHost:   defaultMaxIdleConnsPerHost,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   dialTimeout,
		ResponseHeaderTimeout: headerTimeout,
		ExpectContinueTimeout: defaultExpectContinueTimeout,
	}
	if opts.Tracing {
		rt = otelhttp.NewTransport(rt)
	}

	return &Client{
		http:             &http.Client{Timeout: timeout, Transport: rt},
		logger:           opts.Logger.With().Str(log.FieldComponent, "upstream").Logger(),
		limiter:          ratelimit.New("upstream", opts.RateRPS, opts.RateBurst),
		tracer:           otel.Tracer("aquifer/upstream"),
		breakerThreshold: opts.BreakerThreshold,
		breakerReset:     opts.BreakerReset,
		breakers:         make(map[string]*resilience.CircuitBreaker),
	}
}

// breaker returns the circuit breaker guarding the given origin host.
func (c *Client) breaker(host string) *resilience.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()

	cb, ok := c.breakers[host]
	if !ok {
		cb = resilience.New(host, c.breakerThreshold, c.breakerReset)
		c.breakers[host] = cb
	}
	return cb
}

// call performs one resolver round trip through limiter and breaker.
func (c *Client) call(ctx context.Context, ep Endpoint, input json.RawMessage) (json.RawMessage, error) {
	host := ep.Host()

	ctx, span := c.tracer.Start(ctx, "aquifer.fetch "+ep.Path,
		trace.WithAttributes(
			attribute.String("aquifer.procedure", ep.Path),
			attribute.String("aquifer.kind", string(ep.Kind)),
			attribute.String("server.address", host),
		))
	defer span.End()

	if err := c.limiter.Wait(ctx, host); err != nil {
		metrics.RecordUpstreamRequest(host, "throttled")
		return nil, fmt.Errorf("rate limit %s: %w", host, err)
	}

	var out json.RawMessage
	err := c.breaker(host).Execute(func() error {
		var doErr error
		out, doErr = c.do(ctx, ep, input)
		return doErr
	})
	switch {
	case err == nil:
		metrics.RecordUpstreamRequest(host, "success")
	case errors.Is(err, resilience.ErrCircuitOpen):
		metrics.RecordUpstreamRequest(host, "breaker_open")
		c.logger.Warn().Str(log.FieldHost, host).Str(log.FieldProcedure, ep.Path).
			Msg("breaker open, request rejected")
	default:
		metrics.RecordUpstreamRequest(host, "error")
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return out, nil
}

// do builds and executes the HTTP request for one endpoint call.
func (c *Client) do(ctx context.Context, ep Endpoint, input json.RawMessage) (json.RawMessage, error) {
	var (
		target = *ep.target
		body   io.Reader
	)

	if ep.Method == http.MethodGet {
		if withInput(input) {
			q := target.Query()
			q.Set("input", string(input))
			target.RawQuery = q.Encode()
		}
	} else {
		if len(input) == 0 {
			input = json.RawMessage("null")
		}
		body = bytes.NewReader(input)
	}

	req, err := http.NewRequestWithContext(ctx, ep.Method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", ep.Path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range ep.Headers {
		req.Header.Set(k, v)
	}
	if ep.AuthBearer != "" {
		req.Header.Set("Authorization", "Bearer "+ep.AuthBearer)
	}

	start := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", ep.Path, unwrapURLError(err))
	}
	defer res.Body.Close()

	payload, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read response for %s: %w", ep.Path, err)
	}

	c.logger.Debug().
		Str(log.FieldProcedure, ep.Path).
		Str(log.FieldHost, ep.Host()).
		Int(log.FieldStatus, res.StatusCode).
		Dur("duration", time.Since(start)).
		Int("bytes", len(payload)).
		Msg("origin call")

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, &StatusError{
			Path:    ep.Path,
			Host:    ep.Host(),
			Code:    res.StatusCode,
			Excerpt: excerpt(payload),
		}
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("origin %s returned invalid JSON for %s", ep.Host(), ep.Path)
	}
	return json.RawMessage(payload), nil
}

// StatusError is a non-2xx origin response.
type StatusError struct {
	Path    string
	Host    string
	Code    int
	Excerpt string
}

func (e *StatusError) Error() string {
	if e.Excerpt == "" {
		return fmt.Sprintf("origin %s: %s returned status %d", e.Host, e.Path, e.Code)
	}
	return fmt.Sprintf("origin %s: %s returned status %d: %s", e.Host, e.Path, e.Code, e.Excerpt)
}

func withInput(input json.RawMessage) bool {
	return len(input) > 0 && !bytes.Equal(input, []byte("null"))
}

func excerpt(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorExcerpt {
		s = s[:maxErrorExcerpt]
	}
	return s
}

// unwrapURLError strips the noisy url.Error wrapper; method and URL are
// already part of the surrounding message.
func unwrapURLError(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) && ue.Err != nil {
		return ue.Err
	}
	return err
}
