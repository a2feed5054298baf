// SPDX-License-Identifier: MIT

// Package config loads, validates, and hot-reloads the daemon
// configuration. Precedence is ENV > YAML file > built-in defaults.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aquifercache/aquifer/internal/upstream"
	"github.com/aquifercache/aquifer/internal/validate"
	"github.com/aquifercache/aquifer/prefetch"
	"github.com/aquifercache/aquifer/router"
)

// Config is the full daemon configuration.
type Config struct {
	Listen     string `yaml:"listen"`
	LogLevel   string `yaml:"log_level"`
	LogService string `yaml:"log_service"`

	Cache      CacheConfig       `yaml:"cache"`
	Prefetch   PrefetchConfig    `yaml:"prefetch"`
	Upstream   UpstreamConfig    `yaml:"upstream"`
	Procedures []ProcedureConfig `yaml:"procedures"`
	Routes     []RouteConfig     `yaml:"routes"`

	ManifestDB  string `yaml:"manifest_db"`
	SnapshotDir string `yaml:"snapshot_dir"`

	API       APIConfig       `yaml:"api"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Version is stamped by Load, not read from the file.
	Version string `yaml:"-"`
}

// CacheConfig selects and tunes the query cache backend.
type CacheConfig struct {
	Backend          string       `yaml:"backend"`
	DefaultTTL       Duration     `yaml:"default_ttl"`
	DefaultStaleTime Duration     `yaml:"default_stale_time"`
	JanitorInterval  Duration     `yaml:"janitor_interval"`
	Redis            RedisConfig  `yaml:"redis"`
	Badger           BadgerConfig `yaml:"badger"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type BadgerConfig struct {
	Path string `yaml:"path"`
}

// PrefetchConfig tunes the shared prefetch helpers.
type PrefetchConfig struct {
	Concurrency int      `yaml:"concurrency"`
	Timeout     Duration `yaml:"timeout"`
	Retries     int      `yaml:"retries"`
}

// UpstreamConfig guards outbound origin access.
type UpstreamConfig struct {
	AllowHosts   []string      `yaml:"allow_hosts"`
	AllowCIDRs   []string      `yaml:"allow_cidrs"`
	AllowSchemes []string      `yaml:"allow_schemes"`
	Breaker      BreakerConfig `yaml:"breaker"`
	Rate         RateConfig    `yaml:"rate"`
}

type BreakerConfig struct {
	Threshold    int      `yaml:"threshold"`
	ResetTimeout Duration `yaml:"reset_timeout"`
}

type RateConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// ProcedureConfig declares one procedure bound to an HTTP origin.
type ProcedureConfig struct {
	Path          string            `yaml:"path"`
	Kind          string            `yaml:"kind"`
	URL           string            `yaml:"url"`
	Method        string            `yaml:"method"`
	Headers       map[string]string `yaml:"headers"`
	AuthBearerEnv string            `yaml:"auth_bearer_env"`
	StaleTime     Duration          `yaml:"stale_time"`
	TTL           Duration          `yaml:"ttl"`
	Timeout       Duration          `yaml:"timeout"`
	Retries       int               `yaml:"retries"`
}

// RouteConfig seeds one manifest route at boot.
type RouteConfig struct {
	Name    string        `yaml:"name"`
	Refresh Duration      `yaml:"refresh"`
	Queries []QueryConfig `yaml:"queries"`
}

// QueryConfig is one query of a seeded route. Input is arbitrary YAML and
// converted to JSON.
type QueryConfig struct {
	Path  string `yaml:"path"`
	Input any    `yaml:"input"`
}

// APIConfig tunes the HTTP surface.
type APIConfig struct {
	RateLimit    APIRateLimit `yaml:"rate_limit"`
	CORSOrigins  []string     `yaml:"cors_origins"`
	MaxBodyBytes int64        `yaml:"max_body_bytes"`
	ReadTimeout  Duration     `yaml:"read_timeout"`
	WriteTimeout Duration     `yaml:"write_timeout"`
	IdleTimeout  Duration     `yaml:"idle_timeout"`
}

type APIRateLimit struct {
	RPS     int  `yaml:"rps"`
	Burst   int  `yaml:"burst"`
	Enabled bool `yaml:"enabled"`
}

// TelemetryConfig controls the OTLP trace exporter.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	Sampling    float64 `yaml:"sampling"`
	Environment string  `yaml:"environment"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Listen:     ":8080",
		LogLevel:   "info",
		LogService: "aquifer",
		Cache: CacheConfig{
			Backend:          "memory",
			DefaultTTL:       Duration(5 * time.Minute),
			DefaultStaleTime: Duration(30 * time.Second),
			JanitorInterval:  Duration(time.Minute),
		},
		Prefetch: PrefetchConfig{
			Concurrency: 5,
			Timeout:     Duration(10 * time.Second),
		},
		Upstream: UpstreamConfig{
			Breaker: BreakerConfig{Threshold: 3, ResetTimeout: Duration(30 * time.Second)},
		},
		ManifestDB:  "aquifer.db",
		SnapshotDir: "snapshots",
		API: APIConfig{
			RateLimit:    APIRateLimit{RPS: 20, Burst: 40, Enabled: true},
			MaxBodyBytes: 1 << 20,
			ReadTimeout:  Duration(10 * time.Second),
			WriteTimeout: Duration(30 * time.Second),
			IdleTimeout:  Duration(60 * time.Second),
		},
		Telemetry: TelemetryConfig{
			Exporter:    "grpc",
			Sampling:    1.0,
			Environment: "production",
		},
	}
}

// Load builds the effective config: defaults, then the YAML file (when
// path is non-empty), then environment overrides. Unknown YAML keys are
// rejected.
func Load(path, version string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	cfg.Version = version
	return cfg, nil
}

// applyEnv overlays AQF_* environment variables. List-shaped settings
// (procedures, routes) are file-only.
func applyEnv(cfg *Config) {
	cfg.Listen = ParseString("AQF_LISTEN", cfg.Listen)
	cfg.LogLevel = ParseString("AQF_LOG_LEVEL", cfg.LogLevel)
	cfg.LogService = ParseString("AQF_LOG_SERVICE", cfg.LogService)

	cfg.Cache.Backend = ParseString("AQF_CACHE_BACKEND", cfg.Cache.Backend)
	cfg.Cache.DefaultTTL = Duration(ParseDuration("AQF_CACHE_DEFAULT_TTL", cfg.Cache.DefaultTTL.Std()))
	cfg.Cache.DefaultStaleTime = Duration(ParseDuration("AQF_CACHE_DEFAULT_STALE_TIME", cfg.Cache.DefaultStaleTime.Std()))
	cfg.Cache.JanitorInterval = Duration(ParseDuration("AQF_CACHE_JANITOR_INTERVAL", cfg.Cache.JanitorInterval.Std()))
	cfg.Cache.Redis.Addr = ParseString("AQF_REDIS_ADDR", cfg.Cache.Redis.Addr)
	cfg.Cache.Redis.Password = ParseString("AQF_REDIS_PASSWORD", cfg.Cache.Redis.Password)
	cfg.Cache.Redis.DB = ParseInt("AQF_REDIS_DB", cfg.Cache.Redis.DB)
	cfg.Cache.Badger.Path = ParseString("AQF_BADGER_PATH", cfg.Cache.Badger.Path)

	cfg.Prefetch.Concurrency = ParseInt("AQF_PREFETCH_CONCURRENCY", cfg.Prefetch.Concurrency)
	cfg.Prefetch.Timeout = Duration(ParseDuration("AQF_PREFETCH_TIMEOUT", cfg.Prefetch.Timeout.Std()))
	cfg.Prefetch.Retries = ParseInt("AQF_PREFETCH_RETRIES", cfg.Prefetch.Retries)

	cfg.Upstream.Breaker.Threshold = ParseInt("AQF_BREAKER_THRESHOLD", cfg.Upstream.Breaker.Threshold)
	cfg.Upstream.Breaker.ResetTimeout = Duration(ParseDuration("AQF_BREAKER_RESET_TIMEOUT", cfg.Upstream.Breaker.ResetTimeout.Std()))
	cfg.Upstream.Rate.RPS = ParseFloat("AQF_UPSTREAM_RATE_RPS", cfg.Upstream.Rate.RPS)
	cfg.Upstream.Rate.Burst = ParseInt("AQF_UPSTREAM_RATE_BURST", cfg.Upstream.Rate.Burst)

	cfg.ManifestDB = ParseString("AQF_MANIFEST_DB", cfg.ManifestDB)
	cfg.SnapshotDir = ParseString("AQF_SNAPSHOT_DIR", cfg.SnapshotDir)

	cfg.API.RateLimit.RPS = ParseInt("AQF_API_RATE_RPS", cfg.API.RateLimit.RPS)
	cfg.API.RateLimit.Burst = ParseInt("AQF_API_RATE_BURST", cfg.API.RateLimit.Burst)
	cfg.API.RateLimit.Enabled = ParseBool("AQF_API_RATE_ENABLED", cfg.API.RateLimit.Enabled)
	cfg.API.MaxBodyBytes = int64(ParseInt("AQF_API_MAX_BODY_BYTES", int(cfg.API.MaxBodyBytes)))

	cfg.Telemetry.Enabled = ParseBool("AQF_TELEMETRY_ENABLED", cfg.Telemetry.Enabled)
	cfg.Telemetry.Exporter = ParseString("AQF_TELEMETRY_EXPORTER", cfg.Telemetry.Exporter)
	cfg.Telemetry.Endpoint = ParseString("AQF_TELEMETRY_ENDPOINT", cfg.Telemetry.Endpoint)
	cfg.Telemetry.Sampling = ParseFloat("AQF_TELEMETRY_SAMPLING", cfg.Telemetry.Sampling)
	cfg.Telemetry.Environment = ParseString("AQF_TELEMETRY_ENVIRONMENT", cfg.Telemetry.Environment)
}

// Validate checks the whole config and reports every problem at once.
func (c *Config) Validate() error {
	v := validate.New()

	v.Listen("listen", c.Listen)
	if _, err := validate.ParseLogLevel(c.LogLevel); err != nil {
		v.AddError("log_level", err.Error(), c.LogLevel)
	}

	v.OneOf("cache.backend", c.Cache.Backend, []string{"memory", "redis", "badger"})
	v.PositiveDuration("cache.default_ttl", c.Cache.DefaultTTL.Std())
	v.NonNegativeDuration("cache.default_stale_time", c.Cache.DefaultStaleTime.Std())
	v.NonNegativeDuration("cache.janitor_interval", c.Cache.JanitorInterval.Std())
	switch c.Cache.Backend {
	case "redis":
		v.NotEmpty("cache.redis.addr", c.Cache.Redis.Addr)
	case "badger":
		v.NotEmpty("cache.badger.path", c.Cache.Badger.Path)
	}

	v.Range("prefetch.concurrency", c.Prefetch.Concurrency, 1, 10)
	v.PositiveDuration("prefetch.timeout", c.Prefetch.Timeout.Std())
	v.Range("prefetch.retries", c.Prefetch.Retries, 0, 10)

	v.Positive("upstream.breaker.threshold", c.Upstream.Breaker.Threshold)
	v.PositiveDuration("upstream.breaker.reset_timeout", c.Upstream.Breaker.ResetTimeout.Std())
	if c.Upstream.Rate.RPS < 0 {
		v.AddError("upstream.rate.rps", "rate cannot be negative", c.Upstream.Rate.RPS)
	}
	v.NonNegative("upstream.rate.burst", c.Upstream.Rate.Burst)

	v.NotEmpty("manifest_db", c.ManifestDB)
	v.NotEmpty("snapshot_dir", c.SnapshotDir)

	if c.API.RateLimit.Enabled {
		v.Positive("api.rate_limit.rps", c.API.RateLimit.RPS)
		v.Positive("api.rate_limit.burst", c.API.RateLimit.Burst)
	}
	if c.API.MaxBodyBytes <= 0 {
		v.AddError("api.max_body_bytes", "body cap must be positive", c.API.MaxBodyBytes)
	}

	if c.Telemetry.Enabled {
		v.OneOf("telemetry.exporter", c.Telemetry.Exporter, []string{"grpc", "http"})
		v.NotEmpty("telemetry.endpoint", c.Telemetry.Endpoint)
		if c.Telemetry.Sampling < 0 || c.Telemetry.Sampling > 1 {
			v.AddError("telemetry.sampling", "sampling ratio must be in [0,1]", c.Telemetry.Sampling)
		}
	}

	declared := make(map[string]router.Kind, len(c.Procedures))
	for i, p := range c.Procedures {
		field := fmt.Sprintf("procedures[%d]", i)
		if err := router.ValidatePath(p.Path); err != nil {
			v.AddError(field+".path", err.Error(), p.Path)
			continue
		}
		v.OneOf(field+".kind", p.Kind, []string{"query", "mutation"})
		v.URL(field+".url", p.URL, c.allowedSchemes())
		v.NonNegativeDuration(field+".stale_time", p.StaleTime.Std())
		v.NonNegativeDuration(field+".ttl", p.TTL.Std())
		v.NonNegativeDuration(field+".timeout", p.Timeout.Std())
		v.Range(field+".retries", p.Retries, 0, 10)
		declared[strings.ToLower(p.Path)] = router.Kind(p.Kind)
	}

	for i, r := range c.Routes {
		field := fmt.Sprintf("routes[%d]", i)
		v.NotEmpty(field+".name", r.Name)
		v.NonNegativeDuration(field+".refresh", r.Refresh.Std())
		if len(r.Queries) == 0 {
			v.AddError(field+".queries", "route needs at least one query", r.Name)
		}
		for j, q := range r.Queries {
			qfield := fmt.Sprintf("%s.queries[%d]", field, j)
			kind, ok := declared[strings.ToLower(q.Path)]
			if !ok {
				v.AddError(qfield+".path", "references undeclared procedure", q.Path)
				continue
			}
			if kind != router.KindQuery {
				v.AddError(qfield+".path", "route queries must reference query procedures", q.Path)
			}
		}
	}

	return v.Err()
}

func (c *Config) allowedSchemes() []string {
	if len(c.Upstream.AllowSchemes) > 0 {
		return c.Upstream.AllowSchemes
	}
	return []string{"http", "https"}
}

// Endpoints maps declared procedures into upstream endpoints, resolving
// bearer tokens from the environment.
func (c *Config) Endpoints() []upstream.Endpoint {
	eps := make([]upstream.Endpoint, 0, len(c.Procedures))
	for _, p := range c.Procedures {
		ep := upstream.Endpoint{
			Path:      p.Path,
			Kind:      router.Kind(p.Kind),
			URL:       p.URL,
			Method:    p.Method,
			Headers:   p.Headers,
			StaleTime: p.StaleTime.Std(),
			TTL:       p.TTL.Std(),
			Timeout:   p.Timeout.Std(),
			Retries:   p.Retries,
		}
		if p.AuthBearerEnv != "" {
			ep.AuthBearer = os.Getenv(p.AuthBearerEnv)
		}
		eps = append(eps, ep)
	}
	return eps
}

// Policy maps the upstream allowlist into the policy type.
func (c *Config) Policy() upstream.Policy {
	return upstream.Policy{
		Hosts:   c.Upstream.AllowHosts,
		CIDRs:   c.Upstream.AllowCIDRs,
		Schemes: c.Upstream.AllowSchemes,
	}
}

// PrefetchQueries converts a seeded route's queries into prefetch queries.
func (r RouteConfig) PrefetchQueries() ([]prefetch.Query, error) {
	out := make([]prefetch.Query, 0, len(r.Queries))
	for _, q := range r.Queries {
		pq := prefetch.Query{Path: q.Path}
		if q.Input != nil {
			raw, err := json.Marshal(q.Input)
			if err != nil {
				return nil, fmt.Errorf("route %s: query %s: encode input: %w", r.Name, q.Path, err)
			}
			pq.Input = raw
		}
		out = append(out, pq)
	}
	return out, nil
}
