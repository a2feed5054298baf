// SPDX-License-Identifier: MIT

// aquiferd is the cache daemon: it dispatches procedures to configured
// origins, keeps route snapshots rendered and serves the HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/aquifercache/aquifer/internal/api"
	"github.com/aquifercache/aquifer/internal/config"
	"github.com/aquifercache/aquifer/internal/health"
	"github.com/aquifercache/aquifer/internal/log"
	"github.com/aquifercache/aquifer/internal/manifest"
	"github.com/aquifercache/aquifer/internal/metrics"
	"github.com/aquifercache/aquifer/internal/snapshot"
	"github.com/aquifercache/aquifer/internal/telemetry"
	"github.com/aquifercache/aquifer/internal/upstream"
	"github.com/aquifercache/aquifer/prefetch"
	"github.com/aquifercache/aquifer/qcache"
	qbadger "github.com/aquifercache/aquifer/qcache/badger"
	qredis "github.com/aquifercache/aquifer/qcache/redis"
	"github.com/aquifercache/aquifer/router"
)

var (
	version   = "v0.3.0"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("aquiferd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	log.Configure(log.Config{Version: version})
	logger := log.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *configPath); err != nil {
		logger.Fatal().Err(err).Str("event", "daemon.failed").Msg("daemon failed")
	}
	logger.Info().Msg("server exiting")
}

func run(ctx context.Context, logger zerolog.Logger, configPath string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Each reload builds a fresh origin client so breaker and rate settings
	// track the config they were validated with.
	build := func(cfg *config.Config) (*router.Router, error) {
		client := upstream.NewClient(upstream.Options{
			Timeout:          cfg.Prefetch.Timeout.Std(),
			Tracing:          cfg.Telemetry.Enabled,
			BreakerThreshold: cfg.Upstream.Breaker.Threshold,
			BreakerReset:     cfg.Upstream.Breaker.ResetTimeout.Std(),
			RateRPS:          cfg.Upstream.Rate.RPS,
			RateBurst:        cfg.Upstream.Rate.Burst,
			Logger:           log.Base(),
		})
		return upstream.BuildRouter(client, cfg.Endpoints(), cfg.Policy())
	}

	mgr, err := config.NewManager(configPath, version, build)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	defer mgr.Stop()

	cfg := mgr.Current().Config
	if err := log.SetLevel(cfg.LogLevel); err != nil {
		logger.Warn().Err(err).Msg("keeping default log level")
	}
	if configPath != "" {
		logger.Info().Str("event", "config.loaded").Str("source", "file").Str("path", configPath).Msg("loaded configuration from file")
	} else {
		logger.Info().Str("event", "config.loaded").Str("source", "env+defaults").Msg("loaded configuration from environment and defaults")
	}

	if err := health.PerformStartupChecks(cfg); err != nil {
		return fmt.Errorf("startup checks: %w", err)
	}

	tp, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "aquiferd",
		ServiceVersion: version,
		Environment:    cfg.Telemetry.Environment,
		ExporterType:   cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		SamplingRate:   cfg.Telemetry.Sampling,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("telemetry shutdown failed")
		}
	}()

	backend, err := newCacheStore(cfg)
	if err != nil {
		return fmt.Errorf("open cache backend %s: %w", cfg.Cache.Backend, err)
	}
	store := metrics.InstrumentStore(cfg.Cache.Backend, backend)
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn().Err(err).Msg("closing cache backend failed")
		}
	}()

	manifests, err := manifest.NewStore(cfg.ManifestDB)
	if err != nil {
		return fmt.Errorf("open manifest db: %w", err)
	}
	defer func() {
		if err := manifests.Close(); err != nil {
			logger.Warn().Err(err).Msg("closing manifest db failed")
		}
	}()

	if err := seedRoutes(ctx, manifests, cfg, configMTime(configPath), logger); err != nil {
		return fmt.Errorf("seed routes: %w", err)
	}
	warnDanglingRoutes(ctx, manifests, mgr.Current().Router, logger)

	snaps, err := snapshot.NewStore(cfg.SnapshotDir, log.WithComponent("snapshot"))
	if err != nil {
		return fmt.Errorf("open snapshot store: %w", err)
	}
	rescanned, err := snaps.Rescan()
	if err != nil {
		return fmt.Errorf("rescan snapshots: %w", err)
	}

	// Helpers are swapped whole on reload so in-flight requests keep the
	// router they started with.
	var helpers atomic.Pointer[prefetch.Helpers]
	buildHelpers := func(snap *config.Snapshot) *prefetch.Helpers {
		return prefetch.New(snap.Router,
			prefetch.WithStore(store),
			prefetch.WithLogger(log.WithComponent("prefetch")),
			prefetch.WithConcurrency(snap.Config.Prefetch.Concurrency),
			prefetch.WithStaleTime(snap.Config.Cache.DefaultStaleTime.Std()),
			prefetch.WithTTL(snap.Config.Cache.DefaultTTL.Std()),
			prefetch.WithTimeout(snap.Config.Prefetch.Timeout.Std()),
			prefetch.WithRetries(snap.Config.Prefetch.Retries),
			prefetch.WithMetrics(true),
		)
	}
	helpers.Store(buildHelpers(mgr.Current()))
	helpersFn := func() *prefetch.Helpers { return helpers.Load() }

	mgr.Subscribe(func(snap *config.Snapshot) {
		helpers.Store(buildHelpers(snap))
		if err := log.SetLevel(snap.Config.LogLevel); err != nil {
			logger.Warn().Err(err).Msg("keeping previous log level")
		}
		if err := seedRoutes(ctx, manifests, snap.Config, configMTime(configPath), logger); err != nil {
			logger.Error().Err(err).Str("event", "daemon.reseed_failed").Msg("seeding routes after reload failed")
		}
		warnDanglingRoutes(ctx, manifests, snap.Router, logger)
	})

	if err := mgr.Watch(ctx); err != nil {
		logger.Warn().Err(err).Msg("config file watching disabled")
	}
	reloadOnHUP(ctx, mgr)

	hm := health.NewManager(version)
	// The checker sees the raw backend so the Redis ping stays visible
	// through the metrics wrapper.
	hm.RegisterChecker(health.NewCacheChecker(backend))
	hm.RegisterChecker(health.NewPingChecker("manifest", manifests.Ping))
	hm.RegisterChecker(health.NewRouterChecker(func() int { return mgr.Current().Router.Len() }))
	hm.RegisterChecker(health.NewDirChecker("snapshots", cfg.SnapshotDir))

	refresher := snapshot.NewRefresher(snaps, manifests, helpersFn, log.WithComponent("refresher"))
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		refresher.Run(ctx)
	}()

	srv := api.New(cfg, api.Deps{
		Helpers:   helpersFn,
		Manifests: manifests,
		Snapshots: snaps,
		Health:    hm,
		Logger:    log.WithComponent("api"),
		Version:   version,
	})

	logger.Info().
		Str("event", "startup").
		Str("version", version).
		Str("commit", commit).
		Str("build_date", buildDate).
		Str("addr", cfg.Listen).
		Msg("starting aquiferd")
	logger.Info().Msgf("→ Cache backend: %s", cfg.Cache.Backend)
	logger.Info().Msgf("→ Procedures: %d", mgr.Current().Router.Len())
	logger.Info().Msgf("→ Manifest DB: %s", cfg.ManifestDB)
	logger.Info().Msgf("→ Snapshot dir: %s (%d rendered)", cfg.SnapshotDir, rescanned)
	if cfg.Telemetry.Enabled {
		logger.Info().Msgf("→ Tracing: %s via %s", cfg.Telemetry.Endpoint, cfg.Telemetry.Exporter)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	var serveErr error
	select {
	case serveErr = <-errCh:
	case <-ctx.Done():
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("http shutdown failed")
		}
		cancelShutdown()
		serveErr = <-errCh
	}

	cancel()
	wg.Wait()
	return serveErr
}

// newCacheStore opens the configured query cache backend.
func newCacheStore(cfg *config.Config) (qcache.Store, error) {
	cacheLogger := log.WithComponent("cache")
	switch cfg.Cache.Backend {
	case "redis":
		return qredis.New(qredis.Config{
			Addr:       cfg.Cache.Redis.Addr,
			Password:   cfg.Cache.Redis.Password,
			DB:         cfg.Cache.Redis.DB,
			DefaultTTL: cfg.Cache.DefaultTTL.Std(),
		}, cacheLogger)
	case "badger":
		return qbadger.New(qbadger.Config{
			Path:       cfg.Cache.Badger.Path,
			DefaultTTL: cfg.Cache.DefaultTTL.Std(),
		}, cacheLogger)
	default:
		return qcache.NewMemory(
			qcache.WithJanitorInterval(cfg.Cache.JanitorInterval.Std()),
			qcache.WithMemoryLogger(cacheLogger),
		), nil
	}
}

// seedRoutes pushes config-declared routes into the manifest store. Routes
// edited through the API after the config file was written stay untouched.
func seedRoutes(ctx context.Context, store *manifest.Store, cfg *config.Config, source time.Time, logger zerolog.Logger) error {
	for _, rc := range cfg.Routes {
		queries, err := rc.PrefetchQueries()
		if err != nil {
			return err
		}
		applied, err := store.UpsertIfNewer(ctx, manifest.Route{
			Name:      rc.Name,
			Queries:   queries,
			Refresh:   rc.Refresh.Std(),
			UpdatedAt: source,
		})
		if err != nil {
			return fmt.Errorf("route %s: %w", rc.Name, err)
		}
		if applied {
			logger.Info().Str("route", rc.Name).Str("event", "daemon.route_seeded").Msg("route seeded from config")
		} else {
			logger.Debug().Str("route", rc.Name).Msg("stored route is newer than config, keeping it")
		}
	}
	return nil
}

// warnDanglingRoutes flags manifests that reference procedures the active
// router no longer has. They stay stored; renders will surface the errors.
func warnDanglingRoutes(ctx context.Context, store *manifest.Store, reg *router.Router, logger zerolog.Logger) {
	routes, err := store.List(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("listing routes for validation failed")
		return
	}
	for _, rt := range routes {
		if err := rt.Validate(reg); err != nil {
			logger.Warn().
				Err(err).
				Str("route", rt.Name).
				Str("event", "daemon.route_dangling").
				Msg("manifest references procedures missing from the active config")
		}
	}
}

// configMTime timestamps config-seeded routes so UpsertIfNewer can compare
// them against API edits. Without a file the routes list is empty anyway.
func configMTime(path string) time.Time {
	if path == "" {
		return time.Now().UTC()
	}
	info, err := os.Stat(path)
	if err != nil {
		return time.Now().UTC()
	}
	return info.ModTime().UTC()
}

// reloadOnHUP reloads the config when the process receives SIGHUP. Reload
// failures keep the previous snapshot and are logged by the manager.
func reloadOnHUP(ctx context.Context, mgr *config.Manager) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		defer signal.Stop(hup)
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				_ = mgr.Reload(ctx)
			}
		}
	}()
}
