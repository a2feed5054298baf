// SPDX-License-Identifier: MIT

// aquifer-render renders route snapshots once and exits: the daemon's
// refresh loop as a batch tool, for CI pipelines and cron jobs.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aquifercache/aquifer/internal/config"
	"github.com/aquifercache/aquifer/internal/log"
	"github.com/aquifercache/aquifer/internal/manifest"
	"github.com/aquifercache/aquifer/internal/snapshot"
	"github.com/aquifercache/aquifer/internal/upstream"
	"github.com/aquifercache/aquifer/prefetch"
)

var version = "v0.3.0"

// routeList collects repeated --route flags.
type routeList []string

func (r *routeList) String() string { return strings.Join(*r, ",") }

func (r *routeList) Set(v string) error {
	*r = append(*r, v)
	return nil
}

func main() {
	var routes routeList
	configPath := flag.String("config", "", "path to config file (YAML)")
	outDir := flag.String("out", "", "snapshot output directory (defaults to the configured snapshot_dir)")
	timeout := flag.Duration("timeout", 2*time.Minute, "deadline for the whole render pass")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Var(&routes, "route", "route to render (repeatable; default: every stored route)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("aquifer-render %s\n", version)
		os.Exit(0)
	}

	log.Configure(log.Config{Version: version})
	logger := log.WithComponent("render")

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := run(ctx, logger, *configPath, *outDir, routes); err != nil {
		logger.Fatal().Err(err).Msg("render failed")
	}
}

func run(ctx context.Context, logger zerolog.Logger, configPath, outDir string, routes []string) error {
	cfg, err := config.Load(configPath, version)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := log.SetLevel(cfg.LogLevel); err != nil {
		logger.Warn().Err(err).Msg("keeping default log level")
	}

	client := upstream.NewClient(upstream.Options{
		Timeout:          cfg.Prefetch.Timeout.Std(),
		BreakerThreshold: cfg.Upstream.Breaker.Threshold,
		BreakerReset:     cfg.Upstream.Breaker.ResetTimeout.Std(),
		RateRPS:          cfg.Upstream.Rate.RPS,
		RateBurst:        cfg.Upstream.Rate.Burst,
		Logger:           log.Base(),
	})
	reg, err := upstream.BuildRouter(client, cfg.Endpoints(), cfg.Policy())
	if err != nil {
		return fmt.Errorf("build router: %w", err)
	}

	manifests, err := manifest.NewStore(cfg.ManifestDB)
	if err != nil {
		return fmt.Errorf("open manifest db: %w", err)
	}
	defer func() {
		if err := manifests.Close(); err != nil {
			logger.Warn().Err(err).Msg("closing manifest db failed")
		}
	}()

	if err := seedRoutes(ctx, manifests, cfg, configPath); err != nil {
		return fmt.Errorf("seed routes: %w", err)
	}

	dir := outDir
	if dir == "" {
		dir = cfg.SnapshotDir
	}
	snaps, err := snapshot.NewStore(dir, log.WithComponent("snapshot"))
	if err != nil {
		return fmt.Errorf("open snapshot store: %w", err)
	}

	// A render pass fetches everything fresh; the daemon's cache backend
	// is left alone.
	h := prefetch.New(reg,
		prefetch.WithLogger(log.WithComponent("prefetch")),
		prefetch.WithConcurrency(cfg.Prefetch.Concurrency),
		prefetch.WithTimeout(cfg.Prefetch.Timeout.Std()),
		prefetch.WithRetries(cfg.Prefetch.Retries),
	)
	defer func() { _ = h.Store().Close() }()

	refresher := snapshot.NewRefresher(snaps, manifests, func() *prefetch.Helpers { return h }, log.WithComponent("refresher"))

	names := routes
	if len(names) == 0 {
		all, err := manifests.List(ctx)
		if err != nil {
			return fmt.Errorf("list routes: %w", err)
		}
		for _, rt := range all {
			names = append(names, rt.Name)
		}
	}
	if len(names) == 0 {
		return errors.New("no routes to render: declare routes in the config or pass --route")
	}

	failed := 0
	for _, name := range names {
		meta, err := refresher.Render(ctx, name)
		if err != nil {
			failed++
			logger.Error().Err(err).Str("route", name).Msg("render failed")
			continue
		}
		logger.Info().
			Str("route", meta.Route).
			Int64("bytes", meta.Size).
			Str("etag", meta.ETag).
			Str("path", meta.Path).
			Msg("snapshot rendered")
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d routes failed", failed, len(names))
	}
	logger.Info().Int("routes", len(names)).Str("dir", dir).Msg("render pass complete")
	return nil
}

// seedRoutes mirrors the daemon's boot seeding so a render pass sees the
// same route set a freshly started daemon would.
func seedRoutes(ctx context.Context, store *manifest.Store, cfg *config.Config, configPath string) error {
	source := time.Now().UTC()
	if configPath != "" {
		if info, err := os.Stat(configPath); err == nil {
			source = info.ModTime().UTC()
		}
	}
	for _, rc := range cfg.Routes {
		queries, err := rc.PrefetchQueries()
		if err != nil {
			return err
		}
		if _, err := store.UpsertIfNewer(ctx, manifest.Route{
			Name:      rc.Name,
			Queries:   queries,
			Refresh:   rc.Refresh.Std(),
			UpdatedAt: source,
		}); err != nil {
			return fmt.Errorf("route %s: %w", rc.Name, err)
		}
	}
	return nil
}
