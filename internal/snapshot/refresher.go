// SPDX-License-Identifier: MIT

package snapshot

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aquifercache/aquifer/internal/manifest"
	"github.com/aquifercache/aquifer/internal/metrics"
	"github.com/aquifercache/aquifer/internal/telemetry"
	"github.com/aquifercache/aquifer/prefetch"
)

// ErrRenderRunning is returned when a render for the same route is already
// in flight.
var ErrRenderRunning = errors.New("render already running")

const (
	defaultResync = time.Minute
	jitterFrac    = 0.1
	listTimeout   = 10 * time.Second
)

// RouteSource supplies the routes to keep rendered. Implemented by the
// manifest store.
type RouteSource interface {
	Get(ctx context.Context, name string) (*manifest.Route, error)
	List(ctx context.Context) ([]manifest.Route, error)
}

// HelpersFunc returns the current prefetch helpers. The daemon swaps
// helpers on config reload, so the refresher resolves them per render
// instead of holding one instance.
type HelpersFunc func() *prefetch.Helpers

// Refresher keeps every route with a refresh interval rendered in the
// background: one jittered loop per route, reconciled against the manifest
// store so routes added or removed at runtime are picked up.
type Refresher struct {
	store   *Store
	routes  RouteSource
	helpers HelpersFunc
	logger  zerolog.Logger
	resync  time.Duration

	mu    sync.Mutex
	rnd   *rand.Rand
	gates sync.Map // route name -> *sync.Mutex
}

// RefresherOption tunes the refresher.
type RefresherOption func(*Refresher)

// WithResyncInterval sets how often the route list is re-read.
func WithResyncInterval(d time.Duration) RefresherOption {
	return func(r *Refresher) {
		if d > 0 {
			r.resync = d
		}
	}
}

// NewRefresher wires the refresher. Rendering does not start until Run.
func NewRefresher(store *Store, routes RouteSource, helpers HelpersFunc, logger zerolog.Logger, opts ...RefresherOption) *Refresher {
	r := &Refresher{
		store:   store,
		routes:  routes,
		helpers: helpers,
		logger:  logger,
		resync:  defaultResync,
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404 -- jitter only
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Render runs one prefetch and snapshot write for the named route. The API
// layer calls this for on-demand renders too; concurrent renders of the
// same route collapse into ErrRenderRunning instead of queuing.
func (r *Refresher) Render(ctx context.Context, name string) (Meta, error) {
	name = strings.ToLower(name)

	ctx, span := telemetry.Tracer("aquifer.snapshot").Start(ctx, "snapshot.render")
	defer span.End()

	gate, _ := r.gates.LoadOrStore(name, &sync.Mutex{})
	mu := gate.(*sync.Mutex)
	if !mu.TryLock() {
		return Meta{}, ErrRenderRunning
	}
	defer mu.Unlock()

	route, err := r.routes.Get(ctx, name)
	if err != nil {
		span.SetAttributes(telemetry.ErrorAttributes("route_lookup")...)
		metrics.RecordSnapshotWrite(name, "error")
		return Meta{}, err
	}

	h := r.helpers()
	h.PrefetchBatch(ctx, route.Queries)
	state, err := h.DehydrateQueries(ctx, route.Queries)
	if err != nil {
		span.SetAttributes(telemetry.ErrorAttributes("dehydrate")...)
		metrics.RecordSnapshotWrite(name, "error")
		return Meta{}, err
	}

	meta, err := r.store.Write(route.Name, state)
	if err != nil {
		span.SetAttributes(telemetry.ErrorAttributes("write")...)
		return Meta{}, err
	}
	span.SetAttributes(telemetry.SnapshotAttributes(route.Name, state.Len(), int(meta.Size))...)
	return meta, nil
}

// Run blocks until ctx is canceled, reconciling render loops against the
// route list every resync interval.
func (r *Refresher) Run(ctx context.Context) {
	loops := make(map[string]*routeLoop)
	defer func() {
		for _, l := range loops {
			l.cancel()
		}
		for _, l := range loops {
			<-l.done
		}
	}()

	ticker := time.NewTicker(r.resync)
	defer ticker.Stop()

	r.reconcile(ctx, loops)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Str("event", "snapshot.refresher_stopped").Msg("refresher stopped")
			return
		case <-ticker.C:
			r.reconcile(ctx, loops)
		}
	}
}

type routeLoop struct {
	refresh time.Duration
	cancel  context.CancelFunc
	done    chan struct{}
}

func (r *Refresher) reconcile(ctx context.Context, loops map[string]*routeLoop) {
	listCtx, cancel := context.WithTimeout(ctx, listTimeout)
	routes, err := r.routes.List(listCtx)
	cancel()
	if err != nil {
		r.logger.Error().Err(err).Str("event", "snapshot.resync_failed").Msg("listing routes failed")
		return
	}

	seen := make(map[string]struct{}, len(routes))
	for _, route := range routes {
		if route.Refresh <= 0 {
			continue
		}
		seen[route.Name] = struct{}{}
		if l, ok := loops[route.Name]; ok {
			if l.refresh == route.Refresh {
				continue
			}
			l.cancel()
			<-l.done
		}
		loops[route.Name] = r.startLoop(ctx, route.Name, route.Refresh)
	}

	for name, l := range loops {
		if _, ok := seen[name]; ok {
			continue
		}
		l.cancel()
		<-l.done
		delete(loops, name)
		r.logger.Info().Str("route", name).Str("event", "snapshot.loop_removed").Msg("refresh loop removed")
	}
}

func (r *Refresher) startLoop(ctx context.Context, name string, refresh time.Duration) *routeLoop {
	loopCtx, cancel := context.WithCancel(ctx)
	l := &routeLoop{refresh: refresh, cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(l.done)
		r.logger.Info().
			Str("route", name).
			Dur("refresh", refresh).
			Str("event", "snapshot.loop_started").
			Msg("refresh loop started")

		// Render immediately when nothing is on disk yet; otherwise the
		// existing snapshot holds until a full jittered interval passed.
		var delay time.Duration
		if _, ok := r.store.Stat(name); ok {
			delay = r.jittered(refresh)
		}
		timer := time.NewTimer(delay)
		defer timer.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-timer.C:
			}
			r.renderTick(loopCtx, name)
			timer.Reset(r.jittered(refresh))
		}
	}()
	return l
}

func (r *Refresher) renderTick(ctx context.Context, name string) {
	meta, err := r.Render(ctx, name)
	switch {
	case errors.Is(err, ErrRenderRunning):
		r.logger.Debug().Str("route", name).Msg("render already in flight, skipping tick")
	case errors.Is(err, manifest.ErrNotFound):
		// Route deleted between resyncs; the next reconcile reaps the loop.
	case err != nil:
		r.logger.Error().Err(err).Str("route", name).Str("event", "snapshot.render_failed").Msg("render failed")
	default:
		r.logger.Debug().
			Str("route", name).
			Int64("bytes", meta.Size).
			Msg("snapshot refreshed")
	}

	if m, ok := r.store.Stat(name); ok {
		metrics.SetSnapshotAge(m.Route, time.Since(m.GeneratedAt).Seconds())
	}
}

// jittered spreads an interval by +/-10% so routes sharing one refresh
// setting do not hit origins in lockstep.
func (r *Refresher) jittered(base time.Duration) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	f := 1.0 + (r.rnd.Float64()*2.0-1.0)*jitterFrac
	return time.Duration(float64(base) * f)
}
