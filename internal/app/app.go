// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra    — the KV store (Redis when configured)
//  2. initServices — credential pool, upstream client, breaker, metrics,
//     rate limiter, request logger, compressor
//  3. initGateway  — HTTP surface plus state restoration
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/kirogate/internal/breaker"
	"github.com/nulpointcorp/kirogate/internal/compress"
	"github.com/nulpointcorp/kirogate/internal/config"
	"github.com/nulpointcorp/kirogate/internal/credential"
	"github.com/nulpointcorp/kirogate/internal/kiro"
	"github.com/nulpointcorp/kirogate/internal/logger"
	"github.com/nulpointcorp/kirogate/internal/metrics"
	"github.com/nulpointcorp/kirogate/internal/proxy"
	"github.com/nulpointcorp/kirogate/internal/ratelimit"
	"github.com/nulpointcorp/kirogate/internal/store"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	kv     store.Store
	pool   *credential.Pool
	client *kiro.Client
	brk    *breaker.Breaker
	keys   *proxy.KeyStore

	compressor    *compress.Compressor
	compressCache *compress.Cache
	limiter       *ratelimit.Limiter
	reqLogger     *logger.Logger
	prom          *metrics.Registry

	gw *proxy.Gateway

	closeOnce sync.Once
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and the periodic maintenance loops, blocking
// until ctx is cancelled or a fatal error occurs.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("kv_mode", a.cfg.KV.Mode),
		slog.String("scheduler", a.cfg.Scheduler),
		slog.Int("credentials", a.pool.Len()),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.Start(addr)
	})

	g.Go(func() error {
		a.snapshotLoop(gctx)
		return nil
	})

	if a.compressCache != nil {
		g.Go(func() error {
			a.cacheCleanupLoop(gctx)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// snapshotLoop periodically flushes credentials, stats, and request logs to
// the KV store, and once more on shutdown.
func (a *App) snapshotLoop(ctx context.Context) {
	interval := a.cfg.KV.SnapshotInterval
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			a.flushState()
			return
		case <-t.C:
			a.flushState()
		}
	}
}

func (a *App) flushState() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.gw.PersistState(ctx); err != nil {
		a.log.Warn("state snapshot failed", slog.String("error", err.Error()))
	}
	if a.reqLogger != nil {
		if err := a.reqLogger.Snapshot(ctx); err != nil {
			a.log.Warn("request log snapshot failed", slog.String("error", err.Error()))
		}
	}
}

// cacheCleanupLoop evicts expired compressor cache entries.
func (a *App) cacheCleanupLoop(ctx context.Context) {
	t := time.NewTicker(compress.CleanupPeriod)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.compressCache.Cleanup(ctx)
		}
	}
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		if a.gw != nil {
			a.flushState()
		}
		if a.reqLogger != nil {
			if err := a.reqLogger.Close(); err != nil {
				a.log.Error("request logger close error", slog.String("error", err.Error()))
			}
		}
		if a.pool != nil {
			a.pool.Close()
		}
		if a.kv != nil {
			if err := a.kv.Close(); err != nil {
				a.log.Error("store close error", slog.String("error", err.Error()))
			}
		}
	})
}
