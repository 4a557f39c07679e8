package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nulpointcorp/kirogate/internal/breaker"
	"github.com/nulpointcorp/kirogate/internal/compress"
	"github.com/nulpointcorp/kirogate/internal/credential"
	"github.com/nulpointcorp/kirogate/internal/kiro"
	"github.com/nulpointcorp/kirogate/internal/logger"
	"github.com/nulpointcorp/kirogate/internal/metrics"
	"github.com/nulpointcorp/kirogate/internal/proxy"
	"github.com/nulpointcorp/kirogate/internal/ratelimit"
	"github.com/nulpointcorp/kirogate/internal/store"
)

// initInfra selects the KV backend. Redis is only dialed when KV_MODE=redis.
func (a *App) initInfra(ctx context.Context) error {
	switch a.cfg.KV.Mode {
	case "redis":
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.KV.RedisURL)))
		kv, err := store.NewRedis(ctx, a.cfg.KV.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.kv = kv
		a.log.Info("redis connected")

	case "memory":
		a.kv = store.NewMemory()
		a.log.Info("kv backend: memory (in-process)")

	default:
		return fmt.Errorf("unknown kv mode: %s", a.cfg.KV.Mode)
	}

	return nil
}

// initServices builds everything between the store and the HTTP surface.
func (a *App) initServices(ctx context.Context) error {
	a.pool = credential.NewPool(a.cfg.Scheduler, a.log)

	a.client = kiro.NewClient(a.cfg.Upstream.Region, a.log,
		kiro.WithTimeout(a.cfg.Upstream.RequestTimeout))

	a.brk = breaker.New(breaker.Config{
		FailureThreshold:  a.cfg.CircuitBreaker.FailureThreshold,
		ResetTimeout:      a.cfg.CircuitBreaker.ResetTimeout,
		HalfOpenSuccesses: a.cfg.CircuitBreaker.HalfOpenSuccesses,
	})

	a.keys = proxy.NewKeyStore(a.kv, a.log)

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	if a.cfg.RateLimit.PerMinute > 0 {
		a.limiter = ratelimit.New(a.cfg.RateLimit.PerMinute, a.cfg.RateLimit.BurstMultiplier)
		a.log.Info("rate limiting enabled",
			slog.Int("per_minute", a.cfg.RateLimit.PerMinute),
			slog.Int("burst_multiplier", a.cfg.RateLimit.BurstMultiplier),
		)
	}

	reqLogger, err := logger.New(a.baseCtx, a.log, a.kv)
	if err != nil {
		return fmt.Errorf("request logger: %w", err)
	}
	a.reqLogger = reqLogger

	if a.cfg.Compression.Enabled {
		a.compressCache = compress.NewCache(a.kv, a.cfg.Compression.CacheTTL, a.log)
		a.compressor = compress.New(compress.Config{
			Enabled:        true,
			Auto:           a.cfg.Compression.AutoCompress,
			MaxMessages:    a.cfg.Compression.MaxMessages,
			TokenThreshold: a.cfg.Compression.TokenThreshold,
			KeepCount:      a.cfg.Compression.KeepRecent,
			CacheTTL:       a.cfg.Compression.CacheTTL,
		}, newUpstreamSummarizer(a.pool, a.client, a.log), a.compressCache, a.log)
		a.log.Info("conversation compression enabled",
			slog.Int("max_messages", a.cfg.Compression.MaxMessages),
			slog.Int("token_threshold", a.cfg.Compression.TokenThreshold),
		)
	}

	return nil
}

// initGateway builds the HTTP surface and restores persisted state.
func (a *App) initGateway(ctx context.Context) error {
	a.gw = proxy.NewGateway(a.baseCtx, a.cfg, a.pool, a.client, a.brk, a.keys, a.kv,
		proxy.Options{
			Compressor: a.compressor,
			Limiter:    a.limiter,
			ReqLogger:  a.reqLogger,
			Metrics:    a.prom,
			Logger:     a.log,
			Version:    a.version,
		})

	if err := a.gw.LoadState(ctx); err != nil {
		return fmt.Errorf("restore state: %w", err)
	}
	if err := a.reqLogger.Load(ctx); err != nil {
		a.log.Warn("request log restore failed", slog.String("error", err.Error()))
	}

	a.log.Info("state restored", slog.Int("credentials", a.pool.Len()))
	return nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	at := strings.IndexByte(raw, '@')
	if at < 0 {
		return raw
	}
	if i := strings.Index(raw, "://"); i >= 0 && i+3 < at {
		return raw[:i+3] + "***" + raw[at:]
	}
	return "***" + raw[at:]
}
