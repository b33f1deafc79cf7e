package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	npCache "github.com/polyroute/gateway/internal/cache"
	"github.com/polyroute/gateway/internal/healthscheduler"
	"github.com/polyroute/gateway/internal/httpapi"
	"github.com/polyroute/gateway/internal/logger"
	"github.com/polyroute/gateway/internal/metrics"
	"github.com/polyroute/gateway/internal/ratelimit"
	"github.com/polyroute/gateway/internal/router"
)

// initInfra establishes optional external connections.
// Redis is only required when CACHE_MODE=redis.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Mode == "redis" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initRouter builds the dispatch Router from the pool/model/credential
// configuration config.Load assembled (spec §4.7: startup validates every
// credentialsRef up front).
func (a *App) initRouter(_ context.Context) error {
	if len(a.cfg.Pools) == 0 {
		return fmt.Errorf("no pools configured (no provider API keys and no pools: block)")
	}

	rt, err := router.New(a.cfg.Pools, a.cfg.Models, a.cfg.Credentials, a.cfg.Breaker, nil)
	if err != nil {
		return err
	}
	a.rt = rt

	poolNames := rt.GetPoolNames()
	a.log.Info("router ready", slog.Int("pools", len(poolNames)), slog.Any("pool_ids", poolNames))

	return nil
}

// initServices creates the cache backend, Prometheus metrics registry, the
// async request logger and the health-check scheduler probing every {pool,
// provider} identity on an adaptive cadence (spec §4.5), independent of
// live request traffic.
func (a *App) initServices(ctx context.Context) error {
	switch a.cfg.Cache.Mode {
	case "redis":
		a.log.Info("cache backend: redis")
	case "memory":
		a.memCache = npCache.NewMemoryCache(ctx)
		a.log.Info("cache backend: memory (in-process)")
	case "none":
		a.log.Info("cache backend: disabled")
	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	reqLogger, err := logger.New(a.baseCtx, a.log)
	if err != nil {
		return fmt.Errorf("request logger: %w", err)
	}
	a.reqLogger = reqLogger

	sched := healthscheduler.New(8)
	for _, id := range a.rt.ProviderIdentities() {
		poolID, providerName := id[0], id[1]
		sched.Register(healthscheduler.Task{
			ID:       poolID + "/" + providerName,
			Priority: healthscheduler.Normal,
			Probe: func(ctx context.Context) error {
				return a.rt.HealthCheckProvider(ctx, poolID, providerName)
			},
		})
	}
	a.scheduler = sched

	return nil
}

// initServer wires the HTTP ingress in front of the router.
func (a *App) initServer(_ context.Context) error {
	var cacheImpl npCache.Cache
	switch a.cfg.Cache.Mode {
	case "redis":
		cacheImpl = npCache.NewExactCacheFromClient(a.rdb)
	case "memory":
		cacheImpl = a.memCache
	case "none":
		// nil cache — httpapi handles nil gracefully (no caching)
	}

	var cacheExclusions *npCache.ExclusionList
	if len(a.cfg.Cache.ExcludeExact) > 0 || len(a.cfg.Cache.ExcludePatterns) > 0 {
		el, err := npCache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		cacheExclusions = el
		a.log.Info("cache exclusions loaded", slog.Int("rules", el.Len()))
	}

	var rpmLimiter *ratelimit.RPMLimiter
	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		rpmLimiter = ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit)
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	a.srv = httpapi.New(a.rt, httpapi.Options{
		Logger:          a.log,
		Metrics:         a.prom,
		RequestLogger:   a.reqLogger,
		Cache:           cacheImpl,
		CacheTTL:        a.cfg.Cache.TTL,
		CacheExclusions: cacheExclusions,
		RPMLimiter:      rpmLimiter,
		CORSOrigins:     a.cfg.CORSOrigins,
		AdminAPIKeys:    a.cfg.AdminAPIKeys,
		RequestTimeout:  a.cfg.Failover.ProviderTimeout * time.Duration(a.cfg.Failover.MaxRetries+1),
	})

	return nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
