package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Sternrassler/trailer-cache/internal/config"
	"github.com/Sternrassler/trailer-cache/pkg/cache"
	"github.com/Sternrassler/trailer-cache/pkg/client"
	"github.com/Sternrassler/trailer-cache/pkg/logging"
	"github.com/Sternrassler/trailer-cache/pkg/pagination"
	"github.com/Sternrassler/trailer-cache/pkg/store/memstore"
	"github.com/Sternrassler/trailer-cache/pkg/store/redisstore"
	"github.com/Sternrassler/trailer-cache/pkg/store/sqlstore"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// app wires the configured store, cache and client together.
type app struct {
	cfg    *config.Config
	redis  *redis.Client
	cache  *cache.Cache
	client *client.Client
	logger zerolog.Logger

	closers []func() error
}

func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, logger: logging.NewLogger("app")}

	if cfg.Store.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Store.RedisAddr,
			Password: cfg.Store.RedisPassword,
			DB:       cfg.Store.RedisDB,
		})
		a.closers = append(a.closers, a.redis.Close)

		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Store.RedisAddr, err)
		}
		a.logger.Info().Str("addr", cfg.Store.RedisAddr).Msg("Connected to Redis")
	}

	store, err := a.openStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.cache = cache.New(store, cache.WithLogger(logging.NewLogger("cache")))

	var httpClient *http.Client
	if cfg.API.Timeout > 0 {
		httpClient = &http.Client{Timeout: cfg.API.Timeout}
	}

	a.client, err = client.New(client.Config{
		BaseURL:           cfg.API.BaseURL,
		UserAgent:         cfg.API.UserAgent,
		Token:             cfg.API.Token,
		Cache:             a.cache,
		Redis:             a.redis,
		RequestsPerSecond: cfg.API.RequestsPerSecond,
		MaxRetries:        cfg.API.MaxRetries,
		InitialBackoff:    cfg.API.InitialBackoff,
		HTTPClient:        httpClient,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("create api client: %w", err)
	}
	a.closers = append(a.closers, a.client.Close)

	return a, nil
}

// openStore builds the cache.Store selected by store.driver.
func (a *app) openStore(ctx context.Context) (cache.Store, error) {
	switch a.cfg.Store.Driver {
	case config.DriverMemory:
		return memstore.New(), nil
	case config.DriverRedis:
		if a.redis == nil {
			return nil, errors.New("redis store requires store.redis_addr")
		}
		return redisstore.New(a.redis, a.cfg.Store.KeyPrefix), nil
	case config.DriverSQLite, config.DriverPostgres:
		s, err := sqlstore.Open(ctx, a.cfg.Store.Driver, a.cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", a.cfg.Store.Driver)
	}
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// sweep evicts entries untouched within the configured horizon and commits.
func (a *app) sweep(ctx context.Context) (int, error) {
	removed, err := a.cache.CleanOldEntries(ctx, a.cfg.Cache.Horizon)
	if err != nil {
		return 0, err
	}
	if err := a.cache.Save(ctx); err != nil {
		return removed, err
	}
	return removed, nil
}

// refresh fetches every page of each path, then sweeps. A failing path does
// not stop the others; all failures are returned together.
func (a *app) refresh(ctx context.Context, paths []string) (int, error) {
	pcfg := pagination.DefaultConfig()
	pcfg.MaxConcurrency = a.cfg.Refresh.Concurrency
	if a.cfg.API.Timeout > 0 {
		pcfg.Timeout = a.cfg.API.Timeout
	}

	var errs []error
	for _, path := range paths {
		start := time.Now()
		pages, err := a.client.FetchAll(ctx, path, pcfg)
		if err != nil {
			a.logger.Warn().Err(err).Str("path", path).Int("pages", len(pages)).Msg("Refresh failed")
			errs = append(errs, fmt.Errorf("refresh %s: %w", path, err))
			if ctx.Err() != nil {
				break
			}
			continue
		}
		a.logger.Info().
			Str("path", path).
			Int("pages", len(pages)).
			Dur("duration", time.Since(start)).
			Msg("Refreshed")
	}

	removed, err := a.sweep(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("sweep: %w", err))
	}
	return removed, errors.Join(errs...)
}
