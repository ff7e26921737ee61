// Package app assembles the repository, redis collaborators and the cycle
// service from configuration. Both binaries start through Build.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"coopcycle/backend/internal/cache"
	"coopcycle/backend/internal/config"
	"coopcycle/backend/internal/events"
	"coopcycle/backend/internal/lock"
	"coopcycle/backend/internal/logging"
	"coopcycle/backend/internal/service"
	"coopcycle/backend/internal/store"
	"coopcycle/backend/internal/store/memory"
	pgstore "coopcycle/backend/internal/store/postgres"
	"coopcycle/backend/internal/summary"
)

const lockWait = 5 * time.Second

type App struct {
	Repo     store.Repository
	Service  *service.Service
	Postgres *pgstore.Store
	Bus      *events.Bus

	closers []func() error
	log     zerolog.Logger
}

type Options struct {
	// Migrate applies the embedded schema when a database is configured.
	Migrate bool
	// RequireDatabase refuses the in-memory fallback.
	RequireDatabase bool
}

func Build(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	a := &App{log: logging.WithComponent("app")}

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("postgres unavailable and DATABASE_URL is set: %w", err)
		}
		a.closers = append(a.closers, pg.Close)
		if opts.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				a.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
		}
		a.Repo = pg
		a.Postgres = pg
		a.log.Info().Msg("repository: postgres")
	} else {
		if opts.RequireDatabase {
			return nil, errors.New("DATABASE_URL is required")
		}
		a.Repo = memory.NewSeeded()
		a.log.Info().Msg("repository: in-memory")
	}

	summaryCache := cache.SummaryCache(cache.NoopSummaryCache{})
	var locker lock.Locker = lock.NewLocalLocker(lockWait)
	a.Bus = events.NewBus()
	var publisher events.Publisher = a.Bus

	if client := a.connectRedis(ctx, cfg); client != nil {
		summaryCache = cache.NewRedisSummaryCache(client)
		locker = lock.NewRedisLocker(client, time.Duration(cfg.LockTTLSeconds)*time.Second, lockWait)
		publisher = events.Fanout{a.Bus, events.NewRedisPublisher(client, events.DefaultChannel)}
		a.log.Info().Msg("lock, events and summary cache: redis")
	} else {
		a.log.Info().Msg("lock, events and summary cache: in-process")
	}

	engine := summary.NewEngine(summaryCache, time.Duration(cfg.SummaryTTLSeconds)*time.Second)
	a.Bus.Subscribe(engine.Invalidate)

	a.Service = service.New(a.Repo, cfg.Settings,
		service.WithLocker(locker),
		service.WithPublisher(publisher),
		service.WithSummary(engine),
	)
	return a, nil
}

func (a *App) connectRedis(ctx context.Context, cfg config.Config) *redis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}
	client := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err := client.Ping(ctx).Err(); err != nil {
		a.log.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unavailable, falling back to in-process collaborators")
		_ = client.Close()
		return nil
	}
	a.closers = append(a.closers, client.Close)
	return client
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn().Err(err).Msg("close")
		}
	}
	a.closers = nil
}
