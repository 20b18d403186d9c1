package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-redis/redis/v8"

	"github.com/cwrk-planet/coderoom-service/config"
	"github.com/cwrk-planet/coderoom-service/internal/catalog"
	"github.com/cwrk-planet/coderoom-service/internal/pg"
	"github.com/cwrk-planet/coderoom-service/internal/repository"
	"github.com/cwrk-planet/coderoom-service/internal/repository/memory"
	"github.com/cwrk-planet/coderoom-service/internal/repository/postgres"
	redisstore "github.com/cwrk-planet/coderoom-service/internal/repository/redis"
)

// backend: выбранное хранилище и справочники, которые оно умеет отдавать.
type backend struct {
	store    repository.Store
	users    repository.UserDirectory // nil, если профилей нет
	problems catalog.ProblemSource    // nil: принимаем любой problem_id
	close    func()
}

func openBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	switch cfg.Storage.Backend {
	case config.BackendPostgres:
		pool, err := pg.NewPool(ctx, cfg.Postgres.ToPGConfig())
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		if cfg.Postgres.Migrate {
			if err := postgres.Migrate(ctx, pool); err != nil {
				pool.Close()
				return nil, fmt.Errorf("postgres migrate: %w", err)
			}
		}
		st := postgres.NewStore(pool)
		slog.Info("storage ready", "backend", "postgres")
		return &backend{store: st, users: st.Users, problems: st.Problems, close: pool.Close}, nil

	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		slog.Info("storage ready", "backend", "redis", "addr", cfg.Redis.Addr)
		return &backend{
			store: redisstore.New(client, cfg.Redis.Prefix),
			close: func() { _ = client.Close() },
		}, nil

	default:
		slog.Warn("storage is in-memory, rooms are lost on restart")
		return &backend{store: memory.New(), close: func() {}}, nil
	}
}
