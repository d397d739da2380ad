package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"sharenest/internal/db"
	"sharenest/internal/server"
)

// backends holds the connections shared by the commands.
type backends struct {
	cfg     server.Config
	log     *zap.Logger
	conn    *sql.DB
	repo    *server.PGRepository
	store   server.ObjectStore
	limiter server.AttemptLimiter
	redis   *redis.Client
}

// openBackends loads the configuration, connects to Postgres and applies
// migrations, then opens the object store behind a circuit breaker. Redis
// is only dialled when withRedis is set and SHARENEST_REDIS_URL is present.
func openBackends(ctx context.Context, log *zap.Logger, withRedis bool) (*backends, error) {
	cfg, err := server.LoadConfig()
	if err != nil {
		return nil, err
	}

	conn, err := server.OpenDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	b := &backends{cfg: cfg, log: log, conn: conn, repo: server.NewPGRepository(conn)}

	log.Info("running_migrations")
	if err := db.RunMigrations(conn); err != nil {
		b.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	storeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	store, err := server.NewObjectStore(storeCtx, cfg.Storage)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("storage: %w", err)
	}
	b.store = server.WithCircuitBreaker(store, server.NewCircuitBreaker("storage", 5, 30*time.Second, log))

	if withRedis && cfg.RedisURL != "" {
		limiter, rc, err := server.NewRedisAttemptLimiter(ctx, cfg.RedisURL, cfg.PINMaxAttempts, cfg.PINWindow)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		b.limiter, b.redis = limiter, rc
		log.Info("pin_lockout_backend", zap.String("backend", "redis"))
	}
	return b, nil
}

func (b *backends) server() *server.Server {
	return server.New(b.cfg, server.Deps{
		Repo:        b.repo,
		Store:       b.store,
		Logger:      b.log,
		PINAttempts: b.limiter,
	})
}

func (b *backends) Close() {
	if b.redis != nil {
		_ = b.redis.Close()
	}
	if b.conn != nil {
		_ = b.conn.Close()
	}
}
