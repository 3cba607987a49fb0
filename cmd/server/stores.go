package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-advisor/internal/adapter/repo/memory"
	"github.com/fairyhunter13/ai-advisor/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/ai-advisor/internal/adapter/repo/redisstore"
	"github.com/fairyhunter13/ai-advisor/internal/config"
	"github.com/fairyhunter13/ai-advisor/internal/domain"
)

// stores holds the session backends selected by SESSION_STORE. Redis is
// also opened for the per-model rate limiter when that is enabled.
type stores struct {
	sessions domain.SessionStore
	history  domain.SpinHistory
	vault    domain.ResponseVault
	pool     *pgxpool.Pool
	rdb      *redis.Client
}

func openStores(ctx context.Context, cfg config.Config) (*stores, error) {
	st := &stores{}
	if cfg.SessionStore == "redis" || cfg.ModelRateLimitPerMin > 0 {
		st.rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err := st.rdb.Ping(ctx).Err(); err != nil {
			_ = st.rdb.Close()
			return nil, fmt.Errorf("op=main.redis: %w", err)
		}
	}

	switch cfg.SessionStore {
	case "postgres":
		pool, err := postgres.NewPool(ctx, cfg.DBURL)
		if err != nil {
			st.close()
			return nil, err
		}
		st.pool = pool
		if err := postgres.EnsureSchema(ctx, pool); err != nil {
			st.close()
			return nil, err
		}
		st.sessions = postgres.NewSessionRepo(pool)
		st.history = postgres.NewSpinRepo(pool)
		st.vault = postgres.NewVaultRepo(pool, cfg.BlockedResponseTTL)
		cleanup := postgres.NewCleanupService(pool, cfg.SessionTTL)
		go cleanup.RunPeriodic(ctx, cfg.CleanupInterval)
	case "redis":
		st.sessions = redisstore.NewSessionStore(st.rdb, cfg.SessionTTL)
		st.history = redisstore.NewSpinHistory(st.rdb, cfg.SessionTTL)
		st.vault = redisstore.NewVault(st.rdb, cfg.BlockedResponseTTL)
	default:
		st.sessions = memory.NewSessionStore(cfg.SessionTTL)
		st.history = memory.NewSpinHistory()
		st.vault = memory.NewVault(cfg.BlockedResponseTTL)
	}
	slog.Info("session store ready", slog.String("backend", cfg.SessionStore))
	return st, nil
}

func (s *stores) close() {
	if s.pool != nil {
		s.pool.Close()
	}
	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			slog.Error("redis close failed", slog.Any("error", err))
		}
	}
}
