package app

import (
	"context"

	"github.com/redis/go-redis/v9"

	httpserver "github.com/fairyhunter13/ai-advisor/internal/adapter/httpserver"
)

// Pinger is satisfied by *pgxpool.Pool and the spin event publisher.
type Pinger interface{ Ping(ctx context.Context) error }

// BuildReadinessChecks returns one check per configured backend. Nil
// backends are not part of readiness.
func BuildReadinessChecks(pool Pinger, rdb redis.Cmdable, broker Pinger) []httpserver.ReadinessCheck {
	var checks []httpserver.ReadinessCheck
	if pool != nil {
		checks = append(checks, httpserver.ReadinessCheck{Name: "db", Check: pool.Ping})
	}
	if rdb != nil {
		checks = append(checks, httpserver.ReadinessCheck{Name: "redis", Check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	}
	if broker != nil {
		checks = append(checks, httpserver.ReadinessCheck{Name: "kafka", Check: broker.Ping})
	}
	return checks
}

