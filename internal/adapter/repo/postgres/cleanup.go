package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// CleanupService removes idle sessions (their spin history cascades) and
// expired withheld answers.
type CleanupService struct {
	Pool       PgxPool
	SessionTTL time.Duration
	now        func() time.Time
}

func NewCleanupService(pool PgxPool, sessionTTL time.Duration) *CleanupService {
	if sessionTTL <= 0 {
		sessionTTL = 30 * 24 * time.Hour
	}
	return &CleanupService{Pool: pool, SessionTTL: sessionTTL, now: time.Now}
}

// CleanupOldData deletes sessions not touched within SessionTTL.
func (s *CleanupService) CleanupOldData(ctx context.Context) error {
	now := s.now().UTC()
	cutoff := now.Add(-s.SessionTTL)

	tag, err := s.Pool.Exec(ctx, `DELETE FROM sessions WHERE updated_at < $1`, cutoff)
	if err != nil {
		return fmt.Errorf("op=cleanup.sessions: %w", err)
	}
	vtag, err := s.Pool.Exec(ctx, `DELETE FROM blocked_responses WHERE expires_at <= $1`, now)
	if err != nil {
		return fmt.Errorf("op=cleanup.blocked_responses: %w", err)
	}

	slog.Info("data cleanup completed",
		slog.Int64("deleted_sessions", tag.RowsAffected()),
		slog.Int64("deleted_blocked_responses", vtag.RowsAffected()),
		slog.Time("cutoff", cutoff),
	)
	return nil
}

// RunPeriodic runs CleanupOldData immediately and then every interval until ctx ends.
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.CleanupOldData(ctx); err != nil {
		slog.Error("initial cleanup failed", slog.Any("error", err))
	}
	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup service stopping")
			return
		case <-ticker.C:
			if err := s.CleanupOldData(ctx); err != nil {
				slog.Error("periodic cleanup failed", slog.Any("error", err))
			}
		}
	}
}
