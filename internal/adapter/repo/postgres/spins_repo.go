package postgres

import (
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ai-advisor/internal/domain"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// SpinRepo is the append-only prize log.
type SpinRepo struct{ Pool PgxPool }

func NewSpinRepo(p PgxPool) *SpinRepo { return &SpinRepo{Pool: p} }

func (r *SpinRepo) Append(ctx domain.Context, rec domain.SpinRecord) error {
	ctx, span := otel.Tracer("repo.spins").Start(ctx, "spins.Append")
	defer span.End()
	q, args, err := psql.Insert("spin_history").
		Columns("id", "session_id", "prize_id", "prize_name", "effect_kind", "effect_amount", "spun_at").
		Values(rec.ID, rec.SessionID, rec.PrizeID, rec.PrizeName, string(rec.Effect.Kind), rec.Effect.Amount, rec.SpunAt.UTC()).
		ToSql()
	if err != nil {
		return fmt.Errorf("op=spin.append: %w", err)
	}
	if _, err := r.Pool.Exec(ctx, q, args...); err != nil {
		return fmt.Errorf("op=spin.append: %w", err)
	}
	return nil
}

// List returns up to limit records of a session, newest first.
func (r *SpinRepo) List(ctx domain.Context, sessionID string, limit int) ([]domain.SpinRecord, error) {
	ctx, span := otel.Tracer("repo.spins").Start(ctx, "spins.List")
	defer span.End()
	if limit <= 0 {
		limit = 20
	}
	q, args, err := psql.Select("id", "session_id", "prize_id", "prize_name", "effect_kind", "effect_amount", "spun_at").
		From("spin_history").
		Where(sq.Eq{"session_id": sessionID}).
		OrderBy("spun_at DESC", "id DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("op=spin.list: %w", err)
	}
	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=spin.list: %w", err)
	}
	defer rows.Close()

	var out []domain.SpinRecord
	for rows.Next() {
		var rec domain.SpinRecord
		var kind string
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.PrizeID, &rec.PrizeName, &kind, &rec.Effect.Amount, &rec.SpunAt); err != nil {
			return nil, fmt.Errorf("op=spin.list: scan: %w", err)
		}
		rec.Effect.Kind = domain.PrizeEffectKind(kind)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=spin.list: %w", err)
	}
	return out, nil
}
