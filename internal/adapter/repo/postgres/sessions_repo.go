package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/ai-advisor/internal/domain"
)

const sessionColumns = `id, message_count, is_premium, bonus_credits, last_spin_date, bonus_spins, blocked_response_id, created_at, updated_at`

// SessionRepo implements domain.SessionStore. Update locks the row with
// SELECT ... FOR UPDATE for the duration of the mutation.
type SessionRepo struct {
	Pool PgxPool
	now  func() time.Time
}

func NewSessionRepo(p PgxPool) *SessionRepo { return &SessionRepo{Pool: p, now: time.Now} }

func (r *SessionRepo) Create(ctx domain.Context, s domain.Session) error {
	ctx, span := otel.Tracer("repo.sessions").Start(ctx, "sessions.Create")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "postgresql"), attribute.String("db.operation", "INSERT"))
	q := `INSERT INTO sessions (` + sessionColumns + `) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	_, err := r.Pool.Exec(ctx, q, s.ID, s.MessageCount, s.IsPremium, s.BonusCredits, s.LastSpinDate, s.BonusSpins, s.BlockedResponseID, s.CreatedAt.UTC(), s.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("op=session.create: %w", err)
	}
	return nil
}

func (r *SessionRepo) Get(ctx domain.Context, id string) (domain.Session, error) {
	ctx, span := otel.Tracer("repo.sessions").Start(ctx, "sessions.Get")
	defer span.End()
	s, err := scanSession(r.Pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id=$1`, id))
	if err != nil {
		return domain.Session{}, fmt.Errorf("op=session.get: %w", err)
	}
	return s, nil
}

// Update runs fn against the locked row and persists the result when fn succeeds.
func (r *SessionRepo) Update(ctx domain.Context, id string, fn func(*domain.Session) error) (domain.Session, error) {
	ctx, span := otel.Tracer("repo.sessions").Start(ctx, "sessions.Update")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "postgresql"), attribute.String("db.operation", "SELECT FOR UPDATE"))

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Session{}, fmt.Errorf("op=session.update: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	s, err := scanSession(tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return domain.Session{}, fmt.Errorf("op=session.update: %w", err)
	}
	if err := fn(&s); err != nil {
		return domain.Session{}, err
	}
	s.UpdatedAt = r.now().UTC()
	_, err = tx.Exec(ctx,
		`UPDATE sessions SET message_count=$2, is_premium=$3, bonus_credits=$4, last_spin_date=$5, bonus_spins=$6, blocked_response_id=$7, updated_at=$8 WHERE id=$1`,
		s.ID, s.MessageCount, s.IsPremium, s.BonusCredits, s.LastSpinDate, s.BonusSpins, s.BlockedResponseID, s.UpdatedAt)
	if err != nil {
		return domain.Session{}, fmt.Errorf("op=session.update: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Session{}, fmt.Errorf("op=session.update: commit: %w", err)
	}
	return s, nil
}

func scanSession(row pgx.Row) (domain.Session, error) {
	var s domain.Session
	err := row.Scan(&s.ID, &s.MessageCount, &s.IsPremium, &s.BonusCredits, &s.LastSpinDate, &s.BonusSpins, &s.BlockedResponseID, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Session{}, domain.ErrNotFound
	}
	return s, err
}
