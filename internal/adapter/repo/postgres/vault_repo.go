package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fairyhunter13/ai-advisor/internal/domain"
)

// VaultRepo keeps withheld answers until they are unlocked or expire.
type VaultRepo struct {
	Pool PgxPool
	TTL  time.Duration
	now  func() time.Time
}

func NewVaultRepo(p PgxPool, ttl time.Duration) *VaultRepo {
	return &VaultRepo{Pool: p, TTL: ttl, now: time.Now}
}

func (r *VaultRepo) Put(ctx domain.Context, id, text string) error {
	exp := r.now().Add(r.TTL).UTC()
	_, err := r.Pool.Exec(ctx,
		`INSERT INTO blocked_responses (id, body, expires_at) VALUES ($1,$2,$3) ON CONFLICT (id) DO UPDATE SET body=EXCLUDED.body, expires_at=EXCLUDED.expires_at`,
		id, text, exp)
	if err != nil {
		return fmt.Errorf("op=vault.put: %w", err)
	}
	return nil
}

// Take returns and removes a stored answer. Expired answers are not found.
func (r *VaultRepo) Take(ctx domain.Context, id string) (string, error) {
	var body string
	err := r.Pool.QueryRow(ctx,
		`DELETE FROM blocked_responses WHERE id=$1 AND expires_at > $2 RETURNING body`,
		id, r.now().UTC()).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("op=vault.take: %w", domain.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("op=vault.take: %w", err)
	}
	return body, nil
}
