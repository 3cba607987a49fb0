// Package redisstore keeps sessions, spin history and withheld answers in
// Redis so several service instances can share them.
package redisstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ai-advisor/internal/domain"
)

const (
	sessionPrefix = "advisor:session:"
	spinPrefix    = "advisor:spins:"
	vaultPrefix   = "advisor:blocked:"
	historyCap    = 200
)

// SessionStore stores sessions as JSON. Update is an optimistic
// WATCH/MULTI transaction retried on contention.
type SessionStore struct {
	rdb        *redis.Client
	ttl        time.Duration
	maxRetries int
	now        func() time.Time
}

func NewSessionStore(rdb *redis.Client, ttl time.Duration) *SessionStore {
	return &SessionStore{rdb: rdb, ttl: ttl, maxRetries: 10, now: time.Now}
}

func (s *SessionStore) Create(ctx domain.Context, sess domain.Session) error {
	b, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("op=session.create: %w", err)
	}
	ok, err := s.rdb.SetNX(ctx, sessionPrefix+sess.ID, b, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("op=session.create: %w", err)
	}
	if !ok {
		return fmt.Errorf("op=session.create: %w", domain.ErrConflict)
	}
	return nil
}

func (s *SessionStore) Get(ctx domain.Context, id string) (domain.Session, error) {
	sess, err := decode(s.rdb.Get(ctx, sessionPrefix+id))
	if err != nil {
		return domain.Session{}, fmt.Errorf("op=session.get: %w", err)
	}
	return sess, nil
}

// Update retries fn when another writer changed the session between read and
// commit. Errors from fn are returned as is.
func (s *SessionStore) Update(ctx domain.Context, id string, fn func(*domain.Session) error) (domain.Session, error) {
	ctx, span := otel.Tracer("repo.redis").Start(ctx, "sessions.Update")
	defer span.End()

	key := sessionPrefix + id
	var out domain.Session
	var fnErr error
	txf := func(tx *redis.Tx) error {
		sess, err := decode(tx.Get(ctx, key))
		if err != nil {
			return err
		}
		if err := fn(&sess); err != nil {
			fnErr = err
			return err
		}
		sess.UpdatedAt = s.now().UTC()
		b, err := json.Marshal(sess)
		if err != nil {
			return err
		}
		if _, err := tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, b, s.ttl)
			return nil
		}); err != nil {
			return err
		}
		out = sess
		return nil
	}

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		fnErr = nil
		err := s.rdb.Watch(ctx, txf, key)
		switch {
		case err == nil:
			return out, nil
		case fnErr != nil:
			return domain.Session{}, fnErr
		case errors.Is(err, redis.TxFailedErr):
			continue
		default:
			return domain.Session{}, fmt.Errorf("op=session.update: %w", err)
		}
	}
	return domain.Session{}, fmt.Errorf("op=session.update: too much contention: %w", domain.ErrConflict)
}

func decode(cmd *redis.StringCmd) (domain.Session, error) {
	b, err := cmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Session{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Session{}, err
	}
	var sess domain.Session
	if err := json.Unmarshal(b, &sess); err != nil {
		return domain.Session{}, fmt.Errorf("decode session: %w", err)
	}
	return sess, nil
}

// SpinHistory keeps the most recent prizes of each session in a capped list.
type SpinHistory struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewSpinHistory(rdb *redis.Client, ttl time.Duration) *SpinHistory {
	return &SpinHistory{rdb: rdb, ttl: ttl}
}

func (h *SpinHistory) Append(ctx domain.Context, rec domain.SpinRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("op=spin.append: %w", err)
	}
	key := spinPrefix + rec.SessionID
	_, err = h.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, key, b)
		p.LTrim(ctx, key, 0, historyCap-1)
		if h.ttl > 0 {
			p.Expire(ctx, key, h.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("op=spin.append: %w", err)
	}
	return nil
}

// List returns newest first.
func (h *SpinHistory) List(ctx domain.Context, sessionID string, limit int) ([]domain.SpinRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	raws, err := h.rdb.LRange(ctx, spinPrefix+sessionID, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("op=spin.list: %w", err)
	}
	out := make([]domain.SpinRecord, 0, len(raws))
	for _, raw := range raws {
		var rec domain.SpinRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("op=spin.list: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Vault stores withheld answers with SET EX and hands them out once.
type Vault struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewVault(rdb *redis.Client, ttl time.Duration) *Vault {
	return &Vault{rdb: rdb, ttl: ttl}
}

func (v *Vault) Put(ctx domain.Context, id, text string) error {
	if err := v.rdb.Set(ctx, vaultPrefix+id, text, v.ttl).Err(); err != nil {
		return fmt.Errorf("op=vault.put: %w", err)
	}
	return nil
}

func (v *Vault) Take(ctx domain.Context, id string) (string, error) {
	text, err := v.rdb.GetDel(ctx, vaultPrefix+id).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("op=vault.take: %w", domain.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("op=vault.take: %w", err)
	}
	return text, nil
}
