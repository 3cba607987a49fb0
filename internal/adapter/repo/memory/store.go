// Package memory holds sessions, spin history and withheld answers in process.
// It backs local development and single-instance deployments.
package memory

import (
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/fairyhunter13/ai-advisor/internal/domain"
)

// SessionStore keeps sessions in a go-cache with sliding expiry. Each live
// session has its own mutex so Update is a per-session critical section; the
// mutex is released when go-cache evicts the session.
type SessionStore struct {
	cache *gocache.Cache
	ttl   time.Duration
	locks sync.Map // id -> *sync.Mutex
	now   func() time.Time
}

func NewSessionStore(ttl time.Duration) *SessionStore {
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	s := &SessionStore{
		cache: gocache.New(ttl, 10*time.Minute),
		ttl:   ttl,
		now:   time.Now,
	}
	s.cache.OnEvicted(func(id string, _ any) { s.locks.Delete(id) })
	return s
}

func (s *SessionStore) Create(_ domain.Context, sess domain.Session) error {
	if err := s.cache.Add(sess.ID, sess, s.ttl); err != nil {
		return fmt.Errorf("op=session.create: %w", domain.ErrConflict)
	}
	return nil
}

func (s *SessionStore) Get(_ domain.Context, id string) (domain.Session, error) {
	v, ok := s.cache.Get(id)
	if !ok {
		return domain.Session{}, fmt.Errorf("op=session.get: %w", domain.ErrNotFound)
	}
	return v.(domain.Session), nil
}

func (s *SessionStore) Update(ctx domain.Context, id string, fn func(*domain.Session) error) (domain.Session, error) {
	// unknown ids never get a mutex
	if _, ok := s.cache.Get(id); !ok {
		return domain.Session{}, fmt.Errorf("op=session.update: %w", domain.ErrNotFound)
	}
	mu := s.lock(id)
	mu.Lock()
	defer mu.Unlock()

	if err := ctx.Err(); err != nil {
		return domain.Session{}, err
	}
	v, ok := s.cache.Get(id)
	if !ok {
		return domain.Session{}, fmt.Errorf("op=session.update: %w", domain.ErrNotFound)
	}
	sess := v.(domain.Session)
	// fn works on a copy; pointer fields are cloned so a failed fn leaves no trace
	sess = cloneSession(sess)
	if err := fn(&sess); err != nil {
		return domain.Session{}, err
	}
	sess.UpdatedAt = s.now().UTC()
	s.cache.Set(id, sess, s.ttl)
	return sess, nil
}

func (s *SessionStore) lock(id string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func cloneSession(s domain.Session) domain.Session {
	if s.LastSpinDate != nil {
		t := *s.LastSpinDate
		s.LastSpinDate = &t
	}
	if s.BlockedResponseID != nil {
		id := *s.BlockedResponseID
		s.BlockedResponseID = &id
	}
	return s
}

// SpinHistory is an in-process append-only prize log.
type SpinHistory struct {
	mu   sync.RWMutex
	recs map[string][]domain.SpinRecord
}

func NewSpinHistory() *SpinHistory {
	return &SpinHistory{recs: map[string][]domain.SpinRecord{}}
}

func (h *SpinHistory) Append(_ domain.Context, rec domain.SpinRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recs[rec.SessionID] = append(h.recs[rec.SessionID], rec)
	return nil
}

// List returns newest first.
func (h *SpinHistory) List(_ domain.Context, sessionID string, limit int) ([]domain.SpinRecord, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	all := h.recs[sessionID]
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	out := make([]domain.SpinRecord, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

// Vault stores withheld answers with a TTL.
type Vault struct {
	cache *gocache.Cache
}

func NewVault(ttl time.Duration) *Vault {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Vault{cache: gocache.New(ttl, time.Hour)}
}

func (v *Vault) Put(_ domain.Context, id, text string) error {
	v.cache.SetDefault(id, text)
	return nil
}

func (v *Vault) Take(_ domain.Context, id string) (string, error) {
	val, ok := v.cache.Get(id)
	if !ok {
		return "", fmt.Errorf("op=vault.take: %w", domain.ErrNotFound)
	}
	v.cache.Delete(id)
	return val.(string), nil
}
