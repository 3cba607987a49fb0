package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-advisor/internal/domain"
)

func TestSessionStore_CreateGet(t *testing.T) {
	t.Parallel()
	st := NewSessionStore(time.Hour)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, st.Create(ctx, domain.NewSession("s1", now)))
	require.ErrorIs(t, st.Create(ctx, domain.NewSession("s1", now)), domain.ErrConflict)

	got, err := st.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.ID)

	_, err = st.Get(ctx, "nope")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSessionStore_UpdateSerializesPerSession(t *testing.T) {
	t.Parallel()
	st := NewSessionStore(time.Hour)
	ctx := context.Background()
	require.NoError(t, st.Create(ctx, domain.Session{ID: "s1", BonusCredits: 1}))

	// two racing credit spends: exactly one may succeed
	var wg sync.WaitGroup
	var mu sync.Mutex
	spent := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := st.Update(ctx, "s1", func(s *domain.Session) error {
				if s.BonusCredits == 0 {
					return errors.New("no credit")
				}
				s.BonusCredits--
				return nil
			})
			if err == nil {
				mu.Lock()
				spent++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, spent)
	got, _ := st.Get(ctx, "s1")
	assert.Equal(t, 0, got.BonusCredits)
}

func TestSessionStore_FailedUpdateLeavesSessionUntouched(t *testing.T) {
	t.Parallel()
	st := NewSessionStore(0)
	ctx := context.Background()
	blocked := "r1"
	require.NoError(t, st.Create(ctx, domain.Session{ID: "s1", MessageCount: 2, BlockedResponseID: &blocked}))

	_, err := st.Update(ctx, "s1", func(s *domain.Session) error {
		s.MessageCount = 99
		*s.BlockedResponseID = "mutated"
		return domain.ErrSpinUnavailable
	})
	require.ErrorIs(t, err, domain.ErrSpinUnavailable)

	got, _ := st.Get(ctx, "s1")
	assert.Equal(t, 2, got.MessageCount)
	require.NotNil(t, got.BlockedResponseID)
	assert.Equal(t, "r1", *got.BlockedResponseID)

	_, err = st.Update(ctx, "missing", func(*domain.Session) error { return nil })
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSessionStore_EvictionReleasesLock(t *testing.T) {
	t.Parallel()
	st := NewSessionStore(50 * time.Millisecond)
	ctx := context.Background()
	require.NoError(t, st.Create(ctx, domain.Session{ID: "s1"}))
	_, err := st.Update(ctx, "s1", func(s *domain.Session) error { return nil })
	require.NoError(t, err)
	_, held := st.locks.Load("s1")
	require.True(t, held)

	time.Sleep(100 * time.Millisecond)
	st.cache.DeleteExpired()
	_, held = st.locks.Load("s1")
	assert.False(t, held)

	_, err = st.Update(ctx, "missing", func(s *domain.Session) error { return nil })
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, held = st.locks.Load("missing")
	assert.False(t, held)
}

func TestSpinHistory_NewestFirst(t *testing.T) {
	t.Parallel()
	h := NewSpinHistory()
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, h.Append(ctx, domain.SpinRecord{ID: id, SessionID: "s1"}))
	}
	require.NoError(t, h.Append(ctx, domain.SpinRecord{ID: "x", SessionID: "s2"}))

	recs, err := h.List(ctx, "s1", 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "c", recs[0].ID)
	assert.Equal(t, "b", recs[1].ID)

	recs, err = h.List(ctx, "unknown", 5)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestVault_TakeOnce(t *testing.T) {
	t.Parallel()
	v := NewVault(time.Minute)
	ctx := context.Background()
	require.NoError(t, v.Put(ctx, "r1", "full text."))

	got, err := v.Take(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "full text.", got)

	_, err = v.Take(ctx, "r1")
	require.ErrorIs(t, err, domain.ErrNotFound)
}
