package ratelimit

import (
	"context"
	"sync"
	"time"

	"security-core/internal/security"

	"github.com/google/uuid"
)

// MemoryStore keeps counters in process. Each key has its own lock, so hits
// on one key serialize while different keys proceed in parallel.
type MemoryStore struct {
	mu    sync.Mutex
	slots map[Key]*slot
}

// slot is one counter. A slot removed from the map is marked dead under its
// own lock; a hit that raced the removal sees dead and retries on a fresh slot.
type slot struct {
	mu   sync.Mutex
	c    security.RateLimitAttempt
	dead bool
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{slots: map[Key]*slot{}} }

func (s *MemoryStore) slot(k Key, create bool) *slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[k]
	if !ok && create {
		sl = &slot{}
		s.slots[k] = sl
	}
	return sl
}

func (s *MemoryStore) Hit(ctx context.Context, h Hit) (Outcome, error) {
	sl := s.lockLive(h.Key)
	defer sl.mu.Unlock()

	if sl.c.ID == "" {
		sl.c.ID = uuid.NewString()
		fillKey(&sl.c, h.Key)
	}
	out := advance(sl.c, h)
	sl.c = out.Counter
	return out, nil
}

// lockLive returns the key's slot locked, creating it if needed.
func (s *MemoryStore) lockLive(k Key) *slot {
	for {
		sl := s.slot(k, true)
		sl.mu.Lock()
		if !sl.dead {
			return sl
		}
		sl.mu.Unlock()
	}
}

func (s *MemoryStore) Get(ctx context.Context, k Key) (security.RateLimitAttempt, error) {
	sl := s.slot(k, false)
	if sl == nil {
		return security.RateLimitAttempt{}, ErrNotFound
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.dead || sl.c.ID == "" {
		return security.RateLimitAttempt{}, ErrNotFound
	}
	return sl.c, nil
}

func (s *MemoryStore) ClearExpired(ctx context.Context, k Key, now time.Time) (security.RateLimitAttempt, error) {
	sl := s.slot(k, false)
	if sl == nil {
		return security.RateLimitAttempt{}, ErrNotFound
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.dead {
		return security.RateLimitAttempt{}, ErrNotFound
	}
	if sl.c.IsBlocked && (sl.c.BlockedUntil == nil || !now.Before(*sl.c.BlockedUntil)) {
		sl.c.IsBlocked = false
		sl.c.BlockedUntil = nil
	}
	return sl.c, nil
}

func (s *MemoryStore) Reset(ctx context.Context, k Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sl, ok := s.slots[k]; ok {
		sl.mu.Lock()
		sl.dead = true
		sl.mu.Unlock()
		delete(s.slots, k)
	}
	return nil
}

// DeleteStale removes unblocked counters whose last attempt is before cutoff.
func (s *MemoryStore) DeleteStale(ctx context.Context, tenant string, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, sl := range s.slots {
		if k.Tenant != tenant {
			continue
		}
		sl.mu.Lock()
		stale := !sl.c.IsBlocked && sl.c.LastAttempt.Before(cutoff)
		if stale {
			sl.dead = true
			delete(s.slots, k)
			n++
		}
		sl.mu.Unlock()
	}
	return n, nil
}
