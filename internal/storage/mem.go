package storage

import (
	"context"
	"sync"
	"time"
)

// memStore keeps everything in process memory. It backs the "none" driver so
// callers never deal with a nil Store, and doubles as the test fixture.
// Restart guarantees obviously do not hold.
type memStore struct {
	mu        sync.Mutex
	state     State
	dedup     map[string]time.Time
	decisions []Decision
}

// NewMemory returns a volatile in-memory store.
func NewMemory() Store {
	return &memStore{dedup: map[string]time.Time{}}
}

func (s *memStore) Close() error { return nil }

func (s *memStore) LoadState(ctx context.Context) (State, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, nil
}

func (s *memStore) CheckpointState(ctx context.Context, st State) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
	return nil
}

func (s *memStore) LoadDedup(ctx context.Context) (map[string]time.Time, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.dedup))
	now := time.Now()
	for k, v := range s.dedup {
		if v.After(now) {
			out[k] = v
		}
	}
	return out, nil
}

func (s *memStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	_ = ctx
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dedup[key] = until
	return nil
}

func (s *memStore) AppendDecision(ctx context.Context, d Decision) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions = append(s.decisions, d)
	if len(s.decisions) > recentKeep {
		s.decisions = s.decisions[len(s.decisions)-recentKeep:]
	}
	return nil
}

func (s *memStore) RecentDecisions(ctx context.Context, limit int) ([]Decision, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.decisions) {
		limit = len(s.decisions)
	}
	out := make([]Decision, 0, limit)
	for i := len(s.decisions) - 1; i >= len(s.decisions)-limit; i-- {
		out = append(out, s.decisions[i])
	}
	return out, nil
}
