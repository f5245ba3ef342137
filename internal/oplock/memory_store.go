package oplock

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryStore keeps locks in process memory. Suited to tests and to
// single-process deployments that only need in-session exclusivity.
type MemoryStore struct {
	mu    sync.Mutex
	now   func() time.Time
	locks map[common.Hash]Lock
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:   now,
		locks: make(map[common.Hash]Lock),
	}
}

func (s *MemoryStore) TryAcquire(_ context.Context, intentID common.Hash, holder string, ttl time.Duration) (Lock, bool, error) {
	if err := validate(intentID, holder, ttl); err != nil {
		return Lock{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	l, ok := s.locks[intentID]
	if !ok || !l.ExpiresAt.After(now) {
		out := Lock{
			IntentID:  intentID,
			Holder:    holder,
			ExpiresAt: now.Add(ttl),
		}
		s.locks[intentID] = out
		return out, true, nil
	}
	return l, false, nil
}

func (s *MemoryStore) Extend(_ context.Context, intentID common.Hash, holder string, ttl time.Duration) (Lock, bool, error) {
	if err := validate(intentID, holder, ttl); err != nil {
		return Lock{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[intentID]
	if !ok {
		return Lock{}, false, ErrNotFound
	}
	if l.Holder != holder {
		return Lock{}, false, ErrNotHolder
	}

	// Extending an already-expired lock is allowed until someone steals it.
	out := Lock{
		IntentID:  intentID,
		Holder:    holder,
		ExpiresAt: s.now().Add(ttl),
	}
	s.locks[intentID] = out
	return out, true, nil
}

func (s *MemoryStore) Release(_ context.Context, intentID common.Hash, holder string) error {
	if intentID == (common.Hash{}) || holder == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[intentID]
	if !ok {
		return nil
	}
	if l.Holder != holder {
		return ErrNotHolder
	}
	delete(s.locks, intentID)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, intentID common.Hash) (Lock, error) {
	if intentID == (common.Hash{}) {
		return Lock{}, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[intentID]
	if !ok {
		return Lock{}, ErrNotFound
	}
	return l, nil
}
