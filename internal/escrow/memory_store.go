package escrow

import (
	"context"
	"sync"
)

// MemoryStore is the in-process Store used by tests and single-session
// clients without durable storage configured.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[[32]byte]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[[32]byte]Entry)}
}

func (s *MemoryStore) Put(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e.Ciphertext = append([]byte(nil), e.Ciphertext...)
	e.Nonce = append([]byte(nil), e.Nonce...)
	s.entries[e.Key] = e
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key [32]byte) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return Entry{}, ErrNotFound
	}
	e.Ciphertext = append([]byte(nil), e.Ciphertext...)
	e.Nonce = append([]byte(nil), e.Nonce...)
	return e, nil
}

func (s *MemoryStore) Delete(_ context.Context, key [32]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) Has(_ context.Context, key [32]byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.entries[key]
	return ok, nil
}
