package intent

import (
	"context"
	"math/big"
	"sync"
	"time"
)

type MemoryStore struct {
	mu    sync.Mutex
	ops   map[[32]byte]Operation
	order [][32]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ops: make(map[[32]byte]Operation)}
}

func sameIntent(a, b Intent) bool {
	if a.IntentID != b.IntentID || a.OwnerHash != b.OwnerHash || a.Kind != b.Kind {
		return false
	}
	if a.Asset != b.Asset || a.OriginalDecimals != b.OriginalDecimals || a.Deadline != b.Deadline {
		return false
	}
	if a.Salt != b.Salt || a.SecretHash != b.SecretHash {
		return false
	}
	av, bv := a.Amount, b.Amount
	if av == nil {
		av = new(big.Int)
	}
	if bv == nil {
		bv = new(big.Int)
	}
	return av.Cmp(bv) == 0
}

func copyOp(op Operation) Operation {
	op.Steps = append([]Step(nil), op.Steps...)
	if op.Intent.Amount != nil {
		op.Intent.Amount = new(big.Int).Set(op.Intent.Amount)
	}
	return op
}

func (s *MemoryStore) UpsertRequested(_ context.Context, it Intent) (Operation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, ok := s.ops[it.IntentID]
	if !ok {
		op = Operation{
			Intent:    it,
			State:     StateRequesting,
			UpdatedAt: time.Now().UTC(),
		}
		s.ops[it.IntentID] = op
		s.order = append(s.order, it.IntentID)
		return copyOp(op), true, nil
	}

	if !sameIntent(op.Intent, it) {
		return Operation{}, false, ErrIntentMismatch
	}
	return copyOp(op), false, nil
}

func (s *MemoryStore) Get(_ context.Context, intentID [32]byte) (Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, ok := s.ops[intentID]
	if !ok {
		return Operation{}, ErrNotFound
	}
	return copyOp(op), nil
}

func (s *MemoryStore) ListByState(_ context.Context, state State, limit int) ([]Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		return nil, nil
	}
	out := make([]Operation, 0, limit)
	for _, id := range s.order {
		op := s.ops[id]
		if op.State != state {
			continue
		}
		out = append(out, copyOp(op))
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) RecordStep(_ context.Context, intentID [32]byte, step Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, ok := s.ops[intentID]
	if !ok {
		return ErrNotFound
	}
	if op.State.Terminal() {
		return ErrTerminal
	}
	if !CanTransition(op.State, step.State) {
		return ErrInvalidTransition
	}

	op.Steps = append(op.Steps, step)
	op.State = step.State
	op.UpdatedAt = time.Now().UTC()
	s.ops[intentID] = op
	return nil
}
