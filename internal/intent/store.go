package intent

import (
	"context"
	"errors"
)

var (
	ErrNotFound          = errors.New("intent: not found")
	ErrIntentMismatch    = errors.New("intent: intent mismatch")
	ErrInvalidTransition = errors.New("intent: invalid transition")
	ErrTerminal          = errors.New("intent: operation already terminal")
)

// Store journals operation lifecycles. It exists so a resumed session can
// see where a prior run stopped; it is not the source of truth for funds,
// the chains are.
type Store interface {
	// UpsertRequested creates the operation in StateRequesting, or returns
	// the existing one. A same-id upsert with different intent fields is a
	// mismatch, never an overwrite.
	UpsertRequested(ctx context.Context, it Intent) (Operation, bool, error)

	Get(ctx context.Context, intentID [32]byte) (Operation, error)
	ListByState(ctx context.Context, state State, limit int) ([]Operation, error)

	// RecordStep appends a step and advances the operation state,
	// validating the transition. Recording onto a terminal operation
	// returns ErrTerminal.
	RecordStep(ctx context.Context, intentID [32]byte, step Step) error
}
