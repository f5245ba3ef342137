package escrow

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("escrow: not found")
	ErrInvalidInput = errors.New("escrow: invalid input")
)

// Entry is one persisted secret record. Key is either an intent id
// (deposit path) or a cross-chain message key (withdraw/claim path).
// The plaintext secret never reaches the store.
type Entry struct {
	Key        [32]byte
	Ciphertext []byte
	Nonce      []byte
	StoredAt   time.Time
}

// Store persists encrypted secret entries. Put replaces any prior entry
// for the same key (keys are unique per intent/message, so
// last-writer-wins per key is safe).
type Store interface {
	Put(ctx context.Context, e Entry) error
	Get(ctx context.Context, key [32]byte) (Entry, error)
	Delete(ctx context.Context, key [32]byte) error
	Has(ctx context.Context, key [32]byte) (bool, error)
}
