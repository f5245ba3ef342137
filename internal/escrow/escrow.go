// Package escrow keeps one-time finalization secrets available across the
// window between request and finalize without ever persisting plaintext.
// The symmetric key is derived from the owner's signing identity, so an
// entry written by one identity is unreadable by any other: a wrong-owner
// read is an expected case and reports absence, not an error.
//
// If the secret is lost (cleared storage, different device) the only
// recovery path is deadline-based cancellation; see the lifecycle
// engine's cancel/refund paths.
package escrow

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

var ErrInvalidConfig = errors.New("escrow: invalid config")

const (
	// kdfIterations is deliberately high; derivation happens once per
	// store/retrieve, not per poll.
	kdfIterations = 600_000
	kdfKeyLen     = 32

	gcmNonceLen = 12
)

// kdfSalt is fixed so the same identity derives the same key on every
// device. Entry uniqueness comes from the random GCM nonce.
var kdfSalt = []byte("veil.escrow.kdf.v1")

type Escrow struct {
	store Store

	now  func() time.Time
	rand io.Reader
}

type Option func(*Escrow) error

// WithNow overrides the timestamp source.
func WithNow(now func() time.Time) Option {
	return func(e *Escrow) error {
		if now == nil {
			return fmt.Errorf("%w: nil now func", ErrInvalidConfig)
		}
		e.now = now
		return nil
	}
}

// WithRand overrides the nonce randomness source.
func WithRand(r io.Reader) Option {
	return func(e *Escrow) error {
		if r == nil {
			return fmt.Errorf("%w: nil rand reader", ErrInvalidConfig)
		}
		e.rand = r
		return nil
	}
}

func New(store Store, opts ...Option) (*Escrow, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	e := &Escrow{
		store: store,
		now:   time.Now,
		rand:  rand.Reader,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func deriveKey(ownerIdentity string) []byte {
	return pbkdf2.Key([]byte(ownerIdentity), kdfSalt, kdfIterations, kdfKeyLen, sha256.New)
}

func newGCM(ownerIdentity string) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(ownerIdentity))
	if err != nil {
		return nil, fmt.Errorf("escrow: init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("escrow: init gcm: %w", err)
	}
	return gcm, nil
}

// Store encrypts secretHex under ownerIdentity's derived key and persists
// it under key, replacing any prior entry for the same key.
func (e *Escrow) Store(ctx context.Context, key [32]byte, secretHex string, ownerIdentity string) error {
	if strings.TrimSpace(secretHex) == "" {
		return fmt.Errorf("%w: empty secret", ErrInvalidInput)
	}
	if strings.TrimSpace(ownerIdentity) == "" {
		return fmt.Errorf("%w: empty owner identity", ErrInvalidInput)
	}

	gcm, err := newGCM(ownerIdentity)
	if err != nil {
		return err
	}

	nonce := make([]byte, gcmNonceLen)
	if _, err := io.ReadFull(e.rand, nonce); err != nil {
		return fmt.Errorf("escrow: read nonce: %w", err)
	}

	// The key is bound as additional data so a ciphertext cannot be
	// replayed under a different entry.
	ciphertext := gcm.Seal(nil, nonce, []byte(secretHex), key[:])

	return e.store.Put(ctx, Entry{
		Key:        key,
		Ciphertext: ciphertext,
		Nonce:      nonce,
		StoredAt:   e.now().UTC(),
	})
}

// Retrieve re-derives the key for ownerIdentity and attempts decryption.
// A missing entry or failed decryption (different identity, corrupted
// data) reports ok=false; err is reserved for store I/O failures.
func (e *Escrow) Retrieve(ctx context.Context, key [32]byte, ownerIdentity string) (string, bool, error) {
	entry, err := e.store.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	gcm, err := newGCM(ownerIdentity)
	if err != nil {
		return "", false, err
	}
	if len(entry.Nonce) != gcm.NonceSize() {
		return "", false, nil
	}
	plaintext, err := gcm.Open(nil, entry.Nonce, entry.Ciphertext, key[:])
	if err != nil {
		return "", false, nil
	}
	return string(plaintext), true, nil
}

// Has reports whether an entry exists for key, regardless of owner.
func (e *Escrow) Has(ctx context.Context, key [32]byte) (bool, error) {
	return e.store.Has(ctx, key)
}

// Remove deletes the entry for key. Removing an absent key is a no-op.
func (e *Escrow) Remove(ctx context.Context, key [32]byte) error {
	return e.store.Delete(ctx, key)
}
