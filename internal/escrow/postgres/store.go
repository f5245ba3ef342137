// Package postgres provides the durable escrow Store used when the
// orchestrator runs with a database instead of in-process state.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/veil-intents/intents-veil/internal/escrow"
)

var ErrInvalidConfig = errors.New("escrow/postgres: invalid config")

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("escrow/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Put(ctx context.Context, e escrow.Entry) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO escrow_secrets (key, ciphertext, nonce, stored_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
		ON CONFLICT (key) DO UPDATE
		SET ciphertext = EXCLUDED.ciphertext,
			nonce = EXCLUDED.nonce,
			stored_at = EXCLUDED.stored_at,
			updated_at = now()
	`, e.Key[:], e.Ciphertext, e.Nonce, e.StoredAt)
	if err != nil {
		return fmt.Errorf("escrow/postgres: put: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key [32]byte) (escrow.Entry, error) {
	if s == nil || s.pool == nil {
		return escrow.Entry{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	e := escrow.Entry{Key: key}
	err := s.pool.QueryRow(ctx, `
		SELECT ciphertext, nonce, stored_at FROM escrow_secrets WHERE key = $1
	`, key[:]).Scan(&e.Ciphertext, &e.Nonce, &e.StoredAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return escrow.Entry{}, escrow.ErrNotFound
		}
		return escrow.Entry{}, fmt.Errorf("escrow/postgres: get: %w", err)
	}
	return e, nil
}

func (s *Store) Delete(ctx context.Context, key [32]byte) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM escrow_secrets WHERE key = $1`, key[:]); err != nil {
		return fmt.Errorf("escrow/postgres: delete: %w", err)
	}
	return nil
}

func (s *Store) Has(ctx context.Context, key [32]byte) (bool, error) {
	if s == nil || s.pool == nil {
		return false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM escrow_secrets WHERE key = $1)
	`, key[:]).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("escrow/postgres: has: %w", err)
	}
	return exists, nil
}
