// Package postgres backs oplock.Store with a single compare-and-swap
// table, giving intent exclusivity across relayer processes that share
// a database.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/veil-intents/intents-veil/internal/oplock"
)

var ErrInvalidConfig = errors.New("oplock/postgres: invalid config")

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
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("oplock/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) TryAcquire(ctx context.Context, intentID common.Hash, holder string, ttl time.Duration) (oplock.Lock, bool, error) {
	if err := validateInput(intentID, holder, ttl); err != nil {
		return oplock.Lock{}, false, err
	}

	var (
		gotHolder string
		expires   time.Time
	)
	err := s.pool.QueryRow(ctx, `
		INSERT INTO intent_op_locks (intent_id, holder, expires_at, created_at, updated_at)
		VALUES ($1, $2, now() + ($3::bigint * interval '1 millisecond'), now(), now())
		ON CONFLICT (intent_id) DO UPDATE
		SET holder = EXCLUDED.holder,
			expires_at = EXCLUDED.expires_at,
			updated_at = now()
		WHERE intent_op_locks.expires_at <= now()
		RETURNING holder, expires_at
	`, intentID[:], holder, ttlMilliseconds(ttl)).Scan(&gotHolder, &expires)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Held by someone else; report the current lock.
			l, gerr := s.Get(ctx, intentID)
			if gerr != nil {
				return oplock.Lock{}, false, gerr
			}
			return l, false, nil
		}
		return oplock.Lock{}, false, fmt.Errorf("oplock/postgres: try acquire: %w", err)
	}

	return oplock.Lock{IntentID: intentID, Holder: gotHolder, ExpiresAt: expires}, true, nil
}

func (s *Store) Extend(ctx context.Context, intentID common.Hash, holder string, ttl time.Duration) (oplock.Lock, bool, error) {
	if err := validateInput(intentID, holder, ttl); err != nil {
		return oplock.Lock{}, false, err
	}

	var (
		gotHolder string
		expires   time.Time
	)
	err := s.pool.QueryRow(ctx, `
		UPDATE intent_op_locks
		SET expires_at = now() + ($3::bigint * interval '1 millisecond'),
			updated_at = now()
		WHERE intent_id = $1 AND holder = $2
		RETURNING holder, expires_at
	`, intentID[:], holder, ttlMilliseconds(ttl)).Scan(&gotHolder, &expires)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			l, gerr := s.Get(ctx, intentID)
			if errors.Is(gerr, oplock.ErrNotFound) {
				return oplock.Lock{}, false, oplock.ErrNotFound
			}
			if gerr != nil {
				return oplock.Lock{}, false, gerr
			}
			if l.Holder != holder {
				return oplock.Lock{}, false, oplock.ErrNotHolder
			}
			return oplock.Lock{}, false, fmt.Errorf("oplock/postgres: extend: unexpected no rows")
		}
		return oplock.Lock{}, false, fmt.Errorf("oplock/postgres: extend: %w", err)
	}

	return oplock.Lock{IntentID: intentID, Holder: gotHolder, ExpiresAt: expires}, true, nil
}

func (s *Store) Release(ctx context.Context, intentID common.Hash, holder string) error {
	if intentID == (common.Hash{}) || holder == "" {
		return oplock.ErrInvalidInput
	}

	tag, err := s.pool.Exec(ctx, `DELETE FROM intent_op_locks WHERE intent_id = $1 AND holder = $2`, intentID[:], holder)
	if err != nil {
		return fmt.Errorf("oplock/postgres: release: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Idempotent when absent; a different holder is an error.
	l, gerr := s.Get(ctx, intentID)
	if errors.Is(gerr, oplock.ErrNotFound) {
		return nil
	}
	if gerr != nil {
		return gerr
	}
	if l.Holder != holder {
		return oplock.ErrNotHolder
	}
	return nil
}

func (s *Store) Get(ctx context.Context, intentID common.Hash) (oplock.Lock, error) {
	if intentID == (common.Hash{}) {
		return oplock.Lock{}, oplock.ErrInvalidInput
	}

	var (
		holder    string
		expiresAt time.Time
	)
	err := s.pool.QueryRow(ctx, `SELECT holder, expires_at FROM intent_op_locks WHERE intent_id = $1`, intentID[:]).Scan(&holder, &expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return oplock.Lock{}, oplock.ErrNotFound
		}
		return oplock.Lock{}, fmt.Errorf("oplock/postgres: get: %w", err)
	}

	return oplock.Lock{IntentID: intentID, Holder: holder, ExpiresAt: expiresAt}, nil
}

func ttlMilliseconds(ttl time.Duration) int64 {
	ms := ttl.Milliseconds()
	if ms <= 0 {
		return 1
	}
	return ms
}

func validateInput(intentID common.Hash, holder string, ttl time.Duration) error {
	if intentID == (common.Hash{}) || holder == "" || ttl <= 0 {
		return oplock.ErrInvalidInput
	}
	return nil
}
