// Package postgres implements the durable intent.Store. One transaction
// per mutation so the journal and the operation state never diverge.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/veil-intents/intents-veil/internal/intent"
)

var ErrInvalidConfig = errors.New("intent/postgres: invalid config")

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
		return fmt.Errorf("intent/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) UpsertRequested(ctx context.Context, it intent.Intent) (intent.Operation, bool, error) {
	if s == nil || s.pool == nil {
		return intent.Operation{}, false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	amount := it.Amount
	if amount == nil {
		amount = new(big.Int)
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO intent_operations
			(intent_id, owner_hash, kind, asset, amount, original_decimals, deadline, salt, secret_hash, state)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (intent_id) DO NOTHING
	`, it.IntentID[:], it.OwnerHash[:], int16(it.Kind), it.Asset[:], amount.String(),
		int16(it.OriginalDecimals), int64(it.Deadline), it.Salt[:], it.SecretHash[:],
		int16(intent.StateRequesting))
	if err != nil {
		return intent.Operation{}, false, fmt.Errorf("intent/postgres: upsert requested: %w", err)
	}
	created := tag.RowsAffected() == 1

	op, err := s.Get(ctx, it.IntentID)
	if err != nil {
		return intent.Operation{}, false, err
	}
	if !created && !sameIntent(op.Intent, it) {
		return intent.Operation{}, false, intent.ErrIntentMismatch
	}
	return op, created, nil
}

func (s *Store) Get(ctx context.Context, intentID [32]byte) (intent.Operation, error) {
	if s == nil || s.pool == nil {
		return intent.Operation{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	var (
		op        intent.Operation
		kind      int16
		state     int16
		decimals  int16
		deadline  int64
		amountStr string
		ownerHash []byte
		asset     []byte
		salt      []byte
		secret    []byte
		id        []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT intent_id, owner_hash, kind, asset, amount, original_decimals, deadline, salt, secret_hash, state, updated_at
		FROM intent_operations WHERE intent_id = $1
	`, intentID[:]).Scan(&id, &ownerHash, &kind, &asset, &amountStr, &decimals, &deadline, &salt, &secret, &state, &op.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return intent.Operation{}, intent.ErrNotFound
		}
		return intent.Operation{}, fmt.Errorf("intent/postgres: get: %w", err)
	}

	amount, ok := new(big.Int).SetString(amountStr, 10)
	if !ok {
		return intent.Operation{}, fmt.Errorf("intent/postgres: bad amount %q", amountStr)
	}
	copy(op.Intent.IntentID[:], id)
	copy(op.Intent.OwnerHash[:], ownerHash)
	copy(op.Intent.Asset[:], asset)
	copy(op.Intent.Salt[:], salt)
	copy(op.Intent.SecretHash[:], secret)
	op.Intent.Kind = intent.Kind(kind)
	op.Intent.Amount = amount
	op.Intent.OriginalDecimals = uint8(decimals)
	op.Intent.Deadline = uint64(deadline)
	op.State = intent.State(state)

	rows, err := s.pool.Query(ctx, `
		SELECT state, started_at, finished_at, tx_hash, fault_kind
		FROM intent_steps WHERE intent_id = $1 ORDER BY id
	`, intentID[:])
	if err != nil {
		return intent.Operation{}, fmt.Errorf("intent/postgres: get steps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			st     int16
			step   intent.Step
			txHash []byte
		)
		if err := rows.Scan(&st, &step.StartedAt, &step.FinishedAt, &txHash, &step.FaultKind); err != nil {
			return intent.Operation{}, fmt.Errorf("intent/postgres: scan step: %w", err)
		}
		step.State = intent.State(st)
		copy(step.TxHash[:], txHash)
		op.Steps = append(op.Steps, step)
	}
	if err := rows.Err(); err != nil {
		return intent.Operation{}, fmt.Errorf("intent/postgres: iterate steps: %w", err)
	}
	return op, nil
}

func (s *Store) ListByState(ctx context.Context, state intent.State, limit int) ([]intent.Operation, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT intent_id FROM intent_operations WHERE state = $1 ORDER BY created_at LIMIT $2
	`, int16(state), limit)
	if err != nil {
		return nil, fmt.Errorf("intent/postgres: list by state: %w", err)
	}
	ids := make([][32]byte, 0, limit)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			rows.Close()
			return nil, fmt.Errorf("intent/postgres: scan id: %w", err)
		}
		var id [32]byte
		copy(id[:], raw)
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("intent/postgres: iterate ids: %w", err)
	}

	out := make([]intent.Operation, 0, len(ids))
	for _, id := range ids {
		op, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, nil
}

func (s *Store) RecordStep(ctx context.Context, intentID [32]byte, step intent.Step) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("intent/postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var current int16
	err = tx.QueryRow(ctx, `
		SELECT state FROM intent_operations WHERE intent_id = $1 FOR UPDATE
	`, intentID[:]).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return intent.ErrNotFound
		}
		return fmt.Errorf("intent/postgres: lock operation: %w", err)
	}

	from := intent.State(current)
	if from.Terminal() {
		return intent.ErrTerminal
	}
	if !intent.CanTransition(from, step.State) {
		return intent.ErrInvalidTransition
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO intent_steps (intent_id, state, started_at, finished_at, tx_hash, fault_kind)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, intentID[:], int16(step.State), step.StartedAt, step.FinishedAt, step.TxHash[:], step.FaultKind); err != nil {
		return fmt.Errorf("intent/postgres: insert step: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE intent_operations SET state = $2, updated_at = now() WHERE intent_id = $1
	`, intentID[:], int16(step.State)); err != nil {
		return fmt.Errorf("intent/postgres: update state: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("intent/postgres: commit: %w", err)
	}
	return nil
}

func sameIntent(a, b intent.Intent) bool {
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
