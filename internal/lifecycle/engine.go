// Package lifecycle drives an intent through the cross-chain state
// machine: request on the rollup, prove the outbound message, execute on
// the settlement chain, wait for the confirmation message, finalize with
// the escrowed secret. Side paths cancel or refund stalled intents after
// their deadline.
//
// Within one intent the steps are strictly sequential and every step is
// journaled before the next begins. Across intents there is no ordering;
// they are independent by construction.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/veil-intents/intents-veil/internal/artifact"
	"github.com/veil-intents/intents-veil/internal/backoff"
	"github.com/veil-intents/intents-veil/internal/events"
	"github.com/veil-intents/intents-veil/internal/faults"
	"github.com/veil-intents/intents-veil/internal/intent"
	"github.com/veil-intents/intents-veil/internal/intentcodec"
	"github.com/veil-intents/intents-veil/internal/oplock"
	"github.com/veil-intents/intents-veil/internal/rollup"
	"github.com/veil-intents/intents-veil/internal/settlement"
)

var (
	ErrInvalidConfig = errors.New("lifecycle: invalid config")
	ErrInvalidInput  = errors.New("lifecycle: invalid input")

	// ErrOperationActive: one operation per session. A second start is
	// rejected, never queued behind the first.
	ErrOperationActive = errors.New("lifecycle: another operation is active")

	// ErrNotCancellable: the deadline has not passed on the chain clock.
	ErrNotCancellable = errors.New("lifecycle: intent not yet cancellable")

	// ErrWrongKind: a deposit-only path was called on a withdraw intent
	// or vice versa.
	ErrWrongKind = errors.New("lifecycle: wrong intent kind")
)

// SettlementPool is the settlement-chain surface the engine needs.
// *settlement.Pool satisfies it.
type SettlementPool interface {
	ExecuteDeposit(ctx context.Context, in intent.Intent, proof settlement.Proof) (common.Hash, error)
	ExecuteWithdraw(ctx context.Context, in intent.Intent, proof settlement.Proof) (common.Hash, error)
	IsConsumed(ctx context.Context, intentID common.Hash) (bool, error)
	IntentShares(ctx context.Context, intentID common.Hash) (*big.Int, error)
}

// ProofResolver locates cross-chain message proofs. *chainproof.Resolver
// satisfies it.
type ProofResolver interface {
	AwaitL2ToL1Proof(ctx context.Context, contentHash common.Hash, searchWindowBlocks uint64, policy backoff.Policy) (settlement.Proof, error)
	AwaitL1ToL2Message(ctx context.Context, messageKey common.Hash, policy backoff.Policy) (rollup.InboundStatus, error)
}

// SecretEscrow is the secret persistence surface. *escrow.Escrow
// satisfies it.
type SecretEscrow interface {
	Store(ctx context.Context, key [32]byte, secretHex string, ownerIdentity string) error
	Retrieve(ctx context.Context, key [32]byte, ownerIdentity string) (string, bool, error)
	Remove(ctx context.Context, key [32]byte) error
}

type Config struct {
	Rollup   rollup.Adapter
	Pool     SettlementPool
	Resolver ProofResolver
	Escrow   SecretEscrow
	Journal  intent.Store

	// OwnerIdentity scopes escrow entries; OwnerHash is its one-way hash,
	// the only owner-identifying value placed on the settlement chain.
	OwnerIdentity string
	OwnerHash     common.Hash

	SearchWindowBlocks uint64
	ProofPolicy        backoff.Policy
	InboundPolicy      backoff.Policy

	// Events receives one record per journaled step. Optional; publish
	// failures are logged, never fatal to the lifecycle.
	Events events.Publisher

	// Archive receives the full journal of each terminal operation.
	// Optional, best effort.
	Archive artifact.Archive

	// Locks extends the single-operation invariant across processes:
	// every entry point claims a per-intent lock before touching chain
	// state. Optional; HolderID names this process and is required when
	// Locks is set.
	Locks    oplock.Store
	HolderID string
	LockTTL  time.Duration

	Log *slog.Logger
}

type Engine struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	active   bool
	activeID common.Hash
	lockID   common.Hash // zero when no cross-process lock is held
}

func New(cfg Config) (*Engine, error) {
	if cfg.Rollup == nil || cfg.Pool == nil || cfg.Resolver == nil || cfg.Escrow == nil || cfg.Journal == nil {
		return nil, fmt.Errorf("%w: nil collaborator", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.OwnerIdentity) == "" {
		return nil, fmt.Errorf("%w: empty owner identity", ErrInvalidConfig)
	}
	if (cfg.OwnerHash == common.Hash{}) {
		return nil, fmt.Errorf("%w: zero owner hash", ErrInvalidConfig)
	}
	if cfg.SearchWindowBlocks == 0 {
		return nil, fmt.Errorf("%w: zero search window", ErrInvalidConfig)
	}
	if cfg.Locks != nil && strings.TrimSpace(cfg.HolderID) == "" {
		return nil, fmt.Errorf("%w: locks require a holder id", ErrInvalidConfig)
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Minute
	}
	if cfg.Log == nil {
		cfg.Log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Engine{cfg: cfg, log: cfg.Log}, nil
}

// begin claims the single-operation handle, and the cross-process lock
// under lockKey when one is configured. lockKey is the intent id where it
// is known up front; Deposit derives it before the rollup request and
// Withdraw locks on the originating receipt nonce, since the withdraw
// intent id does not exist until the rollup assigns it.
func (e *Engine) begin(ctx context.Context, lockKey common.Hash) error {
	e.mu.Lock()
	if e.active {
		id := e.activeID
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrOperationActive, id)
	}
	e.active = true
	e.activeID = lockKey
	e.mu.Unlock()

	if e.cfg.Locks != nil && lockKey != (common.Hash{}) {
		l, ok, err := e.cfg.Locks.TryAcquire(ctx, lockKey, e.cfg.HolderID, e.cfg.LockTTL)
		if err != nil {
			e.end()
			return fmt.Errorf("lifecycle: acquire intent lock: %w", err)
		}
		if !ok {
			e.end()
			return fmt.Errorf("%w: %s held by %s", ErrOperationActive, lockKey, l.Holder)
		}
		e.mu.Lock()
		e.lockID = lockKey
		e.mu.Unlock()
	}
	return nil
}

func (e *Engine) end() {
	e.mu.Lock()
	lockID := e.lockID
	e.active = false
	e.activeID = common.Hash{}
	e.lockID = common.Hash{}
	e.mu.Unlock()

	if lockID != (common.Hash{}) {
		if err := e.cfg.Locks.Release(context.Background(), lockID, e.cfg.HolderID); err != nil {
			e.log.Warn("release intent lock", "intentId", lockID, "err", err)
		}
	}
}

// DepositRequest are the user-supplied fields of a new deposit.
type DepositRequest struct {
	Caller    common.Hash // rollup-side caller field, never a raw address
	Asset     common.Address
	Amount    *big.Int
	Decimals  uint8
	Deadline  uint64
	Salt      common.Hash
	SecretHex string
}

// WithdrawRequest are the user-supplied fields of a new withdraw. Nonce
// is the originating deposit intent id held by the position receipt.
type WithdrawRequest struct {
	Nonce     common.Hash
	Amount    *big.Int
	Deadline  uint64
	SecretHex string
}

// Deposit runs a deposit intent from request through finalization. On a
// recoverable failure the journal records where it stopped and Resume
// picks the operation back up.
func (e *Engine) Deposit(ctx context.Context, req DepositRequest) (intent.Operation, error) {
	if strings.TrimSpace(req.SecretHex) == "" {
		return intent.Operation{}, fmt.Errorf("%w: empty secret", ErrInvalidInput)
	}

	// The intent id is derivable before the request, so the cross-process
	// lock is taken under it up front: two processes handed the same
	// deposit fields serialize here instead of both submitting.
	expectedID, err := intentcodec.ComputeIntentID(req.Caller, req.Asset, req.Amount, req.Decimals, req.Deadline, req.Salt)
	if err != nil {
		return intent.Operation{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := e.begin(ctx, expectedID); err != nil {
		return intent.Operation{}, err
	}
	defer e.end()

	secretHash := intentcodec.HashSecret([]byte(req.SecretHex))

	res, err := e.cfg.Rollup.RequestDeposit(ctx, rollup.DepositParams{
		Asset:      req.Asset,
		Amount:     req.Amount,
		Decimals:   req.Decimals,
		Deadline:   req.Deadline,
		Salt:       req.Salt,
		SecretHash: secretHash,
	})
	if err != nil {
		return intent.Operation{}, fmt.Errorf("lifecycle: request deposit: %w", err)
	}

	// The secret must be durably escrowed before the request is reported
	// successful: a crash between submission and persistence is the
	// primary cause of stuck intents.
	if err := e.cfg.Escrow.Store(ctx, res.IntentID, req.SecretHex, e.cfg.OwnerIdentity); err != nil {
		return intent.Operation{}, fmt.Errorf("lifecycle: escrow secret for %s: %w", res.IntentID, err)
	}

	it := intent.Intent{
		IntentID:         res.IntentID,
		OwnerHash:        e.cfg.OwnerHash,
		Kind:             intent.KindDeposit,
		Asset:            req.Asset,
		Amount:           req.Amount,
		OriginalDecimals: req.Decimals,
		Deadline:         req.Deadline,
		Salt:             req.Salt,
		SecretHash:       secretHash,
	}
	op, _, err := e.cfg.Journal.UpsertRequested(ctx, it)
	if err != nil {
		return intent.Operation{}, fmt.Errorf("lifecycle: journal deposit %s: %w", res.IntentID, err)
	}
	e.mu.Lock()
	e.activeID = res.IntentID
	e.mu.Unlock()

	if err := e.mark(ctx, &op, intent.StateRequesting, res.TxHash, ""); err != nil {
		return op, err
	}
	if err := e.advance(ctx, &op); err != nil {
		return op, err
	}
	return op, nil
}

// Withdraw runs a withdraw intent from request through finalization.
func (e *Engine) Withdraw(ctx context.Context, req WithdrawRequest) (intent.Operation, error) {
	if strings.TrimSpace(req.SecretHex) == "" {
		return intent.Operation{}, fmt.Errorf("%w: empty secret", ErrInvalidInput)
	}
	if (req.Nonce == common.Hash{}) {
		return intent.Operation{}, fmt.Errorf("%w: zero nonce", ErrInvalidInput)
	}

	// The withdraw intent id is rollup-assigned, so the pre-request lock
	// keys on the receipt nonce: one withdraw per position at a time.
	if err := e.begin(ctx, req.Nonce); err != nil {
		return intent.Operation{}, err
	}
	defer e.end()

	secretHash := intentcodec.HashSecret([]byte(req.SecretHex))

	res, err := e.cfg.Rollup.RequestWithdraw(ctx, rollup.WithdrawParams{
		Nonce:      req.Nonce,
		Amount:     req.Amount,
		Deadline:   req.Deadline,
		SecretHash: secretHash,
	})
	if err != nil {
		return intent.Operation{}, fmt.Errorf("lifecycle: request withdraw: %w", err)
	}

	it := intent.Intent{
		IntentID:   res.IntentID,
		OwnerHash:  e.cfg.OwnerHash,
		Kind:       intent.KindWithdraw,
		Amount:     req.Amount,
		Deadline:   req.Deadline,
		SecretHash: secretHash,
	}

	// Withdraw secrets are keyed by the confirmation message key, not the
	// intent id: the claim step consumes the message, not the intent.
	msgKey, err := messageKey(it)
	if err != nil {
		return intent.Operation{}, err
	}
	if err := e.cfg.Escrow.Store(ctx, msgKey, req.SecretHex, e.cfg.OwnerIdentity); err != nil {
		return intent.Operation{}, fmt.Errorf("lifecycle: escrow secret for %s: %w", res.IntentID, err)
	}

	op, _, err := e.cfg.Journal.UpsertRequested(ctx, it)
	if err != nil {
		return intent.Operation{}, fmt.Errorf("lifecycle: journal withdraw %s: %w", res.IntentID, err)
	}
	e.mu.Lock()
	e.activeID = res.IntentID
	e.mu.Unlock()

	if err := e.mark(ctx, &op, intent.StateRequesting, res.TxHash, ""); err != nil {
		return op, err
	}
	if err := e.advance(ctx, &op); err != nil {
		return op, err
	}
	return op, nil
}

// Resume continues a journaled operation from wherever it stopped. A
// terminal operation returns as-is. Message proofs are ephemeral, so a
// resume at the execution stage re-fetches the proof.
func (e *Engine) Resume(ctx context.Context, intentID common.Hash) (intent.Operation, error) {
	op, err := e.cfg.Journal.Get(ctx, intentID)
	if err != nil {
		return intent.Operation{}, err
	}
	if op.State.Terminal() {
		return op, nil
	}
	if err := e.begin(ctx, intentID); err != nil {
		return op, err
	}
	defer e.end()

	if err := e.advance(ctx, &op); err != nil {
		return op, err
	}
	return op, nil
}

// advance runs the remaining main-path stages for op. Each stage journals
// its step before the next begins; a stage failure journals the fault at
// the stage's state and stops.
func (e *Engine) advance(ctx context.Context, op *intent.Operation) error {
	var proof settlement.Proof

	// Proof fetch and settlement execution. Skipped when the journal says
	// execution already completed.
	if op.State <= intent.StateRelayerExecuting {
		contentHash, err := contentHashFor(op.Intent)
		if err != nil {
			return err
		}

		proof, err = e.cfg.Resolver.AwaitL2ToL1Proof(ctx, contentHash, e.cfg.SearchWindowBlocks, e.cfg.ProofPolicy)
		if err != nil {
			e.fault(ctx, op, intent.StateAwaitingOutboundProof, err)
			return fmt.Errorf("lifecycle: outbound proof for %s: %w", op.Intent.IntentID, err)
		}
		if err := e.mark(ctx, op, intent.StateAwaitingOutboundProof, common.Hash{}, ""); err != nil {
			return err
		}

		txHash, err := e.execute(ctx, op.Intent, proof)
		if err != nil {
			// The effect already happening is success for this stage.
			if faults.KindOf(err) != faults.KindAlreadyConsumed {
				e.fault(ctx, op, intent.StateRelayerExecuting, err)
				return fmt.Errorf("lifecycle: execute %s: %w", op.Intent.IntentID, err)
			}
			e.log.Info("intent already executed, continuing", "intentId", op.Intent.IntentID)
		}
		if err := e.mark(ctx, op, intent.StateRelayerExecuting, txHash, ""); err != nil {
			return err
		}
	}

	// Confirmation message. Re-queried on every pass: a resume at the
	// finalize stage still needs the leaf index, and the query is
	// idempotent and cheap once the message is synced.
	msgKey, err := messageKey(op.Intent)
	if err != nil {
		return err
	}
	inbound, err := e.cfg.Resolver.AwaitL1ToL2Message(ctx, msgKey, e.cfg.InboundPolicy)
	if err != nil {
		e.fault(ctx, op, intent.StateAwaitingInboundMessage, err)
		return fmt.Errorf("lifecycle: inbound message for %s: %w", op.Intent.IntentID, err)
	}
	if err := e.mark(ctx, op, intent.StateAwaitingInboundMessage, common.Hash{}, ""); err != nil {
		return err
	}

	txHash, err := e.finalize(ctx, op, inbound.LeafIndex)
	if err != nil {
		e.fault(ctx, op, intent.StateFinalizing, err)
		return err
	}
	if err := e.mark(ctx, op, intent.StateFinalizing, txHash, ""); err != nil {
		return err
	}

	if err := e.mark(ctx, op, intent.StateDone, common.Hash{}, ""); err != nil {
		return err
	}

	// Only after finalize is confirmed does the secret leave escrow.
	if err := e.cfg.Escrow.Remove(ctx, escrowKeyFor(op.Intent, msgKey)); err != nil {
		e.log.Warn("escrow cleanup failed", "intentId", op.Intent.IntentID, "err", err)
	}
	e.archive(ctx, *op)
	return nil
}

func (e *Engine) execute(ctx context.Context, it intent.Intent, proof settlement.Proof) (common.Hash, error) {
	switch it.Kind {
	case intent.KindDeposit:
		return e.cfg.Pool.ExecuteDeposit(ctx, it, proof)
	case intent.KindWithdraw:
		return e.cfg.Pool.ExecuteWithdraw(ctx, it, proof)
	default:
		return common.Hash{}, fmt.Errorf("%w: kind %s", ErrInvalidInput, it.Kind)
	}
}

// finalize consumes the confirmation message with the escrowed secret. A
// missing or undecryptable secret refuses finalization outright: the
// caller is directed to the cancellation path, not an endless retry.
func (e *Engine) finalize(ctx context.Context, op *intent.Operation, leafIndex uint64) (common.Hash, error) {
	msgKey, err := messageKey(op.Intent)
	if err != nil {
		return common.Hash{}, err
	}
	secret, ok, err := e.cfg.Escrow.Retrieve(ctx, escrowKeyFor(op.Intent, msgKey), e.cfg.OwnerIdentity)
	if err != nil {
		return common.Hash{}, fmt.Errorf("lifecycle: read escrow for %s: %w", op.Intent.IntentID, err)
	}
	if !ok {
		return common.Hash{}, faults.New(faults.KindSecretUnavailable,
			"no escrowed secret for %s; cancel after the deadline to recover funds", op.Intent.IntentID)
	}

	switch op.Intent.Kind {
	case intent.KindDeposit:
		receipt, err := e.cfg.Rollup.Receipt(ctx, op.Intent.IntentID)
		if err != nil {
			return common.Hash{}, fmt.Errorf("lifecycle: read receipt for %s: %w", op.Intent.IntentID, err)
		}
		shares, err := e.cfg.Pool.IntentShares(ctx, op.Intent.IntentID)
		if err != nil {
			return common.Hash{}, fmt.Errorf("lifecycle: read shares for %s: %w", op.Intent.IntentID, err)
		}
		return e.cfg.Rollup.FinalizeDeposit(ctx, op.Intent.IntentID, receipt.AssetID, shares, secret, leafIndex)
	case intent.KindWithdraw:
		return e.cfg.Rollup.FinalizeWithdraw(ctx, op.Intent.IntentID, secret, leafIndex)
	default:
		return common.Hash{}, fmt.Errorf("%w: kind %s", ErrInvalidInput, op.Intent.Kind)
	}
}

// adoptOrphan rebuilds a journal row for an intent the rollup knows but
// the local journal does not: a crash between the rollup request and the
// journal write, or an intent surfaced on a fresh device by the scanner.
// The rollup record carries everything the recovery paths need; salt and
// secret hash stay zero because adoption never finalizes, only cancels
// or refunds.
func (e *Engine) adoptOrphan(ctx context.Context, intentID common.Hash, kind intent.Kind) (intent.Operation, error) {
	info, err := e.cfg.Rollup.IntentInfo(ctx, intentID)
	if err != nil {
		return intent.Operation{}, err
	}
	if !info.Exists {
		return intent.Operation{}, fmt.Errorf("%w: %s", intent.ErrNotFound, intentID)
	}
	if info.OwnerHash != e.cfg.OwnerHash {
		return intent.Operation{}, fmt.Errorf("%w: %s belongs to another owner", ErrInvalidInput, intentID)
	}

	var gotKind intent.Kind
	switch info.Status {
	case intent.ReceiptPendingDeposit:
		gotKind = intent.KindDeposit
	case intent.ReceiptPendingWithdraw:
		gotKind = intent.KindWithdraw
	default:
		return intent.Operation{}, fmt.Errorf("%w: %s is %s on the rollup", ErrNotCancellable, intentID, info.Status)
	}
	if gotKind != kind {
		return intent.Operation{}, fmt.Errorf("%w: %s is a %s intent", ErrWrongKind, intentID, gotKind)
	}

	op, created, err := e.cfg.Journal.UpsertRequested(ctx, intent.Intent{
		IntentID:  intentID,
		OwnerHash: info.OwnerHash,
		Kind:      kind,
		Amount:    info.NetAmount,
		Deadline:  info.Deadline,
	})
	if err != nil {
		return intent.Operation{}, fmt.Errorf("lifecycle: adopt %s: %w", intentID, err)
	}
	if created {
		e.log.Info("adopted intent from rollup record", "intentId", intentID, "kind", kind, "deadline", info.Deadline)
	}
	return op, nil
}

// CancelDeposit refunds a deposit intent whose deadline has passed on the
// rollup clock and which was never executed on the settlement chain.
// Replaying after success fails cleanly: the journal is terminal and the
// rollup rejects a second cancel.
func (e *Engine) CancelDeposit(ctx context.Context, intentID common.Hash) (common.Hash, error) {
	op, err := e.cfg.Journal.Get(ctx, intentID)
	if errors.Is(err, intent.ErrNotFound) {
		op, err = e.adoptOrphan(ctx, intentID, intent.KindDeposit)
	}
	if err != nil {
		return common.Hash{}, err
	}
	if op.Intent.Kind != intent.KindDeposit {
		return common.Hash{}, fmt.Errorf("%w: %s is a %s intent", ErrWrongKind, intentID, op.Intent.Kind)
	}
	if op.State.Terminal() {
		return common.Hash{}, fmt.Errorf("%w: %s is %s", intent.ErrTerminal, intentID, op.State)
	}
	if err := e.begin(ctx, intentID); err != nil {
		return common.Hash{}, err
	}
	defer e.end()

	consumed, err := e.cfg.Pool.IsConsumed(ctx, intentID)
	if err != nil {
		return common.Hash{}, err
	}
	if consumed {
		return common.Hash{}, faults.New(faults.KindAlreadyConsumed,
			"deposit %s executed on the settlement chain; finalize instead of cancelling", intentID)
	}

	// Deadline is re-verified against the querying chain's clock at call
	// time; a client-cached timestamp is never trusted here.
	now, err := e.cfg.Rollup.ChainTime(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	if now <= op.Intent.Deadline {
		return common.Hash{}, fmt.Errorf("%w: %s cancellable in %ds", ErrNotCancellable, intentID, op.Intent.Deadline+1-now)
	}

	// NetAmount is the rollup's post-fee figure, taken as ground truth.
	info, err := e.cfg.Rollup.IntentInfo(ctx, intentID)
	if err != nil {
		return common.Hash{}, err
	}
	if !info.Exists {
		return common.Hash{}, fmt.Errorf("lifecycle: rollup has no intent %s", intentID)
	}

	txHash, err := e.cfg.Rollup.CancelDeposit(ctx, intentID, now, info.NetAmount)
	if err != nil {
		return common.Hash{}, fmt.Errorf("lifecycle: cancel deposit %s: %w", intentID, err)
	}
	if err := e.mark(ctx, &op, intent.StateCancelled, txHash, ""); err != nil {
		return txHash, err
	}
	if err := e.cfg.Escrow.Remove(ctx, intentID); err != nil {
		e.log.Warn("escrow cleanup failed", "intentId", intentID, "err", err)
	}
	e.archive(ctx, op)
	return txHash, nil
}

// ClaimWithdrawRefund restores rollup-held shares for a withdraw intent
// whose settlement-chain execution never happened before its deadline.
func (e *Engine) ClaimWithdrawRefund(ctx context.Context, intentID common.Hash) (common.Hash, error) {
	op, err := e.cfg.Journal.Get(ctx, intentID)
	if errors.Is(err, intent.ErrNotFound) {
		op, err = e.adoptOrphan(ctx, intentID, intent.KindWithdraw)
	}
	if err != nil {
		return common.Hash{}, err
	}
	if op.Intent.Kind != intent.KindWithdraw {
		return common.Hash{}, fmt.Errorf("%w: %s is a %s intent", ErrWrongKind, intentID, op.Intent.Kind)
	}
	if op.State.Terminal() {
		return common.Hash{}, fmt.Errorf("%w: %s is %s", intent.ErrTerminal, intentID, op.State)
	}
	if err := e.begin(ctx, intentID); err != nil {
		return common.Hash{}, err
	}
	defer e.end()

	consumed, err := e.cfg.Pool.IsConsumed(ctx, intentID)
	if err != nil {
		return common.Hash{}, err
	}
	if consumed {
		return common.Hash{}, faults.New(faults.KindAlreadyConsumed,
			"withdraw %s executed on the settlement chain; finalize instead of refunding", intentID)
	}

	now, err := e.cfg.Rollup.ChainTime(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	if now <= op.Intent.Deadline {
		return common.Hash{}, fmt.Errorf("%w: %s refundable in %ds", ErrNotCancellable, intentID, op.Intent.Deadline+1-now)
	}

	txHash, err := e.cfg.Rollup.ClaimWithdrawRefund(ctx, intentID, now)
	if err != nil {
		return common.Hash{}, fmt.Errorf("lifecycle: claim refund %s: %w", intentID, err)
	}
	if err := e.mark(ctx, &op, intent.StateRefundClaimed, txHash, ""); err != nil {
		return txHash, err
	}
	msgKey, err := messageKey(op.Intent)
	if err == nil {
		if err := e.cfg.Escrow.Remove(ctx, msgKey); err != nil {
			e.log.Warn("escrow cleanup failed", "intentId", intentID, "err", err)
		}
	}
	e.archive(ctx, op)
	return txHash, nil
}

// mark journals a successful step and publishes it. A state behind the
// journaled position is skipped: it means a resumed run passed through a
// stage whose effect was already durable.
func (e *Engine) mark(ctx context.Context, op *intent.Operation, state intent.State, txHash common.Hash, faultKind string) error {
	if state < op.State {
		return nil
	}
	now := time.Now().UTC()
	step := intent.Step{
		State:      state,
		StartedAt:  now,
		FinishedAt: now,
		TxHash:     txHash,
		FaultKind:  faultKind,
	}
	if err := e.cfg.Journal.RecordStep(ctx, op.Intent.IntentID, step); err != nil {
		return fmt.Errorf("lifecycle: journal step %s for %s: %w", state, op.Intent.IntentID, err)
	}
	op.State = state
	op.Steps = append(op.Steps, step)
	e.publish(ctx, *op, state, txHash, faultKind)
	return nil
}

// fault journals a failed attempt at a stage without advancing past it.
// The journal keeps the operation at the stage for a later resume.
func (e *Engine) fault(ctx context.Context, op *intent.Operation, state intent.State, cause error) {
	if state < op.State {
		state = op.State
	}
	kind := faults.KindOf(cause)
	if err := e.mark(ctx, op, state, common.Hash{}, kind.String()); err != nil {
		e.log.Warn("journaling fault step failed", "intentId", op.Intent.IntentID, "state", state, "err", err)
	}
	e.log.Error("lifecycle stage failed",
		"intentId", op.Intent.IntentID,
		"state", state,
		"kind", kind,
		"err", cause,
	)
}

func (e *Engine) publish(ctx context.Context, op intent.Operation, state intent.State, txHash common.Hash, faultKind string) {
	if e.cfg.Events == nil {
		return
	}
	ev := events.StepEvent{
		Version:   events.StepEventVersionV1,
		IntentID:  op.Intent.IntentID.Hex(),
		Kind:      op.Intent.Kind.String(),
		State:     state.String(),
		FaultKind: faultKind,
		At:        time.Now().UTC(),
	}
	if txHash != (common.Hash{}) {
		ev.TxHash = txHash.Hex()
	}
	if err := e.cfg.Events.Publish(ctx, ev); err != nil {
		e.log.Warn("step event publish failed", "intentId", ev.IntentID, "state", ev.State, "err", err)
	}
}

func (e *Engine) archive(ctx context.Context, op intent.Operation) {
	if e.cfg.Archive == nil {
		return
	}
	if err := e.cfg.Archive.Save(ctx, artifact.RecordFor(op, time.Now())); err != nil {
		e.log.Warn("journal archive failed", "intentId", op.Intent.IntentID, "err", err)
	}
}

// contentHashFor is the outbound message content: the intent commitment
// the settlement contract recomputes.
func contentHashFor(it intent.Intent) (common.Hash, error) {
	switch it.Kind {
	case intent.KindDeposit:
		return intentcodec.ComputeDepositIntentHash(intentcodec.DepositIntent{
			IntentID:         it.IntentID,
			OwnerHash:        it.OwnerHash,
			Asset:            it.Asset,
			Amount:           it.Amount,
			OriginalDecimals: it.OriginalDecimals,
			Deadline:         it.Deadline,
			Salt:             it.Salt,
			SecretHash:       it.SecretHash,
		})
	case intent.KindWithdraw:
		return intentcodec.ComputeWithdrawIntentHash(intentcodec.WithdrawIntent{
			IntentID:  it.IntentID,
			OwnerHash: it.OwnerHash,
			Amount:    it.Amount,
			Deadline:  it.Deadline,
		})
	default:
		return common.Hash{}, fmt.Errorf("%w: kind %s", ErrInvalidInput, it.Kind)
	}
}

// messageKey identifies the confirmation message crossing back to the
// rollup. It doubles as the escrow key on the withdraw path.
func messageKey(it intent.Intent) (common.Hash, error) {
	switch it.Kind {
	case intent.KindDeposit:
		return it.IntentID, nil
	case intent.KindWithdraw:
		return intentcodec.ComputeWithdrawIntentHash(intentcodec.WithdrawIntent{
			IntentID:  it.IntentID,
			OwnerHash: it.OwnerHash,
			Amount:    it.Amount,
			Deadline:  it.Deadline,
		})
	default:
		return common.Hash{}, fmt.Errorf("%w: kind %s", ErrInvalidInput, it.Kind)
	}
}

// escrowKeyFor: deposit secrets are keyed by intent id, withdraw secrets
// by the confirmation message key.
func escrowKeyFor(it intent.Intent, msgKey common.Hash) common.Hash {
	if it.Kind == intent.KindDeposit {
		return it.IntentID
	}
	return msgKey
}
