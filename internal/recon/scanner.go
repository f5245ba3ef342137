// Package recon rebuilds local knowledge of a user's intents from public
// chain state: a new device or cleared storage has no journal, but the
// settlement chain remembers every execution and the rollup remembers
// every intent. The scanner is read-only reconnaissance; acting on what
// it finds is the lifecycle engine's job.
package recon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/veil-intents/intents-veil/internal/intent"
	"github.com/veil-intents/intents-veil/internal/rollup"
	"github.com/veil-intents/intents-veil/internal/settlement"
)

var (
	ErrInvalidConfig = errors.New("recon: invalid config")
	ErrNotFound      = errors.New("recon: intent not found")
)

// SettlementReader is the read-only settlement surface the scanner
// needs. *settlement.Pool satisfies it.
type SettlementReader interface {
	FilterExecuted(ctx context.Context, fromBlock, toBlock uint64) ([]settlement.ExecutedEvent, error)
	IsConsumed(ctx context.Context, intentID common.Hash) (bool, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// RollupReader is the read-only rollup surface.
type RollupReader interface {
	IntentInfo(ctx context.Context, intentID common.Hash) (rollup.IntentInfo, error)
	ChainTime(ctx context.Context) (uint64, error)
}

// DiscoveredIntent is one settlement-chain execution attributed to the
// scanned owner, with enough detail to resume or cancel.
type DiscoveredIntent struct {
	IntentID common.Hash
	Kind     intent.Kind
	Amount   *big.Int
	Shares   *big.Int // deposits only
	Block    uint64
	TxHash   common.Hash

	Status   intent.ReceiptStatus
	Deadline uint64
}

// PendingInfo aggregates everything a caller needs to decide what to do
// with a stalled intent. SecondsUntilCancellable is zero exactly at the
// deadline and goes negative once cancellation is permitted.
type PendingInfo struct {
	IntentID  common.Hash
	Status    intent.ReceiptStatus
	Deadline  uint64
	NetAmount *big.Int
	Consumed  bool

	CanCancel               bool
	SecondsUntilCancellable int64
}

type Scanner struct {
	settlement SettlementReader
	rollup     RollupReader
	log        *slog.Logger
}

func NewScanner(settlementReader SettlementReader, rollupReader RollupReader, log *slog.Logger) (*Scanner, error) {
	if settlementReader == nil || rollupReader == nil {
		return nil, fmt.Errorf("%w: nil reader", ErrInvalidConfig)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Scanner{settlement: settlementReader, rollup: rollupReader, log: log}, nil
}

// ScanOwnerIntents replays execution events in the most recent
// blockWindow settlement blocks and keeps the ones whose rollup-recorded
// owner hash matches ownerHash.
//
// Attribution is one rollup read per event. An event whose read fails is
// skipped and logged, never fatal to the scan: a partial answer a user
// can act on beats no answer.
func (s *Scanner) ScanOwnerIntents(ctx context.Context, ownerHash common.Hash, blockWindow uint64) ([]DiscoveredIntent, error) {
	if blockWindow == 0 {
		return nil, fmt.Errorf("%w: zero block window", ErrInvalidConfig)
	}

	latest, err := s.settlement.BlockNumber(ctx)
	if err != nil {
		return nil, err
	}
	from := uint64(0)
	if latest >= blockWindow {
		from = latest - blockWindow + 1
	}

	events, err := s.settlement.FilterExecuted(ctx, from, latest)
	if err != nil {
		return nil, err
	}

	var out []DiscoveredIntent
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		info, err := s.rollup.IntentInfo(ctx, ev.IntentID)
		if err != nil {
			s.log.Warn("skipping unattributable execution event", "intentId", ev.IntentID, "block", ev.Block, "err", err)
			continue
		}
		if !info.Exists || info.OwnerHash != ownerHash {
			continue
		}
		out = append(out, DiscoveredIntent{
			IntentID: ev.IntentID,
			Kind:     ev.Kind,
			Amount:   ev.Amount,
			Shares:   ev.Shares,
			Block:    ev.Block,
			TxHash:   ev.TxHash,
			Status:   info.Status,
			Deadline: info.Deadline,
		})
	}
	return out, nil
}

// InspectIntent classifies one intent at the given chain timestamp.
// Cancellation requires a still-pending deposit, no settlement-chain
// consumption, and a strictly passed deadline: at now == deadline the
// intent is not yet cancellable.
func (s *Scanner) InspectIntent(ctx context.Context, intentID common.Hash, nowTimestamp uint64) (PendingInfo, error) {
	info, err := s.rollup.IntentInfo(ctx, intentID)
	if err != nil {
		return PendingInfo{}, err
	}
	if !info.Exists {
		return PendingInfo{}, fmt.Errorf("%w: %s", ErrNotFound, intentID)
	}

	consumed, err := s.settlement.IsConsumed(ctx, intentID)
	if err != nil {
		return PendingInfo{}, err
	}

	return PendingInfo{
		IntentID:                intentID,
		Status:                  info.Status,
		Deadline:                info.Deadline,
		NetAmount:               info.NetAmount,
		Consumed:                consumed,
		CanCancel:               info.Status == intent.ReceiptPendingDeposit && !consumed && nowTimestamp > info.Deadline,
		SecondsUntilCancellable: int64(info.Deadline) - int64(nowTimestamp),
	}, nil
}

// InspectIntentNow is InspectIntent against the rollup's current chain
// time, so callers without their own clock source get the same deadline
// semantics the cancel path enforces.
func (s *Scanner) InspectIntentNow(ctx context.Context, intentID common.Hash) (PendingInfo, error) {
	now, err := s.rollup.ChainTime(ctx)
	if err != nil {
		return PendingInfo{}, err
	}
	return s.InspectIntent(ctx, intentID, now)
}
