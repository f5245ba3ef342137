// Package chainproof locates cross-chain message inclusion proofs. A
// message emitted on one chain becomes provable on the other only after
// block inclusion and finality, so "not found yet" is an ordinary answer
// here, distinct from "permanently absent".
package chainproof

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/veil-intents/intents-veil/internal/backoff"
	"github.com/veil-intents/intents-veil/internal/faults"
	"github.com/veil-intents/intents-veil/internal/rollup"
	"github.com/veil-intents/intents-veil/internal/settlement"
)

var (
	ErrInvalidConfig = errors.New("chainproof: invalid config")

	// ErrNotFound means the full configured window was scanned with no
	// match. If the message's origin block has aged past expected
	// finality this is a genuine failure, not a transient one.
	ErrNotFound = errors.New("chainproof: message not found in search window")

	// ErrWitnessNotFound is returned by a ProofSource when the content
	// hash is not present at the queried block. The resolver keeps
	// scanning; any other source error aborts the scan.
	ErrWitnessNotFound = errors.New("chainproof: witness not found at block")
)

// ProofSource fetches an inclusion witness for a content hash at a given
// origin-chain block.
type ProofSource interface {
	Witness(ctx context.Context, contentHash common.Hash, block uint64) (leafIndex uint64, siblingPath []common.Hash, err error)
}

// OriginReader reports the origin chain's latest block number.
type OriginReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// InboundReader queries the target chain for pending inbound messages.
type InboundReader interface {
	InboundMessageStatus(ctx context.Context, messageKey common.Hash) (rollup.InboundStatus, error)
}

type Resolver struct {
	source  ProofSource
	origin  OriginReader
	inbound InboundReader

	log *slog.Logger
}

func NewResolver(source ProofSource, origin OriginReader, inbound InboundReader, log *slog.Logger) (*Resolver, error) {
	if source == nil || origin == nil {
		return nil, fmt.Errorf("%w: nil source/origin", ErrInvalidConfig)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Resolver{source: source, origin: origin, inbound: inbound, log: log}, nil
}

// FindL2ToL1Proof scans the most recent searchWindowBlocks of the origin
// chain backward, attempting witness construction at each block, and
// returns the first success. The range is clamped at the genesis block.
// A full scan with no match returns ErrNotFound.
//
// An empty sibling path is passed through untouched: it is valid for a
// single-leaf tree and the consuming contract rejects it otherwise.
func (r *Resolver) FindL2ToL1Proof(ctx context.Context, contentHash common.Hash, searchWindowBlocks uint64) (settlement.Proof, error) {
	if searchWindowBlocks == 0 {
		return settlement.Proof{}, fmt.Errorf("%w: zero search window", ErrInvalidConfig)
	}

	latest, err := r.origin.BlockNumber(ctx)
	if err != nil {
		return settlement.Proof{}, faults.Wrap(faults.KindNetwork, err, "read origin block number")
	}

	// Clamp: never search below genesis.
	lowest := uint64(0)
	if latest >= searchWindowBlocks {
		lowest = latest - searchWindowBlocks + 1
	}

	for block := latest; ; block-- {
		if err := ctx.Err(); err != nil {
			return settlement.Proof{}, err
		}
		leafIndex, path, err := r.source.Witness(ctx, contentHash, block)
		if err == nil {
			r.log.Debug("found message witness",
				"contentHash", contentHash,
				"block", block,
				"leafIndex", leafIndex,
				"pathLen", len(path),
			)
			return settlement.Proof{
				OriginBlock: new(big.Int).SetUint64(block),
				LeafIndex:   leafIndex,
				SiblingPath: path,
			}, nil
		}
		if !errors.Is(err, ErrWitnessNotFound) {
			return settlement.Proof{}, faults.Wrap(faults.KindNetwork, err, "witness query at block %d", block)
		}
		if block == lowest {
			break
		}
	}
	return settlement.Proof{}, fmt.Errorf("%w: scanned blocks [%d, %d] for %s", ErrNotFound, lowest, latest, contentHash)
}

// AwaitL2ToL1Proof retries FindL2ToL1Proof under the given policy until
// the proof appears. Exhausting the policy surfaces a timeout fault, the
// recoverable "not yet ready" answer; the intent stays valid and a later
// attempt may succeed.
func (r *Resolver) AwaitL2ToL1Proof(ctx context.Context, contentHash common.Hash, searchWindowBlocks uint64, policy backoff.Policy) (settlement.Proof, error) {
	var proof settlement.Proof
	err := policy.Retry(ctx, func(ctx context.Context, attempt int) (bool, error) {
		p, err := r.FindL2ToL1Proof(ctx, contentHash, searchWindowBlocks)
		if err == nil {
			proof = p
			return true, nil
		}
		if errors.Is(err, ErrNotFound) {
			r.log.Debug("message not yet provable", "contentHash", contentHash, "attempt", attempt)
			return false, nil
		}
		return false, err
	})
	if err != nil {
		if errors.Is(err, backoff.ErrExhausted) {
			return settlement.Proof{}, faults.Wrap(faults.KindTimeout, err, "outbound message %s not provable yet", contentHash)
		}
		return settlement.Proof{}, err
	}
	return proof, nil
}

// FindL1ToL2Readiness checks whether a pending inbound message has been
// synced to the rollup. Non-blocking; the caller decides retry cadence.
func (r *Resolver) FindL1ToL2Readiness(ctx context.Context, messageKey common.Hash) (rollup.InboundStatus, error) {
	if r.inbound == nil {
		return rollup.InboundStatus{}, fmt.Errorf("%w: no inbound reader configured", ErrInvalidConfig)
	}
	st, err := r.inbound.InboundMessageStatus(ctx, messageKey)
	if err != nil {
		return rollup.InboundStatus{}, err
	}
	return st, nil
}

// AwaitL1ToL2Message polls readiness under the policy until the message
// is synced, surfacing exhaustion as a timeout fault.
func (r *Resolver) AwaitL1ToL2Message(ctx context.Context, messageKey common.Hash, policy backoff.Policy) (rollup.InboundStatus, error) {
	var status rollup.InboundStatus
	err := policy.Retry(ctx, func(ctx context.Context, attempt int) (bool, error) {
		st, err := r.FindL1ToL2Readiness(ctx, messageKey)
		if err != nil {
			if faults.KindOf(err) == faults.KindNetwork {
				r.log.Debug("inbound readiness query failed, will retry", "messageKey", messageKey, "attempt", attempt, "err", err)
				return false, nil
			}
			return false, err
		}
		if !st.Ready {
			return false, nil
		}
		status = st
		return true, nil
	})
	if err != nil {
		if errors.Is(err, backoff.ErrExhausted) {
			return rollup.InboundStatus{}, faults.Wrap(faults.KindTimeout, err, "inbound message %s not synced yet", messageKey)
		}
		return rollup.InboundStatus{}, err
	}
	return status, nil
}
