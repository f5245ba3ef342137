// Package rollup is the typed adapter over the privacy rollup's note
// contract. One method per contract operation; the orchestration core
// depends on the Adapter interface, never on an untyped call surface.
package rollup

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/veil-intents/intents-veil/internal/intent"
)

// DepositParams are the fields of request_deposit. The secret itself
// never appears here; only its hash crosses chains.
type DepositParams struct {
	Asset      common.Address
	Amount     *big.Int
	Decimals   uint8
	Deadline   uint64
	Salt       common.Hash
	SecretHash common.Hash
}

// WithdrawParams are the fields of request_withdraw. Nonce is the
// originating deposit intent id held by the position receipt.
type WithdrawParams struct {
	Nonce      common.Hash
	Amount     *big.Int
	Deadline   uint64
	SecretHash common.Hash
}

// RequestResult reports a successful request_* call.
type RequestResult struct {
	IntentID common.Hash
	TxHash   common.Hash
}

// IntentInfo is the rollup's public view of an intent. NetAmount is the
// post-fee amount computed by the rollup contract; it is ground truth and
// the orchestrator never recomputes it.
type IntentInfo struct {
	Exists    bool
	OwnerHash common.Hash
	Status    intent.ReceiptStatus
	Deadline  uint64
	NetAmount *big.Int
}

// OutboundWitness is the inclusion proof material for an L2-to-L1
// message in the rollup's outbox tree as of a specific rollup block. The
// settlement contract verifies SiblingPath against the outbox root it
// holds for that block; an empty path is only valid for a single-leaf
// tree.
type OutboundWitness struct {
	Found       bool
	LeafIndex   uint64
	SiblingPath []common.Hash
}

// InboundStatus reports whether an L1-to-L2 message has been synced into
// the rollup's message tree yet.
type InboundStatus struct {
	Ready            bool
	LeafIndex        uint64
	AvailableAtBlock uint64
	CurrentBlock     uint64
}

// Adapter is the full rollup call surface consumed by the lifecycle
// engine and the reconciliation scanner.
type Adapter interface {
	RequestDeposit(ctx context.Context, p DepositParams) (RequestResult, error)
	FinalizeDeposit(ctx context.Context, intentID common.Hash, assetID uint32, shares *big.Int, secretHex string, messageLeafIndex uint64) (common.Hash, error)

	RequestWithdraw(ctx context.Context, p WithdrawParams) (RequestResult, error)
	FinalizeWithdraw(ctx context.Context, intentID common.Hash, secretHex string, messageLeafIndex uint64) (common.Hash, error)

	// CancelDeposit refunds netAmount to the owner after the deadline.
	// nowTimestamp must come from chain time, not a client clock.
	CancelDeposit(ctx context.Context, intentID common.Hash, nowTimestamp uint64, netAmount *big.Int) (common.Hash, error)

	// ClaimWithdrawRefund restores rollup-held shares for a withdraw
	// intent whose settlement execution never happened before deadline.
	ClaimWithdrawRefund(ctx context.Context, intentID common.Hash, nowTimestamp uint64) (common.Hash, error)

	IntentInfo(ctx context.Context, intentID common.Hash) (IntentInfo, error)
	Receipt(ctx context.Context, nonce common.Hash) (intent.PositionReceipt, error)

	InboundMessageStatus(ctx context.Context, messageKey common.Hash) (InboundStatus, error)

	ChainTime(ctx context.Context) (uint64, error)
	BlockNumber(ctx context.Context) (uint64, error)
}
