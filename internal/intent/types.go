// Package intent holds the core data model of the bridge: the immutable
// intent commitment, the per-operation lifecycle journal, and the
// rollup-private position receipt view.
package intent

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type Kind uint8

const (
	KindUnknown Kind = iota
	KindDeposit
	KindWithdraw
)

func (k Kind) String() string {
	switch k {
	case KindDeposit:
		return "deposit"
	case KindWithdraw:
		return "withdraw"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// State is the lifecycle position of an operation. The main path moves
// strictly forward; Cancelled and RefundClaimed are side exits reachable
// from any non-terminal state.
type State uint8

const (
	StateIdle State = iota
	StateRequesting
	StateAwaitingOutboundProof
	StateRelayerExecuting
	StateAwaitingInboundMessage
	StateFinalizing
	StateDone
	StateCancelled
	StateRefundClaimed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequesting:
		return "requesting"
	case StateAwaitingOutboundProof:
		return "awaiting_outbound_proof"
	case StateRelayerExecuting:
		return "relayer_executing"
	case StateAwaitingInboundMessage:
		return "awaiting_inbound_message"
	case StateFinalizing:
		return "finalizing"
	case StateDone:
		return "done"
	case StateCancelled:
		return "cancelled"
	case StateRefundClaimed:
		return "refund_claimed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

func (s State) Terminal() bool {
	return s == StateDone || s == StateCancelled || s == StateRefundClaimed
}

// CanTransition reports whether moving from -> to is legal. Re-entering
// the same non-terminal state is allowed (retries); moving backward is
// not; side exits are reachable from every non-terminal state.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateCancelled || to == StateRefundClaimed {
		return true
	}
	if to == StateIdle {
		return false
	}
	return to >= from
}

// Intent is the unit of cross-chain work. Immutable once created: the
// hash is a commitment recomputed by the settlement contract.
type Intent struct {
	IntentID  common.Hash
	OwnerHash common.Hash
	Kind      Kind

	Asset            common.Address
	Amount           *big.Int // unsigned, fits u128
	OriginalDecimals uint8    // deposit only
	Deadline         uint64   // unix seconds
	Salt             common.Hash
	SecretHash       common.Hash
}

// Step records one lifecycle transition for observability and resume.
type Step struct {
	State      State
	StartedAt  time.Time
	FinishedAt time.Time
	TxHash     common.Hash
	FaultKind  string // empty on success
}

// Operation is the journaled lifecycle of one intent.
type Operation struct {
	Intent Intent
	State  State
	Steps  []Step

	UpdatedAt time.Time
}

// ReceiptStatus mirrors the rollup-private position receipt status.
type ReceiptStatus uint8

const (
	ReceiptUnknown ReceiptStatus = iota
	ReceiptPendingDeposit
	ReceiptActive
	ReceiptPendingWithdraw
)

func (s ReceiptStatus) String() string {
	switch s {
	case ReceiptPendingDeposit:
		return "pending_deposit"
	case ReceiptActive:
		return "active"
	case ReceiptPendingWithdraw:
		return "pending_withdraw"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// PositionReceipt is the rollup-private share ownership view. Owner stays
// on the rollup; only OwnerHash ever appears on the settlement chain.
type PositionReceipt struct {
	Owner   common.Hash // rollup address field, private
	Nonce   common.Hash // originating deposit intent id
	AssetID uint32
	Shares  *big.Int
	Status  ReceiptStatus
}
