// Package settlement is the typed adapter over the settlement-chain
// lending-pool contract. The orchestration core calls these methods and
// never touches calldata or logs directly.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/veil-intents/intents-veil/internal/faults"
	"github.com/veil-intents/intents-veil/internal/intent"
)

var ErrInvalidPoolConfig = errors.New("settlement: invalid pool config")

// CallBackend is the read-only EVM surface the pool adapter needs.
type CallBackend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// TxSender submits a transaction and waits for its receipt.
type TxSender interface {
	SendAndWaitMined(ctx context.Context, to common.Address, data []byte) (*types.Receipt, error)
}

// Proof locates a cross-chain message in the origin chain for execution.
type Proof struct {
	OriginBlock *big.Int
	LeafIndex   uint64
	SiblingPath []common.Hash
}

// ExecutedEvent is one DepositExecuted/WithdrawExecuted log, decoded.
type ExecutedEvent struct {
	Kind     intent.Kind
	IntentID common.Hash
	Amount   *big.Int
	Shares   *big.Int // deposits only
	Block    uint64
	TxHash   common.Hash
}

type Pool struct {
	addr    common.Address
	backend CallBackend
	sender  TxSender
	log     *slog.Logger
}

func NewPool(addr common.Address, backend CallBackend, sender TxSender, log *slog.Logger) (*Pool, error) {
	if (addr == common.Address{}) {
		return nil, fmt.Errorf("%w: zero pool address", ErrInvalidPoolConfig)
	}
	if backend == nil {
		return nil, fmt.Errorf("%w: nil backend", ErrInvalidPoolConfig)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Pool{addr: addr, backend: backend, sender: sender, log: log}, nil
}

// ExecuteDeposit submits the relayer-side execution of a deposit intent.
// The pool recomputes the intent hash from these exact fields, so the
// caller passes the full intent, not just its id.
func (p *Pool) ExecuteDeposit(ctx context.Context, in intent.Intent, proof Proof) (common.Hash, error) {
	if p.sender == nil {
		return common.Hash{}, fmt.Errorf("%w: pool has no sender (read-only)", ErrInvalidPoolConfig)
	}
	if in.Kind != intent.KindDeposit {
		return common.Hash{}, fmt.Errorf("%w: not a deposit intent", ErrInvalidInput)
	}

	consumed, err := p.IsConsumed(ctx, in.IntentID)
	if err != nil {
		return common.Hash{}, err
	}
	if consumed {
		return common.Hash{}, faults.New(faults.KindAlreadyConsumed, "intent %s already executed", in.IntentID)
	}

	data, err := packExecuteDeposit(depositIntentABI{
		IntentId:         in.IntentID,
		OwnerHash:        in.OwnerHash,
		Asset:            in.Asset,
		Amount:           in.Amount,
		OriginalDecimals: in.OriginalDecimals,
		Deadline:         in.Deadline,
		Salt:             in.Salt,
		SecretHash:       in.SecretHash,
	}, proof.OriginBlock, proof.LeafIndex, proof.SiblingPath)
	if err != nil {
		return common.Hash{}, err
	}
	return p.submit(ctx, data, "executeDeposit")
}

// ExecuteWithdraw submits the relayer-side execution of a withdraw intent.
func (p *Pool) ExecuteWithdraw(ctx context.Context, in intent.Intent, proof Proof) (common.Hash, error) {
	if p.sender == nil {
		return common.Hash{}, fmt.Errorf("%w: pool has no sender (read-only)", ErrInvalidPoolConfig)
	}
	if in.Kind != intent.KindWithdraw {
		return common.Hash{}, fmt.Errorf("%w: not a withdraw intent", ErrInvalidInput)
	}

	consumed, err := p.IsConsumed(ctx, in.IntentID)
	if err != nil {
		return common.Hash{}, err
	}
	if consumed {
		return common.Hash{}, faults.New(faults.KindAlreadyConsumed, "intent %s already executed", in.IntentID)
	}

	data, err := packExecuteWithdraw(withdrawIntentABI{
		IntentId:  in.IntentID,
		OwnerHash: in.OwnerHash,
		Amount:    in.Amount,
		Deadline:  in.Deadline,
	}, in.SecretHash, proof.OriginBlock, proof.LeafIndex, proof.SiblingPath)
	if err != nil {
		return common.Hash{}, err
	}
	return p.submit(ctx, data, "executeWithdraw")
}

func (p *Pool) submit(ctx context.Context, data []byte, op string) (common.Hash, error) {
	receipt, err := p.sender.SendAndWaitMined(ctx, p.addr, data)
	if err != nil {
		return common.Hash{}, faults.ClassifyRevert(err)
	}
	if receipt == nil {
		return common.Hash{}, faults.Wrap(faults.KindNetwork, nil, "%s: no receipt", op)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		// Re-simulate at the receipt block to recover the revert reason;
		// the receipt itself does not carry one.
		_, simErr := p.backend.CallContract(ctx, ethereum.CallMsg{To: &p.addr, Data: data}, receipt.BlockNumber)
		if simErr != nil {
			return common.Hash{}, faults.ClassifyRevert(simErr)
		}
		return common.Hash{}, faults.Wrap(faults.KindNetwork, nil, "%s reverted in tx %s", op, receipt.TxHash)
	}
	p.log.Info("settlement execution mined", "op", op, "txHash", receipt.TxHash, "block", receipt.BlockNumber)
	return receipt.TxHash, nil
}

// IsConsumed reads the at-most-once consumption flag for an intent id.
func (p *Pool) IsConsumed(ctx context.Context, intentID common.Hash) (bool, error) {
	data, err := packConsumedIntents(intentID)
	if err != nil {
		return false, err
	}
	out, err := p.backend.CallContract(ctx, ethereum.CallMsg{To: &p.addr, Data: data}, nil)
	if err != nil {
		return false, faults.ClassifyRevert(err)
	}
	return unpackConsumedIntents(out)
}

// IntentShares reads the shares recorded for an executed deposit intent.
func (p *Pool) IntentShares(ctx context.Context, intentID common.Hash) (*big.Int, error) {
	data, err := packGetIntentShares(intentID)
	if err != nil {
		return nil, err
	}
	out, err := p.backend.CallContract(ctx, ethereum.CallMsg{To: &p.addr, Data: data}, nil)
	if err != nil {
		return nil, faults.ClassifyRevert(err)
	}
	return unpackGetIntentShares(out)
}

// ChainTime returns the latest block timestamp. Deadline checks use this,
// never a client clock.
func (p *Pool) ChainTime(ctx context.Context) (uint64, error) {
	header, err := p.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, faults.ClassifyRevert(err)
	}
	return header.Time, nil
}

// BlockNumber returns the latest settlement-chain block number.
func (p *Pool) BlockNumber(ctx context.Context) (uint64, error) {
	header, err := p.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, faults.ClassifyRevert(err)
	}
	if header.Number == nil {
		return 0, fmt.Errorf("settlement: header without number")
	}
	return header.Number.Uint64(), nil
}

// FilterExecuted replays DepositExecuted and WithdrawExecuted events in
// [fromBlock, toBlock]. fromBlock is clamped at zero.
func (p *Pool) FilterExecuted(ctx context.Context, fromBlock, toBlock uint64) ([]ExecutedEvent, error) {
	depID, err := depositExecutedID()
	if err != nil {
		return nil, err
	}
	wdID, err := withdrawExecutedID()
	if err != nil {
		return nil, err
	}

	logs, err := p.backend.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{p.addr},
		Topics:    [][]common.Hash{{depID, wdID}},
	})
	if err != nil {
		return nil, faults.ClassifyRevert(err)
	}

	out := make([]ExecutedEvent, 0, len(logs))
	for _, lg := range logs {
		if len(lg.Topics) < 2 {
			continue
		}
		ev := ExecutedEvent{
			IntentID: lg.Topics[1],
			Block:    lg.BlockNumber,
			TxHash:   lg.TxHash,
		}
		switch lg.Topics[0] {
		case depID:
			vals, err := unpackExecutedData("DepositExecuted", lg.Data)
			if err != nil || len(vals) != 2 {
				p.log.Warn("skipping undecodable DepositExecuted log", "tx", lg.TxHash, "err", err)
				continue
			}
			ev.Kind = intent.KindDeposit
			ev.Amount, _ = vals[0].(*big.Int)
			ev.Shares, _ = vals[1].(*big.Int)
		case wdID:
			vals, err := unpackExecutedData("WithdrawExecuted", lg.Data)
			if err != nil || len(vals) != 1 {
				p.log.Warn("skipping undecodable WithdrawExecuted log", "tx", lg.TxHash, "err", err)
				continue
			}
			ev.Kind = intent.KindWithdraw
			ev.Amount, _ = vals[0].(*big.Int)
		default:
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}
