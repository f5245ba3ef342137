package settlement

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

var ErrInvalidInput = errors.New("settlement: invalid input")

var (
	initOnce sync.Once
	initErr  error

	poolABI abi.ABI
)

func initABI() error {
	initOnce.Do(func() {
		var err error
		poolABI, err = abi.JSON(strings.NewReader(poolABIJSON))
		if err != nil {
			initErr = fmt.Errorf("settlement: parse pool ABI: %w", err)
		}
	})
	return initErr
}

// depositIntentABI mirrors VeilPool.DepositIntent. Field names must match
// the Solidity tuple components.
type depositIntentABI struct {
	IntentId         common.Hash
	OwnerHash        common.Hash
	Asset            common.Address
	Amount           *big.Int
	OriginalDecimals uint8
	Deadline         uint64
	Salt             common.Hash
	SecretHash       common.Hash
}

// withdrawIntentABI mirrors VeilPool.WithdrawIntent.
type withdrawIntentABI struct {
	IntentId  common.Hash
	OwnerHash common.Hash
	Amount    *big.Int
	Deadline  uint64
}

func packExecuteDeposit(in depositIntentABI, originBlock *big.Int, leafIndex uint64, siblingPath []common.Hash) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	if in.Amount == nil || in.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be > 0", ErrInvalidInput)
	}
	if originBlock == nil || originBlock.Sign() < 0 {
		return nil, fmt.Errorf("%w: originBlock must be >= 0", ErrInvalidInput)
	}
	path := make([][32]byte, len(siblingPath))
	for i, h := range siblingPath {
		path[i] = h
	}
	b, err := poolABI.Pack("executeDeposit", in, originBlock, new(big.Int).SetUint64(leafIndex), path)
	if err != nil {
		return nil, fmt.Errorf("settlement: pack executeDeposit: %w", err)
	}
	return b, nil
}

func packExecuteWithdraw(in withdrawIntentABI, secretHash common.Hash, originBlock *big.Int, leafIndex uint64, siblingPath []common.Hash) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	if in.Amount == nil || in.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be > 0", ErrInvalidInput)
	}
	if originBlock == nil || originBlock.Sign() < 0 {
		return nil, fmt.Errorf("%w: originBlock must be >= 0", ErrInvalidInput)
	}
	path := make([][32]byte, len(siblingPath))
	for i, h := range siblingPath {
		path[i] = h
	}
	b, err := poolABI.Pack("executeWithdraw", in, secretHash, originBlock, new(big.Int).SetUint64(leafIndex), path)
	if err != nil {
		return nil, fmt.Errorf("settlement: pack executeWithdraw: %w", err)
	}
	return b, nil
}

func packConsumedIntents(intentID common.Hash) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	b, err := poolABI.Pack("consumedIntents", intentID)
	if err != nil {
		return nil, fmt.Errorf("settlement: pack consumedIntents: %w", err)
	}
	return b, nil
}

func unpackConsumedIntents(data []byte) (bool, error) {
	if err := initABI(); err != nil {
		return false, err
	}
	vals, err := poolABI.Unpack("consumedIntents", data)
	if err != nil {
		return false, fmt.Errorf("settlement: unpack consumedIntents: %w", err)
	}
	if len(vals) != 1 {
		return false, fmt.Errorf("settlement: consumedIntents: want 1 value got %d", len(vals))
	}
	v, ok := vals[0].(bool)
	if !ok {
		return false, fmt.Errorf("settlement: consumedIntents: unexpected type %T", vals[0])
	}
	return v, nil
}

func packGetIntentShares(intentID common.Hash) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	b, err := poolABI.Pack("getIntentShares", intentID)
	if err != nil {
		return nil, fmt.Errorf("settlement: pack getIntentShares: %w", err)
	}
	return b, nil
}

func unpackGetIntentShares(data []byte) (*big.Int, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	vals, err := poolABI.Unpack("getIntentShares", data)
	if err != nil {
		return nil, fmt.Errorf("settlement: unpack getIntentShares: %w", err)
	}
	if len(vals) != 1 {
		return nil, fmt.Errorf("settlement: getIntentShares: want 1 value got %d", len(vals))
	}
	v, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("settlement: getIntentShares: unexpected type %T", vals[0])
	}
	return v, nil
}

// Event ids, resolved once.
func depositExecutedID() (common.Hash, error) {
	if err := initABI(); err != nil {
		return common.Hash{}, err
	}
	return poolABI.Events["DepositExecuted"].ID, nil
}

func withdrawExecutedID() (common.Hash, error) {
	if err := initABI(); err != nil {
		return common.Hash{}, err
	}
	return poolABI.Events["WithdrawExecuted"].ID, nil
}

func unpackExecutedData(name string, data []byte) ([]any, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	vals, err := poolABI.Events[name].Inputs.NonIndexed().Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("settlement: unpack %s: %w", name, err)
	}
	return vals, nil
}

const poolABIJSON = `[
  {
    "inputs": [
      {
        "components": [
          {"internalType":"bytes32","name":"intentId","type":"bytes32"},
          {"internalType":"bytes32","name":"ownerHash","type":"bytes32"},
          {"internalType":"address","name":"asset","type":"address"},
          {"internalType":"uint128","name":"amount","type":"uint128"},
          {"internalType":"uint8","name":"originalDecimals","type":"uint8"},
          {"internalType":"uint64","name":"deadline","type":"uint64"},
          {"internalType":"bytes32","name":"salt","type":"bytes32"},
          {"internalType":"bytes32","name":"secretHash","type":"bytes32"}
        ],
        "internalType":"struct VeilPool.DepositIntent","name":"intent","type":"tuple"
      },
      {"internalType":"uint256","name":"originBlock","type":"uint256"},
      {"internalType":"uint256","name":"leafIndex","type":"uint256"},
      {"internalType":"bytes32[]","name":"siblingPath","type":"bytes32[]"}
    ],
    "name":"executeDeposit","outputs":[],"stateMutability":"nonpayable","type":"function"
  },
  {
    "inputs": [
      {
        "components": [
          {"internalType":"bytes32","name":"intentId","type":"bytes32"},
          {"internalType":"bytes32","name":"ownerHash","type":"bytes32"},
          {"internalType":"uint128","name":"amount","type":"uint128"},
          {"internalType":"uint64","name":"deadline","type":"uint64"}
        ],
        "internalType":"struct VeilPool.WithdrawIntent","name":"intent","type":"tuple"
      },
      {"internalType":"bytes32","name":"secretHash","type":"bytes32"},
      {"internalType":"uint256","name":"originBlock","type":"uint256"},
      {"internalType":"uint256","name":"leafIndex","type":"uint256"},
      {"internalType":"bytes32[]","name":"siblingPath","type":"bytes32[]"}
    ],
    "name":"executeWithdraw","outputs":[],"stateMutability":"nonpayable","type":"function"
  },
  {
    "inputs": [{"internalType":"bytes32","name":"intentId","type":"bytes32"}],
    "name":"consumedIntents",
    "outputs": [{"internalType":"bool","name":"","type":"bool"}],
    "stateMutability":"view","type":"function"
  },
  {
    "inputs": [{"internalType":"bytes32","name":"intentId","type":"bytes32"}],
    "name":"getIntentShares",
    "outputs": [{"internalType":"uint256","name":"","type":"uint256"}],
    "stateMutability":"view","type":"function"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed":true,"internalType":"bytes32","name":"intentId","type":"bytes32"},
      {"indexed":false,"internalType":"uint256","name":"amount","type":"uint256"},
      {"indexed":false,"internalType":"uint256","name":"shares","type":"uint256"}
    ],
    "name":"DepositExecuted","type":"event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed":true,"internalType":"bytes32","name":"intentId","type":"bytes32"},
      {"indexed":false,"internalType":"uint256","name":"amount","type":"uint256"}
    ],
    "name":"WithdrawExecuted","type":"event"
  }
]`
