// Package intentcodec computes the canonical intent hashes and the intent
// id shared by the rollup and settlement contracts. The settlement
// contract recomputes these hashes to authorize execution, so every field
// is encoded at a fixed width and any out-of-range value is rejected
// rather than truncated.
package intentcodec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

var (
	ErrAmountOutOfRange   = errors.New("intentcodec: amount out of range")
	ErrDecimalsOutOfRange = errors.New("intentcodec: decimals out of range")
	ErrZeroDeadline       = errors.New("intentcodec: zero deadline")
)

// Domain separation prefixes. These must match VeilPool.sol and the
// rollup note contract byte for byte.
const (
	intentIDPrefixV1     = "veil.intent"
	depositHashPrefixV1  = "veil.deposit"
	withdrawHashPrefixV1 = "veil.withdraw"
)

// maxDecimals bounds originalDecimals; ERC-20 metadata never exceeds it
// and the rollup note stores the value in a single byte.
const maxDecimals = 77

// DepositIntent carries every field committed by a deposit intent hash.
type DepositIntent struct {
	IntentID         common.Hash
	OwnerHash        common.Hash
	Asset            common.Address
	Amount           *big.Int // unsigned, < 2^128
	OriginalDecimals uint8
	Deadline         uint64 // unix seconds
	Salt             common.Hash
	SecretHash       common.Hash
}

// WithdrawIntent carries every field committed by a withdraw intent hash.
type WithdrawIntent struct {
	IntentID  common.Hash
	OwnerHash common.Hash
	Amount    *big.Int // unsigned, < 2^128
	Deadline  uint64
}

// amountU128 encodes amount as 16 big-endian bytes, rejecting negative
// values and anything that does not fit u128.
func amountU128(amount *big.Int) ([16]byte, error) {
	var out [16]byte
	if amount == nil || amount.Sign() < 0 || amount.BitLen() > 128 {
		return out, fmt.Errorf("%w: %v", ErrAmountOutOfRange, amount)
	}
	amount.FillBytes(out[:])
	return out, nil
}

// ComputeIntentID derives the deterministic intent id used as the rollup
// note nonce:
//
//	intentId = keccak256("veil.intent" || caller || asset || amountBE16 ||
//	                     decimals || deadlineBE8 || salt)
//
// caller is the rollup-side caller field (already a 256-bit field value,
// never the raw rollup address on any public surface).
func ComputeIntentID(caller common.Hash, asset common.Address, amount *big.Int, decimals uint8, deadline uint64, salt common.Hash) (common.Hash, error) {
	amt, err := amountU128(amount)
	if err != nil {
		return common.Hash{}, err
	}
	if decimals > maxDecimals {
		return common.Hash{}, fmt.Errorf("%w: %d", ErrDecimalsOutOfRange, decimals)
	}
	if deadline == 0 {
		return common.Hash{}, ErrZeroDeadline
	}

	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(intentIDPrefixV1))
	_, _ = h.Write(caller[:])
	_, _ = h.Write(asset[:])
	_, _ = h.Write(amt[:])
	_, _ = h.Write([]byte{decimals})
	var dl [8]byte
	binary.BigEndian.PutUint64(dl[:], deadline)
	_, _ = h.Write(dl[:])
	_, _ = h.Write(salt[:])

	return common.BytesToHash(h.Sum(nil)), nil
}

// ComputeDepositIntentHash produces the 32-byte commitment the settlement
// contract recomputes before executing a deposit:
//
//	keccak256("veil.deposit" || intentId || ownerHash || asset ||
//	          amountBE16 || decimals || deadlineBE8 || salt || secretHash)
func ComputeDepositIntentHash(in DepositIntent) (common.Hash, error) {
	amt, err := amountU128(in.Amount)
	if err != nil {
		return common.Hash{}, err
	}
	if in.OriginalDecimals > maxDecimals {
		return common.Hash{}, fmt.Errorf("%w: %d", ErrDecimalsOutOfRange, in.OriginalDecimals)
	}
	if in.Deadline == 0 {
		return common.Hash{}, ErrZeroDeadline
	}

	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(depositHashPrefixV1))
	_, _ = h.Write(in.IntentID[:])
	_, _ = h.Write(in.OwnerHash[:])
	_, _ = h.Write(in.Asset[:])
	_, _ = h.Write(amt[:])
	_, _ = h.Write([]byte{in.OriginalDecimals})
	var dl [8]byte
	binary.BigEndian.PutUint64(dl[:], in.Deadline)
	_, _ = h.Write(dl[:])
	_, _ = h.Write(in.Salt[:])
	_, _ = h.Write(in.SecretHash[:])

	return common.BytesToHash(h.Sum(nil)), nil
}

// ComputeWithdrawIntentHash is the withdraw-side commitment:
//
//	keccak256("veil.withdraw" || intentId || ownerHash || amountBE16 ||
//	          deadlineBE8)
func ComputeWithdrawIntentHash(in WithdrawIntent) (common.Hash, error) {
	amt, err := amountU128(in.Amount)
	if err != nil {
		return common.Hash{}, err
	}
	if in.Deadline == 0 {
		return common.Hash{}, ErrZeroDeadline
	}

	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(withdrawHashPrefixV1))
	_, _ = h.Write(in.IntentID[:])
	_, _ = h.Write(in.OwnerHash[:])
	_, _ = h.Write(amt[:])
	var dl [8]byte
	binary.BigEndian.PutUint64(dl[:], in.Deadline)
	_, _ = h.Write(dl[:])

	return common.BytesToHash(h.Sum(nil)), nil
}

// HashSecret maps a one-time secret to the hash committed on chain. Only
// this value ever leaves the device.
func HashSecret(secret []byte) common.Hash {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write(secret)
	return common.BytesToHash(h.Sum(nil))
}
