package settlement

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/veil-intents/intents-veil/internal/backoff"
)

var ErrInvalidSenderConfig = errors.New("settlement: invalid sender config")

// Signer signs settlement-chain transactions for a single relayer
// address. The relayer identity is distinct from any depositing user so
// on-chain execution is never linkable to the private owner.
type Signer interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

type LocalSigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

func NewLocalSigner(key *ecdsa.PrivateKey) *LocalSigner {
	var addr common.Address
	if key != nil {
		addr = crypto.PubkeyToAddress(key.PublicKey)
	}
	return &LocalSigner{key: key, addr: addr}
}

func (s *LocalSigner) Address() common.Address { return s.addr }

func (s *LocalSigner) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if s.key == nil || tx == nil || chainID == nil || chainID.Sign() <= 0 {
		return nil, ErrInvalidSenderConfig
	}
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
}

// SendBackend is the subset of an EVM client the sender needs.
type SendBackend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

type SenderConfig struct {
	ChainID             *big.Int
	GasLimit            uint64 // 0 => estimate
	ReceiptPollInterval time.Duration
	ReceiptWaitMax      time.Duration

	Sleep func(ctx context.Context, d time.Duration) error
}

// Sender submits one transaction at a time and waits until it is mined.
// One relayer key, sequential sends; the engine runs a single operation
// per session so there is no competing nonce traffic.
type Sender struct {
	backend SendBackend
	signer  Signer
	cfg     SenderConfig
}

func NewSender(backend SendBackend, signer Signer, cfg SenderConfig) (*Sender, error) {
	if backend == nil || signer == nil {
		return nil, fmt.Errorf("%w: nil backend/signer", ErrInvalidSenderConfig)
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("%w: ChainID must be > 0", ErrInvalidSenderConfig)
	}
	if (signer.Address() == common.Address{}) {
		return nil, fmt.Errorf("%w: zero signer address", ErrInvalidSenderConfig)
	}
	if cfg.ReceiptPollInterval <= 0 {
		cfg.ReceiptPollInterval = 2 * time.Second
	}
	if cfg.ReceiptWaitMax <= 0 {
		cfg.ReceiptWaitMax = 5 * time.Minute
	}
	if cfg.Sleep == nil {
		cfg.Sleep = backoff.SleepCtx
	}
	return &Sender{backend: backend, signer: signer, cfg: cfg}, nil
}

// SendAndWaitMined signs, submits and waits for the receipt. A reverted
// receipt is returned alongside a nil error; the caller classifies the
// revert by re-simulating the call.
func (s *Sender) SendAndWaitMined(ctx context.Context, to common.Address, data []byte) (*types.Receipt, error) {
	from := s.signer.Address()

	gasLimit := s.cfg.GasLimit
	if gasLimit == 0 {
		est, err := s.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Data: data})
		if err != nil {
			return nil, err
		}
		// Headroom for state drift between estimate and inclusion.
		gasLimit = est + est/4
	}

	tip, err := s.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, err
	}
	header, err := s.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, err
	}
	if header.BaseFee == nil || header.BaseFee.Sign() < 0 {
		return nil, fmt.Errorf("settlement: missing baseFee in latest header")
	}
	feeCap := new(big.Int).Mul(header.BaseFee, big.NewInt(2))
	feeCap.Add(feeCap, tip)

	nonce, err := s.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, err
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   s.cfg.ChainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &to,
		Data:      data,
	})
	signed, err := s.signer.SignTx(tx, s.cfg.ChainID)
	if err != nil {
		return nil, err
	}
	if err := s.backend.SendTransaction(ctx, signed); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(s.cfg.ReceiptWaitMax)
	for {
		receipt, err := s.backend.TransactionReceipt(ctx, signed.Hash())
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("settlement: tx %s not mined after %s", signed.Hash(), s.cfg.ReceiptWaitMax)
		}
		if err := s.cfg.Sleep(ctx, s.cfg.ReceiptPollInterval); err != nil {
			return nil, err
		}
	}
}
