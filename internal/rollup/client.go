package rollup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/veil-intents/intents-veil/internal/faults"
	"github.com/veil-intents/intents-veil/internal/intent"
)

var (
	ErrInvalidConfig    = errors.New("rollup: invalid config")
	ErrRPC              = errors.New("rollup: rpc error")
	ErrResponseTooLarge = errors.New("rollup: response too large")
)

// RPCError is a JSON-RPC error returned by the rollup node.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	if e == nil {
		return "rollup: nil rpc error"
	}
	return fmt.Sprintf("rollup: rpc error code %d: %s", e.Code, e.Message)
}

func (e *RPCError) Unwrap() error { return ErrRPC }

type Option func(*Client) error

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		if hc == nil {
			return fmt.Errorf("%w: nil http client", ErrInvalidConfig)
		}
		c.hc = hc
		return nil
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("%w: timeout must be > 0", ErrInvalidConfig)
		}
		if c.hc == nil {
			c.hc = &http.Client{}
		}
		c.hc.Timeout = d
		return nil
	}
}

func WithMaxResponseBytes(n int64) Option {
	return func(c *Client) error {
		if n <= 0 {
			return fmt.Errorf("%w: max response bytes must be > 0", ErrInvalidConfig)
		}
		c.maxRespBytes = n
		return nil
	}
}

// WithBasicAuth sets node credentials.
func WithBasicAuth(user, pass string) Option {
	return func(c *Client) error {
		if user == "" || pass == "" {
			return fmt.Errorf("%w: missing rpc credentials", ErrInvalidConfig)
		}
		c.user, c.pass = user, pass
		return nil
	}
}

// Client talks JSON-RPC to a rollup node (PXE-style endpoint) and
// implements Adapter.
type Client struct {
	url          string
	user         string
	pass         string
	hc           *http.Client
	maxRespBytes int64
	nextID       atomic.Uint64
}

func New(url string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("%w: missing url", ErrInvalidConfig)
	}
	c := &Client{
		url:          url,
		hc:           &http.Client{Timeout: 15 * time.Second},
		maxRespBytes: 5 << 20, // 5 MiB
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	ID     string          `json:"id"`
}

func (c *Client) call(ctx context.Context, method string, params []any, result any) error {
	id := fmt.Sprintf("%d", c.nextID.Add(1))
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("rollup: marshal %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("rollup: build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.user != "" {
		req.SetBasicAuth(c.user, c.pass)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return faults.Wrap(faults.KindNetwork, err, "%s transport failure", method)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.maxRespBytes+1))
	if err != nil {
		return faults.Wrap(faults.KindNetwork, err, "%s read response", method)
	}
	if int64(len(raw)) > c.maxRespBytes {
		return fmt.Errorf("%w: %s response exceeds %d bytes", ErrResponseTooLarge, method, c.maxRespBytes)
	}
	if resp.StatusCode != http.StatusOK {
		return faults.Wrap(faults.KindNetwork, fmt.Errorf("http status %d", resp.StatusCode), "%s failed", method)
	}

	var rr rpcResponse
	if err := json.Unmarshal(raw, &rr); err != nil {
		return fmt.Errorf("rollup: decode %s response: %w", method, err)
	}
	if rr.Error != nil {
		// Contract reverts and signer rejections surface as RPC errors;
		// classify here so callers see protocol kinds, not codes.
		return faults.ClassifyRevert(&RPCError{Code: rr.Error.Code, Message: rr.Error.Message})
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(rr.Result, result); err != nil {
		return fmt.Errorf("rollup: decode %s result: %w", method, err)
	}
	return nil
}

// Wire representations. Hashes and addresses are 0x-hex; amounts are
// decimal strings to avoid JSON number truncation past 2^53.

type requestResultWire struct {
	IntentID string `json:"intentId"`
	TxHash   string `json:"txHash"`
}

type intentInfoWire struct {
	Exists    bool   `json:"exists"`
	OwnerHash string `json:"ownerHash"`
	Status    string `json:"status"`
	Deadline  uint64 `json:"deadline"`
	NetAmount string `json:"netAmount"`
}

type receiptWire struct {
	Owner   string `json:"owner"`
	Nonce   string `json:"nonce"`
	AssetID uint32 `json:"assetId"`
	Shares  string `json:"shares"`
	Status  string `json:"status"`
}

type outboundWitnessWire struct {
	Found       bool     `json:"found"`
	LeafIndex   uint64   `json:"leafIndex"`
	SiblingPath []string `json:"siblingPath"`
}

type inboundStatusWire struct {
	Ready            bool   `json:"ready"`
	LeafIndex        uint64 `json:"leafIndex"`
	AvailableAtBlock uint64 `json:"availableAtBlock"`
	CurrentBlock     uint64 `json:"currentBlock"`
}

type chainInfoWire struct {
	BlockNumber uint64 `json:"blockNumber"`
	Timestamp   uint64 `json:"timestamp"`
}

func parseAmount(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("rollup: bad amount %q", s)
	}
	return v, nil
}

func parseReceiptStatus(s string) intent.ReceiptStatus {
	switch strings.TrimSpace(strings.ToLower(s)) {
	case "pending_deposit":
		return intent.ReceiptPendingDeposit
	case "active":
		return intent.ReceiptActive
	case "pending_withdraw":
		return intent.ReceiptPendingWithdraw
	default:
		return intent.ReceiptUnknown
	}
}

func (c *Client) RequestDeposit(ctx context.Context, p DepositParams) (RequestResult, error) {
	if p.Amount == nil || p.Amount.Sign() <= 0 {
		return RequestResult{}, fmt.Errorf("%w: amount must be > 0", ErrInvalidConfig)
	}
	var out requestResultWire
	err := c.call(ctx, "veil_requestDeposit", []any{map[string]any{
		"asset":      p.Asset.Hex(),
		"amount":     p.Amount.String(),
		"decimals":   p.Decimals,
		"deadline":   p.Deadline,
		"salt":       p.Salt.Hex(),
		"secretHash": p.SecretHash.Hex(),
	}}, &out)
	if err != nil {
		return RequestResult{}, err
	}
	return RequestResult{
		IntentID: common.HexToHash(out.IntentID),
		TxHash:   common.HexToHash(out.TxHash),
	}, nil
}

func (c *Client) FinalizeDeposit(ctx context.Context, intentID common.Hash, assetID uint32, shares *big.Int, secretHex string, messageLeafIndex uint64) (common.Hash, error) {
	if shares == nil || shares.Sign() <= 0 {
		return common.Hash{}, fmt.Errorf("%w: shares must be > 0", ErrInvalidConfig)
	}
	var out requestResultWire
	err := c.call(ctx, "veil_finalizeDeposit", []any{map[string]any{
		"intentId":         intentID.Hex(),
		"assetId":          assetID,
		"shares":           shares.String(),
		"secret":           secretHex,
		"messageLeafIndex": messageLeafIndex,
	}}, &out)
	if err != nil {
		return common.Hash{}, err
	}
	return common.HexToHash(out.TxHash), nil
}

func (c *Client) RequestWithdraw(ctx context.Context, p WithdrawParams) (RequestResult, error) {
	if p.Amount == nil || p.Amount.Sign() <= 0 {
		return RequestResult{}, fmt.Errorf("%w: amount must be > 0", ErrInvalidConfig)
	}
	var out requestResultWire
	err := c.call(ctx, "veil_requestWithdraw", []any{map[string]any{
		"nonce":      p.Nonce.Hex(),
		"amount":     p.Amount.String(),
		"deadline":   p.Deadline,
		"secretHash": p.SecretHash.Hex(),
	}}, &out)
	if err != nil {
		return RequestResult{}, err
	}
	return RequestResult{
		IntentID: common.HexToHash(out.IntentID),
		TxHash:   common.HexToHash(out.TxHash),
	}, nil
}

func (c *Client) FinalizeWithdraw(ctx context.Context, intentID common.Hash, secretHex string, messageLeafIndex uint64) (common.Hash, error) {
	var out requestResultWire
	err := c.call(ctx, "veil_finalizeWithdraw", []any{map[string]any{
		"intentId":         intentID.Hex(),
		"secret":           secretHex,
		"messageLeafIndex": messageLeafIndex,
	}}, &out)
	if err != nil {
		return common.Hash{}, err
	}
	return common.HexToHash(out.TxHash), nil
}

func (c *Client) CancelDeposit(ctx context.Context, intentID common.Hash, nowTimestamp uint64, netAmount *big.Int) (common.Hash, error) {
	if netAmount == nil || netAmount.Sign() < 0 {
		return common.Hash{}, fmt.Errorf("%w: netAmount must be >= 0", ErrInvalidConfig)
	}
	var out requestResultWire
	err := c.call(ctx, "veil_cancelDeposit", []any{map[string]any{
		"intentId":  intentID.Hex(),
		"now":       nowTimestamp,
		"netAmount": netAmount.String(),
	}}, &out)
	if err != nil {
		return common.Hash{}, err
	}
	return common.HexToHash(out.TxHash), nil
}

func (c *Client) ClaimWithdrawRefund(ctx context.Context, intentID common.Hash, nowTimestamp uint64) (common.Hash, error) {
	var out requestResultWire
	err := c.call(ctx, "veil_claimWithdrawRefund", []any{map[string]any{
		"intentId": intentID.Hex(),
		"now":      nowTimestamp,
	}}, &out)
	if err != nil {
		return common.Hash{}, err
	}
	return common.HexToHash(out.TxHash), nil
}

func (c *Client) IntentInfo(ctx context.Context, intentID common.Hash) (IntentInfo, error) {
	var out intentInfoWire
	if err := c.call(ctx, "veil_getIntent", []any{intentID.Hex()}, &out); err != nil {
		return IntentInfo{}, err
	}
	if !out.Exists {
		return IntentInfo{}, nil
	}
	net, err := parseAmount(out.NetAmount)
	if err != nil {
		return IntentInfo{}, err
	}
	return IntentInfo{
		Exists:    true,
		OwnerHash: common.HexToHash(out.OwnerHash),
		Status:    parseReceiptStatus(out.Status),
		Deadline:  out.Deadline,
		NetAmount: net,
	}, nil
}

func (c *Client) Receipt(ctx context.Context, nonce common.Hash) (intent.PositionReceipt, error) {
	var out receiptWire
	if err := c.call(ctx, "veil_getReceipt", []any{nonce.Hex()}, &out); err != nil {
		return intent.PositionReceipt{}, err
	}
	shares, err := parseAmount(out.Shares)
	if err != nil {
		return intent.PositionReceipt{}, err
	}
	return intent.PositionReceipt{
		Owner:   common.HexToHash(out.Owner),
		Nonce:   common.HexToHash(out.Nonce),
		AssetID: out.AssetID,
		Shares:  shares,
		Status:  parseReceiptStatus(out.Status),
	}, nil
}

// OutboundWitness fetches the outbox inclusion proof for contentHash as
// of the given rollup block. Found is false while the message has not
// been absorbed into that block's outbox tree.
func (c *Client) OutboundWitness(ctx context.Context, contentHash common.Hash, block uint64) (OutboundWitness, error) {
	var out outboundWitnessWire
	if err := c.call(ctx, "veil_getOutboundWitness", []any{contentHash.Hex(), block}, &out); err != nil {
		return OutboundWitness{}, err
	}
	if !out.Found {
		return OutboundWitness{}, nil
	}
	path := make([]common.Hash, len(out.SiblingPath))
	for i, s := range out.SiblingPath {
		path[i] = common.HexToHash(s)
	}
	return OutboundWitness{Found: true, LeafIndex: out.LeafIndex, SiblingPath: path}, nil
}

func (c *Client) InboundMessageStatus(ctx context.Context, messageKey common.Hash) (InboundStatus, error) {
	var out inboundStatusWire
	if err := c.call(ctx, "veil_getInboundMessage", []any{messageKey.Hex()}, &out); err != nil {
		return InboundStatus{}, err
	}
	return InboundStatus(out), nil
}

func (c *Client) ChainTime(ctx context.Context) (uint64, error) {
	var out chainInfoWire
	if err := c.call(ctx, "veil_getChainInfo", nil, &out); err != nil {
		return 0, err
	}
	return out.Timestamp, nil
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var out chainInfoWire
	if err := c.call(ctx, "veil_getChainInfo", nil, &out); err != nil {
		return 0, err
	}
	return out.BlockNumber, nil
}
