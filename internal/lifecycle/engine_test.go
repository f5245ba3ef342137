package lifecycle

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/veil-intents/intents-veil/internal/backoff"
	"github.com/veil-intents/intents-veil/internal/escrow"
	"github.com/veil-intents/intents-veil/internal/events"
	"github.com/veil-intents/intents-veil/internal/faults"
	"github.com/veil-intents/intents-veil/internal/intent"
	"github.com/veil-intents/intents-veil/internal/intentcodec"
	"github.com/veil-intents/intents-veil/internal/oplock"
	"github.com/veil-intents/intents-veil/internal/rollup"
	"github.com/veil-intents/intents-veil/internal/settlement"
)

var (
	testOwnerHash = common.HexToHash("0xc3c3c3c3c3c3c3c3c3c3c3c3c3c3c3c3c3c3c3c3c3c3c3c3c3c3c3c3c3c3c3c3")
	testAsset     = common.HexToAddress("0x000000000000000000000000000000000000beef")
)

type fakeRollup struct {
	mu sync.Mutex

	intentID common.Hash
	chainNow uint64

	receipt       intent.PositionReceipt
	info          rollup.IntentInfo
	requestErr    error
	finalizeErr   error
	cancelErr     error
	claimErr      error
	finalized     int
	cancelled     int
	claimed       int
	lastNetAmount *big.Int
}

func (f *fakeRollup) RequestDeposit(context.Context, rollup.DepositParams) (rollup.RequestResult, error) {
	if f.requestErr != nil {
		return rollup.RequestResult{}, f.requestErr
	}
	return rollup.RequestResult{IntentID: f.intentID, TxHash: common.HexToHash("0x1111")}, nil
}

func (f *fakeRollup) FinalizeDeposit(_ context.Context, _ common.Hash, _ uint32, shares *big.Int, secretHex string, _ uint64) (common.Hash, error) {
	if f.finalizeErr != nil {
		return common.Hash{}, f.finalizeErr
	}
	f.mu.Lock()
	f.finalized++
	f.receipt.Status = intent.ReceiptActive
	f.receipt.Shares = shares
	f.mu.Unlock()
	_ = secretHex
	return common.HexToHash("0x2222"), nil
}

func (f *fakeRollup) RequestWithdraw(context.Context, rollup.WithdrawParams) (rollup.RequestResult, error) {
	if f.requestErr != nil {
		return rollup.RequestResult{}, f.requestErr
	}
	return rollup.RequestResult{IntentID: f.intentID, TxHash: common.HexToHash("0x3333")}, nil
}

func (f *fakeRollup) FinalizeWithdraw(context.Context, common.Hash, string, uint64) (common.Hash, error) {
	if f.finalizeErr != nil {
		return common.Hash{}, f.finalizeErr
	}
	f.mu.Lock()
	f.finalized++
	f.mu.Unlock()
	return common.HexToHash("0x4444"), nil
}

func (f *fakeRollup) CancelDeposit(_ context.Context, _ common.Hash, _ uint64, netAmount *big.Int) (common.Hash, error) {
	if f.cancelErr != nil {
		return common.Hash{}, f.cancelErr
	}
	f.mu.Lock()
	f.cancelled++
	f.lastNetAmount = netAmount
	f.mu.Unlock()
	return common.HexToHash("0x5555"), nil
}

func (f *fakeRollup) ClaimWithdrawRefund(context.Context, common.Hash, uint64) (common.Hash, error) {
	if f.claimErr != nil {
		return common.Hash{}, f.claimErr
	}
	f.mu.Lock()
	f.claimed++
	f.mu.Unlock()
	return common.HexToHash("0x6666"), nil
}

func (f *fakeRollup) IntentInfo(_ context.Context, intentID common.Hash) (rollup.IntentInfo, error) {
	if intentID != f.intentID {
		return rollup.IntentInfo{}, nil
	}
	return f.info, nil
}

func (f *fakeRollup) Receipt(context.Context, common.Hash) (intent.PositionReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.receipt, nil
}

func (f *fakeRollup) InboundMessageStatus(context.Context, common.Hash) (rollup.InboundStatus, error) {
	return rollup.InboundStatus{Ready: true}, nil
}

func (f *fakeRollup) ChainTime(context.Context) (uint64, error) { return f.chainNow, nil }
func (f *fakeRollup) BlockNumber(context.Context) (uint64, error) {
	return 100, nil
}

type fakePool struct {
	mu sync.Mutex

	consumed   bool
	shares     *big.Int
	execErr    error
	executions int
}

func (f *fakePool) ExecuteDeposit(_ context.Context, in intent.Intent, _ settlement.Proof) (common.Hash, error) {
	return f.exec(in.IntentID)
}

func (f *fakePool) ExecuteWithdraw(_ context.Context, in intent.Intent, _ settlement.Proof) (common.Hash, error) {
	return f.exec(in.IntentID)
}

func (f *fakePool) exec(intentID common.Hash) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.consumed {
		return common.Hash{}, faults.New(faults.KindAlreadyConsumed, "intent %s already executed", intentID)
	}
	if f.execErr != nil {
		return common.Hash{}, f.execErr
	}
	f.consumed = true
	f.executions++
	return common.HexToHash("0x7777"), nil
}

func (f *fakePool) IsConsumed(context.Context, common.Hash) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.consumed, nil
}

func (f *fakePool) IntentShares(context.Context, common.Hash) (*big.Int, error) {
	if f.shares == nil {
		return big.NewInt(0), nil
	}
	return f.shares, nil
}

type fakeResolver struct {
	proofErr   error
	inboundErr error
}

func (f *fakeResolver) AwaitL2ToL1Proof(context.Context, common.Hash, uint64, backoff.Policy) (settlement.Proof, error) {
	if f.proofErr != nil {
		return settlement.Proof{}, f.proofErr
	}
	return settlement.Proof{OriginBlock: big.NewInt(97), LeafIndex: 5, SiblingPath: []common.Hash{{0x01}}}, nil
}

func (f *fakeResolver) AwaitL1ToL2Message(context.Context, common.Hash, backoff.Policy) (rollup.InboundStatus, error) {
	if f.inboundErr != nil {
		return rollup.InboundStatus{}, f.inboundErr
	}
	return rollup.InboundStatus{Ready: true, LeafIndex: 9}, nil
}

type testEnv struct {
	engine  *Engine
	rollup  *fakeRollup
	pool    *fakePool
	journal *intent.MemoryStore
	escrow  *escrow.Escrow
	events  *events.MemoryPublisher
	locks   *oplock.MemoryStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	esc, err := escrow.New(escrow.NewMemoryStore())
	if err != nil {
		t.Fatalf("escrow.New: %v", err)
	}
	env := &testEnv{
		rollup: &fakeRollup{
			intentID: common.HexToHash("0xaaaa"),
			chainNow: 1_699_000_000,
			receipt:  intent.PositionReceipt{AssetID: 7, Status: intent.ReceiptPendingDeposit},
			info:     rollup.IntentInfo{Exists: true, NetAmount: big.NewInt(999_500)},
		},
		pool:    &fakePool{shares: big.NewInt(1_000_000)},
		journal: intent.NewMemoryStore(),
		escrow:  esc,
		events:  events.NewMemoryPublisher(),
		locks:   oplock.NewMemoryStore(nil),
	}

	env.engine, err = New(Config{
		Rollup:             env.rollup,
		Pool:               env.pool,
		Resolver:           &fakeResolver{},
		Escrow:             esc,
		Journal:            env.journal,
		OwnerIdentity:      "owner-signing-identity",
		OwnerHash:          testOwnerHash,
		SearchWindowBlocks: 64,
		Events:             env.events,
		Locks:              env.locks,
		HolderID:           "relayer-test",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return env
}

func depositRequest() DepositRequest {
	return DepositRequest{
		Caller:    common.HexToHash("0xa1"),
		Asset:     testAsset,
		Amount:    big.NewInt(1_000_000),
		Decimals:  6,
		Deadline:  1_700_000_000,
		Salt:      common.HexToHash("0x5a"),
		SecretHex: "0x0707070707070707070707070707070707070707070707070707070707070707",
	}
}

func TestDepositHappyPath(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	op, err := env.engine.Deposit(context.Background(), depositRequest())
	if err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if op.State != intent.StateDone {
		t.Fatalf("state: got %s want done", op.State)
	}
	if env.pool.executions != 1 {
		t.Fatalf("executions: got %d want 1", env.pool.executions)
	}
	if env.rollup.finalized != 1 {
		t.Fatalf("finalized: got %d want 1", env.rollup.finalized)
	}

	receipt, _ := env.rollup.Receipt(context.Background(), env.rollup.intentID)
	if receipt.Status != intent.ReceiptActive {
		t.Fatalf("receipt status: got %s want active", receipt.Status)
	}
	if receipt.Shares.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatalf("receipt shares: got %v want 1000000", receipt.Shares)
	}

	// Secret leaves escrow only after finalize confirmed.
	has, err := env.escrow.Has(context.Background(), env.rollup.intentID)
	if err != nil {
		t.Fatalf("Has: %v", err)
	}
	if has {
		t.Fatalf("secret still escrowed after done")
	}

	// One event per journaled step.
	evs := env.events.Events()
	if len(evs) != len(op.Steps) {
		t.Fatalf("events: got %d want %d", len(evs), len(op.Steps))
	}
	if evs[len(evs)-1].State != "done" {
		t.Fatalf("last event: got %s want done", evs[len(evs)-1].State)
	}
}

func TestDepositSecretPersistedBeforeSuccess(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	// Force the pipeline to stop right after the request stage.
	env.pool.execErr = errors.New("rpc down")

	_, err := env.engine.Deposit(context.Background(), depositRequest())
	if err == nil {
		t.Fatalf("expected execution failure")
	}

	// The secret must already be escrowed even though the run failed.
	secret, ok, err := env.escrow.Retrieve(context.Background(), env.rollup.intentID, "owner-signing-identity")
	if err != nil || !ok {
		t.Fatalf("secret not escrowed: ok=%v err=%v", ok, err)
	}
	if secret != depositRequest().SecretHex {
		t.Fatalf("escrowed secret mismatch")
	}
}

func TestConcurrentOperationRejected(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	if err := env.engine.begin(context.Background(), common.HexToHash("0x01")); err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer env.engine.end()

	_, err := env.engine.Deposit(context.Background(), depositRequest())
	if !errors.Is(err, ErrOperationActive) {
		t.Fatalf("expected ErrOperationActive, got %v", err)
	}
	_, err = env.engine.CancelDeposit(context.Background(), common.HexToHash("0x02"))
	if !errors.Is(err, intent.ErrNotFound) {
		t.Fatalf("unknown intent: expected ErrNotFound, got %v", err)
	}
}

func TestResumeContinuesAfterExecutionFailure(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.pool.execErr = errors.New("rpc down")

	_, err := env.engine.Deposit(context.Background(), depositRequest())
	if err == nil {
		t.Fatalf("expected execution failure")
	}
	op, err := env.journal.Get(context.Background(), env.rollup.intentID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if op.State.Terminal() {
		t.Fatalf("operation must stay resumable, got %s", op.State)
	}

	env.pool.mu.Lock()
	env.pool.execErr = nil
	env.pool.mu.Unlock()

	op, err = env.engine.Resume(context.Background(), env.rollup.intentID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if op.State != intent.StateDone {
		t.Fatalf("state after resume: got %s want done", op.State)
	}
}

func TestResumeTreatsConsumedIntentAsExecuted(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.resumeAtExecution(t)
	// Another relayer executed the intent in the meantime.
	env.pool.consumed = true

	op, err := env.engine.Resume(context.Background(), env.rollup.intentID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if op.State != intent.StateDone {
		t.Fatalf("state: got %s want done", op.State)
	}
	if env.pool.executions != 0 {
		t.Fatalf("no new execution expected, got %d", env.pool.executions)
	}
}

func TestResumeRejectedWhileAnotherProcessHoldsLock(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.resumeAtExecution(t)

	// Another process already claimed this intent.
	_, ok, err := env.locks.TryAcquire(context.Background(), env.rollup.intentID, "relayer-other", time.Minute)
	if err != nil || !ok {
		t.Fatalf("pre-acquire: ok=%v err=%v", ok, err)
	}

	_, err = env.engine.Resume(context.Background(), env.rollup.intentID)
	if !errors.Is(err, ErrOperationActive) {
		t.Fatalf("expected ErrOperationActive, got %v", err)
	}

	if err := env.locks.Release(context.Background(), env.rollup.intentID, "relayer-other"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	op, err := env.engine.Resume(context.Background(), env.rollup.intentID)
	if err != nil {
		t.Fatalf("Resume after release: %v", err)
	}
	if op.State != intent.StateDone {
		t.Fatalf("state: got %s want done", op.State)
	}

	// The engine must give the lock back when the run ends.
	if _, err := env.locks.Get(context.Background(), env.rollup.intentID); !errors.Is(err, oplock.ErrNotFound) {
		t.Fatalf("lock not released: %v", err)
	}
}

func TestDepositRejectedWhileAnotherProcessHoldsLock(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	req := depositRequest()

	// The lock key is the intent id derived from the request fields, taken
	// before anything is submitted to the rollup.
	expectedID, err := intentcodec.ComputeIntentID(req.Caller, req.Asset, req.Amount, req.Decimals, req.Deadline, req.Salt)
	if err != nil {
		t.Fatalf("ComputeIntentID: %v", err)
	}
	_, ok, err := env.locks.TryAcquire(context.Background(), expectedID, "relayer-other", time.Minute)
	if err != nil || !ok {
		t.Fatalf("pre-acquire: ok=%v err=%v", ok, err)
	}

	_, err = env.engine.Deposit(context.Background(), req)
	if !errors.Is(err, ErrOperationActive) {
		t.Fatalf("expected ErrOperationActive, got %v", err)
	}
	// Nothing was submitted: no escrow entry, no journal row.
	has, err := env.escrow.Has(context.Background(), env.rollup.intentID)
	if err != nil {
		t.Fatalf("Has: %v", err)
	}
	if has {
		t.Fatalf("secret escrowed despite rejected start")
	}
	if _, err := env.journal.Get(context.Background(), env.rollup.intentID); !errors.Is(err, intent.ErrNotFound) {
		t.Fatalf("journal row despite rejected start: %v", err)
	}

	if err := env.locks.Release(context.Background(), expectedID, "relayer-other"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	op, err := env.engine.Deposit(context.Background(), req)
	if err != nil {
		t.Fatalf("Deposit after release: %v", err)
	}
	if op.State != intent.StateDone {
		t.Fatalf("state: got %s want done", op.State)
	}
	// The pre-request lock is given back when the run ends.
	if _, err := env.locks.Get(context.Background(), expectedID); !errors.Is(err, oplock.ErrNotFound) {
		t.Fatalf("lock not released: %v", err)
	}
}

func TestWithdrawLocksOnReceiptNonce(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	req := WithdrawRequest{
		Nonce:     common.HexToHash("0xdd"),
		Amount:    big.NewInt(999_500),
		Deadline:  1_700_100_000,
		SecretHex: "0x0909090909090909090909090909090909090909090909090909090909090909",
	}

	_, ok, err := env.locks.TryAcquire(context.Background(), req.Nonce, "relayer-other", time.Minute)
	if err != nil || !ok {
		t.Fatalf("pre-acquire: ok=%v err=%v", ok, err)
	}

	_, err = env.engine.Withdraw(context.Background(), req)
	if !errors.Is(err, ErrOperationActive) {
		t.Fatalf("expected ErrOperationActive, got %v", err)
	}
	if _, err := env.journal.Get(context.Background(), env.rollup.intentID); !errors.Is(err, intent.ErrNotFound) {
		t.Fatalf("journal row despite rejected start: %v", err)
	}

	if err := env.locks.Release(context.Background(), req.Nonce, "relayer-other"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	op, err := env.engine.Withdraw(context.Background(), req)
	if err != nil {
		t.Fatalf("Withdraw after release: %v", err)
	}
	if op.State != intent.StateDone {
		t.Fatalf("state: got %s want done", op.State)
	}

	_, err = env.engine.Withdraw(context.Background(), WithdrawRequest{SecretHex: "0x09"})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("zero nonce: expected ErrInvalidInput, got %v", err)
	}
}

// resumeAtExecution journals a deposit stopped before settlement
// execution, as a crashed prior run would leave it.
func (env *testEnv) resumeAtExecution(t *testing.T) {
	t.Helper()

	env.pool.execErr = errors.New("rpc down")
	if _, err := env.engine.Deposit(context.Background(), depositRequest()); err == nil {
		t.Fatalf("expected execution failure")
	}
	env.pool.mu.Lock()
	env.pool.execErr = nil
	env.pool.executions = 0
	env.pool.mu.Unlock()
}

func TestFinalizeRefusedWhenSecretLost(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	// Journal an operation whose confirmation message already arrived but
	// whose secret never made it to this device (cleared storage).
	req := depositRequest()
	it := intent.Intent{
		IntentID:         env.rollup.intentID,
		OwnerHash:        testOwnerHash,
		Kind:             intent.KindDeposit,
		Asset:            req.Asset,
		Amount:           req.Amount,
		OriginalDecimals: req.Decimals,
		Deadline:         req.Deadline,
		Salt:             req.Salt,
		SecretHash:       common.HexToHash("0xf0"),
	}
	if _, _, err := env.journal.UpsertRequested(context.Background(), it); err != nil {
		t.Fatalf("UpsertRequested: %v", err)
	}
	now := time.Now().UTC()
	step := intent.Step{State: intent.StateAwaitingInboundMessage, StartedAt: now, FinishedAt: now}
	if err := env.journal.RecordStep(context.Background(), env.rollup.intentID, step); err != nil {
		t.Fatalf("RecordStep: %v", err)
	}

	_, err := env.engine.Resume(context.Background(), env.rollup.intentID)
	if faults.KindOf(err) != faults.KindSecretUnavailable {
		t.Fatalf("expected secret_unavailable, got %v", err)
	}
	if env.rollup.finalized != 0 {
		t.Fatalf("finalize must not be attempted without the secret")
	}

	// The cancellation path stays viable: the intent was never executed
	// on the settlement chain.
	env.rollup.chainNow = req.Deadline + 1
	if _, err := env.engine.CancelDeposit(context.Background(), env.rollup.intentID); err != nil {
		t.Fatalf("CancelDeposit: %v", err)
	}
}

func TestCancelDepositRequiresPassedDeadline(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.resumeAtExecution(t)

	// Chain clock exactly at the deadline: not cancellable yet.
	env.rollup.chainNow = depositRequest().Deadline
	_, err := env.engine.CancelDeposit(context.Background(), env.rollup.intentID)
	if !errors.Is(err, ErrNotCancellable) {
		t.Fatalf("at deadline: expected ErrNotCancellable, got %v", err)
	}

	// One second past: cancellable, refunding the rollup's net amount.
	env.rollup.chainNow = depositRequest().Deadline + 1
	if _, err := env.engine.CancelDeposit(context.Background(), env.rollup.intentID); err != nil {
		t.Fatalf("CancelDeposit: %v", err)
	}
	if env.rollup.cancelled != 1 {
		t.Fatalf("cancelled: got %d want 1", env.rollup.cancelled)
	}
	if env.rollup.lastNetAmount.Cmp(big.NewInt(999_500)) != 0 {
		t.Fatalf("net amount: got %v want rollup ground truth 999500", env.rollup.lastNetAmount)
	}

	// Replay after success fails cleanly, no re-credit.
	_, err = env.engine.CancelDeposit(context.Background(), env.rollup.intentID)
	if !errors.Is(err, intent.ErrTerminal) {
		t.Fatalf("replay: expected ErrTerminal, got %v", err)
	}
	if env.rollup.cancelled != 1 {
		t.Fatalf("replay re-credited: cancelled=%d", env.rollup.cancelled)
	}
}

func TestCancelDepositRejectedWhenConsumed(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.resumeAtExecution(t)
	env.pool.consumed = true
	env.rollup.chainNow = depositRequest().Deadline + 1

	_, err := env.engine.CancelDeposit(context.Background(), env.rollup.intentID)
	if faults.KindOf(err) != faults.KindAlreadyConsumed {
		t.Fatalf("expected already_consumed, got %v", err)
	}
	if env.rollup.cancelled != 0 {
		t.Fatalf("cancel must not run on a consumed intent")
	}
}

func TestCancelDepositAdoptsRollupOnlyIntent(t *testing.T) {
	t.Parallel()

	// The rollup knows the intent but the local journal does not: a crash
	// between request and journal write, or a fresh device working from a
	// scanner report.
	env := newTestEnv(t)
	env.rollup.info = rollup.IntentInfo{
		Exists:    true,
		OwnerHash: testOwnerHash,
		Status:    intent.ReceiptPendingDeposit,
		Deadline:  1_700_000_000,
		NetAmount: big.NewInt(999_500),
	}
	env.rollup.chainNow = 1_700_000_001

	if _, err := env.journal.Get(context.Background(), env.rollup.intentID); !errors.Is(err, intent.ErrNotFound) {
		t.Fatalf("precondition: journal must not know the intent, got %v", err)
	}

	if _, err := env.engine.CancelDeposit(context.Background(), env.rollup.intentID); err != nil {
		t.Fatalf("CancelDeposit: %v", err)
	}
	if env.rollup.cancelled != 1 {
		t.Fatalf("cancelled: got %d want 1", env.rollup.cancelled)
	}
	if env.rollup.lastNetAmount.Cmp(big.NewInt(999_500)) != 0 {
		t.Fatalf("net amount: got %v want rollup ground truth 999500", env.rollup.lastNetAmount)
	}

	// The adopted row is journaled and terminal: a replay fails cleanly.
	op, err := env.journal.Get(context.Background(), env.rollup.intentID)
	if err != nil {
		t.Fatalf("Get after adopt: %v", err)
	}
	if op.State != intent.StateCancelled {
		t.Fatalf("state: got %s want cancelled", op.State)
	}
	_, err = env.engine.CancelDeposit(context.Background(), env.rollup.intentID)
	if !errors.Is(err, intent.ErrTerminal) {
		t.Fatalf("replay: expected ErrTerminal, got %v", err)
	}
}

func TestCancelDepositRefusesForeignOwner(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.rollup.info = rollup.IntentInfo{
		Exists:    true,
		OwnerHash: common.HexToHash("0x99"),
		Status:    intent.ReceiptPendingDeposit,
		Deadline:  1_700_000_000,
		NetAmount: big.NewInt(999_500),
	}
	env.rollup.chainNow = 1_700_000_001

	_, err := env.engine.CancelDeposit(context.Background(), env.rollup.intentID)
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("foreign owner: expected ErrInvalidInput, got %v", err)
	}
	if env.rollup.cancelled != 0 {
		t.Fatalf("cancel must not run on a foreign intent")
	}
	if _, err := env.journal.Get(context.Background(), env.rollup.intentID); !errors.Is(err, intent.ErrNotFound) {
		t.Fatalf("foreign intent must not be journaled, got %v", err)
	}
}

func TestCancelDepositRejectsAdoptedWithdraw(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.rollup.info = rollup.IntentInfo{
		Exists:    true,
		OwnerHash: testOwnerHash,
		Status:    intent.ReceiptPendingWithdraw,
		Deadline:  1_700_000_000,
		NetAmount: big.NewInt(999_500),
	}
	env.rollup.chainNow = 1_700_000_001

	_, err := env.engine.CancelDeposit(context.Background(), env.rollup.intentID)
	if !errors.Is(err, ErrWrongKind) {
		t.Fatalf("expected ErrWrongKind, got %v", err)
	}
	if env.rollup.cancelled != 0 {
		t.Fatalf("cancel must not run on a withdraw intent")
	}
}

func TestClaimWithdrawRefundAdoptsRollupOnlyIntent(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.rollup.info = rollup.IntentInfo{
		Exists:    true,
		OwnerHash: testOwnerHash,
		Status:    intent.ReceiptPendingWithdraw,
		Deadline:  1_700_100_000,
		NetAmount: big.NewInt(999_500),
	}
	env.rollup.chainNow = 1_700_100_001

	if _, err := env.engine.ClaimWithdrawRefund(context.Background(), env.rollup.intentID); err != nil {
		t.Fatalf("ClaimWithdrawRefund: %v", err)
	}
	if env.rollup.claimed != 1 {
		t.Fatalf("claimed: got %d want 1", env.rollup.claimed)
	}
	op, err := env.journal.Get(context.Background(), env.rollup.intentID)
	if err != nil {
		t.Fatalf("Get after adopt: %v", err)
	}
	if op.State != intent.StateRefundClaimed {
		t.Fatalf("state: got %s want refund_claimed", op.State)
	}
}

func TestWithdrawHappyPath(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	op, err := env.engine.Withdraw(context.Background(), WithdrawRequest{
		Nonce:     common.HexToHash("0xdd"),
		Amount:    big.NewInt(999_500),
		Deadline:  1_700_100_000,
		SecretHex: "0x0909090909090909090909090909090909090909090909090909090909090909",
	})
	if err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	if op.State != intent.StateDone {
		t.Fatalf("state: got %s want done", op.State)
	}
	if env.rollup.finalized != 1 {
		t.Fatalf("finalized: got %d want 1", env.rollup.finalized)
	}
}

func TestClaimWithdrawRefund(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	// A withdraw whose settlement execution never happened.
	env.pool.execErr = errors.New("rpc down")
	_, err := env.engine.Withdraw(context.Background(), WithdrawRequest{
		Nonce:     common.HexToHash("0xdd"),
		Amount:    big.NewInt(999_500),
		Deadline:  1_700_100_000,
		SecretHex: "0x09",
	})
	if err == nil {
		t.Fatalf("expected execution failure")
	}

	env.rollup.chainNow = 1_700_100_000
	_, err = env.engine.ClaimWithdrawRefund(context.Background(), env.rollup.intentID)
	if !errors.Is(err, ErrNotCancellable) {
		t.Fatalf("at deadline: expected ErrNotCancellable, got %v", err)
	}

	env.rollup.chainNow = 1_700_100_001
	if _, err := env.engine.ClaimWithdrawRefund(context.Background(), env.rollup.intentID); err != nil {
		t.Fatalf("ClaimWithdrawRefund: %v", err)
	}
	if env.rollup.claimed != 1 {
		t.Fatalf("claimed: got %d want 1", env.rollup.claimed)
	}

	_, err = env.engine.ClaimWithdrawRefund(context.Background(), env.rollup.intentID)
	if !errors.Is(err, intent.ErrTerminal) {
		t.Fatalf("replay: expected ErrTerminal, got %v", err)
	}
}

func TestProofTimeoutLeavesIntentRetryable(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	eng, err := New(Config{
		Rollup:             env.rollup,
		Pool:               env.pool,
		Resolver:           &fakeResolver{proofErr: faults.New(faults.KindTimeout, "not provable yet")},
		Escrow:             env.escrow,
		Journal:            env.journal,
		OwnerIdentity:      "owner-signing-identity",
		OwnerHash:          testOwnerHash,
		SearchWindowBlocks: 64,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = eng.Deposit(context.Background(), depositRequest())
	if faults.KindOf(err) != faults.KindTimeout {
		t.Fatalf("expected timeout fault, got %v", err)
	}

	op, err := env.journal.Get(context.Background(), env.rollup.intentID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if op.State.Terminal() {
		t.Fatalf("timeout must leave the intent retryable, got %s", op.State)
	}
	// The journaled fault carries the classification.
	last := op.Steps[len(op.Steps)-1]
	if last.FaultKind != faults.KindTimeout.String() {
		t.Fatalf("fault kind: got %q want timeout", last.FaultKind)
	}
}

func TestMarkSkipsStatesBehindJournal(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	it := intent.Intent{
		IntentID:   common.HexToHash("0xe1"),
		OwnerHash:  testOwnerHash,
		Kind:       intent.KindDeposit,
		Asset:      testAsset,
		Amount:     big.NewInt(1),
		Deadline:   1,
		SecretHash: common.HexToHash("0xe2"),
	}
	op, _, err := env.journal.UpsertRequested(context.Background(), it)
	if err != nil {
		t.Fatalf("UpsertRequested: %v", err)
	}
	if err := env.engine.mark(context.Background(), &op, intent.StateFinalizing, common.Hash{}, ""); err != nil {
		t.Fatalf("mark: %v", err)
	}
	steps := len(op.Steps)
	// A stage behind the journaled position is a no-op, not an error.
	if err := env.engine.mark(context.Background(), &op, intent.StateRequesting, common.Hash{}, ""); err != nil {
		t.Fatalf("mark behind journal: %v", err)
	}
	if len(op.Steps) != steps {
		t.Fatalf("behind-journal mark must not append a step")
	}
}
