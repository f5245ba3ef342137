package intent

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func testIntent(tag byte) Intent {
	var id common.Hash
	id[0] = tag
	var owner common.Hash
	owner[1] = tag
	var salt common.Hash
	salt[2] = tag
	return Intent{
		IntentID:         id,
		OwnerHash:        owner,
		Kind:             KindDeposit,
		Asset:            common.HexToAddress("0x000000000000000000000000000000000000bEEF"),
		Amount:           big.NewInt(1_000_000),
		OriginalDecimals: 6,
		Deadline:         1_700_000_000,
		Salt:             salt,
	}
}

func TestCanTransition(t *testing.T) {
	t.Parallel()

	cases := []struct {
		from, to State
		want     bool
	}{
		{StateRequesting, StateAwaitingOutboundProof, true},
		{StateRequesting, StateRequesting, true},
		{StateAwaitingOutboundProof, StateRequesting, false},
		{StateFinalizing, StateDone, true},
		{StateRequesting, StateCancelled, true},
		{StateAwaitingInboundMessage, StateRefundClaimed, true},
		{StateDone, StateCancelled, false},
		{StateCancelled, StateCancelled, false},
		{StateRefundClaimed, StateDone, false},
		{StateRequesting, StateIdle, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Fatalf("CanTransition(%s, %s): got %v want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestUpsertRequestedDedupesAndRejectsMismatch(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()
	it := testIntent(0x01)

	op, created, err := s.UpsertRequested(ctx, it)
	if err != nil {
		t.Fatalf("UpsertRequested #1: %v", err)
	}
	if !created {
		t.Fatalf("expected created=true")
	}
	if op.State != StateRequesting {
		t.Fatalf("state: got %v want %v", op.State, StateRequesting)
	}

	_, created, err = s.UpsertRequested(ctx, it)
	if err != nil {
		t.Fatalf("UpsertRequested #2: %v", err)
	}
	if created {
		t.Fatalf("expected created=false")
	}

	mutated := it
	mutated.Amount = big.NewInt(2_000_000)
	_, _, err = s.UpsertRequested(ctx, mutated)
	if !errors.Is(err, ErrIntentMismatch) {
		t.Fatalf("expected ErrIntentMismatch, got %v", err)
	}
}

func TestRecordStepDrivesStateMachine(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()
	it := testIntent(0x02)

	if _, _, err := s.UpsertRequested(ctx, it); err != nil {
		t.Fatalf("UpsertRequested: %v", err)
	}

	forward := []State{
		StateAwaitingOutboundProof,
		StateRelayerExecuting,
		StateAwaitingInboundMessage,
		StateFinalizing,
		StateDone,
	}
	for _, st := range forward {
		if err := s.RecordStep(ctx, it.IntentID, Step{State: st}); err != nil {
			t.Fatalf("RecordStep(%s): %v", st, err)
		}
	}

	op, err := s.Get(ctx, it.IntentID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if op.State != StateDone {
		t.Fatalf("state: got %v want %v", op.State, StateDone)
	}
	if len(op.Steps) != len(forward) {
		t.Fatalf("steps: got %d want %d", len(op.Steps), len(forward))
	}

	// Terminal operations are frozen.
	err = s.RecordStep(ctx, it.IntentID, Step{State: StateCancelled})
	if !errors.Is(err, ErrTerminal) {
		t.Fatalf("expected ErrTerminal, got %v", err)
	}
}

func TestRecordStepRejectsBackwardMove(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()
	it := testIntent(0x03)

	if _, _, err := s.UpsertRequested(ctx, it); err != nil {
		t.Fatalf("UpsertRequested: %v", err)
	}
	if err := s.RecordStep(ctx, it.IntentID, Step{State: StateRelayerExecuting}); err != nil {
		t.Fatalf("RecordStep: %v", err)
	}

	err := s.RecordStep(ctx, it.IntentID, Step{State: StateAwaitingOutboundProof})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestRecordStepSideExit(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()
	it := testIntent(0x04)

	if _, _, err := s.UpsertRequested(ctx, it); err != nil {
		t.Fatalf("UpsertRequested: %v", err)
	}
	if err := s.RecordStep(ctx, it.IntentID, Step{State: StateAwaitingInboundMessage}); err != nil {
		t.Fatalf("RecordStep: %v", err)
	}
	if err := s.RecordStep(ctx, it.IntentID, Step{State: StateCancelled, FaultKind: "deadline_expired"}); err != nil {
		t.Fatalf("RecordStep cancel: %v", err)
	}

	op, err := s.Get(ctx, it.IntentID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if op.State != StateCancelled {
		t.Fatalf("state: got %v want %v", op.State, StateCancelled)
	}
}

func TestListByState(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()

	a, b := testIntent(0x05), testIntent(0x06)
	if _, _, err := s.UpsertRequested(ctx, a); err != nil {
		t.Fatalf("UpsertRequested a: %v", err)
	}
	if _, _, err := s.UpsertRequested(ctx, b); err != nil {
		t.Fatalf("UpsertRequested b: %v", err)
	}
	if err := s.RecordStep(ctx, b.IntentID, Step{State: StateAwaitingOutboundProof}); err != nil {
		t.Fatalf("RecordStep: %v", err)
	}

	requesting, err := s.ListByState(ctx, StateRequesting, 10)
	if err != nil {
		t.Fatalf("ListByState: %v", err)
	}
	if len(requesting) != 1 || requesting[0].Intent.IntentID != a.IntentID {
		t.Fatalf("requesting: got %d ops", len(requesting))
	}

	waiting, err := s.ListByState(ctx, StateAwaitingOutboundProof, 10)
	if err != nil {
		t.Fatalf("ListByState: %v", err)
	}
	if len(waiting) != 1 || waiting[0].Intent.IntentID != b.IntentID {
		t.Fatalf("waiting: got %d ops", len(waiting))
	}
}
