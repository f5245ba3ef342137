// Package faults defines the protocol error taxonomy shared by the
// orchestration packages. Chain-submission failures are classified at the
// boundary into exactly one kind so callers can pick the right remedy:
// retry, wait, recover funds, or give up.
package faults

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind identifies a protocol failure class.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindUserRejected: the signer declined. Never retried.
	KindUserRejected
	// KindNetwork: transient transport failure. Retryable with backoff.
	KindNetwork
	// KindTimeout: proof or message not yet available. Retryable, bounded.
	KindTimeout
	// KindDeadlineExpired: fatal to the attempt; funds recoverable via
	// cancel/refund.
	KindDeadlineExpired
	// KindAlreadyConsumed: the desired effect already happened. No-op.
	KindAlreadyConsumed
	// KindSecretUnavailable: finalize cannot proceed; cancel/refund remains.
	KindSecretUnavailable
	// KindInsufficientFunds: fatal, user-actionable.
	KindInsufficientFunds
	// KindInsufficientAllowance: fatal, user-actionable.
	KindInsufficientAllowance
)

func (k Kind) String() string {
	switch k {
	case KindUserRejected:
		return "user_rejected"
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindDeadlineExpired:
		return "deadline_expired"
	case KindAlreadyConsumed:
		return "already_consumed"
	case KindSecretUnavailable:
		return "secret_unavailable"
	case KindInsufficientFunds:
		return "insufficient_funds"
	case KindInsufficientAllowance:
		return "insufficient_allowance"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Retryable reports whether an operation failing with this kind may be
// attempted again without user intervention.
func (k Kind) Retryable() bool {
	return k == KindNetwork || k == KindTimeout
}

var (
	ErrUserRejected          = &Fault{kind: KindUserRejected, msg: "signer rejected the request"}
	ErrNetwork               = &Fault{kind: KindNetwork, msg: "transient network failure"}
	ErrTimeout               = &Fault{kind: KindTimeout, msg: "not yet available"}
	ErrDeadlineExpired       = &Fault{kind: KindDeadlineExpired, msg: "intent deadline expired"}
	ErrAlreadyConsumed       = &Fault{kind: KindAlreadyConsumed, msg: "intent already consumed"}
	ErrSecretUnavailable     = &Fault{kind: KindSecretUnavailable, msg: "escrowed secret unavailable"}
	ErrInsufficientFunds     = &Fault{kind: KindInsufficientFunds, msg: "insufficient funds"}
	ErrInsufficientAllowance = &Fault{kind: KindInsufficientAllowance, msg: "insufficient allowance"}
)

// Fault is a classified protocol error. Use New to attach detail to one of
// the sentinel kinds; errors.Is matches the sentinel of the same kind.
type Fault struct {
	kind Kind
	msg  string
	err  error
}

func New(kind Kind, format string, args ...any) *Fault {
	return &Fault{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error without losing it.
func Wrap(kind Kind, err error, format string, args ...any) *Fault {
	return &Fault{kind: kind, msg: fmt.Sprintf(format, args...), err: err}
}

func (f *Fault) Kind() Kind {
	if f == nil {
		return KindUnknown
	}
	return f.kind
}

func (f *Fault) Error() string {
	if f == nil {
		return "faults: nil fault"
	}
	if f.err != nil {
		return fmt.Sprintf("faults: %s: %s: %v", f.kind, f.msg, f.err)
	}
	return fmt.Sprintf("faults: %s: %s", f.kind, f.msg)
}

func (f *Fault) Unwrap() error { return f.err }

// Is matches any Fault of the same kind, so
// errors.Is(err, faults.ErrTimeout) holds for every timeout fault.
func (f *Fault) Is(target error) bool {
	t, ok := target.(*Fault)
	if !ok {
		return false
	}
	return f.kind == t.kind
}

// KindOf extracts the classified kind from an error chain. Context
// cancellation and deadline exhaustion classify as timeout so polling
// callers see a single retry-bounded kind.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var f *Fault
	if errors.As(err, &f) {
		return f.kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimeout
	}
	return KindUnknown
}

// Revert substrings surfaced by the settlement and rollup contracts. The
// adapters pass raw revert reasons through ClassifyRevert at the boundary.
var revertKinds = []struct {
	needle string
	kind   Kind
}{
	{"already consumed", KindAlreadyConsumed},
	{"intent consumed", KindAlreadyConsumed},
	{"deadline", KindDeadlineExpired},
	{"expired", KindDeadlineExpired},
	{"insufficient allowance", KindInsufficientAllowance},
	{"transfer amount exceeds allowance", KindInsufficientAllowance},
	{"insufficient funds", KindInsufficientFunds},
	{"insufficient balance", KindInsufficientFunds},
	{"transfer amount exceeds balance", KindInsufficientFunds},
	{"user denied", KindUserRejected},
	{"user rejected", KindUserRejected},
}

// ClassifyRevert maps a revert reason or RPC error message to a Fault.
// Unrecognized reasons classify as network faults: the caller cannot tell
// a node hiccup from an unknown revert, and retry-with-backoff is the
// safe default for both.
func ClassifyRevert(err error) *Fault {
	if err == nil {
		return nil
	}
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	msg := strings.ToLower(err.Error())
	for _, rk := range revertKinds {
		if strings.Contains(msg, rk.needle) {
			return Wrap(rk.kind, err, "chain call reverted")
		}
	}
	return Wrap(KindNetwork, err, "chain call failed")
}
