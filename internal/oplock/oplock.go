// Package oplock provides expiring per-intent operation locks so that
// two relayer processes never drive the same intent at once. Locks are
// compare-and-swap claims: acquisition succeeds only when the lock is
// absent or expired at the store's clock.
package oplock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidInput = errors.New("oplock: invalid input")
	ErrNotFound     = errors.New("oplock: not found")
	ErrNotHolder    = errors.New("oplock: not holder")
)

// Lock is an expiring claim on a single intent's lifecycle.
type Lock struct {
	IntentID  common.Hash
	Holder    string
	ExpiresAt time.Time
}

// Store is the lock persistence surface.
//
// Semantics:
//   - TryAcquire succeeds if the lock is absent or expired at the
//     store's notion of "now".
//   - Extend succeeds only while holder still owns the lock.
//   - Release is idempotent when the lock is already absent.
type Store interface {
	TryAcquire(ctx context.Context, intentID common.Hash, holder string, ttl time.Duration) (Lock, bool, error)
	Extend(ctx context.Context, intentID common.Hash, holder string, ttl time.Duration) (Lock, bool, error)
	Release(ctx context.Context, intentID common.Hash, holder string) error
	Get(ctx context.Context, intentID common.Hash) (Lock, error)
}

func validate(intentID common.Hash, holder string, ttl time.Duration) error {
	if intentID == (common.Hash{}) || holder == "" || ttl <= 0 {
		return fmt.Errorf("%w: intent id and holder must be set and ttl must be > 0", ErrInvalidInput)
	}
	return nil
}
