// Package lease provides short-lived exclusive claims on work items, so concurrent schedulers
// never process the same drip run or flow instance at the same time.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrHeld is returned when another holder owns the key.
var ErrHeld = errors.New("lease held by another owner")

// DefaultTTL bounds how long a crashed holder blocks a key.
const DefaultTTL = 2 * time.Minute

// Leaser grants leases on string keys.
type Leaser interface {
	// Acquire claims key for ttl. It fails with ErrHeld when the key is taken.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// Lease is an acquired claim.
type Lease interface {
	Key() string
	// Release gives the key back. Releasing an expired or stolen lease is a no-op.
	Release(ctx context.Context) error
}

// RunKey is the lease key of a drip run.
func RunKey(runID string) string {
	return "drip-run:" + runID
}

// InstanceKey is the lease key of a flow instance.
func InstanceKey(instanceID string) string {
	return "flow-instance:" + instanceID
}

// Do runs fn while holding key. A nil leaser runs fn without claiming anything.
func Do(ctx context.Context, leaser Leaser, key string, ttl time.Duration, fn func(ctx context.Context) error) (err error) {
	if leaser == nil {
		return fn(ctx)
	}

	if ttl <= 0 {
		ttl = DefaultTTL
	}

	held, err := leaser.Acquire(ctx, key, ttl)
	if err != nil {
		return err
	}

	defer func() {
		if releaseErr := held.Release(context.WithoutCancel(ctx)); releaseErr != nil && err == nil {
			err = fmt.Errorf("failed to release lease %s: %w", key, releaseErr)
		}
	}()

	return fn(ctx)
}
