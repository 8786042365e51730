// Package auth wraps the credential hashing used for PINs, passwords and
// setup codes. One scheme, one cost, for all three.
package auth

import (
	"context"
	"crypto/subtle"
	"runtime"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/semaphore"
)

// Hasher runs bcrypt behind a weighted semaphore so that a burst of
// logins cannot occupy every scheduler thread with CPU-bound work.
type Hasher struct {
	cost int
	sem  *semaphore.Weighted
}

func NewHasher(cost int) *Hasher {
	if cost < bcrypt.MinCost {
		cost = bcrypt.DefaultCost
	}
	return &Hasher{
		cost: cost,
		sem:  semaphore.NewWeighted(int64(runtime.GOMAXPROCS(0))),
	}
}

func (h *Hasher) Hash(ctx context.Context, secret string) ([]byte, error) {
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer h.sem.Release(1)
	return bcrypt.GenerateFromPassword([]byte(secret), h.cost)
}

// Verify reports whether secret matches hash. A nil or malformed hash
// verifies false, never errors out to the caller.
func (h *Hasher) Verify(ctx context.Context, hash []byte, secret string) bool {
	if len(hash) == 0 {
		return false
	}
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return false
	}
	defer h.sem.Release(1)
	return bcrypt.CompareHashAndPassword(hash, []byte(secret)) == nil
}

// TokenEqual compares two shared-secret tokens in constant time.
func TokenEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
