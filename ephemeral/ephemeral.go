// Package ephemeral defines the short-TTL keyed store used for auth
// challenge nonces and rate-limit counters. It follows the same shape as
// storage.Storage — a small, swappable interface with both a
// network-backed implementation and an in-memory test double — scoped to
// the narrower set of operations a challenge/rate-limit store needs.
package ephemeral

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by GetAndDelete when the key does not exist or
// has already expired.
var ErrNotFound = errors.New("not found")

// Store is the ephemeral store contract. GetAndDelete is the correctness
// pivot for challenge consumption: it MUST be atomic so a stolen challenge
// cannot be replayed by a second, concurrent verify.
type Store interface {
	Close() error

	// Set stores value under key with the given time-to-live.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// GetAndDelete atomically reads and removes the value stored under
	// key. Returns ErrNotFound if the key does not exist (including
	// because it already expired).
	GetAndDelete(ctx context.Context, key string) ([]byte, error)

	// IncrWithWindow increments the counter stored under key and returns
	// its new value. The counter's TTL is set to window only when the
	// counter is created, so repeated calls within the same window share
	// one expiry — a fixed-window counter: the window opens at the first
	// increment, later increments do not move it, and the count restarts
	// from 1 once it has expired.
	IncrWithWindow(ctx context.Context, key string, window time.Duration) (int64, error)
}
