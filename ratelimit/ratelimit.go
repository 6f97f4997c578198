// Package ratelimit enforces a per-credential request budget (60 requests
// per 60-second window, "/health" exempt) on top of the ephemeral store's
// IncrWithWindow primitive. An in-process golang.org/x/time/rate token
// bucket sits in front of it per credential hash, with the same average
// rate and burst as the budget itself. A request the bucket refuses is
// refused locally, without an ephemeral-store round trip and without being
// counted; a request it admits is still counted by the shared window
// counter, the only source of an "allowed" answer. The bucket refills
// continuously while the shared counter restarts per window, so right
// after a window restarts the bucket can refuse requests the shared
// counter would have allowed.
package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/veilmsg/relay/ephemeral"
)

const (
	// AnonymousCredential is the key used for unauthenticated requests.
	AnonymousCredential = "anonymous"

	// Window is the fixed window the request budget is defined over; it
	// opens at a key's first counted request and is not extended by later
	// ones.
	Window = 60 * time.Second

	// Limit is the maximum request count allowed per Window.
	Limit = 60
)

// Limiter decides whether a request identified by a bearer credential (or
// AnonymousCredential) may proceed.
type Limiter struct {
	store ephemeral.Store

	mu    sync.Mutex
	local map[string]*rate.Limiter
}

// New constructs a Limiter backed by store.
func New(store ephemeral.Store) *Limiter {
	return &Limiter{
		store: store,
		local: make(map[string]*rate.Limiter),
	}
}

// CredentialHash returns the rate-limit key for a bearer credential: the
// hex SHA-256 digest, never the credential or any request metadata.
func CredentialHash(bearer string) string {
	sum := sha256.Sum256([]byte(bearer))
	return hex.EncodeToString(sum[:])
}

// localLimiter returns the key's token bucket, created with the shared
// budget's average rate (one token per Window/Limit) and burst (Limit).
// Its only role is to reject traffic that has drained the bucket before
// paying a store round trip for it.
func (l *Limiter) localLimiter(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.local[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(Window/Limit), Limit)
		l.local[key] = lim
	}
	return lim
}

// Allow reports whether a request under key may proceed. The shared
// window counter is the sole source of a "true" answer; the local limiter
// can only short-circuit to "false" early, never grant an allowance the
// shared counter hasn't also counted.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, error) {
	if !l.localLimiter(key).Allow() {
		return false, nil
	}
	n, err := l.store.IncrWithWindow(ctx, "ratelimit:"+key, Window)
	if err != nil {
		return false, err
	}
	return n <= Limit, nil
}
