package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewHealthCheckFunc returns a health check that round-trips a throwaway
// revocation record through the store, proving the write and read paths
// are both live. The probe row is not deleted here: its one-minute expiry
// makes it eligible for removal by the next GarbageCollect pass.
func NewHealthCheckFunc(s Storage, now func() time.Time) func(context.Context) (interface{}, error) {
	return func(ctx context.Context) (interface{}, error) {
		probe := uuid.New()
		expiry := now().Add(time.Minute)

		if err := s.RevokeToken(ctx, probe, expiry); err != nil {
			return nil, fmt.Errorf("health check: write probe: %w", err)
		}
		revoked, err := s.IsTokenRevoked(ctx, probe)
		if err != nil {
			return nil, fmt.Errorf("health check: read probe: %w", err)
		}
		if !revoked {
			return nil, fmt.Errorf("health check: probe not observed after write")
		}
		return nil, nil
	}
}
