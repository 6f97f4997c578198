package ephemeral

import (
	"context"
	"testing"
	"time"
)

// RunTests runs a shared conformance suite against newStore, mirroring the
// storage/conformance pattern for the durable store. Exported (rather than
// a separate conformance subpackage) since only two implementations ever
// exist and neither needs an import cycle broken.
func RunTests(t *testing.T, newStore func() Store) {
	t.Run("SetAndGetAndDelete", func(t *testing.T) {
		s := newStore()
		defer s.Close()
		ctx := context.Background()

		if err := s.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
			t.Fatalf("set: %v", err)
		}
		got, err := s.GetAndDelete(ctx, "k")
		if err != nil {
			t.Fatalf("get and delete: %v", err)
		}
		if string(got) != "v" {
			t.Fatalf("got %q, want %q", got, "v")
		}
	})

	t.Run("GetAndDeleteIsSingleUse", func(t *testing.T) {
		s := newStore()
		defer s.Close()
		ctx := context.Background()

		if err := s.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
			t.Fatalf("set: %v", err)
		}
		if _, err := s.GetAndDelete(ctx, "k"); err != nil {
			t.Fatalf("first get and delete: %v", err)
		}
		if _, err := s.GetAndDelete(ctx, "k"); err != ErrNotFound {
			t.Errorf("second get and delete: expected ErrNotFound, got %v", err)
		}
	})

	t.Run("GetAndDeleteUnknownKey", func(t *testing.T) {
		s := newStore()
		defer s.Close()
		if _, err := s.GetAndDelete(context.Background(), "missing"); err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("GetAndDeleteExpired", func(t *testing.T) {
		s := newStore()
		defer s.Close()
		ctx := context.Background()

		if err := s.Set(ctx, "k", []byte("v"), time.Millisecond); err != nil {
			t.Fatalf("set: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
		if _, err := s.GetAndDelete(ctx, "k"); err != ErrNotFound {
			t.Errorf("expected ErrNotFound for expired key, got %v", err)
		}
	})

	t.Run("IncrWithWindowCounts", func(t *testing.T) {
		s := newStore()
		defer s.Close()
		ctx := context.Background()

		for i := int64(1); i <= 3; i++ {
			n, err := s.IncrWithWindow(ctx, "rate", time.Minute)
			if err != nil {
				t.Fatalf("incr %d: %v", i, err)
			}
			if n != i {
				t.Errorf("incr %d: got %d, want %d", i, n, i)
			}
		}
	})

	t.Run("IncrWithWindowResets", func(t *testing.T) {
		s := newStore()
		defer s.Close()
		ctx := context.Background()

		if _, err := s.IncrWithWindow(ctx, "rate", 10*time.Millisecond); err != nil {
			t.Fatalf("incr: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
		n, err := s.IncrWithWindow(ctx, "rate", time.Minute)
		if err != nil {
			t.Fatalf("incr after window: %v", err)
		}
		if n != 1 {
			t.Errorf("expected counter to reset to 1 after window elapsed, got %d", n)
		}
	})
}
