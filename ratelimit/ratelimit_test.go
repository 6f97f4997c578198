package ratelimit

import (
	"context"
	"testing"

	"github.com/veilmsg/relay/ephemeral/inmemory"
)

func TestAllowCapsAtLimit(t *testing.T) {
	l := New(inmemory.New())
	key := CredentialHash("some-bearer-token")

	allowed := 0
	for i := 0; i < Limit+20; i++ {
		ok, err := l.Allow(context.Background(), key)
		if err != nil {
			t.Fatalf("allow: %v", err)
		}
		if ok {
			allowed++
		}
	}
	if allowed > Limit {
		t.Errorf("expected at most %d allowed requests in the window, got %d", Limit, allowed)
	}
	if allowed == 0 {
		t.Error("expected at least some requests to be allowed")
	}
}

func TestCredentialHashIsDeterministicAndOpaque(t *testing.T) {
	h1 := CredentialHash("token-a")
	h2 := CredentialHash("token-a")
	h3 := CredentialHash("token-b")
	if h1 != h2 {
		t.Error("expected the same credential to hash identically")
	}
	if h1 == h3 {
		t.Error("expected different credentials to hash differently")
	}
	if len(h1) != 64 {
		t.Errorf("expected a 64-char hex digest, got %d chars", len(h1))
	}
}

func TestAnonymousCredentialIsStable(t *testing.T) {
	h := CredentialHash(AnonymousCredential)
	if h == "" {
		t.Error("expected a non-empty hash for the anonymous credential")
	}
	if h != CredentialHash(AnonymousCredential) {
		t.Error("expected the anonymous credential to hash identically on every call")
	}
}
