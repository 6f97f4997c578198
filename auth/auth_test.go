package auth

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/veilmsg/relay/ephemeral/inmemory"
	"github.com/veilmsg/relay/storage/memory"
)

func newTestGate(t *testing.T) *Gate {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	g, err := New(memory.New(logger), inmemory.New(), []byte("test-secret"), 0, logger)
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}
	return g
}

func registerAccount(t *testing.T, g *Gate) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signedPub, signedPriv, _ := ed25519.GenerateKey(nil)
	_ = signedPriv
	sig := ed25519.Sign(priv, signedPub)

	_, err = g.Register(context.Background(), hex.EncodeToString(pub), 42, SignedPreKeyInput{
		KeyID:     1,
		PublicKey: hex.EncodeToString(signedPub),
		Signature: hex.EncodeToString(sig),
	}, nil)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return pub, priv
}

func TestRegisterChallengeVerifyRoundTrip(t *testing.T) {
	g := newTestGate(t)
	pub, priv := registerAccount(t, g)

	nonceHex, err := g.Challenge(context.Background(), hex.EncodeToString(pub))
	if err != nil {
		t.Fatalf("challenge: %v", err)
	}
	nonce, err := hex.DecodeString(nonceHex)
	if err != nil {
		t.Fatalf("decode nonce: %v", err)
	}
	sig := ed25519.Sign(priv, nonce)

	tok, accountID, err := g.Verify(context.Background(), hex.EncodeToString(pub), hex.EncodeToString(sig))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if tok.AccountID != accountID {
		t.Errorf("token account id %v does not match returned account id %v", tok.AccountID, accountID)
	}

	got, err := g.Authenticate(context.Background(), tok.Raw)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if got != accountID {
		t.Errorf("authenticate returned %v, want %v", got, accountID)
	}
}

func TestChallengeIndistinguishableForUnknownKey(t *testing.T) {
	g := newTestGate(t)
	pub, _, _ := ed25519.GenerateKey(nil)

	nonceHex, err := g.Challenge(context.Background(), hex.EncodeToString(pub))
	if err != nil {
		t.Fatalf("challenge: %v", err)
	}
	if len(nonceHex) != 64 {
		t.Errorf("expected a 64-char hex nonce, got %d chars", len(nonceHex))
	}
}

func TestVerifyFailsOnReplayedChallenge(t *testing.T) {
	g := newTestGate(t)
	pub, priv := registerAccount(t, g)

	nonceHex, err := g.Challenge(context.Background(), hex.EncodeToString(pub))
	if err != nil {
		t.Fatalf("challenge: %v", err)
	}
	nonce, _ := hex.DecodeString(nonceHex)
	sig := ed25519.Sign(priv, nonce)

	if _, _, err := g.Verify(context.Background(), hex.EncodeToString(pub), hex.EncodeToString(sig)); err != nil {
		t.Fatalf("first verify: %v", err)
	}
	if _, _, err := g.Verify(context.Background(), hex.EncodeToString(pub), hex.EncodeToString(sig)); err != ErrInvalidOrExpiredChallenge {
		t.Errorf("expected replayed challenge to fail with ErrInvalidOrExpiredChallenge, got %v", err)
	}
}

func TestAuthenticateRejectsRevokedToken(t *testing.T) {
	g := newTestGate(t)
	pub, priv := registerAccount(t, g)

	nonceHex, _ := g.Challenge(context.Background(), hex.EncodeToString(pub))
	nonce, _ := hex.DecodeString(nonceHex)
	sig := ed25519.Sign(priv, nonce)
	tok, _, err := g.Verify(context.Background(), hex.EncodeToString(pub), hex.EncodeToString(sig))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}

	if err := g.Revoke(context.Background(), tok.Raw); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := g.Authenticate(context.Background(), tok.Raw); err != ErrInvalidToken {
		t.Errorf("expected ErrInvalidToken after revocation, got %v", err)
	}
}
