package keys

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/veilmsg/relay/storage"
	"github.com/veilmsg/relay/storage/memory"
)

func newTestAccount(t *testing.T, s storage.Storage) (uuid storage.Account, priv ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	var pubArr [32]byte
	copy(pubArr[:], pub)

	signedPub, _, _ := ed25519.GenerateKey(nil)
	var signedPubArr [32]byte
	copy(signedPubArr[:], signedPub)
	sig := ed25519.Sign(priv, signedPub)
	var sigArr [64]byte
	copy(sigArr[:], sig)

	a := storage.Account{ID: storage.NewAccountID(), IdentityPublicKey: pubArr, RegistrationID: 7}
	signed := storage.SignedPreKey{AccountID: a.ID, KeyID: 1, PublicKey: signedPubArr, Signature: sigArr}
	oneTime := []storage.OneTimePreKey{
		{AccountID: a.ID, KeyID: 1, PublicKey: [32]byte{1}},
	}
	if err := s.CreateAccount(context.Background(), a, signed, oneTime); err != nil {
		t.Fatalf("create account: %v", err)
	}
	return a, priv
}

func newTestStorage() storage.Storage {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return memory.New(logger)
}

func TestFetchBundleConsumesOneTimePreKey(t *testing.T) {
	s := newTestStorage()
	svc := New(s)
	account, _ := newTestAccount(t, s)

	bundle, err := svc.FetchBundle(context.Background(), account.ID)
	if err != nil {
		t.Fatalf("fetch bundle: %v", err)
	}
	if bundle.OneTimePreKey == nil {
		t.Fatal("expected a one-time prekey on first fetch")
	}
	if bundle.RemainingCount != 0 {
		t.Errorf("expected 0 remaining, got %d", bundle.RemainingCount)
	}
	if !bundle.NeedsRefresh {
		t.Error("expected needs-refresh to be true with zero remaining")
	}

	bundle2, err := svc.FetchBundle(context.Background(), account.ID)
	if err != nil {
		t.Fatalf("second fetch bundle: %v", err)
	}
	if bundle2.OneTimePreKey != nil {
		t.Error("expected nil one-time prekey once the pool is exhausted")
	}
}

func TestReplenishIsIdempotentOnDuplicates(t *testing.T) {
	s := newTestStorage()
	svc := New(s)
	account, _ := newTestAccount(t, s)

	uploaded, total, err := svc.Replenish(context.Background(), account.ID, []ReplenishInput{
		{KeyID: 1, PublicKey: hex.EncodeToString(make([]byte, 32))},
		{KeyID: 2, PublicKey: hex.EncodeToString(make([]byte, 32))},
	})
	if err != nil {
		t.Fatalf("replenish: %v", err)
	}
	if uploaded != 1 {
		t.Errorf("expected only key id 2 to be new (key id 1 pre-existed), got %d uploaded", uploaded)
	}
	if total != 2 {
		t.Errorf("expected total 2, got %d", total)
	}
}

func TestReplenishRejectsOversizeBatch(t *testing.T) {
	s := newTestStorage()
	svc := New(s)
	account, _ := newTestAccount(t, s)

	batch := make([]ReplenishInput, MaxPreKeyBatch+1)
	for i := range batch {
		batch[i] = ReplenishInput{KeyID: uint32(i + 100), PublicKey: hex.EncodeToString(make([]byte, 32))}
	}
	if _, _, err := svc.Replenish(context.Background(), account.ID, batch); err != ErrTooManyPreKeys {
		t.Errorf("expected ErrTooManyPreKeys, got %v", err)
	}
}

func TestRotateUpdatesSignedPreKey(t *testing.T) {
	s := newTestStorage()
	svc := New(s)
	account, priv := newTestAccount(t, s)

	newPub, _, _ := ed25519.GenerateKey(nil)
	sig := ed25519.Sign(priv, newPub)

	if err := svc.Rotate(context.Background(), account.ID, 2, hex.EncodeToString(newPub), hex.EncodeToString(sig)); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	bundle, err := svc.FetchBundle(context.Background(), account.ID)
	if err != nil {
		t.Fatalf("fetch bundle: %v", err)
	}
	if bundle.SignedPreKey.KeyID != 2 {
		t.Errorf("expected rotated key id 2, got %d", bundle.SignedPreKey.KeyID)
	}
}

func TestRotateRejectsBadSignature(t *testing.T) {
	s := newTestStorage()
	svc := New(s)
	account, _ := newTestAccount(t, s)

	_, otherPriv, _ := ed25519.GenerateKey(nil)
	newPub, _, _ := ed25519.GenerateKey(nil)
	sig := ed25519.Sign(otherPriv, newPub)

	if err := svc.Rotate(context.Background(), account.ID, 2, hex.EncodeToString(newPub), hex.EncodeToString(sig)); err != ErrInvalidSignature {
		t.Errorf("expected ErrInvalidSignature, got %v", err)
	}
}
