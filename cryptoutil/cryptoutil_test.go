package cryptoutil

import (
	"crypto/ed25519"
	"encoding/hex"
	"testing"
)

func TestVerifyHexRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	msg := []byte("challenge nonce")
	sig := ed25519.Sign(priv, msg)

	err = VerifyHex(hex.EncodeToString(pub), msg, hex.EncodeToString(sig))
	if err != nil {
		t.Fatalf("expected valid signature to verify, got %v", err)
	}
}

func TestVerifyHexRejectsTamperedMessage(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	sig := ed25519.Sign(priv, []byte("original"))

	err := VerifyHex(hex.EncodeToString(pub), []byte("tampered"), hex.EncodeToString(sig))
	if err != ErrInvalidSignature {
		t.Errorf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestDecodePublicKeyRejectsShortKey(t *testing.T) {
	_, err := DecodePublicKey(hex.EncodeToString([]byte{1, 2, 3}))
	if err != ErrInvalidKeyLength {
		t.Errorf("expected ErrInvalidKeyLength, got %v", err)
	}
}

func TestDecodeSignatureRejectsShortSignature(t *testing.T) {
	_, err := DecodeSignature(hex.EncodeToString([]byte{1, 2, 3}))
	if err != ErrInvalidSignatureLength {
		t.Errorf("expected ErrInvalidSignatureLength, got %v", err)
	}
}
