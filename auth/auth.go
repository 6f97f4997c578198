// Package auth implements an anonymous challenge-response authentication
// protocol over an Ed25519 identity that produces bearer tokens carrying
// no identity-correlating metadata. A gate struct holds its storage and
// signer dependencies and exposes one method per protocol step —
// register, challenge, verify, revoke — the same shape an OIDC issuer uses
// for authorization-code issuance, adapted to challenge/verify.
package auth

import (
	"context"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gopkg.in/square/go-jose.v2"

	"github.com/veilmsg/relay/cryptoutil"
	"github.com/veilmsg/relay/ephemeral"
	"github.com/veilmsg/relay/storage"
)

var (
	ErrMissingFields           = errors.New("missing_fields")
	ErrInvalidKeyLength        = errors.New("invalid_key_length")
	ErrInvalidSignedPreKeySig  = errors.New("invalid_signed_prekey_signature")
	ErrAlreadyRegistered       = errors.New("already_registered")
	ErrInvalidOrExpiredChallenge = errors.New("invalid_or_expired_challenge")
	ErrInvalidSignature        = errors.New("invalid_signature")

	errInvalidToken = errors.New("invalid_token")
	errUnauthorized = errors.New("unauthorized")
)

// ErrInvalidToken is returned by Middleware when a bearer token fails
// signature, expiry, or revocation checks.
var ErrInvalidToken = errInvalidToken

// ErrUnauthorized is returned by Middleware when the Authorization header
// is missing or malformed.
var ErrUnauthorized = errUnauthorized

const challengeTTL = 120 * time.Second

// challengeKey derives the ephemeral-store key for an identity public key.
func challengeKey(pub [32]byte) string {
	return "challenge:" + hexEncode(pub[:])
}

// SignedPreKeyInput and OneTimePreKeyInput mirror the wire shapes Register
// accepts, decoupled from storage's binary entities until they've been
// validated.
type SignedPreKeyInput struct {
	KeyID     uint32
	PublicKey string // hex
	Signature string // hex
}

type OneTimePreKeyInput struct {
	KeyID     uint32
	PublicKey string // hex
}

// Gate owns the durable store, the ephemeral store, and the HMAC secret
// bearer tokens are signed with.
type Gate struct {
	storage  storage.Storage
	ephemeral ephemeral.Store
	signer   jose.Signer
	secret   []byte
	lifetime time.Duration
	logger   logrus.FieldLogger
}

// New constructs a Gate. secret is the HMAC-SHA256 key bearer tokens are
// signed and verified with; lifetime defaults to TokenLifetime when zero.
func New(s storage.Storage, e ephemeral.Store, secret []byte, lifetime time.Duration, logger logrus.FieldLogger) (*Gate, error) {
	sig, err := newHMACSigner(secret)
	if err != nil {
		return nil, err
	}
	if lifetime == 0 {
		lifetime = TokenLifetime
	}
	return &Gate{storage: s, ephemeral: e, signer: sig, secret: secret, lifetime: lifetime, logger: logger}, nil
}

// Register validates and persists a new account.
func (g *Gate) Register(ctx context.Context, pubHex string, registrationID uint32, signed SignedPreKeyInput, oneTime []OneTimePreKeyInput) (uuid.UUID, error) {
	if pubHex == "" || signed.PublicKey == "" || signed.Signature == "" {
		return uuid.UUID{}, ErrMissingFields
	}
	pub, err := cryptoutil.DecodePublicKey(pubHex)
	if err != nil {
		return uuid.UUID{}, ErrInvalidKeyLength
	}
	signedPub, err := cryptoutil.DecodePublicKey(signed.PublicKey)
	if err != nil {
		return uuid.UUID{}, ErrInvalidKeyLength
	}
	signedSig, err := cryptoutil.DecodeSignature(signed.Signature)
	if err != nil {
		return uuid.UUID{}, ErrInvalidSignedPreKeySig
	}
	if !cryptoutil.Verify(pub, signedPub[:], signedSig) {
		return uuid.UUID{}, ErrInvalidSignedPreKeySig
	}

	var preKeys []storage.OneTimePreKey
	accountID := storage.NewAccountID()
	for _, k := range oneTime {
		keyPub, err := cryptoutil.DecodePublicKey(k.PublicKey)
		if err != nil {
			return uuid.UUID{}, ErrInvalidKeyLength
		}
		preKeys = append(preKeys, storage.OneTimePreKey{AccountID: accountID, KeyID: k.KeyID, PublicKey: keyPub})
	}

	account := storage.Account{
		ID:                accountID,
		IdentityPublicKey: pub,
		RegistrationID:    registrationID,
		CreatedAt:         time.Now().UTC(),
	}
	signedRow := storage.SignedPreKey{
		AccountID: accountID,
		KeyID:     signed.KeyID,
		PublicKey: signedPub,
		Signature: signedSig,
		CreatedAt: account.CreatedAt,
	}

	if err := g.storage.CreateAccount(ctx, account, signedRow, preKeys); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return uuid.UUID{}, ErrAlreadyRegistered
		}
		return uuid.UUID{}, err
	}
	return accountID, nil
}

// Challenge issues a fresh nonce, storing it only when the identity key
// belongs to a real account — the response shape is identical either way
// so an adversary cannot use it to probe account existence.
func (g *Gate) Challenge(ctx context.Context, pubHex string) (string, error) {
	pub, err := cryptoutil.DecodePublicKey(pubHex)
	if err != nil {
		return "", ErrInvalidKeyLength
	}
	nonce, err := newNonce()
	if err != nil {
		return "", err
	}

	// The client signs the nonce's raw bytes, not its hex text, so the
	// value consumed in Verify must be decoded before it's stored.
	rawNonce, err := hex.DecodeString(nonce)
	if err != nil {
		return "", err
	}

	_, err = g.storage.GetAccountByIdentityKey(ctx, pub)
	switch {
	case err == nil:
		if err := g.ephemeral.Set(ctx, challengeKey(pub), rawNonce, challengeTTL); err != nil {
			return "", err
		}
	case errors.Is(err, storage.ErrNotFound):
		// deliberately not stored.
	default:
		return "", err
	}
	return nonce, nil
}

// Verify consumes the outstanding challenge nonce for pubHex and, on a
// valid signature, mints a bearer token.
func (g *Gate) Verify(ctx context.Context, pubHex, sigHex string) (Token, uuid.UUID, error) {
	pub, err := cryptoutil.DecodePublicKey(pubHex)
	if err != nil {
		return Token{}, uuid.UUID{}, ErrInvalidKeyLength
	}

	nonce, err := g.ephemeral.GetAndDelete(ctx, challengeKey(pub))
	if err != nil {
		return Token{}, uuid.UUID{}, ErrInvalidOrExpiredChallenge
	}

	if err := cryptoutil.VerifyHex(pubHex, nonce, sigHex); err != nil {
		return Token{}, uuid.UUID{}, ErrInvalidSignature
	}

	account, err := g.storage.GetAccountByIdentityKey(ctx, pub)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Token{}, uuid.UUID{}, ErrInvalidOrExpiredChallenge
		}
		return Token{}, uuid.UUID{}, err
	}

	tok, err := mintToken(g.signer, account.ID, g.lifetime, time.Now().UTC())
	if err != nil {
		return Token{}, uuid.UUID{}, err
	}
	return tok, account.ID, nil
}

// Authenticate validates a bearer token string, including revocation,
// returning the account it authenticates as. Used directly by tests and by
// the HTTP middleware.
func (g *Gate) Authenticate(ctx context.Context, bearer string) (uuid.UUID, error) {
	tok, err := parseAndVerifyToken(g.secret, bearer, time.Now().UTC())
	if err != nil {
		return uuid.UUID{}, ErrInvalidToken
	}
	revoked, err := g.storage.IsTokenRevoked(ctx, tok.TokenID)
	if err != nil {
		return uuid.UUID{}, err
	}
	if revoked {
		return uuid.UUID{}, ErrInvalidToken
	}
	return tok.AccountID, nil
}

// Revoke marks a bearer token's jti as rejected for the remainder of its
// natural lifetime.
func (g *Gate) Revoke(ctx context.Context, bearer string) error {
	tok, err := parseAndVerifyToken(g.secret, bearer, time.Now().UTC())
	if err != nil {
		return ErrInvalidToken
	}
	return g.storage.RevokeToken(ctx, tok.TokenID, tok.ExpiresAt)
}

func hexEncode(b []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hextable[c>>4]
		out[i*2+1] = hextable[c&0x0f]
	}
	return string(out)
}
