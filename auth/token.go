package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gopkg.in/square/go-jose.v2"
	"gopkg.in/square/go-jose.v2/jwt"
)

// TokenLifetime is the default bearer token lifetime, configurable via Gate.
const TokenLifetime = 24 * time.Hour

// Token is an issued bearer token together with the claims the middleware
// needs to validate it without a further parse.
type Token struct {
	Raw       string
	AccountID uuid.UUID
	TokenID   uuid.UUID
	ExpiresAt time.Time
}

// newHMACSigner builds a jose.Signer over an HS256 secret.
func newHMACSigner(secret []byte) (jose.Signer, error) {
	sig, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: secret}, nil)
	if err != nil {
		return nil, fmt.Errorf("build token signer: %w", err)
	}
	return sig, nil
}

// mintToken signs a bearer token carrying accountID as subject and a fresh
// random token identifier as jti.
func mintToken(sig jose.Signer, accountID uuid.UUID, lifetime time.Duration, now time.Time) (Token, error) {
	tokenID := uuid.New()
	expiresAt := now.Add(lifetime)
	claims := jwt.Claims{
		Subject:  accountID.String(),
		ID:       tokenID.String(),
		IssuedAt: now,
		Expiry:   expiresAt,
	}
	raw, err := jwt.Signed(sig).Claims(claims).CompactSerialize()
	if err != nil {
		return Token{}, fmt.Errorf("sign token: %w", err)
	}
	return Token{Raw: raw, AccountID: accountID, TokenID: tokenID, ExpiresAt: expiresAt}, nil
}

// parseAndVerifyToken parses a compact JWS, verifies it against secret, and
// checks its expiry against now. It does not consult the revocation list —
// that is the middleware's job, since it requires a storage round trip.
func parseAndVerifyToken(secret []byte, raw string, now time.Time) (Token, error) {
	parsed, err := jwt.ParseSigned(raw)
	if err != nil {
		return Token{}, errInvalidToken
	}
	var claims jwt.Claims
	if err := parsed.Claims(&claims, secret); err != nil {
		return Token{}, errInvalidToken
	}
	if err := claims.ValidateWithLeeway(jwt.Expected{Time: now}, 0); err != nil {
		return Token{}, errInvalidToken
	}
	accountID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return Token{}, errInvalidToken
	}
	tokenID, err := uuid.Parse(claims.ID)
	if err != nil {
		return Token{}, errInvalidToken
	}
	return Token{
		Raw:       raw,
		AccountID: accountID,
		TokenID:   tokenID,
		ExpiresAt: claims.Expiry,
	}, nil
}

// newNonce returns a fresh 32-byte random value, hex-encoded — used for
// challenge nonces and nowhere else.
func newNonce() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
