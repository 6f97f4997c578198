// Package keys implements the key service: bundle fetch with atomic
// one-time prekey consumption, prekey replenishment, and signed-prekey
// rotation. It follows the same gate/service shape as the auth package,
// wired directly to the storage.Storage contract's prekey methods.
package keys

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/veilmsg/relay/cryptoutil"
	"github.com/veilmsg/relay/storage"
)

var (
	ErrAccountNotFound   = errors.New("account_not_found")
	ErrMissingFields     = errors.New("missing_fields")
	ErrInvalidKeyLength  = errors.New("invalid_key_length")
	ErrInvalidSignature  = errors.New("invalid_signature")
	ErrTooManyPreKeys    = errors.New("too_many_prekeys")
)

// MaxPreKeyBatch bounds a single replenish call.
const MaxPreKeyBatch = 200

// LowPreKeyThreshold is the default remaining-count floor under which a
// bundle fetch reports NeedsRefresh.
const LowPreKeyThreshold = 10

// Bundle is the public-key material a sender needs to start a session with
// an account.
type Bundle struct {
	IdentityPublicKey [32]byte
	RegistrationID    uint32
	SignedPreKey      storage.SignedPreKey
	OneTimePreKey     *storage.OneTimePreKey // nil when the pool was empty.
	RemainingCount    int
	NeedsRefresh      bool
}

// Service is the key service.
type Service struct {
	storage storage.Storage
}

// New constructs a Service over the given durable store.
func New(s storage.Storage) *Service {
	return &Service{storage: s}
}

// FetchBundle consumes at most one one-time prekey for targetID and
// returns the account's full session-establishment bundle.
func (s *Service) FetchBundle(ctx context.Context, targetID uuid.UUID) (Bundle, error) {
	account, err := s.storage.GetAccountByID(ctx, targetID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Bundle{}, ErrAccountNotFound
		}
		return Bundle{}, err
	}
	signed, err := s.storage.GetSignedPreKey(ctx, targetID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Bundle{}, ErrAccountNotFound
		}
		return Bundle{}, err
	}

	var oneTime *storage.OneTimePreKey
	consumed, err := s.storage.ConsumeOneTimePreKey(ctx, targetID)
	switch {
	case err == nil:
		oneTime = &consumed
	case errors.Is(err, storage.ErrNotFound):
		// No key available; the client falls back to signed-prekey-only.
	default:
		return Bundle{}, err
	}

	remaining, err := s.storage.CountOneTimePreKeys(ctx, targetID)
	if err != nil {
		return Bundle{}, err
	}

	return Bundle{
		IdentityPublicKey: account.IdentityPublicKey,
		RegistrationID:    account.RegistrationID,
		SignedPreKey:      signed,
		OneTimePreKey:     oneTime,
		RemainingCount:    remaining,
		NeedsRefresh:      remaining < LowPreKeyThreshold,
	}, nil
}

// ReplenishInput mirrors the wire shape for one uploaded one-time prekey.
type ReplenishInput struct {
	KeyID     uint32
	PublicKey string // hex
}

// Replenish uploads a batch of one-time prekeys for accountID, 1..200 per
// call, with duplicate (account, key id) pairs silently ignored.
func (s *Service) Replenish(ctx context.Context, accountID uuid.UUID, batch []ReplenishInput) (uploaded, total int, err error) {
	if len(batch) == 0 || len(batch) > MaxPreKeyBatch {
		return 0, 0, ErrTooManyPreKeys
	}

	keys := make([]storage.OneTimePreKey, 0, len(batch))
	for _, k := range batch {
		pub, err := cryptoutil.DecodePublicKey(k.PublicKey)
		if err != nil {
			return 0, 0, ErrInvalidKeyLength
		}
		keys = append(keys, storage.OneTimePreKey{AccountID: accountID, KeyID: k.KeyID, PublicKey: pub})
	}

	uploaded, err = s.storage.InsertOneTimePreKeys(ctx, keys)
	if err != nil {
		return 0, 0, err
	}
	total, err = s.storage.CountOneTimePreKeys(ctx, accountID)
	if err != nil {
		return 0, 0, err
	}
	return uploaded, total, nil
}

// Rotate replaces accountID's single signed prekey, verifying the new
// key's signature under the account's identity key first.
func (s *Service) Rotate(ctx context.Context, accountID uuid.UUID, keyID uint32, pubHex, sigHex string) error {
	if pubHex == "" || sigHex == "" {
		return ErrMissingFields
	}
	account, err := s.storage.GetAccountByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrAccountNotFound
		}
		return err
	}
	pub, err := cryptoutil.DecodePublicKey(pubHex)
	if err != nil {
		return ErrInvalidKeyLength
	}
	sig, err := cryptoutil.DecodeSignature(sigHex)
	if err != nil {
		return ErrInvalidSignature
	}
	if !cryptoutil.Verify(account.IdentityPublicKey, pub[:], sig) {
		return ErrInvalidSignature
	}

	return s.storage.UpsertSignedPreKey(ctx, storage.SignedPreKey{
		AccountID: accountID,
		KeyID:     keyID,
		PublicKey: pub,
		Signature: sig,
		CreatedAt: time.Now().UTC(),
	})
}
