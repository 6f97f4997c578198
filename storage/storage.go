// Package storage defines the durable store contract used by the relay. Implementations back accounts, prekeys, the sealed message queue
// and revoked bearer tokens, and are required to enforce the referential
// integrity and TTL reaping rules described for each entity.
package storage

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a lookup addresses a row that does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned on a unique-key violation, e.g. a second
	// registration under an identity key that is already taken.
	ErrAlreadyExists = errors.New("already exists")

	// ErrForeignKey is returned when an insert references an account that
	// does not exist (e.g. sending to an unknown recipient).
	ErrForeignKey = errors.New("referenced row does not exist")
)

// NewAccountID returns a fresh random account identifier.
func NewAccountID() uuid.UUID {
	return uuid.New()
}

// MessageID is a 128-bit identifier that sorts by creation millisecond,
// used as the queued-ciphertext primary key so drain order is stable
// across concurrent sends without relying on a database sequence. IDs
// created in the same millisecond sort by their random suffix, not by
// insertion order.
type MessageID [16]byte

// NewMessageID returns a MessageID whose first 8 bytes are the wall-clock
// millisecond timestamp of now and whose last 8 bytes are random, so two
// IDs minted in the same millisecond still compare distinctly but two IDs
// minted in different milliseconds sort by time.
func NewMessageID(now time.Time) MessageID {
	var id MessageID
	binary.BigEndian.PutUint64(id[:8], uint64(now.UnixMilli()))
	if _, err := io.ReadFull(rand.Reader, id[8:]); err != nil {
		panic(err)
	}
	return id
}

// String renders the identifier as lowercase hex.
func (id MessageID) String() string {
	const hextable = "0123456789abcdef"
	buf := make([]byte, 32)
	for i, b := range id {
		buf[i*2] = hextable[b>>4]
		buf[i*2+1] = hextable[b&0x0f]
	}
	return string(buf)
}

// ParseMessageID parses a lowercase-hex MessageID.
func ParseMessageID(s string) (MessageID, error) {
	var id MessageID
	if len(s) != 32 {
		return id, errors.New("invalid message id length")
	}
	for i := 0; i < 16; i++ {
		hi, err := hexNibble(s[i*2])
		if err != nil {
			return id, err
		}
		lo, err := hexNibble(s[i*2+1])
		if err != nil {
			return id, err
		}
		id[i] = hi<<4 | lo
	}
	return id, nil
}

func hexNibble(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	default:
		return 0, errors.New("invalid hex digit")
	}
}

// ClassificationTag is the single-byte envelope kind carried by a queued
// ciphertext row.
type ClassificationTag byte

const (
	// TagInitial marks an initial X3DH envelope (the first message of a session).
	TagInitial ClassificationTag = 1
	// TagEstablished marks a message sent over an already-established session.
	TagEstablished ClassificationTag = 2
)

// Account is the durable identity row. CreatedAt is retained only to
// schedule key rotation and is never returned by any API response.
type Account struct {
	ID                 uuid.UUID
	IdentityPublicKey  [32]byte
	RegistrationID     uint32
	CreatedAt          time.Time
}

// SignedPreKey is the single current medium-term key for an account.
type SignedPreKey struct {
	AccountID uuid.UUID
	KeyID     uint32
	PublicKey [32]byte
	Signature [64]byte
	CreatedAt time.Time
}

// OneTimePreKey is a short-term key consumed exactly once by a bundle fetch.
type OneTimePreKey struct {
	AccountID uuid.UUID
	KeyID     uint32
	PublicKey [32]byte
}

// QueuedMessage is an opaque ciphertext addressed to RecipientID. It
// deliberately carries no sender attribute.
type QueuedMessage struct {
	ID          MessageID
	RecipientID uuid.UUID
	Ciphertext  []byte
	Tag         ClassificationTag
	ExpiresAt   time.Time
}

// RevokedToken marks a bearer token's JWT ID as rejected until it would
// have expired on its own.
type RevokedToken struct {
	TokenID   uuid.UUID
	ExpiresAt time.Time
}

// GCResult reports how many expired rows a GarbageCollect call removed.
type GCResult struct {
	Messages       int64
	RevokedTokens  int64
}

// IsEmpty reports whether a GarbageCollect pass found nothing to reap.
func (g GCResult) IsEmpty() bool {
	return g.Messages == 0 && g.RevokedTokens == 0
}

// Storage is the durable store contract. Implementations must support the
// SELECT ... FOR UPDATE SKIP LOCKED idiom for one-time prekey consumption
// and must treat unique/foreign-key violations as the typed errors above
// rather than leaking driver errors.
type Storage interface {
	Close() error

	// CreateAccount registers a new account together with its initial
	// signed prekey and one-time prekeys, atomically. Returns
	// ErrAlreadyExists if the identity public key is already registered.
	CreateAccount(ctx context.Context, a Account, signed SignedPreKey, oneTime []OneTimePreKey) error

	// GetAccountByID looks up an account by its opaque identifier.
	GetAccountByID(ctx context.Context, id uuid.UUID) (Account, error)

	// GetAccountByIdentityKey looks up an account by its Ed25519 public key.
	GetAccountByIdentityKey(ctx context.Context, pub [32]byte) (Account, error)

	// GetSignedPreKey returns the current signed prekey for an account.
	GetSignedPreKey(ctx context.Context, accountID uuid.UUID) (SignedPreKey, error)

	// UpsertSignedPreKey replaces the account's single signed prekey row,
	// refreshing its creation time.
	UpsertSignedPreKey(ctx context.Context, s SignedPreKey) error

	// InsertOneTimePreKeys upserts a batch under unique (account, key id);
	// id collisions are silent no-ops.
	InsertOneTimePreKeys(ctx context.Context, keys []OneTimePreKey) (inserted int, err error)

	// CountOneTimePreKeys reports the remaining pool size for an account.
	CountOneTimePreKeys(ctx context.Context, accountID uuid.UUID) (int, error)

	// ConsumeOneTimePreKey atomically selects and deletes one prekey for
	// the account using a lock that skips already-locked rows, so
	// concurrent fetches never return the same key. Returns ErrNotFound
	// (not an error to the caller — see keys package) if the pool is empty.
	ConsumeOneTimePreKey(ctx context.Context, accountID uuid.UUID) (OneTimePreKey, error)

	// EnqueueMessage inserts a queued ciphertext row. Returns ErrForeignKey
	// if the recipient does not exist.
	EnqueueMessage(ctx context.Context, m QueuedMessage) error

	// DrainMessages returns up to limit queued rows for recipientID in
	// ascending (stable) identifier order.
	DrainMessages(ctx context.Context, recipientID uuid.UUID, limit int) ([]QueuedMessage, error)

	// DeleteMessage deletes a queued row only if its recipient matches
	// recipientID; returns ErrNotFound otherwise.
	DeleteMessage(ctx context.Context, id MessageID, recipientID uuid.UUID) error

	// RevokeToken records a token ID as rejected until expiresAt.
	RevokeToken(ctx context.Context, tokenID uuid.UUID, expiresAt time.Time) error

	// IsTokenRevoked reports whether a token ID is on the revocation list.
	IsTokenRevoked(ctx context.Context, tokenID uuid.UUID) (bool, error)

	// GarbageCollect deletes all queued messages and revoked-token records
	// whose expiry is before now. Safe to call on any schedule.
	GarbageCollect(ctx context.Context, now time.Time) (GCResult, error)
}
