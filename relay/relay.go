// Package relay implements the message relay: sealed-sender send, drain,
// delete, and the periodic reaper. Built on the same service-over-storage
// shape as the keys and auth packages.
package relay

import (
	"context"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/veilmsg/relay/storage"
)

var (
	ErrMissingFields     = errors.New("missing_fields")
	ErrRecipientNotFound = errors.New("recipient_not_found")
	ErrMessageNotFound   = errors.New("message_not_found")
	ErrMessageTooLarge   = errors.New("message_too_large")
)

// MaxCiphertextBytes is the queued-ciphertext size ceiling.
const MaxCiphertextBytes = 256 * 1024

// DefaultTTL is how long a queued message survives before the reaper
// removes it.
const DefaultTTL = 30 * 24 * time.Hour

// Notifier is the notification fabric contract Send invokes after a
// successful commit. A nil Notifier is valid — Send simply skips
// notification, which is how tests exercise the relay without standing up
// a socket registry.
type Notifier interface {
	NotifyNewMessage(accountID uuid.UUID, messageID string)
}

// Envelope is a drained queue entry in the exact shape the client receives
// — no sender, no ingestion timestamp, no expiry.
type Envelope struct {
	ID         string
	Ciphertext string // hex
	Tag        storage.ClassificationTag
}

// Service is the message relay.
type Service struct {
	storage  storage.Storage
	notifier Notifier
}

// New constructs a Service. notifier may be nil.
func New(s storage.Storage, notifier Notifier) *Service {
	return &Service{storage: s, notifier: notifier}
}

// Send validates and enqueues ciphertextHex for recipientID, then notifies
// the recipient's connected sockets. The row deliberately never carries
// the sending account's identifier — sealed sender is enforced here, not
// merely at the HTTP layer.
func (s *Service) Send(ctx context.Context, recipientID uuid.UUID, ciphertextHex string, tag storage.ClassificationTag) (string, error) {
	if ciphertextHex == "" {
		return "", ErrMissingFields
	}
	ciphertext, err := hex.DecodeString(ciphertextHex)
	if err != nil {
		return "", ErrMissingFields
	}
	if len(ciphertext) > MaxCiphertextBytes {
		return "", ErrMessageTooLarge
	}
	if tag == 0 {
		tag = storage.TagInitial
	}

	now := time.Now().UTC()
	id := storage.NewMessageID(now)
	msg := storage.QueuedMessage{
		ID:          id,
		RecipientID: recipientID,
		Ciphertext:  ciphertext,
		Tag:         tag,
		ExpiresAt:   now.Add(DefaultTTL),
	}
	if err := s.storage.EnqueueMessage(ctx, msg); err != nil {
		if errors.Is(err, storage.ErrForeignKey) {
			return "", ErrRecipientNotFound
		}
		return "", err
	}

	if s.notifier != nil {
		s.notifier.NotifyNewMessage(recipientID, id.String())
	}
	return id.String(), nil
}

// Drain returns up to 100 queued entries for recipientID in ascending
// identifier order.
func (s *Service) Drain(ctx context.Context, recipientID uuid.UUID) ([]Envelope, error) {
	const limit = 100
	rows, err := s.storage.DrainMessages(ctx, recipientID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Envelope, len(rows))
	for i, m := range rows {
		out[i] = Envelope{
			ID:         m.ID.String(),
			Ciphertext: hex.EncodeToString(m.Ciphertext),
			Tag:        m.Tag,
		}
	}
	return out, nil
}

// Delete removes a queued row only if recipientID owns it — the sole
// enforcement of cross-account isolation on the queue.
func (s *Service) Delete(ctx context.Context, idHex string, recipientID uuid.UUID) error {
	id, err := storage.ParseMessageID(idHex)
	if err != nil {
		return ErrMessageNotFound
	}
	if err := s.storage.DeleteMessage(ctx, id, recipientID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrMessageNotFound
		}
		return err
	}
	return nil
}

// Reap runs one garbage-collection pass over expired messages and revoked
// tokens. Safe to call on any schedule.
func (s *Service) Reap(ctx context.Context) (storage.GCResult, error) {
	return s.storage.GarbageCollect(ctx, time.Now().UTC())
}
