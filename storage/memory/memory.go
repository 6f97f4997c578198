// Package memory provides an in-memory storage.Storage, used by tests and
// by the conformance suite. A single mutex guards a handful of plain maps,
// with no attempt at fine-grained locking since this implementation only
// serves tests and single-instance local runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/veilmsg/relay/storage"
)

var _ storage.Storage = (*memStorage)(nil)

// New returns a fresh in-memory storage.Storage.
func New(logger logrus.FieldLogger) storage.Storage {
	return &memStorage{
		accountsByID:  make(map[uuid.UUID]storage.Account),
		accountsByKey: make(map[[32]byte]uuid.UUID),
		signedPreKeys: make(map[uuid.UUID]storage.SignedPreKey),
		oneTimeKeys:   make(map[uuid.UUID][]storage.OneTimePreKey),
		messages:      make(map[storage.MessageID]storage.QueuedMessage),
		revoked:       make(map[uuid.UUID]time.Time),
		logger:        logger,
	}
}

type memStorage struct {
	mu sync.Mutex

	accountsByID  map[uuid.UUID]storage.Account
	accountsByKey map[[32]byte]uuid.UUID
	signedPreKeys map[uuid.UUID]storage.SignedPreKey
	oneTimeKeys   map[uuid.UUID][]storage.OneTimePreKey
	messages      map[storage.MessageID]storage.QueuedMessage
	revoked       map[uuid.UUID]time.Time

	logger logrus.FieldLogger
}

func (s *memStorage) Close() error { return nil }

func (s *memStorage) CreateAccount(_ context.Context, a storage.Account, signed storage.SignedPreKey, oneTime []storage.OneTimePreKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accountsByKey[a.IdentityPublicKey]; ok {
		return storage.ErrAlreadyExists
	}
	s.accountsByID[a.ID] = a
	s.accountsByKey[a.IdentityPublicKey] = a.ID
	s.signedPreKeys[a.ID] = signed
	s.oneTimeKeys[a.ID] = append([]storage.OneTimePreKey(nil), oneTime...)
	return nil
}

func (s *memStorage) GetAccountByID(_ context.Context, id uuid.UUID) (storage.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accountsByID[id]
	if !ok {
		return storage.Account{}, storage.ErrNotFound
	}
	return a, nil
}

func (s *memStorage) GetAccountByIdentityKey(_ context.Context, pub [32]byte) (storage.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.accountsByKey[pub]
	if !ok {
		return storage.Account{}, storage.ErrNotFound
	}
	return s.accountsByID[id], nil
}

func (s *memStorage) GetSignedPreKey(_ context.Context, accountID uuid.UUID) (storage.SignedPreKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.signedPreKeys[accountID]
	if !ok {
		return storage.SignedPreKey{}, storage.ErrNotFound
	}
	return k, nil
}

func (s *memStorage) UpsertSignedPreKey(_ context.Context, k storage.SignedPreKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accountsByID[k.AccountID]; !ok {
		return storage.ErrForeignKey
	}
	s.signedPreKeys[k.AccountID] = k
	return nil
}

func (s *memStorage) InsertOneTimePreKeys(_ context.Context, keys []storage.OneTimePreKey) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	for _, k := range keys {
		existing := s.oneTimeKeys[k.AccountID]
		dup := false
		for _, e := range existing {
			if e.KeyID == k.KeyID {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		s.oneTimeKeys[k.AccountID] = append(existing, k)
		inserted++
	}
	return inserted, nil
}

func (s *memStorage) CountOneTimePreKeys(_ context.Context, accountID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.oneTimeKeys[accountID]), nil
}

// ConsumeOneTimePreKey holds the global mutex for its entire duration,
// which trivially gives the same "no two fetches return the same key"
// guarantee the SQL implementation gets from FOR UPDATE SKIP LOCKED —
// there simply is no concurrency to race once the lock is held.
func (s *memStorage) ConsumeOneTimePreKey(_ context.Context, accountID uuid.UUID) (storage.OneTimePreKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := s.oneTimeKeys[accountID]
	if len(keys) == 0 {
		return storage.OneTimePreKey{}, storage.ErrNotFound
	}
	oldest := 0
	for i, k := range keys {
		if k.KeyID < keys[oldest].KeyID {
			oldest = i
		}
	}
	picked := keys[oldest]
	s.oneTimeKeys[accountID] = append(keys[:oldest], keys[oldest+1:]...)
	return picked, nil
}

func (s *memStorage) EnqueueMessage(_ context.Context, m storage.QueuedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accountsByID[m.RecipientID]; !ok {
		return storage.ErrForeignKey
	}
	s.messages[m.ID] = m
	return nil
}

func (s *memStorage) DrainMessages(_ context.Context, recipientID uuid.UUID, limit int) ([]storage.QueuedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []storage.QueuedMessage
	for _, m := range s.messages {
		if m.RecipientID == recipientID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return lessMessageID(out[i].ID, out[j].ID)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func lessMessageID(a, b storage.MessageID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func (s *memStorage) DeleteMessage(_ context.Context, id storage.MessageID, recipientID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok || m.RecipientID != recipientID {
		return storage.ErrNotFound
	}
	delete(s.messages, id)
	return nil
}

func (s *memStorage) RevokeToken(_ context.Context, tokenID uuid.UUID, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked[tokenID] = expiresAt
	return nil
}

func (s *memStorage) IsTokenRevoked(_ context.Context, tokenID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.revoked[tokenID]
	return ok, nil
}

func (s *memStorage) GarbageCollect(_ context.Context, now time.Time) (storage.GCResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result storage.GCResult
	for id, m := range s.messages {
		if now.After(m.ExpiresAt) {
			delete(s.messages, id)
			result.Messages++
		}
	}
	for id, exp := range s.revoked {
		if now.After(exp) {
			delete(s.revoked, id)
			result.RevokedTokens++
		}
	}
	return result, nil
}
