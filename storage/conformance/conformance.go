// Package conformance provides a shared test suite that any storage.Storage
// implementation can be run against. Running the same suite against both
// the SQL and in-memory backends keeps the two implementations from
// silently diverging on referential integrity, prekey consumption, and
// reaping behavior.
package conformance

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/veilmsg/relay/storage"
)

var neverExpire = time.Now().UTC().Add(time.Hour * 24 * 365 * 100)

type subTest struct {
	name string
	run  func(t *testing.T, s storage.Storage)
}

func runTests(t *testing.T, newStorage func() storage.Storage, tests []subTest) {
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			s := newStorage()
			test.run(t, s)
			s.Close()
		})
	}
}

// RunTests runs the conformance suite against newStorage, which must
// return a fresh, empty storage.Storage each time it is called.
func RunTests(t *testing.T, newStorage func() storage.Storage) {
	runTests(t, newStorage, []subTest{
		{"AccountRegistration", testAccountRegistration},
		{"SignedPreKeyRotation", testSignedPreKeyRotation},
		{"OneTimePreKeySingleUse", testOneTimePreKeySingleUse},
		{"OneTimePreKeyIdempotentReplenish", testOneTimePreKeyIdempotentReplenish},
		{"MessageQueueIsolation", testMessageQueueIsolation},
		{"MessageDrainOrder", testMessageDrainOrder},
		{"TokenRevocation", testTokenRevocation},
		{"GarbageCollection", testGarbageCollection},
	})
}

func mustBeErrNotFound(t *testing.T, kind string, err error) {
	t.Helper()
	if err != storage.ErrNotFound {
		t.Errorf("%s: expected storage.ErrNotFound, got %v", kind, err)
	}
}

func newAccount(pub byte) (storage.Account, storage.SignedPreKey) {
	var key [32]byte
	key[0] = pub
	a := storage.Account{
		ID:                uuid.New(),
		IdentityPublicKey: key,
		RegistrationID:    42,
		CreatedAt:         time.Now().UTC(),
	}
	signed := storage.SignedPreKey{
		AccountID: a.ID,
		KeyID:     1,
		CreatedAt: a.CreatedAt,
	}
	return a, signed
}

func testAccountRegistration(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	a, signed := newAccount(1)

	if err := s.CreateAccount(ctx, a, signed, nil); err != nil {
		t.Fatalf("create account: %v", err)
	}
	if err := s.CreateAccount(ctx, a, signed, nil); err != storage.ErrAlreadyExists {
		t.Errorf("re-registering the same identity key: expected ErrAlreadyExists, got %v", err)
	}

	got, err := s.GetAccountByIdentityKey(ctx, a.IdentityPublicKey)
	if err != nil {
		t.Fatalf("get by identity key: %v", err)
	}
	if got.ID != a.ID {
		t.Errorf("got account %v, want %v", got.ID, a.ID)
	}

	if _, err := s.GetAccountByID(ctx, uuid.New()); err != storage.ErrNotFound {
		t.Errorf("unknown account id: expected ErrNotFound, got %v", err)
	}
}

func testSignedPreKeyRotation(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	a, signed := newAccount(2)
	if err := s.CreateAccount(ctx, a, signed, nil); err != nil {
		t.Fatalf("create account: %v", err)
	}

	rotated := signed
	rotated.KeyID = 2
	rotated.PublicKey[0] = 0xAB
	if err := s.UpsertSignedPreKey(ctx, rotated); err != nil {
		t.Fatalf("rotate signed prekey: %v", err)
	}

	got, err := s.GetSignedPreKey(ctx, a.ID)
	if err != nil {
		t.Fatalf("get signed prekey: %v", err)
	}
	if got.KeyID != 2 || got.PublicKey[0] != 0xAB {
		t.Errorf("bundle fetch after rotation did not return the new signed prekey: %+v", got)
	}
}

func testOneTimePreKeySingleUse(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	a, signed := newAccount(3)
	if err := s.CreateAccount(ctx, a, signed, []storage.OneTimePreKey{
		{AccountID: a.ID, KeyID: 1, PublicKey: [32]byte{1}},
	}); err != nil {
		t.Fatalf("create account: %v", err)
	}

	var wg sync.WaitGroup
	results := make([]error, 2)
	picks := make([]storage.OneTimePreKey, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			k, err := s.ConsumeOneTimePreKey(ctx, a.ID)
			results[i] = err
			picks[i] = k
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range results {
		if err == nil {
			successes++
		} else if err != storage.ErrNotFound {
			t.Errorf("unexpected error consuming one-time prekey: %v", err)
		}
	}
	if successes != 1 {
		t.Errorf("expected exactly one concurrent fetch to succeed, got %d", successes)
	}

	n, err := s.CountOneTimePreKeys(ctx, a.ID)
	if err != nil {
		t.Fatalf("count one-time prekeys: %v", err)
	}
	if n != 0 {
		t.Errorf("expected zero one-time prekeys remaining, got %d", n)
	}
}

func testOneTimePreKeyIdempotentReplenish(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	a, signed := newAccount(4)
	if err := s.CreateAccount(ctx, a, signed, nil); err != nil {
		t.Fatalf("create account: %v", err)
	}

	batch := []storage.OneTimePreKey{
		{AccountID: a.ID, KeyID: 1, PublicKey: [32]byte{1}},
		{AccountID: a.ID, KeyID: 2, PublicKey: [32]byte{2}},
	}
	n, err := s.InsertOneTimePreKeys(ctx, batch)
	if err != nil {
		t.Fatalf("replenish: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 inserted, got %d", n)
	}

	// Re-submitting the same batch (plus a genuinely new id) must be a
	// no-op on the duplicates.
	batch = append(batch, storage.OneTimePreKey{AccountID: a.ID, KeyID: 3, PublicKey: [32]byte{3}})
	n, err = s.InsertOneTimePreKeys(ctx, batch)
	if err != nil {
		t.Fatalf("replenish again: %v", err)
	}
	if n != 1 {
		t.Errorf("expected only the new key to be inserted, got %d", n)
	}
}

func testMessageQueueIsolation(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	a, signedA := newAccount(5)
	b, signedB := newAccount(6)
	if err := s.CreateAccount(ctx, a, signedA, nil); err != nil {
		t.Fatalf("create account a: %v", err)
	}
	if err := s.CreateAccount(ctx, b, signedB, nil); err != nil {
		t.Fatalf("create account b: %v", err)
	}

	id := storage.NewMessageID(time.Now())
	msg := storage.QueuedMessage{
		ID:          id,
		RecipientID: b.ID,
		Ciphertext:  []byte("deadbeef"),
		Tag:         storage.TagInitial,
		ExpiresAt:   neverExpire,
	}
	if err := s.EnqueueMessage(ctx, msg); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := s.DeleteMessage(ctx, id, a.ID); err != storage.ErrNotFound {
		t.Errorf("delete by non-recipient: expected ErrNotFound, got %v", err)
	}

	got, err := s.DrainMessages(ctx, b.ID, 100)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(got) != 1 || string(got[0].Ciphertext) != "deadbeef" {
		t.Fatalf("expected the message to survive the forbidden delete, got %+v", got)
	}

	if err := s.DeleteMessage(ctx, id, b.ID); err != nil {
		t.Fatalf("delete by recipient: %v", err)
	}
	got, err = s.DrainMessages(ctx, b.ID, 100)
	if err != nil {
		t.Fatalf("drain after delete: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty queue after delete, got %+v", got)
	}

	unknownRecipient := storage.QueuedMessage{
		ID:          storage.NewMessageID(time.Now()),
		RecipientID: uuid.New(),
		Ciphertext:  []byte("x"),
		Tag:         storage.TagInitial,
		ExpiresAt:   neverExpire,
	}
	if err := s.EnqueueMessage(ctx, unknownRecipient); err != storage.ErrForeignKey {
		t.Errorf("send to unknown recipient: expected ErrForeignKey, got %v", err)
	}
}

func testMessageDrainOrder(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	b, signed := newAccount(7)
	if err := s.CreateAccount(ctx, b, signed, nil); err != nil {
		t.Fatalf("create account: %v", err)
	}

	base := time.Now()
	var ids []storage.MessageID
	for i := 0; i < 5; i++ {
		id := storage.NewMessageID(base.Add(time.Duration(i) * time.Millisecond))
		ids = append(ids, id)
		if err := s.EnqueueMessage(ctx, storage.QueuedMessage{
			ID:          id,
			RecipientID: b.ID,
			Ciphertext:  []byte{byte(i)},
			Tag:         storage.TagInitial,
			ExpiresAt:   neverExpire,
		}); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	got, err := s.DrainMessages(ctx, b.ID, 100)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(got) != len(ids) {
		t.Fatalf("expected %d messages, got %d", len(ids), len(got))
	}
	for i, m := range got {
		if m.Ciphertext[0] != byte(i) {
			t.Errorf("drain order mismatch at %d: got tag byte %d", i, m.Ciphertext[0])
		}
	}
}

func testTokenRevocation(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	tokenID := uuid.New()

	revoked, err := s.IsTokenRevoked(ctx, tokenID)
	if err != nil {
		t.Fatalf("is revoked: %v", err)
	}
	if revoked {
		t.Fatalf("fresh token id reported as revoked")
	}

	if err := s.RevokeToken(ctx, tokenID, neverExpire); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	revoked, err = s.IsTokenRevoked(ctx, tokenID)
	if err != nil {
		t.Fatalf("is revoked after revoke: %v", err)
	}
	if !revoked {
		t.Fatalf("token not reported as revoked after RevokeToken")
	}
}

func testGarbageCollection(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	b, signed := newAccount(8)
	if err := s.CreateAccount(ctx, b, signed, nil); err != nil {
		t.Fatalf("create account: %v", err)
	}

	past := time.Now().Add(-time.Hour)
	expired := storage.NewMessageID(past)
	if err := s.EnqueueMessage(ctx, storage.QueuedMessage{
		ID:          expired,
		RecipientID: b.ID,
		Ciphertext:  []byte("stale"),
		Tag:         storage.TagInitial,
		ExpiresAt:   past,
	}); err != nil {
		t.Fatalf("enqueue expired: %v", err)
	}

	fresh := storage.NewMessageID(time.Now())
	if err := s.EnqueueMessage(ctx, storage.QueuedMessage{
		ID:          fresh,
		RecipientID: b.ID,
		Ciphertext:  []byte("fresh"),
		Tag:         storage.TagInitial,
		ExpiresAt:   neverExpire,
	}); err != nil {
		t.Fatalf("enqueue fresh: %v", err)
	}

	expiredToken := uuid.New()
	if err := s.RevokeToken(ctx, expiredToken, past); err != nil {
		t.Fatalf("revoke expired token: %v", err)
	}

	result, err := s.GarbageCollect(ctx, time.Now())
	if err != nil {
		t.Fatalf("garbage collect: %v", err)
	}
	if result.Messages != 1 {
		t.Errorf("expected 1 message reaped, got %d", result.Messages)
	}
	if result.RevokedTokens != 1 {
		t.Errorf("expected 1 revoked token reaped, got %d", result.RevokedTokens)
	}

	got, err := s.DrainMessages(ctx, b.ID, 100)
	if err != nil {
		t.Fatalf("drain after gc: %v", err)
	}
	if len(got) != 1 || string(got[0].Ciphertext) != "fresh" {
		t.Errorf("expected only the fresh message to survive gc, got %+v", got)
	}
}
