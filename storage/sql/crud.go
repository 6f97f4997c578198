package sql

import (
	"context"
	gosql "database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/veilmsg/relay/storage"
)

var _ storage.Storage = (*conn)(nil)

func pqUniqueViolation(err error) bool {
	pqErr, ok := err.(*pq.Error)
	return ok && pqErr.Code.Name() == "unique_violation"
}

func pqForeignKeyViolation(err error) bool {
	pqErr, ok := err.(*pq.Error)
	return ok && pqErr.Code.Name() == "foreign_key_violation"
}

// sqliteUniqueViolation and sqliteForeignKeyViolation do the equivalent
// checks for the SQLite driver,
// which reports constraint failures as plain strings rather than typed
// errors the way lib/pq does.
func sqliteUniqueViolation(err error) bool {
	return err != nil && containsAny(err.Error(), "UNIQUE constraint failed")
}

func sqliteForeignKeyViolation(err error) bool {
	return err != nil && containsAny(err.Error(), "FOREIGN KEY constraint failed")
}

func containsAny(s, substr string) bool {
	return len(s) >= len(substr) && (func() bool {
		for i := 0; i+len(substr) <= len(s); i++ {
			if s[i:i+len(substr)] == substr {
				return true
			}
		}
		return false
	})()
}

func (c *conn) isUniqueViolation(err error) bool {
	if c.flavor.supportsTimezones { // Postgres flavor
		return pqUniqueViolation(err)
	}
	return sqliteUniqueViolation(err)
}

func (c *conn) isForeignKeyViolation(err error) bool {
	if c.flavor.supportsTimezones {
		return pqForeignKeyViolation(err)
	}
	return sqliteForeignKeyViolation(err)
}

func (c *conn) CreateAccount(ctx context.Context, a storage.Account, signed storage.SignedPreKey, oneTime []storage.OneTimePreKey) error {
	err := c.ExecTx(ctx, func(tx *trans) error {
		_, err := tx.Exec(
			`insert into accounts (id, identity_public_key, registration_id, created_at) values ($1, $2, $3, $4);`,
			a.ID.String(), a.IdentityPublicKey[:], a.RegistrationID, a.CreatedAt,
		)
		if err != nil {
			return err
		}
		_, err = tx.Exec(
			`insert into signed_prekeys (account_id, key_id, public_key, signature, created_at) values ($1, $2, $3, $4, $5);`,
			a.ID.String(), signed.KeyID, signed.PublicKey[:], signed.Signature[:], signed.CreatedAt,
		)
		if err != nil {
			return err
		}
		for _, k := range oneTime {
			_, err = tx.Exec(
				`insert into one_time_prekeys (account_id, key_id, public_key) values ($1, $2, $3);`,
				a.ID.String(), k.KeyID, k.PublicKey[:],
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if c.isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

func (c *conn) GetAccountByID(ctx context.Context, id uuid.UUID) (storage.Account, error) {
	return c.scanAccount(c.QueryRowContext(ctx,
		`select id, identity_public_key, registration_id, created_at from accounts where id = $1;`, id.String()))
}

func (c *conn) GetAccountByIdentityKey(ctx context.Context, pub [32]byte) (storage.Account, error) {
	return c.scanAccount(c.QueryRowContext(ctx,
		`select id, identity_public_key, registration_id, created_at from accounts where identity_public_key = $1;`, pub[:]))
}

func (c *conn) scanAccount(row *gosql.Row) (storage.Account, error) {
	var (
		a     storage.Account
		id    string
		pub   []byte
	)
	if err := row.Scan(&id, &pub, &a.RegistrationID, &a.CreatedAt); err != nil {
		if errors.Is(err, gosql.ErrNoRows) {
			return a, storage.ErrNotFound
		}
		return a, fmt.Errorf("get account: %w", err)
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return a, fmt.Errorf("get account: parse id: %w", err)
	}
	a.ID = parsed
	copy(a.IdentityPublicKey[:], pub)
	return a, nil
}

func (c *conn) GetSignedPreKey(ctx context.Context, accountID uuid.UUID) (storage.SignedPreKey, error) {
	var (
		s         storage.SignedPreKey
		pub, sig  []byte
	)
	row := c.QueryRowContext(ctx,
		`select key_id, public_key, signature, created_at from signed_prekeys where account_id = $1;`, accountID.String())
	if err := row.Scan(&s.KeyID, &pub, &sig, &s.CreatedAt); err != nil {
		if errors.Is(err, gosql.ErrNoRows) {
			return s, storage.ErrNotFound
		}
		return s, fmt.Errorf("get signed prekey: %w", err)
	}
	s.AccountID = accountID
	copy(s.PublicKey[:], pub)
	copy(s.Signature[:], sig)
	return s, nil
}

func (c *conn) UpsertSignedPreKey(ctx context.Context, s storage.SignedPreKey) error {
	return c.ExecTx(ctx, func(tx *trans) error {
		res, err := tx.Exec(
			`update signed_prekeys set key_id = $1, public_key = $2, signature = $3, created_at = $4 where account_id = $5;`,
			s.KeyID, s.PublicKey[:], s.Signature[:], s.CreatedAt, s.AccountID.String(),
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		_, err = tx.Exec(
			`insert into signed_prekeys (account_id, key_id, public_key, signature, created_at) values ($1, $2, $3, $4, $5);`,
			s.AccountID.String(), s.KeyID, s.PublicKey[:], s.Signature[:], s.CreatedAt,
		)
		return err
	})
}

func (c *conn) InsertOneTimePreKeys(ctx context.Context, keys []storage.OneTimePreKey) (int, error) {
	inserted := 0
	err := c.ExecTx(ctx, func(tx *trans) error {
		for _, k := range keys {
			res, err := tx.Exec(
				`insert into one_time_prekeys (account_id, key_id, public_key)
				 select $1, $2, $3
				 where not exists (select 1 from one_time_prekeys where account_id = $1 and key_id = $2);`,
				k.AccountID.String(), k.KeyID, k.PublicKey[:],
			)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			inserted += int(n)
		}
		return nil
	})
	if err != nil {
		return inserted, fmt.Errorf("insert one-time prekeys: %w", err)
	}
	return inserted, nil
}

func (c *conn) CountOneTimePreKeys(ctx context.Context, accountID uuid.UUID) (int, error) {
	var n int
	row := c.QueryRowContext(ctx, `select count(*) from one_time_prekeys where account_id = $1;`, accountID.String())
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count one-time prekeys: %w", err)
	}
	return n, nil
}

// ConsumeOneTimePreKey selects the oldest (by key_id, a client-assigned
// monotonically-ish counter) available one-time prekey using a lock that
// skips rows already locked by a concurrent fetch, then deletes it within
// the same transaction — the correctness pivot against double-issuing a
// prekey. On SQLite
// (single-writer, no row locks) the transaction's serializability alone is
// enough to prevent double consumption, so the flavor simply drops the
// "for update skip locked" clause.
func (c *conn) ConsumeOneTimePreKey(ctx context.Context, accountID uuid.UUID) (storage.OneTimePreKey, error) {
	var k storage.OneTimePreKey
	err := c.ExecTx(ctx, func(tx *trans) error {
		var pub []byte
		row := tx.QueryRow(
			`select key_id, public_key from one_time_prekeys
			 where account_id = $1
			 order by key_id asc
			 limit 1
			 for update skip locked;`,
			accountID.String(),
		)
		if err := row.Scan(&k.KeyID, &pub); err != nil {
			if errors.Is(err, gosql.ErrNoRows) {
				return storage.ErrNotFound
			}
			return err
		}
		copy(k.PublicKey[:], pub)
		_, err := tx.Exec(`delete from one_time_prekeys where account_id = $1 and key_id = $2;`, accountID.String(), k.KeyID)
		return err
	})
	k.AccountID = accountID
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return k, storage.ErrNotFound
		}
		return k, fmt.Errorf("consume one-time prekey: %w", err)
	}
	return k, nil
}

func (c *conn) EnqueueMessage(ctx context.Context, m storage.QueuedMessage) error {
	_, err := c.ExecContext(ctx,
		`insert into messages (id, recipient_id, ciphertext, tag, expires_at) values ($1, $2, $3, $4, $5);`,
		m.ID.String(), m.RecipientID.String(), m.Ciphertext, int(m.Tag), m.ExpiresAt,
	)
	if err != nil {
		if c.isForeignKeyViolation(err) {
			return storage.ErrForeignKey
		}
		return fmt.Errorf("enqueue message: %w", err)
	}
	return nil
}

func (c *conn) DrainMessages(ctx context.Context, recipientID uuid.UUID, limit int) ([]storage.QueuedMessage, error) {
	rows, err := c.QueryContext(ctx,
		`select id, ciphertext, tag, expires_at from messages where recipient_id = $1 order by id asc limit $2;`,
		recipientID.String(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("drain messages: %w", err)
	}
	defer rows.Close()

	var out []storage.QueuedMessage
	for rows.Next() {
		var (
			idStr string
			tag   int
			m     storage.QueuedMessage
		)
		if err := rows.Scan(&idStr, &m.Ciphertext, &tag, &m.ExpiresAt); err != nil {
			return nil, fmt.Errorf("drain messages: scan: %w", err)
		}
		id, err := storage.ParseMessageID(idStr)
		if err != nil {
			return nil, fmt.Errorf("drain messages: parse id: %w", err)
		}
		m.ID = id
		m.RecipientID = recipientID
		m.Tag = storage.ClassificationTag(tag)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (c *conn) DeleteMessage(ctx context.Context, id storage.MessageID, recipientID uuid.UUID) error {
	res, err := c.ExecContext(ctx, `delete from messages where id = $1 and recipient_id = $2;`, id.String(), recipientID.String())
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (c *conn) RevokeToken(ctx context.Context, tokenID uuid.UUID, expiresAt time.Time) error {
	_, err := c.ExecContext(ctx,
		`insert into revoked_tokens (token_id, expires_at) values ($1, $2);`,
		tokenID.String(), expiresAt,
	)
	if err != nil {
		if c.isUniqueViolation(err) {
			return nil // already revoked; idempotent.
		}
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

func (c *conn) IsTokenRevoked(ctx context.Context, tokenID uuid.UUID) (bool, error) {
	var n int
	row := c.QueryRowContext(ctx, `select count(*) from revoked_tokens where token_id = $1;`, tokenID.String())
	if err := row.Scan(&n); err != nil {
		return false, fmt.Errorf("check token revocation: %w", err)
	}
	return n > 0, nil
}

func (c *conn) GarbageCollect(ctx context.Context, now time.Time) (storage.GCResult, error) {
	var result storage.GCResult
	err := c.ExecTx(ctx, func(tx *trans) error {
		res, err := tx.Exec(`delete from messages where expires_at < $1;`, now)
		if err != nil {
			return fmt.Errorf("reap messages: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		result.Messages = n

		res, err = tx.Exec(`delete from revoked_tokens where expires_at < $1;`, now)
		if err != nil {
			return fmt.Errorf("reap revoked tokens: %w", err)
		}
		n, err = res.RowsAffected()
		if err != nil {
			return err
		}
		result.RevokedTokens = n
		return nil
	})
	return result, err
}

