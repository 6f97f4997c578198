package sql

import (
	"context"
	gosql "database/sql"
	"fmt"
)

func (c *conn) migrate(ctx context.Context) (int, error) {
	_, err := c.ExecContext(ctx, `
		create table if not exists migrations (
			num integer not null,
			at timestamptz not null
		);
	`)
	if err != nil {
		return 0, fmt.Errorf("creating migration table: %v", err)
	}

	i := 0
	done := false
	for {
		err := c.ExecTx(ctx, func(tx *trans) error {
			var (
				num gosql.NullInt64
				n   int
			)
			if err := tx.QueryRow(`select max(num) from migrations;`).Scan(&num); err != nil {
				return fmt.Errorf("select max migration: %v", err)
			}
			if num.Valid {
				n = int(num.Int64)
			}
			if n >= len(migrations) {
				done = true
				return nil
			}

			migrationNum := n + 1
			m := migrations[n]
			if _, err := tx.Exec(m.stmt); err != nil {
				return fmt.Errorf("migration %d failed: %v", migrationNum, err)
			}
			if _, err := tx.Exec(`insert into migrations (num, at) values ($1, now());`, migrationNum); err != nil {
				return fmt.Errorf("update migration table: %v", err)
			}
			return nil
		})
		if err != nil {
			return i, err
		}
		if done {
			break
		}
		i++
	}
	return i, nil
}

type migration struct {
	stmt string
}

// migrations is shared across SQL flavors; the flavor's query replacers
// translate type names and bind syntax per statement.
var migrations = []migration{
	{
		stmt: `
			create table accounts (
				id text not null primary key,
				identity_public_key bytea not null unique,
				registration_id integer not null,
				created_at timestamptz not null
			);
		`,
	},
	{
		stmt: `
			create table signed_prekeys (
				account_id text not null primary key references accounts (id) on delete cascade,
				key_id integer not null,
				public_key bytea not null,
				signature bytea not null,
				created_at timestamptz not null
			);
		`,
	},
	{
		stmt: `
			create table one_time_prekeys (
				account_id text not null references accounts (id) on delete cascade,
				key_id integer not null,
				public_key bytea not null,
				primary key (account_id, key_id)
			);
		`,
	},
	{
		stmt: `create index one_time_prekeys_account_idx on one_time_prekeys (account_id);`,
	},
	{
		stmt: `
			create table messages (
				id text not null primary key,
				recipient_id text not null references accounts (id) on delete cascade,
				ciphertext bytea not null,
				tag integer not null,
				expires_at timestamptz not null
			);
		`,
	},
	{
		stmt: `create index messages_recipient_idx on messages (recipient_id);`,
	},
	{
		stmt: `create index messages_expires_idx on messages (expires_at);`,
	},
	{
		stmt: `
			create table revoked_tokens (
				token_id text not null primary key,
				expires_at timestamptz not null
			);
		`,
	},
	{
		stmt: `create index revoked_tokens_expires_idx on revoked_tokens (expires_at);`,
	},
}
