// Package sql provides SQL-backed implementations of storage.Storage. A
// small "flavor" layer translates bind-parameter syntax and a handful of
// type spellings between Postgres and SQLite so the same query text serves
// both, while the Postgres flavor additionally retries serialization
// failures under SERIALIZABLE isolation.
package sql

import (
	"context"
	gosql "database/sql"
	"errors"
	"regexp"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	// import third party drivers
	_ "github.com/mattn/go-sqlite3"
)

type flavor struct {
	queryReplacers     []replacer
	executeTx          func(db *gosql.DB, fn func(*gosql.Tx) error) error
	supportsSkipLocked bool
	supportsTimezones  bool
}

type replacer struct {
	re   *regexp.Regexp
	with string
}

var bindRegexp = regexp.MustCompile(`\$(\d+)`)

func matchLiteral(s string) *regexp.Regexp {
	return regexp.MustCompile(`\b` + regexp.QuoteMeta(s) + `\b`)
}

var (
	// flavorPostgres is the default flavor; all others translate from it.
	flavorPostgres = flavor{
		supportsSkipLocked: true,
		supportsTimezones:  true,
		// The default behavior for Postgres transactions is consistent reads,
		// not consistent writes. Every transaction this package opens needs
		// SERIALIZABLE so two concurrent prekey consumptions can't both
		// observe a key as available.
		executeTx: func(db *gosql.DB, fn func(tx *gosql.Tx) error) error {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			opts := &gosql.TxOptions{Isolation: gosql.LevelSerializable}
			for {
				tx, err := db.BeginTx(ctx, opts)
				if err != nil {
					return err
				}
				if err := fn(tx); err != nil {
					if isSerializationFailure(err) {
						continue
					}
					return err
				}
				if err := tx.Commit(); err != nil {
					if isSerializationFailure(err) {
						continue
					}
					return err
				}
				return nil
			}
		},
	}

	flavorSQLite3 = flavor{
		supportsSkipLocked: false, // SQLite has no row-level locking to skip.
		queryReplacers: []replacer{
			// Numbered "?N" keeps a repeated "$N" bound to the same argument.
			{bindRegexp, "?${1}"},
			{matchLiteral("bytea"), "blob"},
			{matchLiteral("timestamptz"), "timestamp"},
			{regexp.MustCompile(`\bnow\(\)`), "CURRENT_TIMESTAMP"},
			{regexp.MustCompile(`(?i)\bfor update skip locked\b`), ""},
		},
	}
)

func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code.Name() == "serialization_failure"
}

func (f flavor) translate(query string) string {
	for _, r := range f.queryReplacers {
		query = r.re.ReplaceAllString(query, r.with)
	}
	return query
}

func (c *conn) translateArgs(args []interface{}) []interface{} {
	if c.flavor.supportsTimezones {
		return args
	}
	for i, arg := range args {
		if t, ok := arg.(time.Time); ok {
			args[i] = t.UTC()
		}
	}
	return args
}

// conn is the main database connection, implementing storage.Storage.
type conn struct {
	db     *gosql.DB
	flavor flavor
	logger logrus.FieldLogger
}

func (c *conn) Close() error {
	return c.db.Close()
}

func (c *conn) Exec(query string, args ...interface{}) (gosql.Result, error) {
	query = c.flavor.translate(query)
	return c.db.Exec(query, c.translateArgs(args)...)
}

func (c *conn) ExecContext(ctx context.Context, query string, args ...interface{}) (gosql.Result, error) {
	query = c.flavor.translate(query)
	return c.db.ExecContext(ctx, query, c.translateArgs(args)...)
}

func (c *conn) QueryRowContext(ctx context.Context, query string, args ...interface{}) *gosql.Row {
	query = c.flavor.translate(query)
	return c.db.QueryRowContext(ctx, query, c.translateArgs(args)...)
}

func (c *conn) QueryContext(ctx context.Context, query string, args ...interface{}) (*gosql.Rows, error) {
	query = c.flavor.translate(query)
	return c.db.QueryContext(ctx, query, c.translateArgs(args)...)
}

// ExecTx runs fn within a transaction, retrying Postgres serialization
// failures transparently. fn must not wrap errors returned by the tx in a
// way that hides the underlying *pq.Error, or retries stop working.
func (c *conn) ExecTx(ctx context.Context, fn func(tx *trans) error) error {
	if c.flavor.executeTx != nil {
		return c.flavor.executeTx(c.db, func(sqlTx *gosql.Tx) error {
			return fn(&trans{sqlTx, c, ctx})
		})
	}
	sqlTx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(&trans{sqlTx, c, ctx}); err != nil {
		sqlTx.Rollback()
		return err
	}
	return sqlTx.Commit()
}

type trans struct {
	tx  *gosql.Tx
	c   *conn
	ctx context.Context
}

func (t *trans) Exec(query string, args ...interface{}) (gosql.Result, error) {
	query = t.c.flavor.translate(query)
	return t.tx.ExecContext(t.ctx, query, t.c.translateArgs(args)...)
}

func (t *trans) QueryRow(query string, args ...interface{}) *gosql.Row {
	query = t.c.flavor.translate(query)
	return t.tx.QueryRowContext(t.ctx, query, t.c.translateArgs(args)...)
}

func (t *trans) Query(query string, args ...interface{}) (*gosql.Rows, error) {
	query = t.c.flavor.translate(query)
	return t.tx.QueryContext(t.ctx, query, t.c.translateArgs(args)...)
}
