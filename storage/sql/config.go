package sql

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	gosql "database/sql"

	"github.com/sirupsen/logrus"
)

const (
	pgSSLDisable    = "disable"
	pgSSLVerifyFull = "verify-full"
)

// NetworkDB holds connection parameters common to network-attached SQL
// databases.
type NetworkDB struct {
	Database string
	User     string
	Password string
	Host     string
	Port     uint16

	ConnectionTimeoutSeconds int

	// database/sql pool tunables. MaxOpenConns defaults to a conservative
	// ceiling when unset.
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int // seconds
}

// SSL configures TLS for a network database connection.
type SSL struct {
	Mode     string
	CAFile   string
	KeyFile  string
	CertFile string
}

// Postgres opens a storage.Storage backed by PostgreSQL.
type Postgres struct {
	NetworkDB
	SSL SSL
}

var strEsc = regexp.MustCompile(`([\\'])`)

func dataSourceStr(s string) string {
	return "'" + strEsc.ReplaceAllString(s, `\$1`) + "'"
}

func (p *Postgres) dataSourceName() string {
	var params []string
	add := func(k, v string) { params = append(params, fmt.Sprintf("%s=%s", k, v)) }

	if p.ConnectionTimeoutSeconds > 0 {
		add("connect_timeout", strconv.Itoa(p.ConnectionTimeoutSeconds))
	}
	if p.Host != "" {
		add("host", dataSourceStr(p.Host))
	}
	if p.Port != 0 {
		add("port", strconv.Itoa(int(p.Port)))
	}
	if p.User != "" {
		add("user", dataSourceStr(p.User))
	}
	if p.Password != "" {
		add("password", dataSourceStr(p.Password))
	}
	if p.Database != "" {
		add("dbname", dataSourceStr(p.Database))
	}
	mode := p.SSL.Mode
	if mode == "" {
		mode = pgSSLVerifyFull
	}
	add("sslmode", dataSourceStr(mode))
	if p.SSL.CAFile != "" {
		add("sslrootcert", dataSourceStr(p.SSL.CAFile))
	}
	if p.SSL.CertFile != "" {
		add("sslcert", dataSourceStr(p.SSL.CertFile))
	}
	if p.SSL.KeyFile != "" {
		add("sslkey", dataSourceStr(p.SSL.KeyFile))
	}
	return strings.Join(params, " ")
}

// Open connects to Postgres, runs pending migrations, and returns a ready
// storage.Storage.
func (p *Postgres) Open(ctx context.Context, logger logrus.FieldLogger) (*conn, error) {
	db, err := gosql.Open("postgres", p.dataSourceName())
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	applyPoolDefaults(db, p.NetworkDB)

	c := &conn{db: db, flavor: flavorPostgres, logger: logger}
	if _, err := c.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	return c, nil
}

// SQLite3 opens a storage.Storage backed by a local SQLite file — used for
// local development and the conformance test suite.
type SQLite3 struct {
	File string
}

// Open connects to the SQLite file, runs pending migrations, and returns a
// ready storage.Storage. SQLite serializes all writes through a single
// connection, so the pool is pinned to one connection.
func (s *SQLite3) Open(ctx context.Context, logger logrus.FieldLogger) (*conn, error) {
	db, err := gosql.Open("sqlite3", s.File)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	// SQLite leaves foreign keys unenforced unless asked; the schema's
	// references and cascades depend on them.
	if _, err := db.ExecContext(ctx, `pragma foreign_keys = on;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite3 enable foreign keys: %w", err)
	}

	c := &conn{db: db, flavor: flavorSQLite3, logger: logger}
	if _, err := c.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite3 migrate: %w", err)
	}
	return c, nil
}

func applyPoolDefaults(db *gosql.DB, n NetworkDB) {
	maxOpen := n.MaxOpenConns
	if maxOpen == 0 {
		maxOpen = 20
	}
	maxIdle := n.MaxIdleConns
	if maxIdle == 0 {
		maxIdle = maxOpen
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	if n.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(time.Duration(n.ConnMaxLifetime) * time.Second)
	}
	// Idle connections are reaped after 30s when no explicit lifetime is
	// configured.
	if n.ConnMaxLifetime == 0 {
		db.SetConnMaxIdleTime(30 * time.Second)
	}
}
