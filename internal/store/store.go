// Package store persists users, conversations, memory and the query audit
// log, and runs read-only queries against the target table. It speaks to
// PostgreSQL through pgx and to SQLite through go-sqlite3.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"

	"sqlagent/internal/logging"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrEmailTaken = errors.New("email already registered")
)

type Dialect int

const (
	Postgres Dialect = iota
	SQLite
)

func (d Dialect) String() string {
	if d == SQLite {
		return "sqlite3"
	}
	return "postgres"
}

const (
	pgMaxOpenConns    = 30
	pgMaxIdleConns    = 10
	pgConnMaxLifetime = 30 * time.Minute
)

type DB struct {
	conn    *sql.DB
	dialect Dialect
	schema  string
	table   string
	now     func() time.Time
	log     *logging.Logger

	// maxParams caps bind parameters per statement; zero means the
	// dialect's limit.
	maxParams int

	schemaMu    sync.Mutex
	schemaCache Columns
}

// Open connects to url and verifies the connection. Supported forms are
// postgres://, postgresql:// (with an optional +driver suffix such as
// postgresql+asyncpg://), sqlite3://path, file:path and :memory:.
func Open(ctx context.Context, url, schema, table string) (*DB, error) {
	dialect, driver, dsn, err := parseURL(url)
	if err != nil {
		return nil, err
	}

	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}

	switch dialect {
	case Postgres:
		conn.SetMaxOpenConns(pgMaxOpenConns)
		conn.SetMaxIdleConns(pgMaxIdleConns)
		conn.SetConnMaxLifetime(pgConnMaxLifetime)
	case SQLite:
		// one writer at a time, otherwise concurrent requests hit SQLITE_BUSY
		conn.SetMaxOpenConns(1)
	}

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}

	return New(conn, dialect, schema, table), nil
}

// New wraps an existing connection pool.
func New(conn *sql.DB, dialect Dialect, schema, table string) *DB {
	if schema == "" {
		schema = "public"
	}
	return &DB{
		conn:    conn,
		dialect: dialect,
		schema:  schema,
		table:   table,
		now:     func() time.Time { return time.Now().UTC() },
		log:     logging.For("store"),
	}
}

func parseURL(url string) (Dialect, string, string, error) {
	scheme, rest, ok := strings.Cut(url, "://")
	if !ok {
		if strings.HasPrefix(url, "file:") || url == ":memory:" {
			return SQLite, "sqlite3", url, nil
		}
		return 0, "", "", fmt.Errorf("unsupported database URL %q", url)
	}

	base, _, _ := strings.Cut(strings.ToLower(scheme), "+")
	switch base {
	case "postgres", "postgresql":
		return Postgres, "pgx", "postgres://" + rest, nil
	case "sqlite", "sqlite3":
		if rest == "" {
			return 0, "", "", errors.New("sqlite URL has no path")
		}
		return SQLite, "sqlite3", rest, nil
	}
	return 0, "", "", fmt.Errorf("unsupported database scheme %q", scheme)
}

func (db *DB) Dialect() Dialect { return db.dialect }

func (db *DB) Conn() *sql.DB { return db.conn }

func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func (db *DB) Close() error {
	return db.conn.Close()
}

// tbl qualifies one of the service's own tables.
func (db *DB) tbl(name string) string {
	if db.dialect == SQLite {
		return name
	}
	return db.schema + "." + name
}

// Target is the quoted, qualified name of the table users ask about.
func (db *DB) Target() string {
	if db.dialect == SQLite {
		return quoteIdent(db.table)
	}
	return quoteIdent(db.schema) + "." + quoteIdent(db.table)
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}
