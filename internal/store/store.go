// Package store persists organizations, memberships, usage counters and
// reservations over database/sql. PostgreSQL (pgx) is the production driver;
// SQLite (modernc) serves local development and tests with the same queries.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/DukeRupert/mailsmith/internal/quota"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Dialect selects the SQL driver and placeholder style.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

var (
	ErrUnsupportedDialect = errors.New("store: unsupported database driver")
	ErrDatabaseNotReady   = errors.New("store: database did not become ready")
)

// OpenConfig controls connection setup.
type OpenConfig struct {
	Dialect       Dialect
	DSN           string
	RetryAttempts int
	RetryInterval time.Duration
}

// Open connects to the database and verifies it with a ping, retrying with a
// linear backoff so the service can start alongside its database.
func Open(ctx context.Context, cfg OpenConfig) (*sql.DB, error) {
	var (
		db  *sql.DB
		err error
	)
	switch cfg.Dialect {
	case DialectPostgres:
		db, err = sql.Open("pgx", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
	case DialectSQLite:
		db, err = sql.Open("sqlite", SQLiteDSN(cfg.DSN))
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		// SQLite allows one writer; a single connection serializes transactions.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDialect, cfg.Dialect)
	}

	attempts := max(cfg.RetryAttempts, 1)
	for i := range attempts {
		if err = db.PingContext(ctx); err == nil {
			return db, nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			_ = db.Close()
			return nil, errors.Join(ErrDatabaseNotReady, ctx.Err())
		case <-time.After(time.Duration(i+1) * cfg.RetryInterval):
		}
	}

	_ = db.Close()
	return nil, errors.Join(ErrDatabaseNotReady, err)
}

// SQLiteDSN appends the pragmas the store relies on to a SQLite path.
// DSNs that already carry a query string are used as given.
func SQLiteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(1)",
		},
	}.Encode()
}

// SQLStore implements quota.UsageCounter, quota.StaleSweeper and
// quota.OrganizationStore.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

var (
	_ quota.UsageCounter      = (*SQLStore)(nil)
	_ quota.StaleSweeper      = (*SQLStore)(nil)
	_ quota.OrganizationStore = (*SQLStore)(nil)
)

// New creates a store over an open database.
func New(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{
		db:      db,
		dialect: dialect,
		now:     time.Now,
	}
}

// DB exposes the underlying handle for migrations and health checks.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// Ping reports whether the database is reachable.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// q rewrites ? placeholders to $n for PostgreSQL. Queries in this package
// never contain a literal question mark.
func (s *SQLStore) q(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// unavailable marks a storage failure so callers fail closed.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, quota.ErrUnavailable, err)
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
