// Package sqlstore implements the event store, alert ledger, escalation deadlines and the SQL geo
// index on database/sql, for SQLite and PostgreSQL.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect captures the differences between the supported databases.
type Dialect struct {
	Name   string
	Driver string
	// rowLocks enables SELECT ... FOR UPDATE. SQLite serialises writers instead.
	rowLocks bool
	// dollarParams rewrites ? placeholders to $1, $2, ...
	dollarParams bool
}

var (
	SQLite   = Dialect{Name: "sqlite", Driver: "sqlite"}
	Postgres = Dialect{Name: "postgres", Driver: "postgres", rowLocks: true, dollarParams: true}
)

func DialectFor(name string) (Dialect, error) {
	switch name {
	case SQLite.Name:
		return SQLite, nil
	case Postgres.Name:
		return Postgres, nil
	}
	return Dialect{}, fmt.Errorf("unsupported database driver %q", name)
}

// Open connects to the database, applies connection settings and migrates the schema.
func Open(ctx context.Context, dialect Dialect, dsn string) (*sql.DB, error) {
	db, err := sql.Open(dialect.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect.Name, err)
	}

	if dialect == SQLite {
		// One connection: every transaction is serialised, which is what gives SQLite the
		// single-writer-per-event discipline that row locks give Postgres.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect.Name, err)
	}

	if dialect == SQLite {
		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA busy_timeout=5000",
			"PRAGMA foreign_keys=ON",
		} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("%s: %w", pragma, err)
			}
		}
	}

	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Store is the SQL implementation of failsafe.Store, failsafe.GeoIndex and failsafe.HeartbeatWriter.
type Store struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect, now: time.Now}
}

// WithClock replaces the clock used for heartbeat freshness.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// q adapts a query written with ? placeholders to the dialect.
func (s *Store) q(query string) string {
	if !s.dialect.dollarParams {
		return query
	}
	var b strings.Builder
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

// forUpdate appends a row lock clause when the dialect has row locks.
func (s *Store) forUpdate(query string) string {
	if s.dialect.rowLocks {
		query += " FOR UPDATE"
	}
	return s.q(query)
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// expectOne checks that a conditional update changed exactly one row.
func expectOne(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n != 1 {
		return fmt.Errorf("%s: %d rows affected", op, n)
	}
	return nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
