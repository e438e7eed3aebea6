/*
Package sqlstore implements cultivation.Store over database/sql.

PURPOSE:
  One implementation of the persistence contracts shared by every SQL
  backend. Backends differ only in their Dialect: placeholder style, how an
  insertion sequence column is declared, how a transaction-scoped lock is
  taken, and how driver errors are classified.

INTERFACES IMPLEMENTED:
  - cultivation.Store (Reader + WithTx)
  - cultivation.Tx    (Reader + Writer + Lock), handed to WithTx callbacks

STORAGE FORMAT:
  Timestamps are fixed-width UTC text so that string order is time order.
  Days are YYYY-MM-DD text. Harvest weights are decimal text. Enum columns
  hold their string values; a row with an unknown value is reported as an
  IntegrityError instead of being coerced to a default.

TRANSACTIONS:
  WithTx opens a *sql.Tx with Dialect.TxOptions and hands the callback a
  handle bound to it. The callback must use only that handle: SQLite runs
  with a single connection and would deadlock on a second one.

SEE ALSO:
  - store/sqlite: SQLite backend
  - store/postgres: Postgres backend
  - cultivation/store.go: The contracts
*/
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/warp/cultivation-engine/cultivation"
)

// =============================================================================
// DIALECT
// =============================================================================

// ErrorKind classifies a driver error.
type ErrorKind int

const (
	KindOther ErrorKind = iota
	KindDuplicate
	KindConflict
)

// Dialect captures what differs between SQL backends.
type Dialect struct {
	Name string

	// Numbered switches placeholders from ? to $1, $2, ...
	Numbered bool

	// Serial is the column definition of the per-table insertion sequence,
	// e.g. "INTEGER PRIMARY KEY AUTOINCREMENT" or "BIGSERIAL PRIMARY KEY".
	Serial string

	// LockStatement takes a lock held until the transaction ends. Its single
	// argument is the lock key. Empty means the backend already serializes
	// writers and Tx.Lock only checks the context.
	LockStatement string

	TxOptions *sql.TxOptions

	// Classify maps a driver error to a kind. Nil treats every error as KindOther.
	Classify func(error) ErrorKind
}

func (d *Dialect) kind(err error) ErrorKind {
	if err == nil || d.Classify == nil {
		return KindOther
	}
	return d.Classify(err)
}

// rebind rewrites ? placeholders for numbered dialects. Queries in this
// package never contain a literal question mark.
func (d *Dialect) rebind(query string) string {
	if !d.Numbered {
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

// fail wraps a driver error, marking lock and serialization failures as
// retryable concurrency conflicts.
func (d *Dialect) fail(op string, err error) error {
	if d.kind(err) == KindConflict {
		return fmt.Errorf("%s: %w: %v", op, cultivation.ErrConcurrencyConflict, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// =============================================================================
// STORE
// =============================================================================

// Store is a cultivation.Store backed by a *sql.DB.
type Store struct {
	queries
	db *sql.DB
}

var _ cultivation.Store = (*Store)(nil)

// New wraps an open database. Call Migrate before first use.
func New(db *sql.DB, d Dialect) *Store {
	return &Store{queries: queries{q: db, d: &d}, db: db}
}

// DB exposes the underlying pool (health checks, tests).
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

// Dialect reports the backend name.
func (s *Store) Dialect() string { return s.d.Name }

// Migrate creates the schema if needed. It is safe to run repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	ddl := strings.ReplaceAll(schema, "{{serial}}", s.d.Serial)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to migrate %s schema: %w", s.d.Name, err)
	}
	return nil
}

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(cultivation.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, s.d.TxOptions)
	if err != nil {
		return s.d.fail("failed to begin transaction", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{queries{q: sqlTx, d: s.d}}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return s.d.fail("failed to commit transaction", err)
	}
	return nil
}

// txStore is the Tx view of a single *sql.Tx.
type txStore struct {
	queries
}

var _ cultivation.Tx = (*txStore)(nil)

func (t *txStore) Lock(ctx context.Context, key string) error {
	if t.d.LockStatement == "" {
		return ctx.Err()
	}
	if _, err := t.exec(ctx, t.d.LockStatement, key); err != nil {
		return t.d.fail("failed to lock "+key, err)
	}
	return nil
}

// =============================================================================
// QUERY PLUMBING
// =============================================================================

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	q querier
	d *Dialect
}

func (q queries) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return q.q.ExecContext(ctx, q.d.rebind(query), args...)
}

func (q queries) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return q.q.QueryContext(ctx, q.d.rebind(query), args...)
}

func (q queries) row(ctx context.Context, query string, args ...any) *sql.Row {
	return q.q.QueryRowContext(ctx, q.d.rebind(query), args...)
}
