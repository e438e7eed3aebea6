/*
Package postgres provides a Postgres-backed cultivation.Store.

PURPOSE:
  Wires pgx (through its database/sql adapter) into the shared SQL store.

CONCURRENCY:
  Transactions run at READ COMMITTED. Tx.Lock(key) takes
  pg_advisory_xact_lock(hashtext(key)), held until commit or rollback, so
  every replica of the service serializes on the same site and batch keys.
  Lock waits are bounded by lock_timeout, set on each connection; a timeout
  surfaces as ErrConcurrencyConflict and the quota governor retries it.

ERRORS:
  23505 unique_violation         -> cultivation.ErrDuplicateKey
  40001 serialization_failure,
  40P01 deadlock_detected,
  55P03 lock_not_available       -> cultivation.ErrConcurrencyConflict

SEE ALSO:
  - store/sqlstore: Queries and schema
  - store/sqlite: SQLite backend
*/
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"github.com/warp/cultivation-engine/store/sqlstore"
)

const driverName = "pgx"

// Dialect is the Postgres flavour of the shared store.
var Dialect = sqlstore.Dialect{
	Name:          "postgres",
	Numbered:      true,
	Serial:        "BIGSERIAL PRIMARY KEY",
	LockStatement: "SELECT pg_advisory_xact_lock(hashtext(?))",
	TxOptions:     &sql.TxOptions{Isolation: sql.LevelReadCommitted},
	Classify:      classify,
}

// Options tunes the connection pool.
type Options struct {
	MaxOpenConns int
	// LockTimeout bounds each advisory lock wait. Zero leaves the server default.
	LockTimeout time.Duration
}

// New connects to dsn and migrates the schema.
func New(ctx context.Context, dsn string, opts Options) (*sqlstore.Store, error) {
	if opts.LockTimeout > 0 {
		dsn = withParam(dsn, "lock_timeout", fmt.Sprintf("%d", opts.LockTimeout.Milliseconds()))
	}
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := sqlstore.New(db, Dialect)
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// withParam appends a runtime parameter to a URL or keyword/value DSN.
func withParam(dsn, key, value string) string {
	if strings.Contains(dsn, "://") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		return dsn + sep + key + "=" + value
	}
	return strings.TrimSpace(dsn + " " + key + "=" + value)
}

func classify(err error) sqlstore.ErrorKind {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return sqlstore.KindOther
	}
	switch strings.TrimSpace(pgErr.Code) {
	case "23505":
		return sqlstore.KindDuplicate
	case "40001", "40P01", "55P03":
		return sqlstore.KindConflict
	}
	return sqlstore.KindOther
}
