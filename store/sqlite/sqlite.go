/*
Package sqlite provides a SQLite-backed cultivation.Store.

PURPOSE:
  Wires the mattn/go-sqlite3 driver into the shared SQL store. All queries
  live in store/sqlstore; this package only owns the connection settings and
  the driver-specific error classification.

CONCURRENCY:
  The pool is capped at one connection, so every transaction and every
  read is serialized by database/sql itself. Tx.Lock is therefore a no-op.
  Transactions begin IMMEDIATE so a writer takes the database write lock up
  front instead of failing to upgrade a read lock halfway through.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better crash recovery
  and so external readers (sqlite3 CLI, backups) do not block the writer.

ERRORS:
  SQLITE_CONSTRAINT_UNIQUE / _PRIMARYKEY -> cultivation.ErrDuplicateKey
  SQLITE_BUSY / SQLITE_LOCKED            -> cultivation.ErrConcurrencyConflict

USAGE:
  store, err := sqlite.New(ctx, "./data/cultivation.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := cultivation.New(store)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - store/sqlstore: Queries and schema
  - store/postgres: Postgres backend
  - cultivation/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/warp/cultivation-engine/store/sqlstore"
)

// Dialect is the SQLite flavour of the shared store.
var Dialect = sqlstore.Dialect{
	Name:     "sqlite",
	Serial:   "INTEGER PRIMARY KEY AUTOINCREMENT",
	Classify: classify,
}

// New opens (creating if needed) the database at path and migrates it.
// Use ":memory:" for a throwaway database.
func New(ctx context.Context, path string) (*sqlstore.Store, error) {
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := sqlstore.New(db, Dialect)
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
}

func classify(err error) sqlstore.ErrorKind {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return sqlstore.KindOther
	}
	switch {
	case se.ExtendedCode == sqlite3.ErrConstraintUnique, se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey:
		return sqlstore.KindDuplicate
	case se.Code == sqlite3.ErrBusy, se.Code == sqlite3.ErrLocked:
		return sqlstore.KindConflict
	}
	return sqlstore.KindOther
}
