// Package sqlite implements the repository interfaces on an embedded SQLite
// database (modernc.org/sqlite, pure Go, no cgo).
//
// TRANSACTIONS AND THE SINGLE CONNECTION:
// The pool is capped at one open connection. SQLite allows one writer at a
// time anyway, and with a single connection every InTx call holds the whole
// database until it commits, so the read-check-write sequences in the
// membership services cannot interleave. It also makes ":memory:" databases
// work: every pool connection to ":memory:" would otherwise be a separate,
// empty database.
//
// The consequence for callers: inside InTx use only the Queries passed to
// fn. Touching the *DB directly from inside fn waits for the connection the
// transaction is holding and never returns.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/sakif/roomspace/internal/repository"
)

// querier is the subset of *sql.DB and *sql.Tx the queries need, so the same
// method set runs inside and outside a transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements repository.Queries against a querier.
type queries struct {
	q querier
}

// DB wraps the connection pool. Its embedded queries run outside any
// transaction; InTx hands fn a queries bound to a *sql.Tx.
type DB struct {
	queries
	conn *sql.DB
}

var (
	_ repository.Store   = (*DB)(nil)
	_ repository.Queries = (*queries)(nil)
)

// New opens (or creates) the database at dbPath and runs migrations.
//
// dbPath examples:
//   - "data/roomspace.db" → file-based database
//   - ":memory:"          → in-memory database, gone on Close (tests)
func New(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database: %w", err)
	}
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: pinging database: %w", err)
	}

	// WAL lets readers of a file database proceed during a write. On an
	// in-memory database the pragma reports "memory" and is harmless.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: setting WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: enabling foreign keys: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: setting busy timeout: %w", err)
	}

	db := &DB{queries: queries{q: conn}, conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: running migrations: %w", err)
	}
	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// InTx runs fn in one transaction. A panic inside fn rolls back and is
// re-raised.
func (db *DB) InTx(ctx context.Context, fn func(q repository.Queries) error) (err error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: beginning transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(&queries{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: committing transaction: %w", err)
	}
	committed = true
	return nil
}

// migrate creates the schema. Every statement is idempotent.
//
// users.room_id carries no foreign key: profiles written before rooms were
// transactional can point at rooms that are gone, and the reconcile pass is
// what clears those, not a constraint failure at startup.
func (db *DB) migrate() error {
	stmts := []struct {
		name string
		sql  string
	}{
		{"identities", `
			CREATE TABLE IF NOT EXISTS identities (
				id            TEXT PRIMARY KEY,
				email         TEXT NOT NULL UNIQUE COLLATE NOCASE,
				password_hash TEXT NOT NULL,
				token_version INTEGER NOT NULL DEFAULT 0,
				created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);`},
		{"users", `
			CREATE TABLE IF NOT EXISTS users (
				id         TEXT PRIMARY KEY,
				name       TEXT NOT NULL,
				email      TEXT NOT NULL DEFAULT '',
				status     TEXT NOT NULL DEFAULT 'home',
				room_id    TEXT NOT NULL DEFAULT '',
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);
			CREATE INDEX IF NOT EXISTS idx_users_room_id ON users(room_id);`},
		{"rooms", `
			CREATE TABLE IF NOT EXISTS rooms (
				id          TEXT PRIMARY KEY,
				name        TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				room_code   TEXT NOT NULL,
				creator_id  TEXT NOT NULL,
				created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);
			CREATE UNIQUE INDEX IF NOT EXISTS idx_rooms_room_code ON rooms(room_code);`},
		// seq orders members by join time.
		{"room_members", `
			CREATE TABLE IF NOT EXISTS room_members (
				seq     INTEGER PRIMARY KEY AUTOINCREMENT,
				room_id TEXT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
				user_id TEXT NOT NULL,
				UNIQUE (room_id, user_id)
			);
			CREATE INDEX IF NOT EXISTS idx_room_members_user_id ON room_members(user_id);`},
		{"password_resets", `
			CREATE TABLE IF NOT EXISTS password_resets (
				token_hash  TEXT PRIMARY KEY,
				identity_id TEXT NOT NULL REFERENCES identities(id) ON DELETE CASCADE,
				expires_at  INTEGER NOT NULL
			);`},
		{"revoked_sessions", `
			CREATE TABLE IF NOT EXISTS revoked_sessions (
				id          TEXT PRIMARY KEY,
				identity_id TEXT NOT NULL REFERENCES identities(id) ON DELETE CASCADE,
				expires_at  INTEGER NOT NULL
			);`},
	}

	for _, s := range stmts {
		if _, err := db.conn.Exec(s.sql); err != nil {
			return fmt.Errorf("creating %s table: %w", s.name, err)
		}
	}
	return nil
}

// isUniqueViolation reports whether err is a UNIQUE or PRIMARY KEY
// constraint failure.
func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return false
}
