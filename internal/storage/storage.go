package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrPoolExhausted = errors.New("no free address to allocate")
)

// Storage handles all database operations
type Storage struct {
	db *sql.DB
}

// New creates a new Storage instance and initializes the database
func New(dbPath string) (*Storage, error) {
	// _txlock=immediate makes every transaction take the write lock up front,
	// so read-then-write credit transactions serialize instead of failing busy.
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate&_foreign_keys=on"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}

	s := &Storage{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the database connection
func (s *Storage) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Storage) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			pubkey TEXT NOT NULL UNIQUE,
			paid_through INTEGER,
			active INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_accounts_active ON accounts(active)`,

		`CREATE TABLE IF NOT EXISTS invoices (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id INTEGER NOT NULL REFERENCES accounts(id),
			address TEXT NOT NULL UNIQUE,
			private_key TEXT NOT NULL,
			expected_payment INTEGER NOT NULL,
			requested_at INTEGER NOT NULL,
			received INTEGER NOT NULL DEFAULT 0,
			sweep_started_at INTEGER,
			credited_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_invoices_pending ON invoices(received, requested_at)`,

		`CREATE TABLE IF NOT EXISTS address_blocks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			network TEXT NOT NULL UNIQUE
		)`,

		`CREATE TABLE IF NOT EXISTS addresses (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ip TEXT NOT NULL UNIQUE,
			host INTEGER NOT NULL,
			account_id INTEGER REFERENCES accounts(id),
			block_id INTEGER NOT NULL REFERENCES address_blocks(id)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_addresses_account
			ON addresses(account_id) WHERE account_id IS NOT NULL`,

		`CREATE TABLE IF NOT EXISTS kv (
			name TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	return nil
}

// withTx runs fn inside a transaction, committing when fn returns nil
func (s *Storage) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func isUniqueViolation(err error) bool {
	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) {
		return sqErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func unixOrNull(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func timeFromNull(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.Unix(v.Int64, 0)
}
