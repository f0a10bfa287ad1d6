// Package sqlite provides a SQLite-backed implementation of ledger.Ledger,
// for deployments where debt must survive restarts.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	"github.com/becomeliminal/x402-gate/ledger"
)

// Ensure Store implements ledger.Ledger.
var _ ledger.Ledger = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS debts (
    address TEXT PRIMARY KEY,
    amount TEXT NOT NULL,
    updated_at INTEGER NOT NULL
);
`

// Store implements ledger.Ledger using SQLite.
type Store struct {
	db *sql.DB
}

// New opens (creating if needed) the database at dbPath and runs the
// schema migration.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the outstanding amount for the address, "0" when absent.
func (s *Store) Get(ctx context.Context, address string) (string, error) {
	var amount string
	err := s.db.QueryRowContext(ctx,
		"SELECT amount FROM debts WHERE address = ?",
		ledger.Normalize(address),
	).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return "0", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read debt: %w", err)
	}
	return amount, nil
}

// Set overwrites the outstanding amount for the address.
func (s *Store) Set(ctx context.Context, address, amount string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO debts (address, amount, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(address) DO UPDATE SET amount = excluded.amount, updated_at = excluded.updated_at`,
		ledger.Normalize(address), amount, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to write debt: %w", err)
	}
	return nil
}
