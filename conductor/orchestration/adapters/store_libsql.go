package adapters

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	ports "github.com/ZanzyTHEbar/agent-conductor/conductor/orchestration/ports"
)

// LibSQLStore implements KVStore on the kv_entries table (see conductor/db migrations).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore wraps an already migrated database handle.
func NewLibSQLStore(db *sql.DB) *LibSQLStore {
	return &LibSQLStore{db: db}
}

// Get loads the value stored under key.
func (s *LibSQLStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_entries WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load %s: %w", key, err)
	}
	return value, true, nil
}

// Put upserts value under key.
func (s *LibSQLStore) Put(ctx context.Context, key string, value []byte) error {
	query := `
		INSERT INTO kv_entries (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, key, value, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("failed to save %s: %w", key, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *LibSQLStore) Close() error {
	return s.db.Close()
}

// Ensure LibSQLStore implements the KVStore interface.
var _ ports.KVStore = (*LibSQLStore)(nil)
