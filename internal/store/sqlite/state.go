package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/dcabot/internal/domain"
)

// StateStore implements domain.StateStore on the engine_state table.
type StateStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewStateStore creates a StateStore on the client's database.
func NewStateStore(c *Client) *StateStore {
	return &StateStore{db: c.db, now: time.Now}
}

// LoadState returns the blob stored under key.
func (s *StateStore) LoadState(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM engine_state WHERE key = ?`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlite: load state %s: %w", key, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: load state %s: %w: %v", key, domain.ErrPersistence, err)
	}
	return data, nil
}

// SaveState upserts the blob stored under key.
func (s *StateStore) SaveState(ctx context.Context, key string, data []byte) error {
	const query = `INSERT INTO engine_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, query, key, data, toMillis(s.now())); err != nil {
		return fmt.Errorf("sqlite: save state %s: %w: %v", key, domain.ErrPersistence, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.StateStore = (*StateStore)(nil)
