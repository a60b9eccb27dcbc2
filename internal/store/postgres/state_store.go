package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/dcabot/internal/domain"
)

// StateStore implements domain.StateStore on the engine_state table.
type StateStore struct {
	pool *pgxpool.Pool
}

// NewStateStore creates a StateStore backed by the given connection pool.
func NewStateStore(pool *pgxpool.Pool) *StateStore {
	return &StateStore{pool: pool}
}

// LoadState returns the blob stored under key.
func (s *StateStore) LoadState(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT value FROM engine_state WHERE key = $1`, key).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("postgres: load state %s: %w", key, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: load state %s: %w: %v", key, domain.ErrPersistence, err)
	}
	return data, nil
}

// SaveState upserts the blob stored under key.
func (s *StateStore) SaveState(ctx context.Context, key string, data []byte) error {
	const query = `INSERT INTO engine_state (key, value, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`
	if _, err := s.pool.Exec(ctx, query, key, data); err != nil {
		return fmt.Errorf("postgres: save state %s: %w: %v", key, domain.ErrPersistence, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.StateStore = (*StateStore)(nil)
