package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/dcabot/internal/domain"
	"github.com/redis/go-redis/v9"
)

// snapshotTTL keeps a few days of baselines around for inspection.
const snapshotTTL = 72 * time.Hour

// EquityStore implements domain.EquitySnapshotStore at "equity:{day}".
type EquityStore struct {
	c *Client
}

// NewEquityStore creates an EquityStore backed by the given Client.
func NewEquityStore(c *Client) *EquityStore {
	return &EquityStore{c: c}
}

// Load returns the snapshot for day or domain.ErrNotFound.
func (s *EquityStore) Load(ctx context.Context, day string) (domain.EquitySnapshot, error) {
	data, err := s.c.rdb.Get(ctx, s.c.key("equity", day)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.EquitySnapshot{}, domain.ErrNotFound
		}
		return domain.EquitySnapshot{}, fmt.Errorf("redis: load equity %s: %w", day, err)
	}
	var snap domain.EquitySnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return domain.EquitySnapshot{}, fmt.Errorf("redis: unmarshal equity %s: %w", day, err)
	}
	return snap, nil
}

// Save stores the snapshot unless one already exists for its day, so two
// instances starting together agree on the first baseline.
func (s *EquityStore) Save(ctx context.Context, snap domain.EquitySnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("redis: marshal equity %s: %w", snap.Day, err)
	}
	if err := s.c.rdb.SetNX(ctx, s.c.key("equity", snap.Day), data, snapshotTTL).Err(); err != nil {
		return fmt.Errorf("redis: save equity %s: %w", snap.Day, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.EquitySnapshotStore = (*EquityStore)(nil)
