package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/dcabot/internal/domain"
)

// AuditLog implements domain.AuditLog using PostgreSQL.
type AuditLog struct {
	pool *pgxpool.Pool
}

// NewAuditLog creates an AuditLog backed by the given connection pool.
func NewAuditLog(pool *pgxpool.Pool) *AuditLog {
	return &AuditLog{pool: pool}
}

// Log appends a position event. The position id and symbol are copied out of
// detail into indexed columns; the full map is stored as JSONB.
func (s *AuditLog) Log(ctx context.Context, event string, detail map[string]any) error {
	if detail == nil {
		detail = map[string]any{}
	}
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("postgres: marshal %s detail: %w", event, err)
	}
	positionID, symbol := domain.AuditSubject(detail)

	const query = `INSERT INTO audit_log (event, position_id, symbol, detail) VALUES ($1, $2, $3, $4)`
	if _, err := s.pool.Exec(ctx, query, event, positionID, symbol, detailJSON); err != nil {
		return fmt.Errorf("postgres: log %s for %q: %w: %v", event, positionID, domain.ErrPersistence, err)
	}
	return nil
}

// List returns audit entries, newest first, with pagination and optional
// position and time filtering.
func (s *AuditLog) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	query := `SELECT id, event, position_id, symbol, detail, created_at FROM audit_log WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.PositionID != "" {
		query += fmt.Sprintf(" AND position_id = $%d", argIdx)
		args = append(args, opts.PositionID)
		argIdx++
	}

	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}
	query += " ORDER BY created_at DESC, id DESC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var detailJSON []byte
		if err := rows.Scan(&e.ID, &e.Event, &e.PositionID, &e.Symbol, &detailJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan audit entry: %w", err)
		}
		if len(detailJSON) > 0 {
			if err := json.Unmarshal(detailJSON, &e.Detail); err != nil {
				return nil, fmt.Errorf("postgres: unmarshal audit detail: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list audit entries rows: %w", err)
	}
	return entries, nil
}

// Compile-time interface check.
var _ domain.AuditLog = (*AuditLog)(nil)
