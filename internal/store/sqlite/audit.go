package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/dcabot/internal/domain"
)

// AuditLog implements domain.AuditLog on SQLite.
type AuditLog struct {
	db  *sql.DB
	now func() time.Time
}

// NewAuditLog creates an AuditLog on the client's database.
func NewAuditLog(c *Client) *AuditLog {
	return &AuditLog{db: c.db, now: time.Now}
}

// Log appends a position event. The position id and symbol are copied out of
// detail into their own columns; the full map is kept as JSON text.
func (s *AuditLog) Log(ctx context.Context, event string, detail map[string]any) error {
	if detail == nil {
		detail = map[string]any{}
	}
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("sqlite: marshal %s detail: %w", event, err)
	}
	positionID, symbol := domain.AuditSubject(detail)

	const query = `INSERT INTO audit_log (event, position_id, symbol, detail, created_at)
		VALUES (?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query, event, positionID, symbol, string(detailJSON), toMillis(s.now()))
	if err != nil {
		return fmt.Errorf("sqlite: log %s for %q: %w: %v", event, positionID, domain.ErrPersistence, err)
	}
	return nil
}

// List returns audit entries, newest first, optionally for one position.
func (s *AuditLog) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	query := `SELECT id, event, position_id, symbol, detail, created_at FROM audit_log WHERE 1=1`
	args := []any{}

	if opts.PositionID != "" {
		query += " AND position_id = ?"
		args = append(args, opts.PositionID)
	}

	if opts.Since != nil {
		query += " AND created_at >= ?"
		args = append(args, toMillis(*opts.Since))
	}
	if opts.Until != nil {
		query += " AND created_at <= ?"
		args = append(args, toMillis(*opts.Until))
	}
	query += " ORDER BY created_at DESC, id DESC"
	if opts.Limit > 0 || opts.Offset > 0 {
		limit := opts.Limit
		if limit <= 0 {
			limit = -1
		}
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var detailJSON string
		var created int64
		if err := rows.Scan(&e.ID, &e.Event, &e.PositionID, &e.Symbol, &detailJSON, &created); err != nil {
			return nil, fmt.Errorf("sqlite: scan audit entry: %w", err)
		}
		if detailJSON != "" {
			if err := json.Unmarshal([]byte(detailJSON), &e.Detail); err != nil {
				return nil, fmt.Errorf("sqlite: unmarshal audit detail: %w", err)
			}
		}
		e.CreatedAt = fromMillis(created)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list audit entries rows: %w", err)
	}
	return entries, nil
}

// Compile-time interface check.
var _ domain.AuditLog = (*AuditLog)(nil)
