package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
	// PositionID restricts audit queries to one position's events.
	PositionID string
}

// Ledger is the durable record of positions and the orders placed for them.
// Every mutation is a single atomic statement.
type Ledger interface {
	// CreatePending inserts a PENDING position and returns it.
	CreatePending(ctx context.Context, symbol string, side Side) (Position, error)
	// Confirm moves a PENDING or OPEN position to OPEN with the given state.
	// It returns ErrInvalidTransition when the row is closed or the
	// ExpectDCACount guard does not match.
	Confirm(ctx context.Context, id string, c Confirmation) error
	// SetTakeProfit records (or clears, with a nil ref) the live take-profit.
	SetTakeProfit(ctx context.Context, id string, tp *TakeProfitRef) error
	// GetOpen returns every PENDING and OPEN position.
	GetOpen(ctx context.Context) ([]Position, error)
	Get(ctx context.Context, id string) (Position, error)
	// Close moves a non-terminal position to a terminal status.
	Close(ctx context.Context, id string, status PositionStatus) error
	RecordOrder(ctx context.Context, rec OrderRecord) error
	Orders(ctx context.Context, positionID string) ([]OrderRecord, error)
}

// AuditEntry is a single audit log row. PositionID and Symbol are lifted
// from the detail map so a position's history can be queried directly.
type AuditEntry struct {
	ID         int64          `json:"id"`
	Event      string         `json:"event"`
	PositionID string         `json:"position_id,omitempty"`
	Symbol     string         `json:"symbol,omitempty"`
	Detail     map[string]any `json:"detail"`
	CreatedAt  time.Time      `json:"created_at"`
}

// AuditSubject returns the position id and symbol carried by an audit detail
// map, or empty strings.
func AuditSubject(detail map[string]any) (positionID, symbol string) {
	positionID, _ = detail["position_id"].(string)
	symbol, _ = detail["symbol"].(string)
	return positionID, symbol
}

// AuditLog persists an append-only audit log.
type AuditLog interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// StateStore keeps small opaque blobs (the paper venue's book and balances)
// across restarts. LoadState returns ErrNotFound for an unknown key.
type StateStore interface {
	LoadState(ctx context.Context, key string) ([]byte, error)
	SaveState(ctx context.Context, key string, data []byte) error
}
