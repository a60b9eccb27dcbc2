package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/dcabot/internal/domain"
)

// Ledger implements domain.Ledger using PostgreSQL. Each mutation is a single
// conditional UPDATE or INSERT, so a crash never leaves a half-written row.
type Ledger struct {
	pool *pgxpool.Pool
}

// NewLedger creates a Ledger backed by the given connection pool.
func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

const positionSelectCols = `id::text, symbol, side, status,
	avg_entry_price::text, base_qty::text, initial_qty::text, quote_spent::text,
	dca_count, COALESCE(tp_order_id, ''), COALESCE(tp_price, 0)::text,
	created_at, updated_at, closed_at`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var side, status, avg, qty, initial, spent, tpPrice string

	if err := row.Scan(
		&p.ID, &p.Symbol, &side, &status,
		&avg, &qty, &initial, &spent,
		&p.DCACount, &p.TakeProfitOrderID, &tpPrice,
		&p.CreatedAt, &p.UpdatedAt, &p.ClosedAt,
	); err != nil {
		return domain.Position{}, err
	}
	p.Side = domain.Side(side)
	p.Status = domain.PositionStatus(status)

	var err error
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&p.AvgEntryPrice, avg},
		{&p.BaseQty, qty},
		{&p.InitialQty, initial},
		{&p.QuoteSpent, spent},
		{&p.TakeProfitPrice, tpPrice},
	} {
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return domain.Position{}, fmt.Errorf("parse numeric %q: %w", f.src, err)
		}
	}
	return p, nil
}

func scanPositions(rows pgx.Rows) ([]domain.Position, error) {
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// CreatePending inserts a PENDING position. It returns
// domain.ErrAlreadyExists when symbol already has an active position.
func (l *Ledger) CreatePending(ctx context.Context, symbol string, side domain.Side) (domain.Position, error) {
	now := time.Now().UTC()
	p := domain.Position{
		ID:        uuid.NewString(),
		Symbol:    symbol,
		Side:      side,
		Status:    domain.PositionStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	const query = `INSERT INTO positions (id, symbol, side, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)`
	if _, err := l.pool.Exec(ctx, query, p.ID, symbol, string(side), string(p.Status), now); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.Position{}, fmt.Errorf("postgres: create pending %s: %w", symbol, domain.ErrAlreadyExists)
		}
		return domain.Position{}, fmt.Errorf("postgres: create pending %s: %w: %v", symbol, domain.ErrPersistence, err)
	}
	return p, nil
}

// Confirm writes fill-derived state and moves the position to OPEN.
func (l *Ledger) Confirm(ctx context.Context, id string, c domain.Confirmation) error {
	setTP := c.TakeProfit != nil
	tpID, tpPrice := "", "0"
	if setTP {
		tpID, tpPrice = c.TakeProfit.OrderID, c.TakeProfit.Price.String()
	}

	const query = `UPDATE positions SET
			status = 'OPEN',
			avg_entry_price = $2::numeric,
			base_qty = $3::numeric,
			quote_spent = $4::numeric,
			dca_count = $5,
			initial_qty = CASE WHEN status = 'PENDING' THEN $6::numeric ELSE initial_qty END,
			tp_order_id = CASE WHEN $7::boolean THEN NULLIF($8::text, '') ELSE tp_order_id END,
			tp_price = CASE WHEN $7::boolean THEN $9::numeric ELSE tp_price END,
			updated_at = NOW()
		WHERE id = $1 AND status IN ('PENDING', 'OPEN') AND ($10::int < 0 OR dca_count = $10::int)`

	tag, err := l.pool.Exec(ctx, query, id,
		c.AvgEntryPrice.String(), c.BaseQty.String(), c.QuoteSpent.String(), c.DCACount,
		c.InitialQty.String(), setTP, tpID, tpPrice, c.ExpectDCACount,
	)
	if err != nil {
		return fmt.Errorf("postgres: confirm position %s: %w: %v", id, domain.ErrPersistence, err)
	}
	if tag.RowsAffected() == 0 {
		return l.missOrConflict(ctx, id, "confirm")
	}
	return nil
}

// SetTakeProfit records the live take-profit of an OPEN position, or clears
// it when tp is nil.
func (l *Ledger) SetTakeProfit(ctx context.Context, id string, tp *domain.TakeProfitRef) error {
	var orderID, price any
	if tp != nil {
		orderID, price = tp.OrderID, tp.Price.String()
	}

	const query = `UPDATE positions SET tp_order_id = $2::text, tp_price = $3::numeric, updated_at = NOW()
		WHERE id = $1 AND status = 'OPEN'`
	tag, err := l.pool.Exec(ctx, query, id, orderID, price)
	if err != nil {
		return fmt.Errorf("postgres: set take-profit %s: %w: %v", id, domain.ErrPersistence, err)
	}
	if tag.RowsAffected() == 0 {
		return l.missOrConflict(ctx, id, "set take-profit")
	}
	return nil
}

// GetOpen returns every PENDING and OPEN position, oldest first.
func (l *Ledger) GetOpen(ctx context.Context) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions
		WHERE status IN ('PENDING', 'OPEN') ORDER BY created_at`
	rows, err := l.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: get open positions: %w: %v", domain.ErrPersistence, err)
	}
	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan open positions: %w", err)
	}
	return positions, nil
}

// Get returns a position by id.
func (l *Ledger) Get(ctx context.Context, id string) (domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE id = $1`
	p, err := scanPosition(l.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, domain.ErrNotFound)
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// Close moves a position to a terminal status.
func (l *Ledger) Close(ctx context.Context, id string, status domain.PositionStatus) error {
	from := closableFrom(status)
	if len(from) == 0 {
		return fmt.Errorf("postgres: close position %s as %s: %w", id, status, domain.ErrInvalidTransition)
	}

	const query = `UPDATE positions SET status = $2, closed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)`
	tag, err := l.pool.Exec(ctx, query, id, string(status), from)
	if err != nil {
		return fmt.Errorf("postgres: close position %s: %w: %v", id, domain.ErrPersistence, err)
	}
	if tag.RowsAffected() == 0 {
		return l.missOrConflict(ctx, id, "close")
	}
	return nil
}

// closableFrom lists the statuses a position may hold before moving to a
// terminal status.
func closableFrom(status domain.PositionStatus) []string {
	switch status {
	case domain.PositionStatusClosedProfit:
		return []string{string(domain.PositionStatusOpen)}
	case domain.PositionStatusClosedAborted:
		return []string{string(domain.PositionStatusPending), string(domain.PositionStatusOpen)}
	default:
		return nil
	}
}

func (l *Ledger) missOrConflict(ctx context.Context, id, op string) error {
	var status string
	err := l.pool.QueryRow(ctx, `SELECT status FROM positions WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("postgres: %s position %s: %w", op, id, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("postgres: %s position %s: %w: %v", op, id, domain.ErrPersistence, err)
	}
	return fmt.Errorf("postgres: %s position %s (status %s): %w", op, id, status, domain.ErrInvalidTransition)
}

// Compile-time interface check.
var _ domain.Ledger = (*Ledger)(nil)
