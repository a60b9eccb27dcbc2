package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/alanyoungcy/dcabot/internal/domain"
)

// Ledger implements domain.Ledger on SQLite.
type Ledger struct {
	db  *sql.DB
	now func() time.Time
}

// NewLedger creates a Ledger on the client's database.
func NewLedger(c *Client) *Ledger {
	return &Ledger{db: c.db, now: time.Now}
}

const positionSelectCols = `id, symbol, side, status, avg_entry_price, base_qty, initial_qty,
	quote_spent, dca_count, COALESCE(tp_order_id, ''), COALESCE(tp_price, '0'),
	created_at, updated_at, closed_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanPosition(row scanner) (domain.Position, error) {
	var p domain.Position
	var side, status, avg, qty, initial, spent, tpPrice string
	var created, updated int64
	var closed sql.NullInt64

	if err := row.Scan(
		&p.ID, &p.Symbol, &side, &status, &avg, &qty, &initial,
		&spent, &p.DCACount, &p.TakeProfitOrderID, &tpPrice,
		&created, &updated, &closed,
	); err != nil {
		return domain.Position{}, err
	}
	p.Side = domain.Side(side)
	p.Status = domain.PositionStatus(status)
	p.CreatedAt = fromMillis(created)
	p.UpdatedAt = fromMillis(updated)
	if closed.Valid {
		t := fromMillis(closed.Int64)
		p.ClosedAt = &t
	}

	var err error
	if p.AvgEntryPrice, err = decimal.NewFromString(avg); err != nil {
		return domain.Position{}, fmt.Errorf("parse avg_entry_price: %w", err)
	}
	if p.BaseQty, err = decimal.NewFromString(qty); err != nil {
		return domain.Position{}, fmt.Errorf("parse base_qty: %w", err)
	}
	if p.InitialQty, err = decimal.NewFromString(initial); err != nil {
		return domain.Position{}, fmt.Errorf("parse initial_qty: %w", err)
	}
	if p.QuoteSpent, err = decimal.NewFromString(spent); err != nil {
		return domain.Position{}, fmt.Errorf("parse quote_spent: %w", err)
	}
	if p.TakeProfitPrice, err = decimal.NewFromString(tpPrice); err != nil {
		return domain.Position{}, fmt.Errorf("parse tp_price: %w", err)
	}
	return p, nil
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}

// CreatePending inserts a PENDING position. It returns
// domain.ErrAlreadyExists when symbol already has an active position.
func (l *Ledger) CreatePending(ctx context.Context, symbol string, side domain.Side) (domain.Position, error) {
	now := l.now().UTC().Truncate(time.Millisecond)
	p := domain.Position{
		ID:        uuid.NewString(),
		Symbol:    symbol,
		Side:      side,
		Status:    domain.PositionStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	const query = `INSERT INTO positions (id, symbol, side, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := l.db.ExecContext(ctx, query, p.ID, symbol, string(side), string(p.Status), toMillis(now), toMillis(now)); err != nil {
		if isUniqueViolation(err) {
			return domain.Position{}, fmt.Errorf("sqlite: create pending %s: %w", symbol, domain.ErrAlreadyExists)
		}
		return domain.Position{}, fmt.Errorf("sqlite: create pending %s: %w: %v", symbol, domain.ErrPersistence, err)
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
			avg_entry_price = ?,
			base_qty = ?,
			quote_spent = ?,
			dca_count = ?,
			initial_qty = CASE WHEN status = 'PENDING' THEN ? ELSE initial_qty END,
			tp_order_id = CASE WHEN ? THEN NULLIF(?, '') ELSE tp_order_id END,
			tp_price = CASE WHEN ? THEN ? ELSE tp_price END,
			updated_at = ?
		WHERE id = ? AND status IN ('PENDING', 'OPEN') AND (? < 0 OR dca_count = ?)`

	res, err := l.db.ExecContext(ctx, query,
		c.AvgEntryPrice.String(), c.BaseQty.String(), c.QuoteSpent.String(), c.DCACount,
		c.InitialQty.String(),
		setTP, tpID,
		setTP, tpPrice,
		toMillis(l.now()),
		id, c.ExpectDCACount, c.ExpectDCACount,
	)
	if err != nil {
		return fmt.Errorf("sqlite: confirm position %s: %w: %v", id, domain.ErrPersistence, err)
	}
	return l.checkAffected(ctx, res, id, "confirm")
}

// SetTakeProfit records the live take-profit of an OPEN position, or clears
// it when tp is nil.
func (l *Ledger) SetTakeProfit(ctx context.Context, id string, tp *domain.TakeProfitRef) error {
	var orderID, price any
	if tp != nil {
		orderID, price = tp.OrderID, tp.Price.String()
	}

	const query = `UPDATE positions SET tp_order_id = ?, tp_price = ?, updated_at = ?
		WHERE id = ? AND status = 'OPEN'`
	res, err := l.db.ExecContext(ctx, query, orderID, price, toMillis(l.now()), id)
	if err != nil {
		return fmt.Errorf("sqlite: set take-profit %s: %w: %v", id, domain.ErrPersistence, err)
	}
	return l.checkAffected(ctx, res, id, "set take-profit")
}

// GetOpen returns every PENDING and OPEN position, oldest first.
func (l *Ledger) GetOpen(ctx context.Context) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions
		WHERE status IN ('PENDING', 'OPEN') ORDER BY created_at, rowid`
	rows, err := l.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("sqlite: get open positions: %w: %v", domain.ErrPersistence, err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan open position: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: get open positions rows: %w", err)
	}
	return out, nil
}

// Get returns a position by id.
func (l *Ledger) Get(ctx context.Context, id string) (domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE id = ?`
	p, err := scanPosition(l.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Position{}, fmt.Errorf("sqlite: get position %s: %w", id, domain.ErrNotFound)
		}
		return domain.Position{}, fmt.Errorf("sqlite: get position %s: %w", id, err)
	}
	return p, nil
}

// Close moves a position to a terminal status.
func (l *Ledger) Close(ctx context.Context, id string, status domain.PositionStatus) error {
	var query string
	switch status {
	case domain.PositionStatusClosedProfit:
		query = `UPDATE positions SET status = ?, closed_at = ?, updated_at = ?
			WHERE id = ? AND status = 'OPEN'`
	case domain.PositionStatusClosedAborted:
		query = `UPDATE positions SET status = ?, closed_at = ?, updated_at = ?
			WHERE id = ? AND status IN ('PENDING', 'OPEN')`
	default:
		return fmt.Errorf("sqlite: close position %s as %s: %w", id, status, domain.ErrInvalidTransition)
	}

	now := toMillis(l.now())
	res, err := l.db.ExecContext(ctx, query, string(status), now, now, id)
	if err != nil {
		return fmt.Errorf("sqlite: close position %s: %w: %v", id, domain.ErrPersistence, err)
	}
	return l.checkAffected(ctx, res, id, "close")
}

func (l *Ledger) checkAffected(ctx context.Context, res sql.Result, id, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: %s position %s: %w: %v", op, id, domain.ErrPersistence, err)
	}
	if n > 0 {
		return nil
	}

	var status string
	err = l.db.QueryRowContext(ctx, `SELECT status FROM positions WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("sqlite: %s position %s: %w", op, id, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("sqlite: %s position %s: %w: %v", op, id, domain.ErrPersistence, err)
	}
	return fmt.Errorf("sqlite: %s position %s (status %s): %w", op, id, status, domain.ErrInvalidTransition)
}

// RecordOrder appends an order placed on behalf of a position.
func (l *Ledger) RecordOrder(ctx context.Context, rec domain.OrderRecord) error {
	const query = `INSERT INTO position_orders
		(position_id, order_id, client_order_id, symbol, kind, side, price, qty, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := l.db.ExecContext(ctx, query,
		rec.PositionID, rec.OrderID, rec.ClientOrderID, rec.Symbol,
		string(rec.Kind), string(rec.Side), rec.Price.String(), rec.Qty.String(), string(rec.Status),
		toMillis(l.now()),
	)
	if err != nil {
		return fmt.Errorf("sqlite: record %s order %s for %s: %w: %v",
			rec.Kind, rec.OrderID, rec.PositionID, domain.ErrPersistence, err)
	}
	return nil
}

// Orders lists the orders recorded for a position, oldest first.
func (l *Ledger) Orders(ctx context.Context, positionID string) ([]domain.OrderRecord, error) {
	const query = `SELECT id, position_id, order_id, client_order_id, symbol, kind, side,
			price, qty, status, created_at
		FROM position_orders WHERE position_id = ? ORDER BY id`

	rows, err := l.db.QueryContext(ctx, query, positionID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list orders for %s: %w: %v", positionID, domain.ErrPersistence, err)
	}
	defer rows.Close()

	var out []domain.OrderRecord
	for rows.Next() {
		var r domain.OrderRecord
		var kind, side, status, price, qty string
		var created int64
		if err := rows.Scan(
			&r.ID, &r.PositionID, &r.OrderID, &r.ClientOrderID, &r.Symbol,
			&kind, &side, &price, &qty, &status, &created,
		); err != nil {
			return nil, fmt.Errorf("sqlite: scan order for %s: %w", positionID, err)
		}
		r.Kind = domain.OrderKind(kind)
		r.Side = domain.OrderSide(side)
		r.Status = domain.OrderStatus(status)
		var err error
		if r.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("sqlite: parse price of order %s: %w", r.OrderID, err)
		}
		if r.Qty, err = decimal.NewFromString(qty); err != nil {
			return nil, fmt.Errorf("sqlite: parse qty of order %s: %w", r.OrderID, err)
		}
		r.CreatedAt = fromMillis(created)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list orders rows: %w", err)
	}
	return out, nil
}

// Compile-time interface check.
var _ domain.Ledger = (*Ledger)(nil)
