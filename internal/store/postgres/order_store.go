package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/dcabot/internal/domain"
)

// RecordOrder appends an order placed on behalf of a position.
func (l *Ledger) RecordOrder(ctx context.Context, rec domain.OrderRecord) error {
	const query = `INSERT INTO position_orders
		(position_id, order_id, client_order_id, symbol, kind, side, price, qty, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8::numeric, $9)`

	_, err := l.pool.Exec(ctx, query,
		rec.PositionID, rec.OrderID, rec.ClientOrderID, rec.Symbol,
		string(rec.Kind), string(rec.Side), rec.Price.String(), rec.Qty.String(), string(rec.Status),
	)
	if err != nil {
		return fmt.Errorf("postgres: record %s order %s for %s: %w: %v",
			rec.Kind, rec.OrderID, rec.PositionID, domain.ErrPersistence, err)
	}
	return nil
}

// Orders lists the orders recorded for a position, oldest first.
func (l *Ledger) Orders(ctx context.Context, positionID string) ([]domain.OrderRecord, error) {
	const query = `SELECT id, position_id::text, order_id, client_order_id, symbol, kind, side,
			price::text, qty::text, status, created_at
		FROM position_orders WHERE position_id = $1 ORDER BY id`

	rows, err := l.pool.Query(ctx, query, positionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list orders for %s: %w: %v", positionID, domain.ErrPersistence, err)
	}
	records, err := scanOrderRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan orders for %s: %w", positionID, err)
	}
	return records, nil
}

func scanOrderRecords(rows pgx.Rows) ([]domain.OrderRecord, error) {
	defer rows.Close()

	var out []domain.OrderRecord
	for rows.Next() {
		var r domain.OrderRecord
		var kind, side, status, price, qty string
		if err := rows.Scan(
			&r.ID, &r.PositionID, &r.OrderID, &r.ClientOrderID, &r.Symbol,
			&kind, &side, &price, &qty, &status, &r.CreatedAt,
		); err != nil {
			return nil, err
		}
		r.Kind = domain.OrderKind(kind)
		r.Side = domain.OrderSide(side)
		r.Status = domain.OrderStatus(status)
		r.Price, _ = decimal.NewFromString(price)
		r.Qty, _ = decimal.NewFromString(qty)
		out = append(out, r)
	}
	return out, rows.Err()
}
