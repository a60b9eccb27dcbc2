package service

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/dcabot/internal/domain"
)

// PositionView is a position valued at the current mark.
type PositionView struct {
	domain.Position
	Mark          decimal.Decimal `json:"mark"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	LossPct       decimal.Decimal `json:"loss_pct"`
}

// PositionDetail is a position with its order history and audit trail.
type PositionDetail struct {
	PositionView
	Orders []domain.OrderRecord `json:"orders"`
	Events []domain.AuditEntry  `json:"events,omitempty"`
}

// maxDetailEvents bounds the audit trail returned with a position.
const maxDetailEvents = 200

// PositionService is the read side of the ledger used by the status API.
type PositionService struct {
	ledger domain.Ledger
	audit  domain.AuditLog
	prices *PriceService
	logger *slog.Logger
}

// NewPositionService creates a PositionService. audit and prices may be nil;
// without prices marks are left zero.
func NewPositionService(ledger domain.Ledger, audit domain.AuditLog, prices *PriceService, logger *slog.Logger) *PositionService {
	return &PositionService{
		ledger: ledger,
		audit:  audit,
		prices: prices,
		logger: logger.With(slog.String("component", "positions")),
	}
}

// Open lists PENDING and OPEN positions valued at their marks. A pricing
// failure is logged and leaves marks zero.
func (s *PositionService) Open(ctx context.Context) ([]PositionView, error) {
	positions, err := s.ledger.GetOpen(ctx)
	if err != nil {
		return nil, fmt.Errorf("service: list positions: %w", err)
	}
	marks := s.marks(ctx, positions)

	out := make([]PositionView, 0, len(positions))
	for _, p := range positions {
		out = append(out, Value(p, marks[p.Symbol]))
	}
	return out, nil
}

// Get returns one position with its recorded orders.
func (s *PositionService) Get(ctx context.Context, id string) (PositionDetail, error) {
	p, err := s.ledger.Get(ctx, id)
	if err != nil {
		return PositionDetail{}, fmt.Errorf("service: get position: %w", err)
	}
	orders, err := s.ledger.Orders(ctx, id)
	if err != nil {
		return PositionDetail{}, fmt.Errorf("service: get position orders: %w", err)
	}
	var mark decimal.Decimal
	if !p.Status.IsTerminal() {
		mark = s.marks(ctx, []domain.Position{p})[p.Symbol]
	}
	return PositionDetail{PositionView: Value(p, mark), Orders: orders, Events: s.events(ctx, p)}, nil
}

// events returns p's audit trail, oldest first. A failed read is logged and
// leaves the trail out of the detail.
func (s *PositionService) events(ctx context.Context, p domain.Position) []domain.AuditEntry {
	if s.audit == nil {
		return nil
	}
	entries, err := s.audit.List(ctx, domain.ListOpts{PositionID: p.ID, Limit: maxDetailEvents})
	if err != nil {
		s.logger.WarnContext(ctx, "position audit trail unavailable",
			slog.String("position_id", p.ID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	// List is newest first.
	slices.Reverse(entries)
	return entries
}

func (s *PositionService) marks(ctx context.Context, positions []domain.Position) map[string]decimal.Decimal {
	if s.prices == nil || len(positions) == 0 {
		return nil
	}
	symbols := make([]string, 0, len(positions))
	for _, p := range positions {
		symbols = append(symbols, p.Symbol)
	}
	marks, err := s.prices.Marks(ctx, symbols)
	if err != nil {
		s.logger.WarnContext(ctx, "price positions failed", slog.String("error", err.Error()))
	}
	return marks
}

// Value computes unrealized PnL and loss percent of p at mark. A zero mark
// yields zero values.
func Value(p domain.Position, mark decimal.Decimal) PositionView {
	v := PositionView{Position: p, Mark: mark}
	if !mark.IsPositive() || !p.BaseQty.IsPositive() {
		return v
	}
	diff := mark.Sub(p.AvgEntryPrice)
	if p.Side == domain.SideShort {
		diff = diff.Neg()
	}
	v.UnrealizedPnL = diff.Mul(p.BaseQty)
	v.LossPct = p.LossPercent(mark)
	return v
}
