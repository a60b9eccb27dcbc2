package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.CycleCompleted(time.Second, errors.New("boom"))
	m.SignalFired("LONG")
	m.MACacheLookup(true)
	m.OrderPlaced("entry", "BUY")
	m.PositionOpened("LONG")
	m.PositionClosed("CLOSED_PROFIT")
	m.AverageCompleted()
	m.Alert("tp_failed")
	m.SetRisk(decimal.NewFromInt(1), decimal.NewFromInt(2), true)
	m.SetOpenPositions(3)
	m.ReconcileEvent("orphan", 1)
	m.SetOrphans(1)

	if m.Registry() != nil {
		t.Fatal("expected nil registry")
	}
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Fatalf("code=%d, expected 404", rec.Code)
	}
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.SetRisk(decimal.NewFromInt(9000), decimal.NewFromInt(10000), true)
	m.PositionOpened("LONG")
	m.ReconcileEvent("tp_replaced", 2)
	m.ReconcileEvent("orphan", 0)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	out := string(body)

	for _, want := range []string{
		"dcabot_equity_quote 9000",
		"dcabot_daily_start_equity_quote 10000",
		"dcabot_trading_halted 1",
		`dcabot_positions_opened_total{side="LONG"} 1`,
		`dcabot_reconcile_events_total{event="tp_replaced"} 2`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
	if strings.Contains(out, `event="orphan"`) {
		t.Fatal("zero-count reconcile event should not create a series")
	}
}
