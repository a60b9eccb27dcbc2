package service

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/dcabot/internal/domain"
)

type fakeUniverse struct {
	symbols []string
	volumes map[string]decimal.Decimal
	fail    bool
	calls   int
}

func (f *fakeUniverse) TradingSymbols(context.Context, string) ([]string, error) {
	f.calls++
	if f.fail {
		return nil, domain.ErrUnauthorized
	}
	return f.symbols, nil
}

func (f *fakeUniverse) QuoteVolumes24h(context.Context) (map[string]decimal.Decimal, error) {
	return f.volumes, nil
}

func TestUniverseFilter(t *testing.T) {
	market := &fakeUniverse{
		symbols: []string{"ETHUSDT", "BTCUSDT", "USDCUSDT", "SOLUSDT", "DOGEUPUSDT"},
		volumes: map[string]decimal.Decimal{
			"ETHUSDT":    dec("5000000"),
			"BTCUSDT":    dec("9000000"),
			"USDCUSDT":   dec("9000000"),
			"SOLUSDT":    dec("100"),
			"DOGEUPUSDT": dec("9000000"),
		},
	}
	s := NewUniverseService(market, testPolicy(), UniverseConfig{
		QuoteAsset:   "USDT",
		Blacklist:    []string{"usdc", "UP"},
		Min24hVolume: dec("1000000"),
	}, testLogger())

	got, err := s.Symbols(context.Background())
	if err != nil {
		t.Fatalf("Symbols: %v", err)
	}
	want := []string{"BTCUSDT", "ETHUSDT"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("symbols=%v, expected %v", got, want)
	}
}

func TestUniverseStaticList(t *testing.T) {
	s := NewUniverseService(nil, testPolicy(), UniverseConfig{
		Symbols:   []string{" ethusdt", "BTCUSDT", "LUNAUSDT"},
		Blacklist: []string{"LUNA"},
	}, testLogger())
	got, err := s.Symbols(context.Background())
	if err != nil {
		t.Fatalf("Symbols: %v", err)
	}
	if want := []string{"BTCUSDT", "ETHUSDT"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("symbols=%v, expected %v", got, want)
	}
}

func TestUniverseRefresh(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC)
	market := &fakeUniverse{symbols: []string{"ETHUSDT"}}
	s := NewUniverseService(market, testPolicy(), UniverseConfig{RefreshInterval: time.Hour}, testLogger())
	s.now = func() time.Time { return clock }

	if _, err := s.Symbols(ctx); err != nil {
		t.Fatalf("Symbols: %v", err)
	}
	if _, err := s.Symbols(ctx); err != nil || market.calls != 1 {
		t.Fatalf("calls=%d err=%v, expected cached list", market.calls, err)
	}

	clock = clock.Add(2 * time.Hour)
	market.fail = true
	got, err := s.Symbols(ctx)
	if err != nil || len(got) != 1 {
		t.Fatalf("symbols=%v err=%v, expected previous list on refresh failure", got, err)
	}

	fresh := NewUniverseService(market, testPolicy(), UniverseConfig{}, testLogger())
	if _, err := fresh.Symbols(ctx); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("err=%v, expected ErrUnauthorized without a previous list", err)
	}
}
