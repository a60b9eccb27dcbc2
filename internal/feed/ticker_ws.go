// Package feed streams exchange mark prices into the price cache.
package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

const (
	// pongWait bounds the silence tolerated before the connection is
	// considered dead. The exchange pings every few minutes and tickers
	// arrive every second.
	pongWait = 5 * time.Minute

	writeWait = 10 * time.Second

	reconnectDelay    = 2 * time.Second
	maxReconnectDelay = time.Minute

	// maxStreams is the largest combined-stream subscription; above it the
	// all-market stream is used and filtered locally.
	maxStreams = 200
)

// TickerHandler receives one mark price update.
type TickerHandler func(ctx context.Context, symbol string, price decimal.Decimal, ts time.Time) error

// SymbolsFunc returns the symbols to stream. It is called on every connect.
type SymbolsFunc func(ctx context.Context) ([]string, error)

// MiniTicker is the 24h rolling mini-ticker payload.
type MiniTicker struct {
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Close     string `json:"c"`
}

type envelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// TickerFeed maintains a mini-ticker websocket subscription and forwards
// last prices to a handler. It reconnects with backoff and re-reads the
// symbol list every Resubscribe interval.
type TickerFeed struct {
	baseURL     string
	symbols     SymbolsFunc
	handle      TickerHandler
	resubscribe time.Duration
	logger      *slog.Logger
}

// NewTickerFeed creates a TickerFeed. baseURL is the stream host, e.g.
// "wss://stream.binance.com:9443".
func NewTickerFeed(baseURL string, symbols SymbolsFunc, handle TickerHandler, resubscribe time.Duration, logger *slog.Logger) *TickerFeed {
	if resubscribe <= 0 {
		resubscribe = time.Hour
	}
	return &TickerFeed{
		baseURL:     strings.TrimRight(baseURL, "/"),
		symbols:     symbols,
		handle:      handle,
		resubscribe: resubscribe,
		logger:      logger.With(slog.String("component", "ticker_feed")),
	}
}

// Run streams until ctx is cancelled.
func (f *TickerFeed) Run(ctx context.Context) error {
	delay := reconnectDelay
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		connCtx, cancel := context.WithTimeout(ctx, f.resubscribe)
		received, err := f.runConnection(connCtx)
		cancel()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if received {
			delay = reconnectDelay
		}
		if err != nil {
			f.logger.WarnContext(ctx, "ticker stream disconnected, reconnecting",
				slog.Duration("delay", delay),
				slog.String("error", err.Error()),
			)
		}

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		if err != nil {
			delay = min(delay*2, maxReconnectDelay)
		}
	}
}

// StreamURL builds the subscription URL for symbols and returns the set of
// symbols to keep when the all-market stream is used.
func StreamURL(baseURL string, symbols []string) (string, map[string]bool) {
	if len(symbols) == 0 || len(symbols) > maxStreams {
		keep := make(map[string]bool, len(symbols))
		for _, s := range symbols {
			keep[strings.ToUpper(s)] = true
		}
		return baseURL + "/stream?streams=!miniTicker@arr", keep
	}
	streams := make([]string, 0, len(symbols))
	for _, s := range symbols {
		streams = append(streams, strings.ToLower(s)+"@miniTicker")
	}
	return baseURL + "/stream?streams=" + strings.Join(streams, "/"), nil
}

// runConnection reads one connection until it fails or ctx ends. received
// reports whether any ticker arrived.
func (f *TickerFeed) runConnection(ctx context.Context) (received bool, err error) {
	symbols, err := f.symbols(ctx)
	if err != nil {
		return false, fmt.Errorf("feed: symbols: %w", err)
	}
	url, keep := StreamURL(f.baseURL, symbols)

	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return false, fmt.Errorf("feed: connect: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		_ = conn.Close()
	})
	defer stop()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})
	f.logger.InfoContext(ctx, "ticker stream connected", slog.Int("symbols", len(symbols)))

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return received, nil
			}
			return received, fmt.Errorf("feed: read: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		tickers, err := ParseMessage(msg)
		if err != nil {
			f.logger.DebugContext(ctx, "skip ticker message", slog.String("error", err.Error()))
			continue
		}
		for _, t := range tickers {
			if len(keep) > 0 && !keep[t.Symbol] {
				continue
			}
			price, err := decimal.NewFromString(t.Close)
			if err != nil || !price.IsPositive() {
				continue
			}
			received = true
			if err := f.handle(ctx, t.Symbol, price, time.UnixMilli(t.EventTime).UTC()); err != nil {
				f.logger.WarnContext(ctx, "store ticker failed",
					slog.String("symbol", t.Symbol),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// ParseMessage decodes a combined-stream message carrying either one
// mini-ticker or the all-market array.
func ParseMessage(msg []byte) ([]MiniTicker, error) {
	var env envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return nil, fmt.Errorf("feed: decode envelope: %w", err)
	}
	data := bytes.TrimSpace(env.Data)
	if len(data) == 0 {
		return nil, fmt.Errorf("feed: message without data")
	}
	if data[0] == '[' {
		var out []MiniTicker
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("feed: decode %s: %w", env.Stream, err)
		}
		return out, nil
	}
	var t MiniTicker
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("feed: decode %s: %w", env.Stream, err)
	}
	return []MiniTicker{t}, nil
}
