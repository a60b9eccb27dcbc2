package signal

import (
	"fmt"
	"strconv"
	"time"

	"github.com/alanyoungcy/dcabot/internal/domain"
)

// ParseTimeframe converts an exchange interval such as "15m", "4h" or "1d"
// into a duration.
func ParseTimeframe(tf string) (time.Duration, error) {
	if len(tf) < 2 {
		return 0, fmt.Errorf("%w: timeframe %q", domain.ErrValidation, tf)
	}
	n, err := strconv.Atoi(tf[:len(tf)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: timeframe %q", domain.ErrValidation, tf)
	}

	var unit time.Duration
	switch tf[len(tf)-1] {
	case 'm':
		unit = time.Minute
	case 'h':
		unit = time.Hour
	case 'd':
		unit = 24 * time.Hour
	case 'w':
		unit = 7 * 24 * time.Hour
	default:
		return 0, fmt.Errorf("%w: timeframe %q must end in m, h, d or w", domain.ErrValidation, tf)
	}
	return time.Duration(n) * unit, nil
}

// closedCandles returns the candles that had closed at now, oldest first.
func closedCandles(candles []domain.Candle, now time.Time) []domain.Candle {
	out := make([]domain.Candle, 0, len(candles))
	for _, c := range candles {
		if c.ClosedAt(now) {
			out = append(out, c)
		}
	}
	return out
}
