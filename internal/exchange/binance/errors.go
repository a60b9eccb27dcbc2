package binance

import (
	"context"
	"errors"
	"fmt"

	"github.com/adshao/go-binance/v2/common"
	"github.com/alanyoungcy/dcabot/internal/domain"
)

// classifyCode maps a Binance API error code onto the domain taxonomy.
func classifyCode(code int64) error {
	switch code {
	// -1021 is a timestamp outside recvWindow: clock skew, retried after the
	// client resyncs its time offset.
	case -1001, -1006, -1007, -1008, -1016, codeTimestampOutsideWindow:
		return domain.ErrTransient
	case -1003, -1015, 429, 418:
		return domain.ErrRateLimited
	case -1002, -1022, -2014, -2015:
		return domain.ErrUnauthorized
	case -2011, -2013, -1121:
		return domain.ErrNotFound
	case -2010, -1013, -1111, -1112, -1116, -1117, -1100, -1101, -1102, -1104, -1106:
		return domain.ErrOrderRejected
	}
	if code <= -1100 && code > -1200 {
		return domain.ErrOrderRejected
	}
	return domain.ErrTransient
}

// codeTimestampOutsideWindow is returned when the local clock drifted from the
// server's beyond recvWindow.
const codeTimestampOutsideWindow = -1021

func isClockSkew(err error) bool {
	var apiErr *common.APIError
	return errors.As(err, &apiErr) && apiErr.Code == codeTimestampOutsideWindow
}

// mapError wraps err with op and a domain sentinel describing how callers
// should treat it.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("binance: %s: %w", op, err)
	}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("binance: %s: %w: %s (code %d)", op, classifyCode(apiErr.Code), apiErr.Message, apiErr.Code)
	}

	// Dial failures, timeouts and malformed responses.
	return fmt.Errorf("binance: %s: %w: %v", op, domain.ErrTransient, err)
}
