package binance

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/adshao/go-binance/v2/common"
	"github.com/alanyoungcy/dcabot/internal/domain"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"disconnected", &common.APIError{Code: -1001, Message: "Internal error; unable to process your request."}, domain.ErrTransient},
		{"too many requests", &common.APIError{Code: -1003, Message: "Too many requests"}, domain.ErrRateLimited},
		{"bad api key", &common.APIError{Code: -2015, Message: "Invalid API-key, IP, or permissions for action."}, domain.ErrUnauthorized},
		{"clock skew", &common.APIError{Code: -1021, Message: "Timestamp for this request is outside of the recvWindow."}, domain.ErrTransient},
		{"signature", &common.APIError{Code: -1022, Message: "Signature for this request is not valid."}, domain.ErrUnauthorized},
		{"unknown order", &common.APIError{Code: -2013, Message: "Order does not exist."}, domain.ErrNotFound},
		{"cancel rejected", &common.APIError{Code: -2011, Message: "Unknown order sent."}, domain.ErrNotFound},
		{"insufficient balance", &common.APIError{Code: -2010, Message: "Account has insufficient balance."}, domain.ErrOrderRejected},
		{"filter failure", &common.APIError{Code: -1013, Message: "Filter failure: NOTIONAL"}, domain.ErrOrderRejected},
		{"bad parameter", &common.APIError{Code: -1130, Message: "Invalid data sent for a parameter."}, domain.ErrOrderRejected},
		{"network", fmt.Errorf("dial tcp: connection refused"), domain.ErrTransient},
		{"cancelled", context.Canceled, context.Canceled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mapError("op", tt.err)
			if !errors.Is(got, tt.want) {
				t.Fatalf("mapError=%v, expected %v", got, tt.want)
			}
		})
	}

	if mapError("op", nil) != nil {
		t.Fatal("expected nil for nil error")
	}
}

func TestIsClockSkew(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"recv window", &common.APIError{Code: -1021}, true},
		{"wrapped", fmt.Errorf("place: %w", &common.APIError{Code: -1021}), true},
		{"signature", &common.APIError{Code: -1022}, false},
		{"network", errors.New("EOF"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isClockSkew(tt.err); got != tt.want {
				t.Fatalf("isClockSkew=%v, expected %v", got, tt.want)
			}
		})
	}
}
