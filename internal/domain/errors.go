package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrLockHeld      = errors.New("lock already held")

	// Exchange error taxonomy.
	ErrTransient     = errors.New("transient network error")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrOrderRejected = errors.New("order rejected")

	ErrValidation             = errors.New("validation failed")
	ErrInsufficientData       = errors.New("insufficient market data")
	ErrInvalidTransition      = errors.New("invalid position status transition")
	ErrReconciliationConflict = errors.New("reconciliation conflict")
	ErrPersistence            = errors.New("persistence failure")
	ErrTakeProfitFailed       = errors.New("take-profit placement failed")
)
