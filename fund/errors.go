/*
errors.go - Sentinel errors for the fund ledger

USAGE:
  Callers match with errors.Is():

    if errors.Is(err, fund.ErrDuplicateIdempotencyKey) {
        // Already applied, safe to ignore on retry
    }
*/
package fund

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrDuplicateIdempotencyKey is returned when a delta with the same
	// idempotency key already exists. Expected behavior for retries.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrInvalidAmount is returned for zero or absurd delta values,
	// rejected before any ledger write.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrAccountNotFound is returned when a referenced account doesn't
	// exist and the operation cannot lazily create one.
	ErrAccountNotFound = errors.New("fund account not found")
)

// InvalidAmountError carries the rejected value.
type InvalidAmountError struct {
	Amount decimal.Decimal
	Limit  decimal.Decimal
}

func (e *InvalidAmountError) Error() string {
	return fmt.Sprintf("invalid amount %v (absolute limit %v)", e.Amount, e.Limit)
}

func (e *InvalidAmountError) Unwrap() error { return ErrInvalidAmount }
