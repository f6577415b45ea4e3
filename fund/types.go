/*
Package fund provides the append-only money ledger and the per-user
fund account it materializes.

PURPOSE:
  Every monetary consequence in the system flows through this package:
  penalties, bleeding debits, earnings, adjustments. The transaction log
  is the source of truth; the account row is a materialized aggregate
  that must always equal the sum of the log.

KEY CONCEPTS IN THIS FILE (types.go):
  - Transaction: An immutable, signed ledger entry (positive = credit,
    negative = debit)
  - Account: The materialized per-user aggregate (balance, totals,
    payout configuration)

DESIGN PRINCIPLES:
  1. Immutability: Transactions are never updated or deleted
  2. Precision: decimal.Decimal for all money, no floats
  3. Auditability: Balance is always recomputable from the log
  4. Idempotency: Writes carry idempotency keys so retries cannot
     double-apply

SEE ALSO:
  - ledger.go: ApplyDelta, the single atomic mutation
  - errors.go: Sentinel errors for this package
*/
package fund

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// TRANSACTION - Signed, immutable ledger entry
// =============================================================================

type TxType string

const (
	TxPenalty    TxType = "penalty"    // Escalation-tier financial penalty (debit)
	TxBleeding   TxType = "bleeding"   // Settled time-metered penalty (debit)
	TxEarning    TxType = "earning"    // Credit from the host's earning flows
	TxAdjustment TxType = "adjustment" // Manual admin correction (either sign)
	TxPayout     TxType = "payout"     // Funds handed to the external payout process (debit)
)

type Transaction struct {
	ID             string
	UserID         string
	Amount         decimal.Decimal // signed: positive = credit, negative = debit
	Type           TxType
	Description    string
	IdempotencyKey string
	CreatedAt      time.Time
}

// IsDebit reports whether the transaction reduces the balance.
func (t Transaction) IsDebit() bool { return t.Amount.IsNegative() }

// IsPenaltyLike reports whether the transaction counts against the
// monthly penalty accumulator.
func (t Transaction) IsPenaltyLike() bool {
	return t.Type == TxPenalty || t.Type == TxBleeding
}

// =============================================================================
// ACCOUNT - Materialized per-user aggregate
// =============================================================================

// Default account configuration. The payout fields are advisory data read
// by the external payout process; this package never moves real money.
var (
	DefaultPayoutThreshold     = decimal.NewFromInt(50)
	DefaultReservePercentage   = decimal.RequireFromString("0.20")
	DefaultMonthlyPenaltyLimit = decimal.NewFromInt(500)
)

// Account is the materialized view of a user's transaction log.
//
// INVARIANT: Balance == sum(Transaction.Amount) for the user. The ledger
// maintains this inside a single storage transaction per ApplyDelta; the
// Audit/Repair operations in ledger.go verify and restore it.
type Account struct {
	UserID string

	Balance        decimal.Decimal
	TotalEarned    decimal.Decimal
	TotalPenalties decimal.Decimal
	TotalSpent     decimal.Decimal
	PendingPayout  decimal.Decimal

	// Payout configuration, read by the external payout process.
	PayoutThreshold   decimal.Decimal
	ReservePercentage decimal.Decimal // fraction of balance held back, [0, 1]

	// Advisory monthly penalty cap. Enforced by callers issuing
	// penalties, not by ApplyDelta itself.
	MonthlyPenaltyLimit       decimal.Decimal
	MonthlyPenaltiesThisMonth decimal.Decimal
	PenaltyMonth              string // "2006-01" month the accumulator belongs to

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewAccount returns an account with default configuration and zero balances.
func NewAccount(userID string, now time.Time) *Account {
	return &Account{
		UserID:                    userID,
		Balance:                   decimal.Zero,
		TotalEarned:               decimal.Zero,
		TotalPenalties:            decimal.Zero,
		TotalSpent:                decimal.Zero,
		PendingPayout:             decimal.Zero,
		PayoutThreshold:           DefaultPayoutThreshold,
		ReservePercentage:         DefaultReservePercentage,
		MonthlyPenaltyLimit:       DefaultMonthlyPenaltyLimit,
		MonthlyPenaltiesThisMonth: decimal.Zero,
		PenaltyMonth:              now.UTC().Format("2006-01"),
		CreatedAt:                 now.UTC(),
		UpdatedAt:                 now.UTC(),
	}
}

// PenaltiesThisMonth returns the monthly penalty accumulator, treating a
// stale accumulator from a previous month as zero.
func (a *Account) PenaltiesThisMonth(now time.Time) decimal.Decimal {
	if a.PenaltyMonth != now.UTC().Format("2006-01") {
		return decimal.Zero
	}
	return a.MonthlyPenaltiesThisMonth
}

// PayoutEligible returns the amount the external payout process may take:
// the balance minus the reserve, and only once it clears the threshold.
func (a *Account) PayoutEligible() decimal.Decimal {
	if !a.Balance.IsPositive() {
		return decimal.Zero
	}
	available := a.Balance.Mul(decimal.NewFromInt(1).Sub(a.ReservePercentage))
	if available.LessThan(a.PayoutThreshold) {
		return decimal.Zero
	}
	return available
}
