/*
ledger.go - Append-only ledger with a materialized account

PURPOSE:
  ApplyDelta is the ONLY balance mutation in the system. It appends a
  transaction row and updates the account aggregate as a single atomic
  unit - both or neither become visible to subsequent reads.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: transactions are never updated or deleted
  2. ATOMIC: transaction row + account update commit together
  3. RECOMPUTABLE: Balance(userID) replays the log; Audit compares it
     against the materialized row and Repair restores agreement
  4. IDEMPOTENT: a delta with a known idempotency key is rejected with
     ErrDuplicateIdempotencyKey, so retries cannot double-apply

WHAT ApplyDelta DOES NOT DO:
  - No negative-balance floor. Overdraft policy belongs to callers.
  - No monthly penalty cap. The cap on Account is advisory data checked
    by the caller issuing the penalty (see enforcement.Service).

SEE ALSO:
  - store/sqlite: production Store implementation
  - store/memory: in-memory Store for tests
*/
package fund

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MaxAbsoluteDelta is the sanity ceiling for a single delta. Anything
// larger is treated as caller error, rejected before the ledger write.
var MaxAbsoluteDelta = decimal.NewFromInt(10000)

// =============================================================================
// STORE - Persistence interface (append-only for transactions)
// =============================================================================

// Store handles persistence for transactions and accounts.
// Transactions are APPEND-ONLY: no update, no delete.
type Store interface {
	// AppendTransaction persists a transaction. Returns
	// ErrDuplicateIdempotencyKey if the key already exists.
	AppendTransaction(ctx context.Context, tx Transaction) error

	// Transactions returns all transactions for a user, chronologically.
	Transactions(ctx context.Context, userID string) ([]Transaction, error)

	// TransactionsInRange returns transactions with CreatedAt in [from, to].
	TransactionsInRange(ctx context.Context, userID string, from, to time.Time) ([]Transaction, error)

	// HasIdempotencyKey checks whether a key has been used.
	HasIdempotencyKey(ctx context.Context, key string) (bool, error)

	// GetAccount returns the account, or (nil, nil) when absent.
	GetAccount(ctx context.Context, userID string) (*Account, error)

	// PutAccount upserts the account row.
	PutAccount(ctx context.Context, a *Account) error

	// WithTx executes fn atomically. If fn returns an error, nothing
	// fn wrote is visible afterwards.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	store Store
	clock func() time.Time
}

func NewLedger(store Store) *Ledger {
	return &Ledger{store: store, clock: time.Now}
}

// SetClock overrides the time source. Tests use this to simulate
// arbitrary elapsed durations deterministically.
func (l *Ledger) SetClock(clock func() time.Time) { l.clock = clock }

// Account returns the user's account, lazily creating one with default
// configuration on first need.
func (l *Ledger) Account(ctx context.Context, userID string) (*Account, error) {
	acct, err := l.store.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	if acct != nil {
		return acct, nil
	}
	acct = NewAccount(userID, l.clock())
	if err := l.store.PutAccount(ctx, acct); err != nil {
		return nil, fmt.Errorf("failed to initialize fund account: %w", err)
	}
	return acct, nil
}

// ApplyDelta appends a signed transaction and updates the materialized
// account in one atomic unit.
//
// amount: positive = credit, negative = debit. Zero and values beyond
// MaxAbsoluteDelta are rejected with ErrInvalidAmount before any write.
// idempotencyKey may be empty; when set, a duplicate key returns
// ErrDuplicateIdempotencyKey and writes nothing.
func (l *Ledger) ApplyDelta(ctx context.Context, userID string, amount decimal.Decimal, txType TxType, description, idempotencyKey string) (*Transaction, error) {
	if amount.IsZero() || amount.Abs().GreaterThan(MaxAbsoluteDelta) {
		return nil, &InvalidAmountError{Amount: amount, Limit: MaxAbsoluteDelta}
	}

	now := l.clock().UTC()
	tx := Transaction{
		ID:             uuid.NewString(),
		UserID:         userID,
		Amount:         amount,
		Type:           txType,
		Description:    description,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      now,
	}

	err := l.store.WithTx(ctx, func(s Store) error {
		if idempotencyKey != "" {
			exists, err := s.HasIdempotencyKey(ctx, idempotencyKey)
			if err != nil {
				return err
			}
			if exists {
				return ErrDuplicateIdempotencyKey
			}
		}

		if err := s.AppendTransaction(ctx, tx); err != nil {
			return err
		}

		acct, err := s.GetAccount(ctx, userID)
		if err != nil {
			return err
		}
		if acct == nil {
			acct = NewAccount(userID, now)
		}
		applyToAccount(acct, tx, now)
		return s.PutAccount(ctx, acct)
	})
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

// applyToAccount folds one transaction into the materialized aggregates.
func applyToAccount(acct *Account, tx Transaction, now time.Time) {
	acct.Balance = acct.Balance.Add(tx.Amount)

	switch {
	case tx.Amount.IsPositive():
		acct.TotalEarned = acct.TotalEarned.Add(tx.Amount)
	case tx.IsPenaltyLike():
		acct.TotalPenalties = acct.TotalPenalties.Add(tx.Amount.Abs())
	default:
		acct.TotalSpent = acct.TotalSpent.Add(tx.Amount.Abs())
	}

	if tx.IsPenaltyLike() && tx.Amount.IsNegative() {
		month := now.Format("2006-01")
		if acct.PenaltyMonth != month {
			acct.PenaltyMonth = month
			acct.MonthlyPenaltiesThisMonth = decimal.Zero
		}
		acct.MonthlyPenaltiesThisMonth = acct.MonthlyPenaltiesThisMonth.Add(tx.Amount.Abs())
	}

	acct.UpdatedAt = now
}

// Balance recomputes the balance by replaying the transaction log.
// This is the authoritative value; the account row is a cache of it.
func (l *Ledger) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	txs, err := l.store.Transactions(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	balance := decimal.Zero
	for _, tx := range txs {
		balance = balance.Add(tx.Amount)
	}
	return balance, nil
}

// Transactions returns the user's transaction log, chronologically.
func (l *Ledger) Transactions(ctx context.Context, userID string) ([]Transaction, error) {
	return l.store.Transactions(ctx, userID)
}

// TransactionsInRange returns transactions with CreatedAt in [from, to].
func (l *Ledger) TransactionsInRange(ctx context.Context, userID string, from, to time.Time) ([]Transaction, error) {
	return l.store.TransactionsInRange(ctx, userID, from, to)
}

// =============================================================================
// AUDIT / REPAIR
// =============================================================================

// AuditReport compares the materialized balance against the replayed log.
type AuditReport struct {
	UserID       string
	Materialized decimal.Decimal
	Recomputed   decimal.Decimal
	Drift        decimal.Decimal // Materialized - Recomputed
	Consistent   bool
	Repaired     bool
}

// Audit verifies the balance invariant for a user.
func (l *Ledger) Audit(ctx context.Context, userID string) (*AuditReport, error) {
	recomputed, err := l.Balance(ctx, userID)
	if err != nil {
		return nil, err
	}
	acct, err := l.store.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	materialized := decimal.Zero
	if acct != nil {
		materialized = acct.Balance
	}
	drift := materialized.Sub(recomputed)
	return &AuditReport{
		UserID:       userID,
		Materialized: materialized,
		Recomputed:   recomputed,
		Drift:        drift,
		Consistent:   drift.IsZero(),
	}, nil
}

// Repair restores the materialized balance to the replayed sum. The
// transaction log itself is never touched.
func (l *Ledger) Repair(ctx context.Context, userID string) (*AuditReport, error) {
	var report *AuditReport
	err := l.store.WithTx(ctx, func(s Store) error {
		txs, err := s.Transactions(ctx, userID)
		if err != nil {
			return err
		}
		recomputed := decimal.Zero
		for _, tx := range txs {
			recomputed = recomputed.Add(tx.Amount)
		}

		acct, err := s.GetAccount(ctx, userID)
		if err != nil {
			return err
		}
		if acct == nil {
			return ErrAccountNotFound
		}

		drift := acct.Balance.Sub(recomputed)
		report = &AuditReport{
			UserID:       userID,
			Materialized: acct.Balance,
			Recomputed:   recomputed,
			Drift:        drift,
			Consistent:   drift.IsZero(),
		}
		if report.Consistent {
			return nil
		}

		acct.Balance = recomputed
		acct.UpdatedAt = l.clock().UTC()
		if err := s.PutAccount(ctx, acct); err != nil {
			return err
		}
		report.Repaired = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}
