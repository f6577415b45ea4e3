package fund_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/compliance-engine/fund"
	"github.com/warp/compliance-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var testTime = time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)

func newTestLedger(t *testing.T) (*fund.Ledger, *sqlite.Store, *time.Time) {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	now := testTime
	ledger := fund.NewLedger(store)
	ledger.SetClock(func() time.Time { return now })
	return ledger, store, &now
}

// =============================================================================
// BALANCE INVARIANT
// =============================================================================

func TestLedger_BalanceEqualsSumOfTransactions(t *testing.T) {
	// GIVEN: A mix of credits and debits
	// WHEN: Comparing the replayed balance against the materialized row
	// THEN: Both equal the signed sum

	ledger, store, _ := newTestLedger(t)
	ctx := context.Background()

	deltas := []struct {
		amount string
		txType fund.TxType
	}{
		{"100", fund.TxEarning},
		{"-25", fund.TxPenalty},
		{"-6.50", fund.TxBleeding},
		{"10.25", fund.TxAdjustment},
	}
	for i, d := range deltas {
		_, err := ledger.ApplyDelta(ctx, "user-1", decimal.RequireFromString(d.amount), d.txType, "", "")
		require.NoError(t, err, "delta %d", i)
	}

	want := decimal.RequireFromString("78.75")

	balance, err := ledger.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, balance.Equal(want), "replayed: got %s", balance)

	acct, err := store.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, acct)
	assert.True(t, acct.Balance.Equal(want), "materialized: got %s", acct.Balance)
}

func TestLedger_PennyPrecision(t *testing.T) {
	// GIVEN: A +$0.01 credit and a -$0.01 debit
	// WHEN: Replaying the log
	// THEN: Two distinct rows exist and the balance is exactly zero

	ledger, _, _ := newTestLedger(t)
	ctx := context.Background()

	cent := decimal.RequireFromString("0.01")
	_, err := ledger.ApplyDelta(ctx, "user-1", cent, fund.TxEarning, "", "")
	require.NoError(t, err)
	_, err = ledger.ApplyDelta(ctx, "user-1", cent.Neg(), fund.TxAdjustment, "", "")
	require.NoError(t, err)

	txs, err := ledger.Transactions(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, txs, 2)

	balance, err := ledger.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, balance.IsZero(), "got %s", balance)
}

func TestLedger_AggregateBuckets(t *testing.T) {
	// Credits land in TotalEarned; penalty-like debits in TotalPenalties;
	// other debits in TotalSpent.
	ledger, store, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.ApplyDelta(ctx, "user-1", decimal.NewFromInt(100), fund.TxEarning, "", "")
	require.NoError(t, err)
	_, err = ledger.ApplyDelta(ctx, "user-1", decimal.NewFromInt(-25), fund.TxPenalty, "", "")
	require.NoError(t, err)
	_, err = ledger.ApplyDelta(ctx, "user-1", decimal.NewFromInt(-10), fund.TxPayout, "", "")
	require.NoError(t, err)

	acct, err := store.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, acct.TotalEarned.Equal(decimal.NewFromInt(100)))
	assert.True(t, acct.TotalPenalties.Equal(decimal.NewFromInt(25)))
	assert.True(t, acct.TotalSpent.Equal(decimal.NewFromInt(10)))
	assert.True(t, acct.Balance.Equal(decimal.NewFromInt(65)))
}

// =============================================================================
// VALIDATION
// =============================================================================

func TestLedger_ZeroDelta_Rejected(t *testing.T) {
	ledger, _, _ := newTestLedger(t)

	_, err := ledger.ApplyDelta(context.Background(), "user-1", decimal.Zero, fund.TxAdjustment, "", "")
	require.Error(t, err)
	var invalid *fund.InvalidAmountError
	assert.ErrorAs(t, err, &invalid)
	assert.ErrorIs(t, err, fund.ErrInvalidAmount)
}

func TestLedger_OverLimitDelta_Rejected(t *testing.T) {
	// GIVEN: A delta beyond the sanity ceiling
	// WHEN: Applying it
	// THEN: Rejected before any write, in either direction

	ledger, _, _ := newTestLedger(t)
	ctx := context.Background()

	huge := fund.MaxAbsoluteDelta.Add(decimal.NewFromInt(1))
	_, err := ledger.ApplyDelta(ctx, "user-1", huge, fund.TxEarning, "", "")
	assert.ErrorIs(t, err, fund.ErrInvalidAmount)

	_, err = ledger.ApplyDelta(ctx, "user-1", huge.Neg(), fund.TxPenalty, "", "")
	assert.ErrorIs(t, err, fund.ErrInvalidAmount)

	txs, err := ledger.Transactions(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, txs, "rejected deltas must not reach the log")
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

func TestLedger_DuplicateIdempotencyKey_Rejected(t *testing.T) {
	// GIVEN: A delta applied with key "crossing-user-1-2"
	// WHEN: Retrying with the same key
	// THEN: ErrDuplicateIdempotencyKey, and the log holds a single row

	ledger, _, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.ApplyDelta(ctx, "user-1", decimal.NewFromInt(-25), fund.TxPenalty, "tier 2", "crossing-user-1-2")
	require.NoError(t, err)

	_, err = ledger.ApplyDelta(ctx, "user-1", decimal.NewFromInt(-25), fund.TxPenalty, "tier 2", "crossing-user-1-2")
	assert.ErrorIs(t, err, fund.ErrDuplicateIdempotencyKey)

	txs, err := ledger.Transactions(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, txs, 1)

	balance, err := ledger.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(-25)), "retry must not double-debit")
}

func TestLedger_EmptyKey_NeverConflicts(t *testing.T) {
	ledger, _, _ := newTestLedger(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := ledger.ApplyDelta(ctx, "user-1", decimal.NewFromInt(1), fund.TxEarning, "", "")
		require.NoError(t, err)
	}

	txs, err := ledger.Transactions(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, txs, 3)
}

// =============================================================================
// MONTHLY PENALTY ACCUMULATOR
// =============================================================================

func TestLedger_MonthlyPenaltyAccumulator(t *testing.T) {
	// GIVEN: Penalties and earnings in June
	// WHEN: Reading the monthly accumulator
	// THEN: Only penalty-like debits count

	ledger, store, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.ApplyDelta(ctx, "user-1", decimal.NewFromInt(-25), fund.TxPenalty, "", "")
	require.NoError(t, err)
	_, err = ledger.ApplyDelta(ctx, "user-1", decimal.NewFromInt(-5), fund.TxBleeding, "", "")
	require.NoError(t, err)
	_, err = ledger.ApplyDelta(ctx, "user-1", decimal.NewFromInt(100), fund.TxEarning, "", "")
	require.NoError(t, err)

	acct, err := store.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "2025-06", acct.PenaltyMonth)
	assert.True(t, acct.PenaltiesThisMonth(testTime).Equal(decimal.NewFromInt(30)))
}

func TestLedger_MonthlyAccumulatorRollsOver(t *testing.T) {
	// GIVEN: $30 of June penalties
	// WHEN: The clock moves to July and another penalty lands
	// THEN: The accumulator restarts from the July penalty alone

	ledger, store, now := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.ApplyDelta(ctx, "user-1", decimal.NewFromInt(-30), fund.TxPenalty, "", "")
	require.NoError(t, err)

	*now = time.Date(2025, time.July, 2, 9, 0, 0, 0, time.UTC)

	// Before any July penalty, the stale accumulator reads as zero
	acct, err := store.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, acct.PenaltiesThisMonth(*now).IsZero())

	_, err = ledger.ApplyDelta(ctx, "user-1", decimal.NewFromInt(-10), fund.TxPenalty, "", "")
	require.NoError(t, err)

	acct, err = store.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "2025-07", acct.PenaltyMonth)
	assert.True(t, acct.PenaltiesThisMonth(*now).Equal(decimal.NewFromInt(10)))
}

// =============================================================================
// AUDIT / REPAIR
// =============================================================================

func TestLedger_Audit_Consistent(t *testing.T) {
	ledger, _, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.ApplyDelta(ctx, "user-1", decimal.NewFromInt(50), fund.TxEarning, "", "")
	require.NoError(t, err)

	report, err := ledger.Audit(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, report.Consistent)
	assert.True(t, report.Drift.IsZero())
}

func TestLedger_Repair_RestoresMaterializedBalance(t *testing.T) {
	// GIVEN: An account row whose balance drifted from the log
	// WHEN: Running Repair
	// THEN: The materialized balance is restored to the replayed sum
	//       and the log itself is untouched

	ledger, store, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.ApplyDelta(ctx, "user-1", decimal.NewFromInt(50), fund.TxEarning, "", "")
	require.NoError(t, err)

	// Corrupt the materialized row
	acct, err := store.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	acct.Balance = decimal.NewFromInt(999)
	require.NoError(t, store.PutAccount(ctx, acct))

	report, err := ledger.Repair(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, report.Consistent)
	assert.True(t, report.Repaired)
	assert.True(t, report.Drift.Equal(decimal.NewFromInt(949)))

	acct, err = store.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(decimal.NewFromInt(50)))

	txs, err := ledger.Transactions(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

// =============================================================================
// ACCOUNT DEFAULTS
// =============================================================================

func TestLedger_Account_LazyInitWithDefaults(t *testing.T) {
	ledger, _, _ := newTestLedger(t)

	acct, err := ledger.Account(context.Background(), "user-1")
	require.NoError(t, err)
	assert.True(t, acct.Balance.IsZero())
	assert.True(t, acct.PayoutThreshold.Equal(fund.DefaultPayoutThreshold))
	assert.True(t, acct.ReservePercentage.Equal(fund.DefaultReservePercentage))
	assert.True(t, acct.MonthlyPenaltyLimit.Equal(fund.DefaultMonthlyPenaltyLimit))
}

func TestAccount_PayoutEligible(t *testing.T) {
	// Below threshold after reserve: nothing eligible. $100 balance with
	// a 20% reserve clears the $50 threshold at $80.
	acct := fund.NewAccount("user-1", testTime)
	acct.Balance = decimal.NewFromInt(60)
	assert.True(t, acct.PayoutEligible().IsZero(), "60 * 0.8 = 48 < 50")

	acct.Balance = decimal.NewFromInt(100)
	assert.True(t, acct.PayoutEligible().Equal(decimal.NewFromInt(80)), "got %s", acct.PayoutEligible())

	acct.Balance = decimal.NewFromInt(-10)
	assert.True(t, acct.PayoutEligible().IsZero())
}
