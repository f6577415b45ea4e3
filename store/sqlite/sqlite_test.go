package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/compliance-engine/enforcement"
	"github.com/warp/compliance-engine/fund"
	"github.com/warp/compliance-engine/store/sqlite"
)

var testTime = time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// =============================================================================
// STATE STORE
// =============================================================================

func TestStore_State_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	started := testTime.Add(-5 * time.Minute)
	st := enforcement.NewComplianceState("user-1", testTime.Add(-200*time.Hour))
	st.EscalationTier = 5
	st.BleedingActive = true
	st.BleedingStartedAt = &started
	st.BleedingRatePerMinute = decimal.RequireFromString("0.50")
	st.BleedingTotalToday = decimal.RequireFromString("2.50")
	st.PendingConsequences = 2
	require.NoError(t, store.PutState(ctx, st))

	got, err := store.GetState(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 5, got.EscalationTier)
	assert.True(t, got.BleedingActive)
	require.NotNil(t, got.BleedingStartedAt)
	assert.True(t, got.BleedingStartedAt.Equal(started))
	assert.True(t, got.BleedingRatePerMinute.Equal(st.BleedingRatePerMinute))
	assert.True(t, got.BleedingTotalToday.Equal(st.BleedingTotalToday))
	assert.Equal(t, 2, got.PendingConsequences)
}

func TestStore_GetState_Missing_NilNil(t *testing.T) {
	store := newTestStore(t)

	st, err := store.GetState(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, st)
}

func TestStore_UpdateState_GuardOnTier(t *testing.T) {
	// GIVEN: A stored tier-2 state
	// WHEN: Writing with the wrong expected tier
	// THEN: ErrConcurrentModification; the row is unchanged

	store := newTestStore(t)
	ctx := context.Background()

	st := enforcement.NewComplianceState("user-1", testTime)
	st.EscalationTier = 2
	require.NoError(t, store.PutState(ctx, st))

	st.EscalationTier = 3
	err := store.UpdateState(ctx, st, 1, nil)
	require.Error(t, err)
	assert.True(t, enforcement.IsRetryable(err))

	got, err := store.GetState(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.EscalationTier)

	// Correct guard succeeds
	require.NoError(t, store.UpdateState(ctx, st, 2, nil))
	got, err = store.GetState(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 3, got.EscalationTier)
}

func TestStore_UpdateState_GuardOnBleedingWindow(t *testing.T) {
	// GIVEN: Bleeding started at T1
	// WHEN: Writing guarded on a different window start
	// THEN: The write is rejected

	store := newTestStore(t)
	ctx := context.Background()

	started := testTime
	st := enforcement.NewComplianceState("user-1", testTime.Add(-200*time.Hour))
	st.EscalationTier = 5
	st.BleedingActive = true
	st.BleedingStartedAt = &started
	require.NoError(t, store.PutState(ctx, st))

	other := testTime.Add(-time.Hour)
	err := store.UpdateState(ctx, st, 5, &other)
	assert.True(t, enforcement.IsRetryable(err))

	// Guarding on nil also fails while a window is open
	err = store.UpdateState(ctx, st, 5, nil)
	assert.True(t, enforcement.IsRetryable(err))

	require.NoError(t, store.UpdateState(ctx, st, 5, &started))
}

func TestStore_UpdateState_MissingRow_NotFound(t *testing.T) {
	store := newTestStore(t)

	st := enforcement.NewComplianceState("ghost", testTime)
	err := store.UpdateState(context.Background(), st, 0, nil)
	assert.ErrorIs(t, err, enforcement.ErrStateNotFound)
}

// =============================================================================
// DECISION LOG
// =============================================================================

func decision(id string, typ enforcement.DecisionType, tier int, at time.Time) enforcement.Decision {
	return enforcement.Decision{
		ID:           id,
		UserID:       "user-1",
		Type:         typ,
		Tier:         tier,
		PreviousTier: tier - 1,
		Direction:    "up",
		Kind:         enforcement.KindWarning,
		Amount:       decimal.Zero,
		Outcome:      enforcement.OutcomeApplied,
		ExecutedAt:   at,
	}
}

func TestStore_AppendDecision_DuplicateCrossing_Rejected(t *testing.T) {
	// GIVEN: An escalation decision for (user-1, tier 2)
	// WHEN: Appending another escalation for the same crossing
	// THEN: ErrDuplicateCrossing, while de-escalations and engagements
	//       for the same tier remain unrestricted

	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AppendDecision(ctx, decision("d-1", enforcement.DecisionEscalation, 2, testTime)))

	err := store.AppendDecision(ctx, decision("d-2", enforcement.DecisionEscalation, 2, testTime.Add(time.Minute)))
	assert.ErrorIs(t, err, enforcement.ErrDuplicateCrossing)

	// Non-escalation rows are never claimed
	d := decision("d-3", enforcement.DecisionDeescalation, 2, testTime.Add(2*time.Minute))
	d.Direction = "down"
	require.NoError(t, store.AppendDecision(ctx, d))
	require.NoError(t, store.AppendDecision(ctx, decision("d-4", enforcement.DecisionEngagement, 2, testTime.Add(3*time.Minute))))
}

func TestStore_DecisionsInRange_Chronological(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AppendDecision(ctx, decision("d-1", enforcement.DecisionEscalation, 1, testTime)))
	require.NoError(t, store.AppendDecision(ctx, decision("d-2", enforcement.DecisionEscalation, 2, testTime.Add(time.Hour))))
	require.NoError(t, store.AppendDecision(ctx, decision("d-3", enforcement.DecisionEscalation, 3, testTime.Add(48*time.Hour))))

	got, err := store.DecisionsInRange(ctx, "user-1", testTime, testTime.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "d-1", got[0].ID)
	assert.Equal(t, "d-2", got[1].ID)

	newest, err := store.DecisionsByUser(ctx, "user-1", 2)
	require.NoError(t, err)
	require.Len(t, newest, 2)
	assert.Equal(t, "d-3", newest[0].ID)
}

// =============================================================================
// FUND STORE
// =============================================================================

func TestStore_FundTransaction_IdempotencyKeyUnique(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tx := fund.Transaction{
		ID:             "tx-1",
		UserID:         "user-1",
		Amount:         decimal.NewFromInt(-25),
		Type:           fund.TxPenalty,
		IdempotencyKey: "crossing-user-1-2",
		CreatedAt:      testTime,
	}
	require.NoError(t, store.AppendTransaction(ctx, tx))

	tx.ID = "tx-2"
	err := store.AppendTransaction(ctx, tx)
	assert.ErrorIs(t, err, fund.ErrDuplicateIdempotencyKey)

	has, err := store.HasIdempotencyKey(ctx, "crossing-user-1-2")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestStore_WithTx_RollsBackOnError(t *testing.T) {
	// GIVEN: A transaction that appends a row then fails
	// WHEN: WithTx returns the error
	// THEN: The row is not visible afterwards

	store := newTestStore(t)
	ctx := context.Background()

	wantErr := assert.AnError
	err := store.WithTx(ctx, func(s fund.Store) error {
		tx := fund.Transaction{
			ID:        "tx-1",
			UserID:    "user-1",
			Amount:    decimal.NewFromInt(5),
			Type:      fund.TxEarning,
			CreatedAt: testTime,
		}
		if err := s.AppendTransaction(ctx, tx); err != nil {
			return err
		}
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)

	txs, err := store.Transactions(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestStore_Account_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	acct := fund.NewAccount("user-1", testTime)
	acct.Balance = decimal.RequireFromString("12.34")
	acct.MonthlyPenaltiesThisMonth = decimal.NewFromInt(30)
	require.NoError(t, store.PutAccount(ctx, acct))

	got, err := store.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Balance.Equal(acct.Balance))
	assert.True(t, got.MonthlyPenaltiesThisMonth.Equal(acct.MonthlyPenaltiesThisMonth))
	assert.Equal(t, "2025-06", got.PenaltyMonth)
	assert.True(t, got.ReservePercentage.Equal(fund.DefaultReservePercentage))
}

// =============================================================================
// SIGNAL OUTBOX
// =============================================================================

func TestStore_SignalOutbox_PendingLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sig := enforcement.Signal{
		ID:        "sig-1",
		UserID:    "user-1",
		Kind:      enforcement.SignalNotification,
		Severity:  1,
		Message:   "24h since engagement",
		Status:    enforcement.SignalPending,
		CreatedAt: testTime,
	}
	require.NoError(t, store.AppendSignal(ctx, sig))

	pending, err := store.PendingSignals(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "sig-1", pending[0].ID)

	delivered := testTime.Add(time.Second)
	require.NoError(t, store.UpdateSignalDelivery(ctx, "sig-1", enforcement.SignalSent, 1, "", &delivered))

	pending, err = store.PendingSignals(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	signals, err := store.SignalsByUser(ctx, "user-1", testTime.Add(-time.Hour), testTime.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, enforcement.SignalSent, signals[0].Status)
	require.NotNil(t, signals[0].DeliveredAt)
}

func TestStore_UpdateSignalDelivery_Missing_Error(t *testing.T) {
	store := newTestStore(t)

	err := store.UpdateSignalDelivery(context.Background(), "ghost", enforcement.SignalSent, 1, "", nil)
	assert.Error(t, err)
}
