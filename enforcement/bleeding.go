/*
bleeding.go - Continuous time-metered penalty accrual

PURPOSE:
  While bleeding is active, the amount owed is derived on demand from
  (now - BleedingStartedAt) x rate. Nothing ticks; there is no running
  counter to miss updates. Settling converts the owed amount into a
  committed ledger debit and advances the accrual clock to the settle
  time, so elapsed time is never double-counted.

STATE MACHINE:
  inactive -> active     Start (entering a bleeding-eligible tier)
  active   -> active     Settle (debit owed, restart the clock)
  active   -> inactive   Stop (implicit settle, then clear)

IDEMPOTENCY:
  Each accrual window is identified by its start timestamp. The settle
  debit carries an idempotency key derived from that window, and the
  state write is guarded on the old window start - a raced or retried
  settle either charges the window once or detects it already charged.
*/
package enforcement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/compliance-engine/fund"
)

// OwedNow returns the penalty currently owed for the open accrual
// window: (now - startedAt) / 60s x ratePerMinute. Zero when inactive.
//
// Pure function; never persisted as a running counter.
func OwedNow(st *ComplianceState, now time.Time) decimal.Decimal {
	if st == nil || !st.BleedingActive || st.BleedingStartedAt == nil {
		return decimal.Zero
	}
	seconds := now.Sub(*st.BleedingStartedAt).Seconds()
	if seconds <= 0 {
		return decimal.Zero
	}
	return st.BleedingRatePerMinute.
		Mul(decimal.NewFromFloat(seconds)).
		Div(decimal.NewFromInt(60)).
		Round(4)
}

// =============================================================================
// METER
// =============================================================================

// Meter owns the bleeding state transitions. Pure reads go through
// OwedNow; every mutation lands on the StateStore with a concurrency
// guard on the accrual window.
type Meter struct {
	states StateStore
	funds  *fund.Ledger
}

func NewMeter(states StateStore, funds *fund.Ledger) *Meter {
	return &Meter{states: states, funds: funds}
}

// Start activates the meter at the given rate. No-op if already active.
func (m *Meter) Start(ctx context.Context, userID string, ratePerMinute decimal.Decimal, now time.Time) error {
	st, err := m.states.GetState(ctx, userID)
	if err != nil {
		return err
	}
	if st == nil {
		return ErrStateNotFound
	}
	if st.BleedingActive {
		return nil
	}

	prevStart := st.BleedingStartedAt
	started := now.UTC()
	st.BleedingActive = true
	st.BleedingStartedAt = &started
	st.BleedingRatePerMinute = ratePerMinute
	return m.states.UpdateState(ctx, st, st.EscalationTier, prevStart)
}

// Settle converts the owed amount into a ledger debit, folds it into the
// daily accumulator, and restarts the accrual clock at now. Returns the
// settled amount. A no-op returning zero when the meter is inactive.
//
// Callable any number of times while active without double-charging.
func (m *Meter) Settle(ctx context.Context, userID string, now time.Time) (decimal.Decimal, error) {
	st, err := m.states.GetState(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	if st == nil || !st.BleedingActive || st.BleedingStartedAt == nil {
		return decimal.Zero, nil
	}

	owed := OwedNow(st, now)
	prevStart := st.BleedingStartedAt

	if owed.IsPositive() {
		key := fmt.Sprintf("bleed-%s-%d", userID, prevStart.UnixNano())
		desc := fmt.Sprintf("bleeding settle: %s/min since %s", st.BleedingRatePerMinute, prevStart.UTC().Format(time.RFC3339))
		_, err := m.funds.ApplyDelta(ctx, userID, owed.Neg(), fund.TxBleeding, desc, key)
		if err != nil && !errors.Is(err, fund.ErrDuplicateIdempotencyKey) {
			return decimal.Zero, err
		}
		// A duplicate key means a previous attempt debited this window
		// but failed before advancing the clock; fall through and
		// finish the state update without charging again.
	}

	started := now.UTC()
	st.BleedingTotalToday = st.TotalBledToday(now).Add(owed)
	st.BleedingTotalDay = dayOf(now)
	st.BleedingStartedAt = &started
	if err := m.states.UpdateState(ctx, st, st.EscalationTier, prevStart); err != nil {
		return decimal.Zero, err
	}
	return owed, nil
}

// Stop settles the open window, then deactivates the meter.
// Returns the final settled amount.
func (m *Meter) Stop(ctx context.Context, userID string, now time.Time) (decimal.Decimal, error) {
	settled, err := m.Settle(ctx, userID, now)
	if err != nil {
		return decimal.Zero, err
	}

	st, err := m.states.GetState(ctx, userID)
	if err != nil {
		return settled, err
	}
	if st == nil || !st.BleedingActive {
		return settled, nil
	}

	prevStart := st.BleedingStartedAt
	st.BleedingActive = false
	st.BleedingStartedAt = nil
	st.BleedingRatePerMinute = decimal.Zero
	if err := m.states.UpdateState(ctx, st, st.EscalationTier, prevStart); err != nil {
		return settled, err
	}
	return settled, nil
}
