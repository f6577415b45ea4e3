/*
dispatcher.go - Enforcement orchestration

PURPOSE:
  Turns evaluator output into committed consequences. The two entry
  points mirror how the host drives the engine: OnTaskCompletion resets
  the disengagement clock, OnCheck runs the evaluator and applies
  whatever single action is due.

CROSSING PROTOCOL (OnCheck applying an action):
  1. Claim the crossing by appending the escalation Decision. The store
     enforces uniqueness on (user, tier) for escalations, so exactly one
     check claims each crossing; a duplicate claim means a retried check
     is finishing earlier work and continues idempotently.
  2. Apply the financial consequence, keyed "crossing-<user>-<tier>" so
     a retry cannot debit twice.
  3. Persist the new tier with a compare-and-swap on the observed tier.
  4. Emit downstream signals (fire-and-forget, post-commit).
  5. Reconcile the bleeding meter against the bleeding floor.

  Ledger writes are never rolled back. A failure between steps leaves a
  claimed crossing that the next check completes; it can never re-debit.

FAILURE SEMANTICS:
  Persistence failures propagate - callers retry the whole check.
  Downstream signal failures are logged and left in the outbox; they
  never unwind tier or ledger state.
*/
package enforcement

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/compliance-engine/fund"
)

// =============================================================================
// SERVICE
// =============================================================================

// Service wires the evaluator, meter, fund ledger, decision log, and
// signal hub into the enforcement entry points.
type Service struct {
	states    StateStore
	decisions DecisionLog
	funds     *fund.Ledger
	meter     *Meter
	signals   *SignalHub
	clock     func() time.Time
	logger    *log.Logger
}

func NewService(states StateStore, decisions DecisionLog, funds *fund.Ledger, meter *Meter, signals *SignalHub, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		states:    states,
		decisions: decisions,
		funds:     funds,
		meter:     meter,
		signals:   signals,
		clock:     time.Now,
		logger:    logger,
	}
}

// SetClock overrides the time source. Tests use this to simulate
// arbitrary elapsed durations deterministically.
func (s *Service) SetClock(clock func() time.Time) { s.clock = clock }

// Meter exposes the bleeding meter for direct settle/stop calls.
func (s *Service) Meter() *Meter { return s.meter }

// State returns the user's compliance state, lazily creating a tier-0
// record on first need.
func (s *Service) State(ctx context.Context, userID string) (*ComplianceState, error) {
	return s.loadOrInit(ctx, userID, s.clock().UTC())
}

func (s *Service) loadOrInit(ctx context.Context, userID string, now time.Time) (*ComplianceState, error) {
	st, err := s.states.GetState(ctx, userID)
	if err != nil {
		return nil, err
	}
	if st != nil {
		return st, nil
	}
	st = NewComplianceState(userID, now)
	if err := s.states.PutState(ctx, st); err != nil {
		return nil, fmt.Errorf("failed to initialize compliance state: %w", err)
	}
	return st, nil
}

// =============================================================================
// ENGAGEMENT
// =============================================================================

// OnTaskCompletion records a qualifying engagement: resets the
// disengagement clock, stops the bleeding meter (settling the open
// window), steps the tier down by one, and notifies the external
// engagement-record store.
func (s *Service) OnTaskCompletion(ctx context.Context, userID, taskID string) error {
	now := s.clock().UTC()
	st, err := s.loadOrInit(ctx, userID, now)
	if err != nil {
		return err
	}

	if st.BleedingActive {
		if _, err := s.meter.Stop(ctx, userID, now); err != nil {
			return err
		}
		st, err = s.states.GetState(ctx, userID)
		if err != nil {
			return err
		}
	}

	st.LastEngagementAt = now
	st.DailyTasksComplete++ // mirror of the task subsystem's counter
	if err := s.states.PutState(ctx, st); err != nil {
		return err
	}

	dec := Decision{
		ID:           uuid.NewString(),
		UserID:       userID,
		Type:         DecisionEngagement,
		Tier:         st.EscalationTier,
		PreviousTier: st.EscalationTier,
		Reasoning:    fmt.Sprintf("task %s completed", taskID),
		Outcome:      OutcomeEngaged,
		ExecutedAt:   now,
	}
	if err := s.decisions.AppendDecision(ctx, dec); err != nil {
		return err
	}

	if _, err := s.Reduce(ctx, userID); err != nil {
		return err
	}

	s.signals.Emit(ctx, Signal{
		UserID:    userID,
		Kind:      SignalEngagement,
		EngagedAt: now,
	})
	return nil
}

// =============================================================================
// CHECK
// =============================================================================

// OnCheck evaluates the user's state and applies the pending escalation
// action, if any. Returns the applied action, or nil when nothing was
// due or a concurrent check already claimed the crossing.
func (s *Service) OnCheck(ctx context.Context, userID string) (Action, error) {
	now := s.clock().UTC()
	st, err := s.loadOrInit(ctx, userID, now)
	if err != nil {
		return nil, err
	}

	action := Evaluate(st, now)
	if action == nil {
		return nil, s.reconcileBleeding(ctx, st, now)
	}

	if err := s.apply(ctx, st, action, now); err != nil {
		return nil, err
	}
	return action, nil
}

func (s *Service) apply(ctx context.Context, st *ComplianceState, action Action, now time.Time) error {
	prevTier := st.EscalationTier
	outcome := OutcomeApplied
	amount := decimal.Zero

	// Advisory monthly cap: checked here, by the caller issuing the
	// penalty, never inside ApplyDelta.
	if p, ok := action.(Penalty); ok {
		amount = p.Amount
		acct, err := s.funds.Account(ctx, st.UserID)
		if err != nil {
			return err
		}
		if acct.MonthlyPenaltyLimit.IsPositive() &&
			acct.PenaltiesThisMonth(now).Add(p.Amount).GreaterThan(acct.MonthlyPenaltyLimit) {
			outcome = OutcomePenaltyCapped
			s.logger.Printf("penalty capped: user=%s tier=%d amount=%s", st.UserID, action.Tier(), p.Amount)
		}
	}

	// Step 1: claim the crossing.
	dec := Decision{
		ID:           uuid.NewString(),
		UserID:       st.UserID,
		Type:         DecisionEscalation,
		Tier:         action.Tier(),
		PreviousTier: prevTier,
		Direction:    "up",
		Kind:         action.Kind(),
		Amount:       amount,
		Reasoning:    action.Reason(),
		Outcome:      outcome,
		ExecutedAt:   now,
	}
	if err := s.decisions.AppendDecision(ctx, dec); err != nil {
		if !errors.Is(err, ErrDuplicateCrossing) {
			return err
		}
		// A previous check claimed this crossing but may not have
		// finished; the remaining steps are idempotent, so finish them.
		s.logger.Printf("crossing already claimed, completing: user=%s tier=%d", st.UserID, action.Tier())
	}

	// Step 2: financial consequence, idempotent per crossing.
	if p, ok := action.(Penalty); ok && outcome == OutcomeApplied {
		key := fmt.Sprintf("crossing-%s-%d", st.UserID, action.Tier())
		desc := fmt.Sprintf("tier %d %s (%s)", action.Tier(), action.Kind(), action.Reason())
		_, err := s.funds.ApplyDelta(ctx, st.UserID, p.Amount.Neg(), fund.TxPenalty, desc, key)
		if err != nil && !errors.Is(err, fund.ErrDuplicateIdempotencyKey) {
			return err
		}
	}

	// Step 3: persist the new tier.
	prevStart := st.BleedingStartedAt
	st.EscalationTier = action.Tier()
	switch action.(type) {
	case Notice, ContentRelease, Exposure:
		st.PendingConsequences++
	}
	if err := s.states.UpdateState(ctx, st, prevTier, prevStart); err != nil {
		return err
	}

	// Step 4: downstream signals, post-commit, fire-and-forget.
	s.emitConsequenceSignals(ctx, st.UserID, action)

	// Step 5: reconcile the meter against the new tier.
	return s.reconcileBleeding(ctx, st, now)
}

func (s *Service) emitConsequenceSignals(ctx context.Context, userID string, action Action) {
	switch a := action.(type) {
	case ContentRelease:
		s.signals.Emit(ctx, Signal{
			UserID:            userID,
			Kind:              SignalContentRelease,
			Severity:          a.Tier(),
			VulnerabilityTier: a.VulnerabilityTier,
			Count:             a.Count,
			IsConsequence:     true,
		})
	case Exposure:
		// Terminal: everything staged (tier 0 / count 0 = all), plus a
		// highest-severity notification.
		s.signals.Emit(ctx, Signal{
			UserID:        userID,
			Kind:          SignalContentRelease,
			Severity:      a.Tier(),
			IsConsequence: true,
		})
		s.signals.Emit(ctx, Signal{
			UserID:   userID,
			Kind:     SignalNotification,
			Severity: a.Tier(),
			Message:  a.Reason(),
		})
	case Notice:
		s.signals.Emit(ctx, Signal{
			UserID:   userID,
			Kind:     SignalNotification,
			Severity: a.Tier(),
			Message:  a.Reason(),
		})
	}
}

// reconcileBleeding aligns the meter with the bleeding floor: running
// at/above the floor, stopped (and settled) below it.
func (s *Service) reconcileBleeding(ctx context.Context, st *ComplianceState, now time.Time) error {
	switch {
	case st.EscalationTier >= BleedingFloorTier && !st.BleedingActive:
		return s.meter.Start(ctx, st.UserID, DefaultBleedRatePerMinute, now)
	case st.EscalationTier < BleedingFloorTier && st.BleedingActive:
		_, err := s.meter.Stop(ctx, st.UserID, now)
		return err
	}
	return nil
}

// =============================================================================
// DE-ESCALATION
// =============================================================================

// Reduce steps the tier down by exactly one, with its own audit record.
// A no-op at tier 0: no write, nil Decision - distinguishable from a
// real decrement.
//
// Reduce does not touch the meter; a drop below the bleeding floor is
// reconciled on the next check or settle cycle.
func (s *Service) Reduce(ctx context.Context, userID string) (*Decision, error) {
	st, err := s.states.GetState(ctx, userID)
	if err != nil {
		return nil, err
	}
	if st == nil || st.EscalationTier == 0 {
		return nil, nil
	}

	now := s.clock().UTC()
	prev := st.EscalationTier
	prevStart := st.BleedingStartedAt
	st.EscalationTier = prev - 1
	if err := s.states.UpdateState(ctx, st, prev, prevStart); err != nil {
		return nil, err
	}

	dec := Decision{
		ID:           uuid.NewString(),
		UserID:       userID,
		Type:         DecisionDeescalation,
		Tier:         prev - 1,
		PreviousTier: prev,
		Direction:    "down",
		Reasoning:    fmt.Sprintf("tier reduced %d -> %d", prev, prev-1),
		Outcome:      OutcomeApplied,
		ExecutedAt:   now,
	}
	if err := s.decisions.AppendDecision(ctx, dec); err != nil {
		return nil, err
	}
	return &dec, nil
}

// =============================================================================
// ACKNOWLEDGEMENT
// =============================================================================

// AcknowledgeConsequences clears the pending non-financial consequence
// counter and returns how many were acknowledged.
func (s *Service) AcknowledgeConsequences(ctx context.Context, userID string) (int, error) {
	st, err := s.states.GetState(ctx, userID)
	if err != nil {
		return 0, err
	}
	if st == nil || st.PendingConsequences == 0 {
		return 0, nil
	}
	acked := st.PendingConsequences
	st.PendingConsequences = 0
	if err := s.states.UpdateState(ctx, st, st.EscalationTier, st.BleedingStartedAt); err != nil {
		return 0, err
	}
	return acked, nil
}
