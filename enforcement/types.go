/*
Package enforcement implements the behavioral-compliance core: the
escalation tier state machine, the continuous penalty meter ("bleeding"),
the enforcement dispatcher, and the audit trail they share.

PURPOSE:
  Tracks how long a user has gone without a qualifying engagement event,
  escalates through nine ordered severity tiers as disengagement
  persists, and - once the bleeding floor tier is reached - continuously
  meters a time-based financial penalty against the fund ledger until
  the user re-engages.

KEY CONCEPTS IN THIS FILE (types.go):
  - ComplianceState: the persisted per-user record every component
    reads and mutates
  - Action: tagged union of the nine consequence kinds returned by the
    evaluator; each variant carries exactly the fields its kind needs
  - Decision: immutable audit record of every enforcement and
    de-escalation event

DESIGN PRINCIPLES:
  1. Time is injected: nothing here reads the wall clock implicitly, so
     tests simulate arbitrary elapsed durations
  2. Derived, not stored: hours-since-engagement and owed bleeding are
     recomputed from timestamps, never kept as running counters
  3. Monotonic tiers: the tier only moves to a crossed threshold (up) or
     by exactly one step (down), never past 9, never below 0

SEE ALSO:
  - thresholds.go: the fixed nine-tier table and policy constants
  - evaluator.go: pure tier-crossing evaluation
  - dispatcher.go: orchestration and persistence
*/
package enforcement

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// COMPLIANCE STATE - Persisted per-user record
// =============================================================================

// ComplianceState is exclusively owned by this package and mutated only
// through its operations. One row per user, created lazily on first need.
//
// INVARIANTS:
//   - EscalationTier in [0, 9]
//   - BleedingActive implies BleedingStartedAt is set and
//     EscalationTier >= BleedingFloorTier
//   - EscalationTier == 0 implies BleedingActive == false
type ComplianceState struct {
	UserID           string
	LastEngagementAt time.Time

	// Daily task counters are owned by the external task subsystem and
	// are read-only here.
	DailyTasksComplete int
	DailyTasksRequired int

	EscalationTier int

	BleedingActive        bool
	BleedingStartedAt     *time.Time
	BleedingRatePerMinute decimal.Decimal
	BleedingTotalToday    decimal.Decimal
	BleedingTotalDay      time.Time // accounting day BleedingTotalToday belongs to

	// Count of unacknowledged non-financial consequences.
	PendingConsequences int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewComplianceState returns a fresh tier-0 state with the engagement
// clock starting at now.
func NewComplianceState(userID string, now time.Time) *ComplianceState {
	return &ComplianceState{
		UserID:                userID,
		LastEngagementAt:      now.UTC(),
		BleedingRatePerMinute: decimal.Zero,
		BleedingTotalToday:    decimal.Zero,
		BleedingTotalDay:      dayOf(now),
		CreatedAt:             now.UTC(),
		UpdatedAt:             now.UTC(),
	}
}

// HoursSince returns the derived hours-since-engagement value.
// Never stored; always recomputed at read time.
func (s *ComplianceState) HoursSince(now time.Time) float64 {
	h := now.Sub(s.LastEngagementAt).Hours()
	if h < 0 {
		return 0
	}
	return h
}

// TotalBledToday returns the daily bleeding accumulator, treating a
// stale value from a previous day as zero.
func (s *ComplianceState) TotalBledToday(now time.Time) decimal.Decimal {
	if !s.BleedingTotalDay.Equal(dayOf(now)) {
		return decimal.Zero
	}
	return s.BleedingTotalToday
}

func dayOf(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// =============================================================================
// ACTION - Tagged union over the nine consequence kinds
// =============================================================================

type Kind string

const (
	KindWarning                 Kind = "warning"
	KindFinancialLight          Kind = "financial_light"
	KindFinancialMedium         Kind = "financial_medium"
	KindContentWarning          Kind = "content_warning"
	KindContentRelease          Kind = "content_release"
	KindCoachNarration          Kind = "coach_narration"
	KindContentReleaseEscalated Kind = "content_release_escalated"
	KindPartnerNotification     Kind = "partner_notification"
	KindFullExposure            Kind = "full_exposure"
)

// Action is one pending enforcement consequence, returned by Evaluate
// and never persisted directly - only its Decision record is.
//
// Variants carry exactly the fields their kind requires: a Penalty has
// an amount, a ContentRelease has a vulnerability tier and count, a
// Notice has neither.
type Action interface {
	Tier() int
	Kind() Kind
	Reason() string
}

type actionBase struct {
	tier   int
	kind   Kind
	reason string
}

func (a actionBase) Tier() int      { return a.tier }
func (a actionBase) Kind() Kind     { return a.kind }
func (a actionBase) Reason() string { return a.reason }

// Notice is a non-monetary consequence: warning, content warning, coach
// narration, partner notification.
type Notice struct {
	actionBase
}

// Penalty is a one-shot financial consequence.
type Penalty struct {
	actionBase
	Amount decimal.Decimal
}

// ContentRelease signals the external content subsystem to release
// staged content of the given vulnerability tier.
type ContentRelease struct {
	actionBase
	VulnerabilityTier int
	Count             int
}

// Exposure is the terminal tier-9 consequence, flagged as highest
// severity. Mechanically a content release of everything staged.
type Exposure struct {
	actionBase
}

// =============================================================================
// DECISION - Append-only audit record
// =============================================================================

type DecisionType string

const (
	DecisionEscalation   DecisionType = "escalation"
	DecisionDeescalation DecisionType = "deescalation"
	DecisionEngagement   DecisionType = "engagement"
)

// Decision outcomes.
const (
	OutcomeApplied       = "applied"
	OutcomePenaltyCapped = "penalty_capped"
	OutcomeEngaged       = "engaged"
)

// Decision records one enforcement, de-escalation, or engagement event.
// Never mutated after insert.
//
// An escalation Decision doubles as the idempotency claim for its tier
// crossing: the store enforces uniqueness on (UserID, Tier) for
// DecisionEscalation rows, so a crossing can be claimed exactly once.
type Decision struct {
	ID           string
	UserID       string
	Type         DecisionType
	Tier         int // tier after the decision
	PreviousTier int
	Direction    string // "up", "down", or "" for engagement entries
	Kind         Kind   // consequence kind, escalations only
	Amount       decimal.Decimal
	Reasoning    string
	Outcome      string
	ExecutedAt   time.Time
}

// =============================================================================
// STORE INTERFACES
// =============================================================================

// StateStore persists ComplianceState rows.
type StateStore interface {
	// GetState returns the state, or (nil, nil) when absent.
	GetState(ctx context.Context, userID string) (*ComplianceState, error)

	// PutState upserts the full row without concurrency guards. Used
	// for lazy initialization and engagement-clock resets.
	PutState(ctx context.Context, st *ComplianceState) error

	// UpdateState writes st only if the stored row still has the given
	// tier and bleeding start. Returns ErrConcurrentModification when
	// the guard fails, ErrStateNotFound when the row is missing.
	UpdateState(ctx context.Context, st *ComplianceState, expectTier int, expectBleedingStartedAt *time.Time) error
}

// DecisionLog is the append-only audit store.
type DecisionLog interface {
	// AppendDecision inserts a decision. Returns ErrDuplicateCrossing
	// when an escalation row for (UserID, Tier) already exists.
	AppendDecision(ctx context.Context, d Decision) error

	// DecisionsInRange returns decisions with ExecutedAt in [from, to],
	// chronologically.
	DecisionsInRange(ctx context.Context, userID string, from, to time.Time) ([]Decision, error)

	// DecisionsByUser returns the most recent decisions, newest first.
	DecisionsByUser(ctx context.Context, userID string, limit int) ([]Decision, error)
}
