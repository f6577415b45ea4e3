package enforcement

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// DailySummary is a read-only roll-up of one user's enforcement day,
// derived from state plus the decision log. Safe to serve at any time
// of day; all counters cover [midnight UTC, now].
type DailySummary struct {
	UserID               string
	Day                  time.Time
	Tier                 int
	HoursSinceEngagement float64
	BleedingActive       bool
	TotalBledToday       decimal.Decimal
	EscalationsToday     int
	DeescalationsToday   int
	EngagementsToday     int
	PenaltiesToday       decimal.Decimal
	ContentReleasedToday int
	PendingConsequences  int
}

// Summarize builds the daily summary for a user. A user with no state
// and no history gets a zeroed summary, never an error.
func (s *Service) Summarize(ctx context.Context, userID string) (*DailySummary, error) {
	now := s.clock().UTC()
	day := dayOf(now)

	sum := &DailySummary{
		UserID:         userID,
		Day:            day,
		TotalBledToday: decimal.Zero,
		PenaltiesToday: decimal.Zero,
	}

	st, err := s.states.GetState(ctx, userID)
	if err != nil {
		return nil, err
	}
	if st != nil {
		sum.Tier = st.EscalationTier
		sum.HoursSinceEngagement = st.HoursSince(now)
		sum.BleedingActive = st.BleedingActive
		sum.TotalBledToday = st.TotalBledToday(now).Add(OwedNow(st, now))
		sum.PendingConsequences = st.PendingConsequences
	}

	decisions, err := s.decisions.DecisionsInRange(ctx, userID, day, now)
	if err != nil {
		return nil, err
	}
	for _, d := range decisions {
		switch d.Type {
		case DecisionEscalation:
			sum.EscalationsToday++
			if d.Outcome == OutcomeApplied && d.Amount.IsPositive() {
				sum.PenaltiesToday = sum.PenaltiesToday.Add(d.Amount)
			}
			switch d.Kind {
			case KindContentRelease, KindContentReleaseEscalated, KindFullExposure:
				sum.ContentReleasedToday++
			}
		case DecisionDeescalation:
			sum.DeescalationsToday++
		case DecisionEngagement:
			sum.EngagementsToday++
		}
	}
	return sum, nil
}
