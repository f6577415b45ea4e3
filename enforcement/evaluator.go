package enforcement

import (
	"fmt"
	"time"
)

// Evaluate returns the single pending escalation action for the state,
// or nil when nothing is due.
//
// The scan picks the HIGHEST tier whose hours have elapsed, so a check
// after a long gap jumps directly to the highest eligible tier rather
// than firing once per boundary. A threshold at or below the current
// tier never fires again, and tier 9 is terminal.
//
// Pure function of (state, now): no side effects, safe to call
// concurrently, idempotent until the returned tier is persisted.
func Evaluate(st *ComplianceState, now time.Time) Action {
	if st == nil || st.EscalationTier >= MaxTier {
		return nil
	}

	hours := st.HoursSince(now)
	crossed, ok := HighestCrossed(hours)
	if !ok || crossed.Tier <= st.EscalationTier {
		return nil
	}

	reason := fmt.Sprintf("%.0fh since engagement, threshold: %dh", hours, crossed.Hours)
	return crossed.Action(reason)
}
