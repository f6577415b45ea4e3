/*
thresholds.go - The fixed nine-tier escalation table

PURPOSE:
  Pure policy data. The table is fixed and linear by design - this is
  not a configurable rules engine. Hours are strictly increasing with
  tier; a check at exactly the threshold hour triggers.

TIER LADDER:
  1  warning                    24h
  2  financial_light            48h   $25
  3  financial_medium           72h   $50
  4  content_warning           125h
  5  content_release           170h   vulnerability tier 2, count 1
  6  coach_narration           245h
  7  content_release_escalated 340h   vulnerability tier 3, count 1
  8  partner_notification      510h
  9  full_exposure             725h

Bleeding starts when the tier reaches BleedingFloorTier and stops when
re-engagement drops the tier below it.
*/
package enforcement

import (
	"github.com/shopspring/decimal"
)

// MaxTier is the terminal escalation tier.
const MaxTier = 9

// BleedingFloorTier is the tier at and above which the continuous
// penalty meter runs.
const BleedingFloorTier = 5

// DefaultBleedRatePerMinute is the rate fixed on the state when
// bleeding activates.
var DefaultBleedRatePerMinute = decimal.RequireFromString("0.50")

// =============================================================================
// THRESHOLD TABLE
// =============================================================================

// Threshold is one row of the escalation table. Amount is set only for
// financial kinds; VulnerabilityTier/Count only for content kinds.
type Threshold struct {
	Tier              int
	Hours             int
	Kind              Kind
	Amount            decimal.Decimal
	VulnerabilityTier int
	Count             int
}

// Thresholds is ordered by tier; Hours strictly increasing.
var Thresholds = []Threshold{
	{Tier: 1, Hours: 24, Kind: KindWarning},
	{Tier: 2, Hours: 48, Kind: KindFinancialLight, Amount: decimal.NewFromInt(25)},
	{Tier: 3, Hours: 72, Kind: KindFinancialMedium, Amount: decimal.NewFromInt(50)},
	{Tier: 4, Hours: 125, Kind: KindContentWarning},
	{Tier: 5, Hours: 170, Kind: KindContentRelease, VulnerabilityTier: 2, Count: 1},
	{Tier: 6, Hours: 245, Kind: KindCoachNarration},
	{Tier: 7, Hours: 340, Kind: KindContentReleaseEscalated, VulnerabilityTier: 3, Count: 1},
	{Tier: 8, Hours: 510, Kind: KindPartnerNotification},
	{Tier: 9, Hours: 725, Kind: KindFullExposure},
}

// HighestCrossed returns the highest threshold whose hours have elapsed.
// The boundary is inclusive: hoursSince == Hours triggers.
func HighestCrossed(hoursSince float64) (Threshold, bool) {
	var crossed Threshold
	var found bool
	for _, t := range Thresholds {
		if hoursSince >= float64(t.Hours) {
			crossed = t
			found = true
		}
	}
	return crossed, found
}

// ThresholdForTier returns the table row for a tier in [1, 9].
func ThresholdForTier(tier int) (Threshold, bool) {
	for _, t := range Thresholds {
		if t.Tier == tier {
			return t, true
		}
	}
	return Threshold{}, false
}

// Action builds the tagged-union action for this threshold.
func (t Threshold) Action(reason string) Action {
	base := actionBase{tier: t.Tier, kind: t.Kind, reason: reason}
	switch t.Kind {
	case KindFinancialLight, KindFinancialMedium:
		return Penalty{actionBase: base, Amount: t.Amount}
	case KindContentRelease, KindContentReleaseEscalated:
		return ContentRelease{actionBase: base, VulnerabilityTier: t.VulnerabilityTier, Count: t.Count}
	case KindFullExposure:
		return Exposure{actionBase: base}
	default:
		return Notice{actionBase: base}
	}
}
