/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

MONEY:
  All monetary values are serialized as decimal strings ("12.50"), never
  floats. Clients parse them with their own decimal types.

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

// =============================================================================
// COMPLIANCE STATE
// =============================================================================

// ComplianceStateDTO represents a user's enforcement state.
type ComplianceStateDTO struct {
	UserID               string  `json:"user_id"`
	EscalationTier       int     `json:"escalation_tier"`
	LastEngagementAt     string  `json:"last_engagement_at"`
	HoursSinceEngagement float64 `json:"hours_since_engagement"`
	DailyTasksComplete   int     `json:"daily_tasks_complete"`
	DailyTasksRequired   int     `json:"daily_tasks_required"`

	BleedingActive        bool    `json:"bleeding_active"`
	BleedingStartedAt     *string `json:"bleeding_started_at,omitempty"`
	BleedingRatePerMinute string  `json:"bleeding_rate_per_minute"`
	BleedingOwedNow       string  `json:"bleeding_owed_now"`
	BleedingTotalToday    string  `json:"bleeding_total_today"`

	PendingConsequences int `json:"pending_consequences"`
}

// ActionDTO represents one applied escalation action.
type ActionDTO struct {
	Tier              int    `json:"tier"`
	Kind              string `json:"kind"`
	Reason            string `json:"reason"`
	Amount            string `json:"amount,omitempty"`
	VulnerabilityTier int    `json:"vulnerability_tier,omitempty"`
	Count             int    `json:"count,omitempty"`
}

// CheckResponse is the result of an enforcement check.
type CheckResponse struct {
	Escalated bool       `json:"escalated"`
	Action    *ActionDTO `json:"action,omitempty"`
}

// DecisionDTO represents one audit-log entry.
type DecisionDTO struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	Tier         int    `json:"tier"`
	PreviousTier int    `json:"previous_tier"`
	Direction    string `json:"direction,omitempty"`
	Kind         string `json:"kind,omitempty"`
	Amount       string `json:"amount"`
	Reasoning    string `json:"reasoning,omitempty"`
	Outcome      string `json:"outcome"`
	ExecutedAt   string `json:"executed_at"`
}

// DailySummaryDTO is the daily enforcement roll-up.
type DailySummaryDTO struct {
	UserID               string  `json:"user_id"`
	Day                  string  `json:"day"`
	Tier                 int     `json:"tier"`
	HoursSinceEngagement float64 `json:"hours_since_engagement"`
	BleedingActive       bool    `json:"bleeding_active"`
	TotalBledToday       string  `json:"total_bled_today"`
	EscalationsToday     int     `json:"escalations_today"`
	DeescalationsToday   int     `json:"deescalations_today"`
	EngagementsToday     int     `json:"engagements_today"`
	PenaltiesToday       string  `json:"penalties_today"`
	ContentReleasedToday int     `json:"content_released_today"`
	PendingConsequences  int     `json:"pending_consequences"`
}

// AckResponse reports acknowledged consequences.
type AckResponse struct {
	Acknowledged int `json:"acknowledged"`
}

// SettleResponse reports a settled bleeding amount.
type SettleResponse struct {
	Settled string `json:"settled"`
}

// =============================================================================
// FUND
// =============================================================================

// AccountDTO represents a fund account.
type AccountDTO struct {
	UserID         string `json:"user_id"`
	Balance        string `json:"balance"`
	TotalEarned    string `json:"total_earned"`
	TotalPenalties string `json:"total_penalties"`
	TotalSpent     string `json:"total_spent"`
	PendingPayout  string `json:"pending_payout"`

	PayoutThreshold   string `json:"payout_threshold"`
	ReservePercentage string `json:"reserve_percentage"`
	PayoutEligible    string `json:"payout_eligible"`

	MonthlyPenaltyLimit       string `json:"monthly_penalty_limit"`
	MonthlyPenaltiesThisMonth string `json:"monthly_penalties_this_month"`

	UpdatedAt string `json:"updated_at,omitempty"`
}

// TransactionDTO represents a ledger entry.
type TransactionDTO struct {
	ID             string `json:"id"`
	Amount         string `json:"amount"`
	Type           string `json:"type"`
	Description    string `json:"description,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	CreatedAt      string `json:"created_at"`
}

// ApplyDeltaRequest is the request to apply a manual ledger delta.
type ApplyDeltaRequest struct {
	Amount         string `json:"amount"`
	Type           string `json:"type"`
	Description    string `json:"description"`
	IdempotencyKey string `json:"idempotency_key"`
}

// AuditRequest asks for a balance audit, optionally repairing drift.
type AuditRequest struct {
	Repair bool `json:"repair"`
}

// AuditReportDTO is the balance-invariant audit result.
type AuditReportDTO struct {
	UserID       string `json:"user_id"`
	Materialized string `json:"materialized"`
	Recomputed   string `json:"recomputed"`
	Drift        string `json:"drift"`
	Consistent   bool   `json:"consistent"`
	Repaired     bool   `json:"repaired"`
}

// =============================================================================
// SIGNALS
// =============================================================================

// SignalDTO represents one outbox row.
type SignalDTO struct {
	ID          string `json:"id"`
	UserID      string `json:"user_id"`
	Kind        string `json:"kind"`
	Severity    int    `json:"severity"`
	Status      string `json:"status"`
	Attempts    int    `json:"attempts"`
	LastError   string `json:"last_error,omitempty"`
	CreatedAt   string `json:"created_at"`
	DeliveredAt string `json:"delivered_at,omitempty"`
}

// FlushResponse reports an outbox flush.
type FlushResponse struct {
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

// ErrorResponse is the standard error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
