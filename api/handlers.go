/*
handlers.go - HTTP API handlers for the compliance engine

PURPOSE:
  Exposes the enforcement engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Compliance:
    GET    /api/users/{id}/compliance         Current enforcement state
    GET    /api/users/{id}/summary            Daily roll-up
    GET    /api/users/{id}/decisions          Recent audit-log entries
    POST   /api/users/{id}/check              Run an enforcement check
    POST   /api/users/{id}/tasks/{taskID}/complete  Record an engagement
    POST   /api/users/{id}/deescalate         Reduce tier by one
    POST   /api/users/{id}/consequences/ack   Acknowledge consequences
    POST   /api/users/{id}/bleeding/settle    Settle the open accrual window
    POST   /api/users/{id}/bleeding/stop      Stop the meter

  Fund:
    GET    /api/users/{id}/fund               Account aggregates
    GET    /api/users/{id}/fund/transactions  Ledger history
    POST   /api/users/{id}/fund/delta         Manual credit/adjustment
    POST   /api/users/{id}/fund/audit         Balance audit (optional repair)

  Signals:
    GET    /api/users/{id}/signals            Signals emitted for a user
    POST   /api/admin/signals/flush           Re-attempt pending deliveries

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input
  3. Call domain logic (service, ledger, meter, hub)
  4. Serialize response
  5. Handle errors

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Resource not found
  - 409: Conflict (idempotency, concurrent modification)
  - 500: Internal errors

SECURITY NOTE:
  Currently NO authentication or authorization. The engine is deployed
  behind the host's authenticated gateway.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/warp/compliance-engine/enforcement"
	"github.com/warp/compliance-engine/fund"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service   *enforcement.Service
	Ledger    *fund.Ledger
	Hub       *enforcement.SignalHub
	Decisions enforcement.DecisionLog
	Signals   enforcement.SignalStore

	// Clock is the time source for read-side derivations; overridable
	// in tests.
	Clock func() time.Time
}

// NewHandler creates a new handler with the given dependencies.
func NewHandler(service *enforcement.Service, ledger *fund.Ledger, hub *enforcement.SignalHub, decisions enforcement.DecisionLog, signals enforcement.SignalStore) *Handler {
	return &Handler{
		Service:   service,
		Ledger:    ledger,
		Hub:       hub,
		Decisions: decisions,
		Signals:   signals,
		Clock:     time.Now,
	}
}

// =============================================================================
// COMPLIANCE HANDLERS
// =============================================================================

// GetCompliance returns the user's enforcement state.
func (h *Handler) GetCompliance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	st, err := h.Service.State(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get compliance state", err)
		return
	}

	writeJSON(w, http.StatusOK, h.toStateDTO(st))
}

// GetSummary returns the daily enforcement roll-up.
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	sum, err := h.Service.Summarize(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to build summary", err)
		return
	}

	writeJSON(w, http.StatusOK, DailySummaryDTO{
		UserID:               sum.UserID,
		Day:                  sum.Day.Format("2006-01-02"),
		Tier:                 sum.Tier,
		HoursSinceEngagement: sum.HoursSinceEngagement,
		BleedingActive:       sum.BleedingActive,
		TotalBledToday:       sum.TotalBledToday.String(),
		EscalationsToday:     sum.EscalationsToday,
		DeescalationsToday:   sum.DeescalationsToday,
		EngagementsToday:     sum.EngagementsToday,
		PenaltiesToday:       sum.PenaltiesToday.String(),
		ContentReleasedToday: sum.ContentReleasedToday,
		PendingConsequences:  sum.PendingConsequences,
	})
}

// ListDecisions returns the user's recent audit-log entries.
func (h *Handler) ListDecisions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	decisions, err := h.Decisions.DecisionsByUser(r.Context(), userID, 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list decisions", err)
		return
	}

	dtos := make([]DecisionDTO, len(decisions))
	for i, d := range decisions {
		dtos[i] = DecisionDTO{
			ID:           d.ID,
			Type:         string(d.Type),
			Tier:         d.Tier,
			PreviousTier: d.PreviousTier,
			Direction:    d.Direction,
			Kind:         string(d.Kind),
			Amount:       d.Amount.String(),
			Reasoning:    d.Reasoning,
			Outcome:      d.Outcome,
			ExecutedAt:   d.ExecutedAt.Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// Check runs an enforcement check for the user.
func (h *Handler) Check(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	action, err := h.Service.OnCheck(r.Context(), userID)
	if err != nil {
		writeDomainError(w, "Check failed", err)
		return
	}

	resp := CheckResponse{}
	if action != nil {
		resp.Escalated = true
		dto := ActionDTO{
			Tier:   action.Tier(),
			Kind:   string(action.Kind()),
			Reason: action.Reason(),
		}
		switch a := action.(type) {
		case enforcement.Penalty:
			dto.Amount = a.Amount.String()
		case enforcement.ContentRelease:
			dto.VulnerabilityTier = a.VulnerabilityTier
			dto.Count = a.Count
		}
		resp.Action = &dto
	}
	writeJSON(w, http.StatusOK, resp)
}

// CompleteTask records a qualifying engagement.
func (h *Handler) CompleteTask(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	taskID := chi.URLParam(r, "taskID")

	if err := h.Service.OnTaskCompletion(r.Context(), userID, taskID); err != nil {
		writeDomainError(w, "Failed to record task completion", err)
		return
	}

	st, err := h.Service.State(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get compliance state", err)
		return
	}
	writeJSON(w, http.StatusOK, h.toStateDTO(st))
}

// Deescalate reduces the user's tier by one step.
func (h *Handler) Deescalate(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	dec, err := h.Service.Reduce(r.Context(), userID)
	if err != nil {
		writeDomainError(w, "Failed to de-escalate", err)
		return
	}
	if dec == nil {
		// Already at tier 0 (or no state): nothing to reduce.
		writeJSON(w, http.StatusOK, map[string]any{"reduced": false})
		return
	}

	writeJSON(w, http.StatusOK, DecisionDTO{
		ID:           dec.ID,
		Type:         string(dec.Type),
		Tier:         dec.Tier,
		PreviousTier: dec.PreviousTier,
		Direction:    dec.Direction,
		Amount:       dec.Amount.String(),
		Reasoning:    dec.Reasoning,
		Outcome:      dec.Outcome,
		ExecutedAt:   dec.ExecutedAt.Format(time.RFC3339),
	})
}

// AckConsequences clears the pending consequence counter.
func (h *Handler) AckConsequences(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	acked, err := h.Service.AcknowledgeConsequences(r.Context(), userID)
	if err != nil {
		writeDomainError(w, "Failed to acknowledge consequences", err)
		return
	}
	writeJSON(w, http.StatusOK, AckResponse{Acknowledged: acked})
}

// SettleBleeding settles the open accrual window.
func (h *Handler) SettleBleeding(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	settled, err := h.Service.Meter().Settle(r.Context(), userID, h.Clock().UTC())
	if err != nil {
		writeDomainError(w, "Failed to settle bleeding", err)
		return
	}
	writeJSON(w, http.StatusOK, SettleResponse{Settled: settled.String()})
}

// StopBleeding settles and deactivates the meter.
func (h *Handler) StopBleeding(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	settled, err := h.Service.Meter().Stop(r.Context(), userID, h.Clock().UTC())
	if err != nil {
		writeDomainError(w, "Failed to stop bleeding", err)
		return
	}
	writeJSON(w, http.StatusOK, SettleResponse{Settled: settled.String()})
}

// =============================================================================
// FUND HANDLERS
// =============================================================================

// GetFund returns the user's account aggregates.
func (h *Handler) GetFund(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	acct, err := h.Ledger.Account(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get fund account", err)
		return
	}

	writeJSON(w, http.StatusOK, AccountDTO{
		UserID:                    acct.UserID,
		Balance:                   acct.Balance.String(),
		TotalEarned:               acct.TotalEarned.String(),
		TotalPenalties:            acct.TotalPenalties.String(),
		TotalSpent:                acct.TotalSpent.String(),
		PendingPayout:             acct.PendingPayout.String(),
		PayoutThreshold:           acct.PayoutThreshold.String(),
		ReservePercentage:         acct.ReservePercentage.String(),
		PayoutEligible:            acct.PayoutEligible().String(),
		MonthlyPenaltyLimit:       acct.MonthlyPenaltyLimit.String(),
		MonthlyPenaltiesThisMonth: acct.PenaltiesThisMonth(h.Clock().UTC()).String(),
		UpdatedAt:                 acct.UpdatedAt.Format(time.RFC3339),
	})
}

// GetFundTransactions returns the user's ledger history.
func (h *Handler) GetFundTransactions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	txs, err := h.Ledger.Transactions(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get transactions", err)
		return
	}

	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = TransactionDTO{
			ID:             tx.ID,
			Amount:         tx.Amount.String(),
			Type:           string(tx.Type),
			Description:    tx.Description,
			IdempotencyKey: tx.IdempotencyKey,
			CreatedAt:      tx.CreatedAt.Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ApplyFundDelta applies a manual ledger delta (earnings, adjustments).
func (h *Handler) ApplyFundDelta(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	var req ApplyDeltaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount (use a decimal string)", err)
		return
	}

	txType := fund.TxType(req.Type)
	switch txType {
	case fund.TxEarning, fund.TxAdjustment, fund.TxPayout:
	default:
		writeError(w, http.StatusBadRequest, "Invalid type (earning, adjustment, payout)", nil)
		return
	}

	tx, err := h.Ledger.ApplyDelta(r.Context(), userID, amount, txType, req.Description, req.IdempotencyKey)
	if err != nil {
		writeDomainError(w, "Failed to apply delta", err)
		return
	}

	writeJSON(w, http.StatusCreated, TransactionDTO{
		ID:             tx.ID,
		Amount:         tx.Amount.String(),
		Type:           string(tx.Type),
		Description:    tx.Description,
		IdempotencyKey: tx.IdempotencyKey,
		CreatedAt:      tx.CreatedAt.Format(time.RFC3339),
	})
}

// AuditFund verifies the balance invariant, optionally repairing drift.
func (h *Handler) AuditFund(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	var req AuditRequest
	if r.Body != nil && r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}

	var (
		report *fund.AuditReport
		err    error
	)
	if req.Repair {
		report, err = h.Ledger.Repair(r.Context(), userID)
	} else {
		report, err = h.Ledger.Audit(r.Context(), userID)
	}
	if err != nil {
		writeDomainError(w, "Audit failed", err)
		return
	}

	writeJSON(w, http.StatusOK, AuditReportDTO{
		UserID:       report.UserID,
		Materialized: report.Materialized.String(),
		Recomputed:   report.Recomputed.String(),
		Drift:        report.Drift.String(),
		Consistent:   report.Consistent,
		Repaired:     report.Repaired,
	})
}

// =============================================================================
// SIGNAL HANDLERS
// =============================================================================

// ListSignals returns signals emitted for a user in the last 30 days.
func (h *Handler) ListSignals(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	now := h.Clock().UTC()

	signals, err := h.Signals.SignalsByUser(r.Context(), userID, now.AddDate(0, 0, -30), now)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list signals", err)
		return
	}

	dtos := make([]SignalDTO, len(signals))
	for i, s := range signals {
		dto := SignalDTO{
			ID:        s.ID,
			UserID:    s.UserID,
			Kind:      string(s.Kind),
			Severity:  s.Severity,
			Status:    string(s.Status),
			Attempts:  s.Attempts,
			LastError: s.LastError,
			CreatedAt: s.CreatedAt.Format(time.RFC3339),
		}
		if s.DeliveredAt != nil {
			dto.DeliveredAt = s.DeliveredAt.Format(time.RFC3339)
		}
		dtos[i] = dto
	}
	writeJSON(w, http.StatusOK, dtos)
}

// FlushSignals re-attempts pending outbox deliveries.
func (h *Handler) FlushSignals(w http.ResponseWriter, r *http.Request) {
	delivered, failed, err := h.Hub.Flush(r.Context(), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Flush failed", err)
		return
	}
	writeJSON(w, http.StatusOK, FlushResponse{Delivered: delivered, Failed: failed})
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) toStateDTO(st *enforcement.ComplianceState) ComplianceStateDTO {
	now := h.Clock().UTC()
	dto := ComplianceStateDTO{
		UserID:                st.UserID,
		EscalationTier:        st.EscalationTier,
		LastEngagementAt:      st.LastEngagementAt.Format(time.RFC3339),
		HoursSinceEngagement:  st.HoursSince(now),
		DailyTasksComplete:    st.DailyTasksComplete,
		DailyTasksRequired:    st.DailyTasksRequired,
		BleedingActive:        st.BleedingActive,
		BleedingRatePerMinute: st.BleedingRatePerMinute.String(),
		BleedingOwedNow:       enforcement.OwedNow(st, now).String(),
		BleedingTotalToday:    st.TotalBledToday(now).String(),
		PendingConsequences:   st.PendingConsequences,
	}
	if st.BleedingStartedAt != nil {
		started := st.BleedingStartedAt.Format(time.RFC3339)
		dto.BleedingStartedAt = &started
	}
	return dto
}

// writeDomainError maps domain errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	var invalidAmount *fund.InvalidAmountError
	switch {
	case errors.Is(err, fund.ErrDuplicateIdempotencyKey):
		writeError(w, http.StatusConflict, "Duplicate idempotency key", err)
	case errors.As(err, &invalidAmount):
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
	case enforcement.IsRetryable(err):
		writeError(w, http.StatusConflict, "Concurrent modification, retry", err)
	case enforcement.IsNotFound(err) || errors.Is(err, fund.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, "Not found", err)
	default:
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
