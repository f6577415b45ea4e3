/*
signals.go - Outbound signal hub (outbox pattern)

PURPOSE:
  The dispatcher never calls downstream subsystems directly. A signal is
  persisted as a pending outbox row, then delivery is attempted
  best-effort after the enforcement state has committed. A delivery
  failure is logged and the row stays retryable - it can never roll back
  tier or ledger state.

DOWNSTREAM COLLABORATORS (interface boundary only):
  EngagementRecorder  external engagement-record store
  ContentReleaser     external content subsystem
  Notifier            coach/notification channel

RETRY:
  Flush re-attempts pending rows. Rows exceeding MaxSignalAttempts are
  marked failed and left for operator inspection.
*/
package enforcement

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
)

// MaxSignalAttempts before a pending signal is marked failed.
const MaxSignalAttempts = 5

// =============================================================================
// COLLABORATOR INTERFACES
// =============================================================================

type EngagementRecorder interface {
	RecordEngagement(ctx context.Context, userID string, at time.Time) error
}

type ContentReleaser interface {
	ReleaseContent(ctx context.Context, userID string, vulnerabilityTier, count int, isConsequence bool) error
}

type Notifier interface {
	Notify(ctx context.Context, userID string, severity int, message string) error
}

// =============================================================================
// SIGNAL - Persisted outbox row
// =============================================================================

type SignalKind string

const (
	SignalEngagement     SignalKind = "engagement"
	SignalContentRelease SignalKind = "content_release"
	SignalNotification   SignalKind = "notification"
)

type SignalStatus string

const (
	SignalPending SignalStatus = "pending"
	SignalSent    SignalStatus = "sent"
	SignalFailed  SignalStatus = "failed"
)

type Signal struct {
	ID       string
	UserID   string
	Kind     SignalKind
	Severity int // originating tier, 0 for engagement

	// Notification payload.
	Message string

	// Content-release payload.
	VulnerabilityTier int
	Count             int
	IsConsequence     bool

	// Engagement payload.
	EngagedAt time.Time

	Status      SignalStatus
	Attempts    int
	LastError   string
	CreatedAt   time.Time
	DeliveredAt *time.Time
}

// SignalStore persists outbox rows.
type SignalStore interface {
	AppendSignal(ctx context.Context, s Signal) error
	UpdateSignalDelivery(ctx context.Context, id string, status SignalStatus, attempts int, lastError string, deliveredAt *time.Time) error
	PendingSignals(ctx context.Context, limit int) ([]Signal, error)
	SignalsByUser(ctx context.Context, userID string, from, to time.Time) ([]Signal, error)
}

// =============================================================================
// SIGNAL HUB
// =============================================================================

type SignalHub struct {
	store       SignalStore
	engagements EngagementRecorder
	content     ContentReleaser
	notifier    Notifier
	clock       func() time.Time
	logger      *log.Logger
}

func NewSignalHub(store SignalStore, engagements EngagementRecorder, content ContentReleaser, notifier Notifier, logger *log.Logger) *SignalHub {
	if logger == nil {
		logger = log.Default()
	}
	return &SignalHub{
		store:       store,
		engagements: engagements,
		content:     content,
		notifier:    notifier,
		clock:       time.Now,
		logger:      logger,
	}
}

// SetClock overrides the time source for tests.
func (h *SignalHub) SetClock(clock func() time.Time) { h.clock = clock }

// Emit persists the signal and attempts delivery once, best-effort.
// Never returns an error: persistence or delivery failures are logged,
// and a persisted-but-undelivered signal stays pending for Flush.
func (h *SignalHub) Emit(ctx context.Context, s Signal) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	s.Status = SignalPending
	s.CreatedAt = h.clock().UTC()

	if err := h.store.AppendSignal(ctx, s); err != nil {
		h.logger.Printf("signal %s (%s) not persisted: %v", s.ID, s.Kind, err)
		return
	}
	h.attempt(ctx, s)
}

// Flush re-attempts pending signals. Returns counts of signals delivered
// and signals newly marked failed.
func (h *SignalHub) Flush(ctx context.Context, limit int) (delivered, failed int, err error) {
	pending, err := h.store.PendingSignals(ctx, limit)
	if err != nil {
		return 0, 0, err
	}
	for _, s := range pending {
		switch h.attempt(ctx, s) {
		case SignalSent:
			delivered++
		case SignalFailed:
			failed++
		}
	}
	return delivered, failed, nil
}

// attempt delivers one signal and records the outcome. Returns the
// resulting status.
func (h *SignalHub) attempt(ctx context.Context, s Signal) SignalStatus {
	attempts := s.Attempts + 1
	deliverErr := h.deliver(ctx, s)

	if deliverErr == nil {
		now := h.clock().UTC()
		if err := h.store.UpdateSignalDelivery(ctx, s.ID, SignalSent, attempts, "", &now); err != nil {
			h.logger.Printf("signal %s delivered but not marked sent: %v", s.ID, err)
		}
		return SignalSent
	}

	status := SignalPending
	if attempts >= MaxSignalAttempts {
		status = SignalFailed
	}
	h.logger.Printf("signal %s (%s, attempt %d) delivery failed: %v", s.ID, s.Kind, attempts, deliverErr)
	if err := h.store.UpdateSignalDelivery(ctx, s.ID, status, attempts, deliverErr.Error(), nil); err != nil {
		h.logger.Printf("signal %s delivery status not recorded: %v", s.ID, err)
	}
	return status
}

func (h *SignalHub) deliver(ctx context.Context, s Signal) error {
	switch s.Kind {
	case SignalEngagement:
		if h.engagements == nil {
			return nil
		}
		return h.engagements.RecordEngagement(ctx, s.UserID, s.EngagedAt)
	case SignalContentRelease:
		if h.content == nil {
			return nil
		}
		return h.content.ReleaseContent(ctx, s.UserID, s.VulnerabilityTier, s.Count, s.IsConsequence)
	case SignalNotification:
		if h.notifier == nil {
			return nil
		}
		return h.notifier.Notify(ctx, s.UserID, s.Severity, s.Message)
	default:
		return nil
	}
}

// =============================================================================
// LOGGING COLLABORATORS - Default stand-ins when the host hasn't wired
// real subsystems (dev server, demos)
// =============================================================================

type LoggingCollaborators struct {
	Logger *log.Logger
}

func (c *LoggingCollaborators) log(format string, args ...any) {
	l := c.Logger
	if l == nil {
		l = log.Default()
	}
	l.Printf(format, args...)
}

func (c *LoggingCollaborators) RecordEngagement(_ context.Context, userID string, at time.Time) error {
	c.log("engagement recorded: user=%s at=%s", userID, at.Format(time.RFC3339))
	return nil
}

func (c *LoggingCollaborators) ReleaseContent(_ context.Context, userID string, vulnerabilityTier, count int, isConsequence bool) error {
	payload, _ := json.Marshal(map[string]any{
		"vulnerability_tier": vulnerabilityTier,
		"count":              count,
		"is_consequence":     isConsequence,
	})
	c.log("content release signaled: user=%s %s", userID, payload)
	return nil
}

func (c *LoggingCollaborators) Notify(_ context.Context, userID string, severity int, message string) error {
	c.log("notification signaled: user=%s severity=%d message=%q", userID, severity, message)
	return nil
}
