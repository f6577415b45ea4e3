/*
errors.go - Centralized error types for the enforcement engine

ERROR CATEGORIES:
  1. NotFound - missing state; callers lazily initialize instead of failing
  2. Conflict - optimistic-concurrency losses and duplicate crossings;
     retryable or safely ignorable
  3. Validation - malformed tiers and amounts, rejected before any write

USAGE:
  if errors.Is(err, enforcement.ErrConcurrentModification) {
      // another check won the race; retry the whole check
  }
*/
package enforcement

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrStateNotFound is returned when no compliance state exists for a
	// user. Entry points lazily initialize instead of surfacing this.
	ErrStateNotFound = errors.New("compliance state not found")

	// ErrConcurrentModification is returned when a compare-and-swap state
	// write detects that another request changed the row first.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrDuplicateCrossing is returned when an escalation decision for a
	// (user, tier) crossing already exists. Expected on retried checks.
	ErrDuplicateCrossing = errors.New("tier crossing already recorded")

	// ErrTierOutOfRange is returned for tiers outside [0, 9].
	ErrTierOutOfRange = errors.New("escalation tier out of range")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// TierConflictError reports a lost compare-and-swap on the tier field.
type TierConflictError struct {
	UserID       string
	ExpectedTier int
}

func (e *TierConflictError) Error() string {
	return fmt.Sprintf("state for %s no longer at tier %d", e.UserID, e.ExpectedTier)
}

func (e *TierConflictError) Unwrap() error { return ErrConcurrentModification }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the operation might succeed when the whole
// check is retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsAlreadyApplied returns true if the error indicates the crossing was
// applied by an earlier or concurrent check.
func IsAlreadyApplied(err error) bool {
	return errors.Is(err, ErrDuplicateCrossing)
}

// IsNotFound returns true if the error indicates missing state.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrStateNotFound)
}
