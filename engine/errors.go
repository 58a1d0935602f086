/*
errors.go - Centralized error types for the referral engine

PURPOSE:
  All engine error types in one place. Collaborator packages (api, auth)
  match these with errors.Is/errors.As and map them to their own surfaces.

ERROR CATEGORIES:
  1. Registration errors - rejected before any account is created
  2. Purchase errors     - rejected before any transaction is created
  3. Store errors        - surfaced as a failed transaction once the record
                           exists, returned directly otherwise

SEE ALSO:
  - graph.go:       Registration-time rejections
  - distributor.go: Purchase-time rejections and failure recording
*/
package engine

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned for malformed input (bad shape or range)
	// before any state change.
	ErrValidation = errors.New("validation failed")

	// ErrDuplicateIdentity is returned when username, email, or phone is
	// already taken.
	ErrDuplicateIdentity = errors.New("duplicate identity")

	// ErrInvalidReferralCode is returned when a supplied referral code does
	// not belong to any account.
	ErrInvalidReferralCode = errors.New("invalid referral code")

	// ErrInactiveReferrer is returned when the referral code's owner is
	// disabled and may not sponsor new referrals.
	ErrInactiveReferrer = errors.New("referrer account is inactive")

	// ErrReferralLimitExceeded is returned when the referrer already has the
	// configured maximum of direct referrals.
	ErrReferralLimitExceeded = errors.New("referral limit exceeded")

	// ErrAccountNotFound is returned when a referenced account doesn't exist.
	ErrAccountNotFound = errors.New("account not found")

	// ErrAccountInactive is returned when the purchaser is disabled.
	ErrAccountInactive = errors.New("account is inactive")

	// ErrTransactionNotFound is returned when a referenced transaction
	// doesn't exist.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrDuplicateTransactionID is internal to the distributor: id generation
	// retries on it and it never reaches callers.
	ErrDuplicateTransactionID = errors.New("duplicate transaction id")

	// ErrDuplicateReferralCode is internal to registration: code generation
	// retries on it. The store's unique index raises it, making the
	// check-and-generate a compare-and-set.
	ErrDuplicateReferralCode = errors.New("duplicate referral code")

	// ErrAlreadyCredited is returned by AccountStore.ApplyEarning when a
	// credit tombstone for (transaction, beneficiary) already exists. Safe to
	// treat as success on retry.
	ErrAlreadyCredited = errors.New("split already credited")

	// ErrStoreUnavailable wraps store-level failures during distribution.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ReferralLimitError reports a fan-out rejection with the observed count.
type ReferralLimitError struct {
	Referrer AccountID
	Current  int
	Max      int
}

func (e *ReferralLimitError) Error() string {
	return fmt.Sprintf("referral limit exceeded: %s has %d of %d direct referrals",
		e.Referrer, e.Current, e.Max)
}

func (e *ReferralLimitError) Unwrap() error { return ErrReferralLimitExceeded }

// ValidationError reports which field failed and why.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRegistrationRejection reports whether err is a pre-creation registration
// failure (no durable side effect occurred).
func IsRegistrationRejection(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrDuplicateIdentity) ||
		errors.Is(err, ErrInvalidReferralCode) ||
		errors.Is(err, ErrInactiveReferrer) ||
		errors.Is(err, ErrReferralLimitExceeded)
}

// IsNotFound reports whether the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrTransactionNotFound)
}
