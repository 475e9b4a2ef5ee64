package domain

import "errors"

// Sentinel errors shared across the engine. Callers classify with errors.Is.
var (
	// Validation
	ErrValidation = errors.New("validation failed")

	// Lookup / ownership
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("forbidden")

	// Lifecycle
	ErrNotResumable      = errors.New("run is not resumable")
	ErrRunTerminal       = errors.New("run already terminal")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrVersionConflict   = errors.New("run version conflict")

	// Resource exhaustion
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrRateLimited         = errors.New("rate limit exceeded")

	// External failures
	ErrContractViolation = errors.New("contract violation")
	ErrTransient         = errors.New("transient failure")

	// Admin idempotency
	ErrIdempotencyInProgress = errors.New("idempotent request still processing")
	ErrIdempotencyKeyReuse   = errors.New("idempotency key reused with a different request")
)

// IsRetryable reports whether err is a transient fault worth retrying at the step level.
// Contract violations and resource exhaustion are never retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrContractViolation),
		errors.Is(err, ErrValidation),
		errors.Is(err, ErrInsufficientCredits),
		errors.Is(err, ErrRateLimited):
		return false
	}
	return true
}
