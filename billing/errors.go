/*
errors.go - Centralized error types for the settlement engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers classify failures with errors.Is against the sentinels below;
  the API layer maps them onto HTTP status codes.

ERROR CATEGORIES:
  1. NotFound        - unknown project/session/task or cross-tenant access
  2. Conflict        - id mismatch, editing a settled session, double payment
  3. InvalidInput    - malformed batches, bad flags, empty windows
  4. UpstreamFailure - a ledger/session write failed mid-protocol

RETRY POLICY:
  NotFound, Conflict and InvalidInput go straight back to the caller.
  UpstreamFailure during settlement stops the current worker's remaining
  day-rows; the next scheduled run picks them up because their sessions
  were never flagged SETTLED.

SEE ALSO:
  - api/handlers.go: HTTP status mapping
  - settlement/submit.go: wraps store failures in UpstreamError
*/
package billing

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned when a session, task or worker does not exist
	// or belongs to another tenant.
	ErrNotFound = errors.New("not found")

	// ErrProjectNotFound is returned by the rate resolver for unknown projects.
	ErrProjectNotFound = fmt.Errorf("project %w", ErrNotFound)

	// ErrConflict is returned when the request contradicts stored state.
	ErrConflict = errors.New("conflict")

	// ErrBusy is returned when a covered session is still being recorded.
	ErrBusy = fmt.Errorf("session still in progress: %w", ErrConflict)

	// ErrInvalidInput is returned for malformed requests.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUpstreamFailure is returned when persistence fails after pricing
	// has already been computed.
	ErrUpstreamFailure = errors.New("upstream failure")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// CorrectionError names the session that made a correction batch fail.
type CorrectionError struct {
	SerialID SerialID
	Reason   string
	Err      error
}

func (e *CorrectionError) Error() string {
	return fmt.Sprintf("correction of session %d: %s: %v", e.SerialID, e.Reason, e.Err)
}

func (e *CorrectionError) Unwrap() error { return e.Err }

// UpstreamError wraps a persistence failure during a protocol step. It
// matches both ErrUpstreamFailure and the underlying cause.
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() []error {
	return []error{ErrUpstreamFailure, e.Err}
}

// Upstream wraps err as an UpstreamError unless it already carries a
// domain classification.
func Upstream(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsClientError(err) || IsNotFound(err) || errors.Is(err, ErrUpstreamFailure) {
		return err
	}
	return &UpstreamError{Op: op, Err: err}
}

// Invalid builds an ErrInvalidInput with a message.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on a later run.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUpstreamFailure)
}

// IsClientError returns true if the error is due to the caller's input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrConflict)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
