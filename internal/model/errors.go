package model

import "errors"

// Domain error kinds. Each maps to exactly one HTTP status at the server
// boundary; inside the core they travel as wrapped sentinels.
var (
	// ErrValidation indicates malformed input (bad session id, empty task).
	ErrValidation = errors.New("validation failed")

	// ErrUnauthorized indicates a missing, expired, or malformed token.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotFound indicates the session does not exist or is not owned by
	// the caller. The two cases are deliberately indistinguishable so that
	// session ids cannot be enumerated across users.
	ErrNotFound = errors.New("not found")

	// ErrTransition indicates an illegal session status transition.
	ErrTransition = errors.New("invalid status transition")

	// ErrCapacity indicates the concurrent-session limit was reached.
	ErrCapacity = errors.New("capacity exceeded")

	// ErrPersistence indicates a metadata store failure that survived
	// retries.
	ErrPersistence = errors.New("persistence failed")

	// ErrFilesystem indicates a session directory create/read/write
	// failure.
	ErrFilesystem = errors.New("session filesystem failure")

	// ErrSandboxUnavailable indicates the isolation binary is missing
	// while sandboxing is required. Fail-closed: execution never degrades
	// to an unsandboxed child.
	ErrSandboxUnavailable = errors.New("sandbox unavailable")

	// ErrNotResumable indicates a resume was requested for a session
	// whose state does not permit it.
	ErrNotResumable = errors.New("session not resumable")

	// ErrSubscriberLagged indicates a streaming subscriber overflowed its
	// buffer and was dropped. Only that subscriber is affected.
	ErrSubscriberLagged = errors.New("subscriber lagged")
)

// API error codes used in the JSON error envelope.
const (
	ErrCodeValidation    = "VALIDATION_ERROR"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeTransition    = "INVALID_TRANSITION"
	ErrCodeNotResumable  = "NOT_RESUMABLE"
	ErrCodeCapacity      = "CAPACITY_EXCEEDED"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeInternalError = "INTERNAL_ERROR"
)
