// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist. At the API
	// boundary it is mapped identically to ErrDenied so callers cannot probe
	// for the existence of resources they have no access to.
	ErrNotFound = errors.New("not found")

	// ErrDenied indicates the principal lacks the required role for the action.
	ErrDenied = errors.New("denied")

	// ErrVersionConflict indicates optimistic concurrency failure (base version mismatch).
	ErrVersionConflict = errors.New("version conflict")

	// ErrAlreadyReserved indicates another claimant holds an active reservation.
	ErrAlreadyReserved = errors.New("already reserved")

	// ErrReservationExpired indicates the reservation grace period has elapsed.
	ErrReservationExpired = errors.New("reservation expired")

	// ErrResyncRequired indicates the requested change sequence is older than
	// what the changelog retains; the client must refetch the list wholesale.
	ErrResyncRequired = errors.New("resync required")

	// ErrSelfShare indicates a share where grantor and grantee are the same
	// principal. This is a data-integrity error, not an authorization one.
	ErrSelfShare = errors.New("self share")

	// ErrUnauthorized indicates failed authentication.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited indicates temporary login lock due to rate limiting.
	ErrRateLimited = errors.New("rate limited")

	// ErrAlreadyExists indicates a unique constraint violation (e.g., username taken).
	ErrAlreadyExists = errors.New("already exists")

	// ErrTransient indicates a network or timeout failure that is safe to retry.
	ErrTransient = errors.New("transient")
)
