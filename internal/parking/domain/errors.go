package domain

import "errors"

// Store level failures. Implementations of SpotStore and ReservationStore
// return these and nothing else for the conditions they describe.
var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflicting concurrent update")
	ErrAlreadyExists = errors.New("already exists")
)

// Engine level failures surfaced to callers.
var (
	ErrDuplicateActiveReservation = errors.New("user already holds an active reservation")
	ErrSpotUnavailable            = errors.New("spot is no longer available")
	ErrConcurrentAllocation       = errors.New("spot was taken by a concurrent request")
	ErrNoSpotsAvailable           = errors.New("no spots available in class")
	ErrForbidden                  = errors.New("reservation belongs to another user")
	ErrInvalidArgument            = errors.New("invalid argument")
	ErrInvalidTransition          = errors.New("invalid spot state transition")
)

// IsRetryable reports whether the caller may retry the same request, possibly
// after choosing another spot.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrSpotUnavailable) ||
		errors.Is(err, ErrConcurrentAllocation) ||
		errors.Is(err, ErrConflict)
}
