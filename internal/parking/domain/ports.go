package domain

import (
	"context"

	"github.com/google/uuid"
)

// Mutation computes the next spot record from the one currently committed.
// Returning ErrConflict aborts the transition without changes.
type Mutation func(current Spot) (Spot, error)

// SpotStore is the authoritative per-lot spot collection. Transition is the
// only mutation path for live spots and is atomic per spot.
type SpotStore interface {
	Get(ctx context.Context, lotID, spotID string) (Spot, error)
	List(ctx context.Context, lotID string) ([]Spot, error)
	ListHeld(ctx context.Context) ([]Spot, error)
	Transition(ctx context.Context, lotID, spotID string, expected SpotStatus, mutate Mutation) (Spot, error)
	// Put seeds or administratively replaces a spot record.
	Put(ctx context.Context, spot Spot) (Spot, error)
	// Watch streams changed spot records for a lot until ctx is done.
	Watch(ctx context.Context, lotID string) (<-chan Spot, error)
}

// ReservationStore holds reservation records. Create rejects a second Held
// reservation for the same user with ErrAlreadyExists.
type ReservationStore interface {
	Create(ctx context.Context, r Reservation) (Reservation, error)
	Get(ctx context.Context, id uuid.UUID) (Reservation, error)
	FindActiveByUser(ctx context.Context, userID string) (*Reservation, error)
	ListByUser(ctx context.Context, userID string) ([]Reservation, error)
	ListByStatus(ctx context.Context, status ReservationStatus) ([]Reservation, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, expected, next ReservationStatus) (Reservation, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

type EventPublisher interface {
	Publish(ctx context.Context, event ReservationEvent) error
}

type IdempotencyRepository interface {
	GetResponse(ctx context.Context, key string) ([]byte, bool, error)
	PutResponse(ctx context.Context, key string, payload []byte) error
}
