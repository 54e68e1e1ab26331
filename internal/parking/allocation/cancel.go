package allocation

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/parkhold/internal/parking/domain"
)

// Canceller ends a user's Held reservation and frees its spot. Repeated
// cancellation of the same reservation is a no-op.
type Canceller struct {
	spots        domain.SpotStore
	reservations domain.ReservationStore
	events       domain.EventPublisher
	clock        domain.Clock
	logger       *zap.Logger
}

// NewCanceller constructs a Canceller. events may be nil.
func NewCanceller(spots domain.SpotStore, reservations domain.ReservationStore, events domain.EventPublisher, clock domain.Clock, logger *zap.Logger) *Canceller {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Canceller{spots: spots, reservations: reservations, events: events, clock: clock, logger: logger}
}

// Cancel cancels reservation id on behalf of userID. The spot is released
// before the reservation flips to Cancelled; if the flip fails the hold is put
// back, so a failed call leaves both records as they were.
func (c *Canceller) Cancel(ctx context.Context, userID string, id uuid.UUID) (res domain.Reservation, err error) {
	defer func() { cancellations.WithLabelValues(resultLabel(err)).Inc() }()

	res, err = c.reservations.Get(ctx, id)
	if err != nil {
		return domain.Reservation{}, err
	}
	if res.UserID != userID {
		return domain.Reservation{}, domain.ErrForbidden
	}
	if res.Status != domain.ReservationHeld {
		return res, nil
	}

	released, err := c.release(ctx, res)
	if err != nil {
		return domain.Reservation{}, err
	}

	cancelled, err := c.reservations.UpdateStatus(ctx, id, domain.ReservationHeld, domain.ReservationCancelled)
	if errors.Is(err, domain.ErrConflict) {
		// a concurrent cancel or expiry got there first
		current, getErr := c.reservations.Get(ctx, id)
		if getErr == nil && current.Status != domain.ReservationHeld {
			return current, nil
		}
	}
	if err != nil {
		if released {
			c.restore(ctx, res)
		}
		if errors.Is(err, domain.ErrConflict) {
			return domain.Reservation{}, domain.ErrConflict
		}
		return domain.Reservation{}, fmt.Errorf("cancel reservation: %w", err)
	}

	c.logger.Info("reservation cancelled", zap.String("reservation_id", id.String()), zap.String("user_id", userID))
	if c.events != nil {
		event := domain.ReservationEvent{Type: domain.EventReservationCancelled, Reservation: cancelled, OccurredAt: c.clock.Now()}
		if err := c.events.Publish(ctx, event); err != nil {
			c.logger.Warn("publish cancellation failed", zap.String("reservation_id", id.String()), zap.Error(err))
		}
	}
	return cancelled, nil
}

// release frees the reservation's spot if it still carries this reservation's
// hold. It reports false when the spot had already moved on.
func (c *Canceller) release(ctx context.Context, res domain.Reservation) (bool, error) {
	_, err := c.spots.Transition(ctx, res.LotID, res.SpotID, domain.SpotHeld, func(current domain.Spot) (domain.Spot, error) {
		if !current.HeldByUser(res.UserID, res.EndTime) {
			return domain.Spot{}, domain.ErrConflict
		}
		return current.ClearHold(), nil
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("release spot %s/%s: %w", res.LotID, res.SpotID, err)
	}
}

// restore puts back the hold released by a cancellation that did not commit.
// It runs detached from ctx like the allocator's compensation.
func (c *Canceller) restore(ctx context.Context, res domain.Reservation) {
	ctx = context.WithoutCancel(ctx)
	_, err := c.spots.Transition(ctx, res.LotID, res.SpotID, domain.SpotAvailable, func(current domain.Spot) (domain.Spot, error) {
		return current.SetHeld(res.UserID, res.EndTime), nil
	})
	switch {
	case err == nil:
		compensations.WithLabelValues("restored").Inc()
	case errors.Is(err, domain.ErrConflict):
		// the spot was taken in between; the reservation lapses on its own
		compensations.WithLabelValues("lost").Inc()
		c.logger.Warn("hold lost during failed cancel", zap.String("reservation_id", res.ID.String()))
	default:
		compensations.WithLabelValues("failed").Inc()
		c.logger.Error("restore hold after failed cancel",
			zap.String("reservation_id", res.ID.String()),
			zap.String("lot_id", res.LotID),
			zap.String("spot_id", res.SpotID),
			zap.Error(err),
		)
	}
}
