package allocation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/parkhold/internal/parking/domain"
	"github.com/example/parkhold/internal/parking/sweeper"
)

// DefaultHoldDuration applies when no hold duration is configured.
const DefaultHoldDuration = 30 * time.Minute

// Allocator turns an Available spot into a Held spot plus a Held reservation.
// The spot transition and the reservation insert are separate store calls;
// a failed insert rolls the hold back.
type Allocator struct {
	spots        domain.SpotStore
	reservations domain.ReservationStore
	reclaimer    *sweeper.Reclaimer
	events       domain.EventPublisher
	clock        domain.Clock
	hold         time.Duration
	logger       *zap.Logger
	tracer       trace.Tracer
}

// NewAllocator constructs an Allocator. events may be nil.
func NewAllocator(spots domain.SpotStore, reservations domain.ReservationStore, reclaimer *sweeper.Reclaimer, events domain.EventPublisher, clock domain.Clock, hold time.Duration, logger *zap.Logger) *Allocator {
	if hold <= 0 {
		hold = DefaultHoldDuration
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Allocator{
		spots:        spots,
		reservations: reservations,
		reclaimer:    reclaimer,
		events:       events,
		clock:        clock,
		hold:         hold,
		logger:       logger,
		tracer:       otel.Tracer("parking.allocation"),
	}
}

// HoldDuration reports the configured hold length.
func (a *Allocator) HoldDuration() time.Duration { return a.hold }

// Reserve places a hold on a specific spot for userID. A lost race is retried
// once before ErrConcurrentAllocation is surfaced.
func (a *Allocator) Reserve(ctx context.Context, userID, lotID, spotID string) (domain.Reservation, error) {
	start := time.Now()
	res, err := a.TryReserve(ctx, userID, lotID, spotID)
	if errors.Is(err, domain.ErrConcurrentAllocation) {
		a.logger.Debug("retrying lost allocation race", zap.String("lot_id", lotID), zap.String("spot_id", spotID))
		res, err = a.TryReserve(ctx, userID, lotID, spotID)
	}
	allocationDuration.WithLabelValues("manual", resultLabel(err)).Observe(time.Since(start).Seconds())
	return res, err
}

// TryReserve makes a single allocation attempt.
func (a *Allocator) TryReserve(ctx context.Context, userID, lotID, spotID string) (domain.Reservation, error) {
	ctx, span := a.tracer.Start(ctx, "allocation.try_reserve", trace.WithAttributes(
		attribute.String("lot_id", lotID),
		attribute.String("spot_id", spotID),
	))
	defer span.End()

	res, err := a.tryReserve(ctx, userID, lotID, spotID)
	allocationAttempts.WithLabelValues(resultLabel(err)).Inc()
	if err != nil {
		span.SetAttributes(attribute.String("result", errorLabel(err)))
	}
	return res, err
}

func (a *Allocator) tryReserve(ctx context.Context, userID, lotID, spotID string) (domain.Reservation, error) {
	if userID == "" || lotID == "" || spotID == "" {
		return domain.Reservation{}, fmt.Errorf("%w: user, lot and spot are required", domain.ErrInvalidArgument)
	}
	if err := a.ensureNoActive(ctx, userID); err != nil {
		return domain.Reservation{}, err
	}

	spot, err := a.reclaimer.Get(ctx, lotID, spotID)
	if err != nil {
		return domain.Reservation{}, err
	}
	if spot.Status != domain.SpotAvailable {
		return domain.Reservation{}, domain.ErrSpotUnavailable
	}

	// stores keep microsecond precision at best
	now := a.clock.Now().UTC().Truncate(time.Microsecond)
	expiresAt := now.Add(a.hold)
	_, err = a.spots.Transition(ctx, lotID, spotID, domain.SpotAvailable, func(current domain.Spot) (domain.Spot, error) {
		return current.SetHeld(userID, expiresAt), nil
	})
	switch {
	case errors.Is(err, domain.ErrConflict):
		return domain.Reservation{}, domain.ErrConcurrentAllocation
	case err != nil:
		return domain.Reservation{}, fmt.Errorf("hold spot: %w", err)
	}

	created, err := a.reservations.Create(ctx, domain.NewHeldReservation(userID, lotID, spotID, now, a.hold))
	if err != nil {
		a.compensate(ctx, lotID, spotID, userID, expiresAt)
		if errors.Is(err, domain.ErrAlreadyExists) {
			return domain.Reservation{}, domain.ErrDuplicateActiveReservation
		}
		return domain.Reservation{}, fmt.Errorf("create reservation: %w", err)
	}

	a.logger.Info("spot held",
		zap.String("reservation_id", created.ID.String()),
		zap.String("user_id", userID),
		zap.String("lot_id", lotID),
		zap.String("spot_id", spotID),
		zap.Time("hold_expires_at", expiresAt),
	)
	if a.events != nil {
		event := domain.ReservationEvent{Type: domain.EventReservationHeld, Reservation: created, OccurredAt: now}
		if err := a.events.Publish(ctx, event); err != nil {
			a.logger.Warn("publish hold failed", zap.String("reservation_id", created.ID.String()), zap.Error(err))
		}
	}
	return created, nil
}

// ensureNoActive fails when the user already has a live Held reservation. A
// lapsed one is reclaimed on the spot so it does not block the new request.
func (a *Allocator) ensureNoActive(ctx context.Context, userID string) error {
	active, err := a.reservations.FindActiveByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("find active reservation: %w", err)
	}
	if active == nil {
		return nil
	}
	if !active.Expired(a.clock.Now()) {
		return domain.ErrDuplicateActiveReservation
	}
	updated, err := a.reclaimer.ReclaimReservation(ctx, *active)
	if err != nil {
		return fmt.Errorf("reclaim lapsed reservation: %w", err)
	}
	if updated.Status == domain.ReservationHeld {
		return domain.ErrDuplicateActiveReservation
	}
	return nil
}

// compensate returns the spot to the pool if it still carries the hold this
// attempt placed. It runs detached from ctx so a cancelled request cannot
// leave the hold behind.
func (a *Allocator) compensate(ctx context.Context, lotID, spotID, userID string, expiresAt time.Time) {
	ctx = context.WithoutCancel(ctx)
	_, err := a.spots.Transition(ctx, lotID, spotID, domain.SpotHeld, func(current domain.Spot) (domain.Spot, error) {
		if !current.HeldByUser(userID, expiresAt) {
			return domain.Spot{}, domain.ErrConflict
		}
		return current.ClearHold(), nil
	})
	switch {
	case err == nil:
		compensations.WithLabelValues("released").Inc()
	case errors.Is(err, domain.ErrConflict):
		compensations.WithLabelValues("skipped").Inc()
	default:
		compensations.WithLabelValues("failed").Inc()
		a.logger.Error("compensation failed, hold left for the sweeper",
			zap.String("lot_id", lotID),
			zap.String("spot_id", spotID),
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}
}
