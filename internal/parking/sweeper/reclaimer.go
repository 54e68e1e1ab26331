package sweeper

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/example/parkhold/internal/parking/domain"
)

const (
	sourceRead        = "read"
	sourceSweep       = "sweep"
	sourceReservation = "reservation"
	sourceOrphan      = "orphan"
)

// Reclaimer returns lapsed holds to the pool. Read paths go through Get and
// List so that a spot is never reported as held after its hold expired.
type Reclaimer struct {
	spots        domain.SpotStore
	reservations domain.ReservationStore
	events       domain.EventPublisher
	clock        domain.Clock
	logger       *zap.Logger
}

// NewReclaimer constructs a Reclaimer. events may be nil when the store
// records lifecycle events itself.
func NewReclaimer(spots domain.SpotStore, reservations domain.ReservationStore, events domain.EventPublisher, clock domain.Clock, logger *zap.Logger) *Reclaimer {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reclaimer{spots: spots, reservations: reservations, events: events, clock: clock, logger: logger}
}

// Get reads a spot, reclaiming it first if its hold has lapsed.
func (r *Reclaimer) Get(ctx context.Context, lotID, spotID string) (domain.Spot, error) {
	spot, err := r.spots.Get(ctx, lotID, spotID)
	if err != nil {
		return domain.Spot{}, err
	}
	spot, _, err = r.reclaim(ctx, spot, sourceRead)
	return spot, err
}

// List reads every spot of a lot, reclaiming lapsed holds on the way.
func (r *Reclaimer) List(ctx context.Context, lotID string) ([]domain.Spot, error) {
	spots, err := r.spots.List(ctx, lotID)
	if err != nil {
		return nil, err
	}
	for i := range spots {
		fresh, _, err := r.reclaim(ctx, spots[i], sourceRead)
		if err != nil {
			return nil, err
		}
		spots[i] = fresh
	}
	return spots, nil
}

// Reclaim releases spot when it carries a hold that lapsed before now. The
// release only commits if the stored record still carries that same hold;
// otherwise the current record is returned untouched.
func (r *Reclaimer) Reclaim(ctx context.Context, spot domain.Spot) (domain.Spot, error) {
	spot, _, err := r.reclaim(ctx, spot, sourceSweep)
	return spot, err
}

func (r *Reclaimer) reclaim(ctx context.Context, spot domain.Spot, source string) (domain.Spot, bool, error) {
	now := r.clock.Now()
	if !spot.HoldExpired(now) {
		return spot, false, nil
	}
	holder, expiresAt := *spot.HeldBy, *spot.HoldExpiresAt

	freed, err := r.spots.Transition(ctx, spot.LotID, spot.ID, domain.SpotHeld, func(current domain.Spot) (domain.Spot, error) {
		if !current.HeldByUser(holder, expiresAt) {
			return domain.Spot{}, domain.ErrConflict
		}
		return current.ClearHold(), nil
	})
	switch {
	case errors.Is(err, domain.ErrConflict):
		// someone else released or re-held it first
		fresh, err := r.spots.Get(ctx, spot.LotID, spot.ID)
		return fresh, false, err
	case err != nil:
		return domain.Spot{}, false, fmt.Errorf("reclaim spot %s/%s: %w", spot.LotID, spot.ID, err)
	}
	reclaimedHolds.WithLabelValues(source).Inc()
	r.logger.Info("hold reclaimed",
		zap.String("lot_id", spot.LotID),
		zap.String("spot_id", spot.ID),
		zap.String("user_id", holder),
		zap.Time("hold_expires_at", expiresAt),
	)

	active, err := r.reservations.FindActiveByUser(ctx, holder)
	if err != nil {
		r.logger.Warn("lookup holder reservation failed", zap.String("user_id", holder), zap.Error(err))
		return freed, true, nil
	}
	if active != nil && active.LotID == spot.LotID && active.SpotID == spot.ID && active.Expired(now) {
		r.expire(ctx, *active)
	}
	return freed, true, nil
}

// ReclaimReservation expires a Held reservation whose end time has passed,
// releasing its spot if the spot is still held by the same user. It returns
// the reservation as stored afterwards.
func (r *Reclaimer) ReclaimReservation(ctx context.Context, res domain.Reservation) (domain.Reservation, error) {
	now := r.clock.Now()
	if !res.Expired(now) {
		return res, nil
	}
	_, err := r.spots.Transition(ctx, res.LotID, res.SpotID, domain.SpotHeld, func(current domain.Spot) (domain.Spot, error) {
		if current.HeldBy == nil || *current.HeldBy != res.UserID || !current.HoldExpired(now) {
			return domain.Spot{}, domain.ErrConflict
		}
		return current.ClearHold(), nil
	})
	switch {
	case err == nil:
		reclaimedHolds.WithLabelValues(sourceReservation).Inc()
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrNotFound):
	default:
		return res, fmt.Errorf("release spot %s/%s: %w", res.LotID, res.SpotID, err)
	}
	if updated, ok := r.expire(ctx, res); ok {
		return updated, nil
	}
	return r.reservations.Get(ctx, res.ID)
}

// Orphaned reports whether spot carries a live hold that no Held reservation
// of its holder accounts for.
func (r *Reclaimer) Orphaned(ctx context.Context, spot domain.Spot) (bool, error) {
	if spot.Status != domain.SpotHeld || spot.HeldBy == nil {
		return false, nil
	}
	active, err := r.reservations.FindActiveByUser(ctx, *spot.HeldBy)
	if err != nil {
		return false, fmt.Errorf("find holder reservation: %w", err)
	}
	return active == nil || active.LotID != spot.LotID || active.SpotID != spot.ID, nil
}

// ReleaseOrphan frees spot if the stored record is still exactly the version
// that was found orphaned.
func (r *Reclaimer) ReleaseOrphan(ctx context.Context, spot domain.Spot) (bool, error) {
	_, err := r.spots.Transition(ctx, spot.LotID, spot.ID, domain.SpotHeld, func(current domain.Spot) (domain.Spot, error) {
		if current.Version != spot.Version {
			return domain.Spot{}, domain.ErrConflict
		}
		return current.ClearHold(), nil
	})
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("release orphan %s/%s: %w", spot.LotID, spot.ID, err)
	}
	reclaimedHolds.WithLabelValues(sourceOrphan).Inc()
	r.logger.Warn("orphaned hold released",
		zap.String("lot_id", spot.LotID),
		zap.String("spot_id", spot.ID),
		zap.String("user_id", *spot.HeldBy),
	)
	return true, nil
}

func (r *Reclaimer) expire(ctx context.Context, res domain.Reservation) (domain.Reservation, bool) {
	updated, err := r.reservations.UpdateStatus(ctx, res.ID, domain.ReservationHeld, domain.ReservationExpired)
	if err != nil {
		if !errors.Is(err, domain.ErrConflict) && !errors.Is(err, domain.ErrNotFound) {
			r.logger.Warn("expire reservation failed", zap.String("reservation_id", res.ID.String()), zap.Error(err))
		}
		return domain.Reservation{}, false
	}
	expiredReservations.Inc()
	if r.events != nil {
		event := domain.ReservationEvent{Type: domain.EventReservationExpired, Reservation: updated, OccurredAt: r.clock.Now()}
		if err := r.events.Publish(ctx, event); err != nil {
			r.logger.Warn("publish expiry failed", zap.String("reservation_id", res.ID.String()), zap.Error(err))
		}
	}
	return updated, true
}
