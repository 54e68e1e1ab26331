package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/parkhold/internal/parking/allocation"
	"github.com/example/parkhold/internal/parking/domain"
	"github.com/example/parkhold/internal/parking/sweeper"
)

// Deps groups the collaborators of a Service.
type Deps struct {
	Spots        domain.SpotStore
	Reservations domain.ReservationStore
	// Events may be nil when the reservation store records events itself.
	Events       domain.EventPublisher
	Clock        domain.Clock
	Idempotency  domain.IdempotencyRepository
	Logger       *zap.Logger
	HoldDuration time.Duration
	Random       allocation.RandomConfig
	Rand         *rand.Rand
}

// Service coordinates reservation operations between transports and the engine.
type Service struct {
	spots        domain.SpotStore
	reservations domain.ReservationStore
	events       domain.EventPublisher
	clock        domain.Clock
	idempotent   domain.IdempotencyRepository
	logger       *zap.Logger

	reclaimer *sweeper.Reclaimer
	alloc     *allocation.Allocator
	random    *allocation.RandomAssigner
	canceller *allocation.Canceller
}

// New wires the engine components around the given stores.
func New(d Deps) *Service {
	if d.Clock == nil {
		d.Clock = domain.SystemClock{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	reclaimer := sweeper.NewReclaimer(d.Spots, d.Reservations, d.Events, d.Clock, d.Logger.Named("sweeper"))
	alloc := allocation.NewAllocator(d.Spots, d.Reservations, reclaimer, d.Events, d.Clock, d.HoldDuration, d.Logger.Named("allocation"))
	return &Service{
		spots:        d.Spots,
		reservations: d.Reservations,
		events:       d.Events,
		clock:        d.Clock,
		idempotent:   d.Idempotency,
		logger:       d.Logger,
		reclaimer:    reclaimer,
		alloc:        alloc,
		random:       allocation.NewRandomAssigner(alloc, reclaimer, d.Rand, d.Random, d.Logger.Named("random")),
		canceller:    allocation.NewCanceller(d.Spots, d.Reservations, d.Events, d.Clock, d.Logger.Named("cancel")),
	}
}

// Reclaimer exposes the reclaimer for the periodic sweep worker.
func (s *Service) Reclaimer() *sweeper.Reclaimer { return s.reclaimer }

// HoldDuration reports how long new holds last.
func (s *Service) HoldDuration() time.Duration { return s.alloc.HoldDuration() }

// ReserveSpot holds a specific spot for the user. A repeated non-empty key
// returns the reservation created by the first call.
func (s *Service) ReserveSpot(ctx context.Context, key, userID, lotID, spotID string) (domain.Reservation, error) {
	return s.idempotently(ctx, key, userID, func() (domain.Reservation, error) {
		return s.alloc.Reserve(ctx, userID, lotID, spotID)
	})
}

// ReserveRandom holds a random Available spot of the requested class.
func (s *Service) ReserveRandom(ctx context.Context, key, userID, lotID string, class domain.SpotClass) (domain.Reservation, error) {
	return s.idempotently(ctx, key, userID, func() (domain.Reservation, error) {
		return s.random.Assign(ctx, userID, lotID, class)
	})
}

func (s *Service) idempotently(ctx context.Context, key, userID string, reserve func() (domain.Reservation, error)) (domain.Reservation, error) {
	scoped := ""
	if key != "" && s.idempotent != nil {
		scoped = "reserve:" + userID + ":" + key
		if cached, ok, err := s.idempotent.GetResponse(ctx, scoped); err == nil && ok {
			if id, err := uuid.ParseBytes(cached); err == nil {
				return s.reservations.Get(ctx, id)
			}
		}
	}
	res, err := reserve()
	if err != nil {
		return domain.Reservation{}, err
	}
	if scoped != "" {
		if err := s.idempotent.PutResponse(ctx, scoped, []byte(res.ID.String())); err != nil {
			s.logger.Warn("store idempotency key failed", zap.Error(err))
		}
	}
	return res, nil
}

// Cancel cancels the user's reservation.
func (s *Service) Cancel(ctx context.Context, userID string, id uuid.UUID) (domain.Reservation, error) {
	return s.canceller.Cancel(ctx, userID, id)
}

// GetSpot returns a spot with any lapsed hold already released.
func (s *Service) GetSpot(ctx context.Context, lotID, spotID string) (domain.Spot, error) {
	return s.reclaimer.Get(ctx, lotID, spotID)
}

// SpotFilter narrows ListSpots. Zero values match everything.
type SpotFilter struct {
	Class  domain.SpotClass
	Status domain.SpotStatus
}

// ListSpots returns the lot's spots ordered by id.
func (s *Service) ListSpots(ctx context.Context, lotID string, filter SpotFilter) ([]domain.Spot, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: status %q", domain.ErrInvalidArgument, filter.Status)
	}
	spots, err := s.reclaimer.List(ctx, lotID)
	if err != nil {
		return nil, err
	}
	out := spots[:0]
	for _, spot := range spots {
		if filter.Class != "" && spot.Class != filter.Class {
			continue
		}
		if filter.Status != "" && spot.Status != filter.Status {
			continue
		}
		out = append(out, spot)
	}
	return out, nil
}

// WatchLot returns the current spots of a lot together with a feed of later
// changes. The feed is opened before the snapshot is read so no change falls
// in between; a change may therefore also be reflected in the snapshot.
func (s *Service) WatchLot(ctx context.Context, lotID string) ([]domain.Spot, <-chan domain.Spot, error) {
	updates, err := s.spots.Watch(ctx, lotID)
	if err != nil {
		return nil, nil, fmt.Errorf("watch lot: %w", err)
	}
	snapshot, err := s.reclaimer.List(ctx, lotID)
	if err != nil {
		return nil, nil, err
	}
	return snapshot, updates, nil
}

// ActiveReservation returns the user's live Held reservation or nil.
func (s *Service) ActiveReservation(ctx context.Context, userID string) (*domain.Reservation, error) {
	active, err := s.reservations.FindActiveByUser(ctx, userID)
	if err != nil || active == nil {
		return nil, err
	}
	res, err := s.reclaimer.ReclaimReservation(ctx, *active)
	if err != nil {
		return nil, err
	}
	if res.Status != domain.ReservationHeld {
		return nil, nil
	}
	return &res, nil
}

// Reservations returns the user's reservation history, newest first.
func (s *Service) Reservations(ctx context.Context, userID string) ([]domain.Reservation, error) {
	list, err := s.reservations.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	for i := range list {
		if list[i].Status != domain.ReservationHeld {
			continue
		}
		if list[i], err = s.reclaimer.ReclaimReservation(ctx, list[i]); err != nil {
			return nil, err
		}
	}
	return list, nil
}

// GetReservation returns one of the user's reservations.
func (s *Service) GetReservation(ctx context.Context, userID string, id uuid.UUID) (domain.Reservation, error) {
	res, err := s.reservations.Get(ctx, id)
	if err != nil {
		return domain.Reservation{}, err
	}
	if res.UserID != userID {
		return domain.Reservation{}, domain.ErrForbidden
	}
	return s.reclaimer.ReclaimReservation(ctx, res)
}

// Arrive records that the holder parked on a held spot. The spot becomes
// Occupied and the matching reservation Completed.
func (s *Service) Arrive(ctx context.Context, lotID, spotID string) (domain.Spot, error) {
	current, err := s.reclaimer.Get(ctx, lotID, spotID)
	if err != nil {
		return domain.Spot{}, err
	}
	if current.Status != domain.SpotHeld {
		return domain.Spot{}, fmt.Errorf("%w: spot is %s", domain.ErrInvalidTransition, current.Status)
	}
	holder, expiresAt := *current.HeldBy, *current.HoldExpiresAt

	occupied, err := s.spots.Transition(ctx, lotID, spotID, domain.SpotHeld, func(spot domain.Spot) (domain.Spot, error) {
		if !spot.HeldByUser(holder, expiresAt) {
			return domain.Spot{}, domain.ErrConflict
		}
		spot = spot.ClearHold()
		spot.Status = domain.SpotOccupied
		return spot, nil
	})
	if err != nil {
		return domain.Spot{}, err
	}

	active, err := s.reservations.FindActiveByUser(ctx, holder)
	if err != nil {
		s.logger.Warn("lookup arriving reservation failed", zap.String("user_id", holder), zap.Error(err))
		return occupied, nil
	}
	if active == nil || active.LotID != lotID || active.SpotID != spotID {
		return occupied, nil
	}
	completed, err := s.reservations.UpdateStatus(ctx, active.ID, domain.ReservationHeld, domain.ReservationCompleted)
	if err != nil {
		if !errors.Is(err, domain.ErrConflict) {
			s.logger.Warn("complete reservation failed", zap.String("reservation_id", active.ID.String()), zap.Error(err))
		}
		return occupied, nil
	}
	s.publish(ctx, domain.ReservationEvent{Type: domain.EventReservationCompleted, Reservation: completed, OccurredAt: s.clock.Now()})
	return occupied, nil
}

// Vacate records that an occupied spot was left.
func (s *Service) Vacate(ctx context.Context, lotID, spotID string) (domain.Spot, error) {
	return s.spots.Transition(ctx, lotID, spotID, domain.SpotOccupied, func(spot domain.Spot) (domain.Spot, error) {
		return spot.ClearHold(), nil
	})
}

// SeedSpots inserts spots that do not exist yet and leaves live records untouched.
func (s *Service) SeedSpots(ctx context.Context, spots []domain.Spot) (int, error) {
	inserted := 0
	for _, spot := range spots {
		_, err := s.spots.Get(ctx, spot.LotID, spot.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return inserted, err
		}
		if spot.Status == "" {
			spot.Status = domain.SpotAvailable
		}
		if _, err := s.spots.Put(ctx, spot); err != nil {
			return inserted, fmt.Errorf("seed spot %s/%s: %w", spot.LotID, spot.ID, err)
		}
		inserted++
	}
	return inserted, nil
}

func (s *Service) publish(ctx context.Context, event domain.ReservationEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger.Warn("publish event failed", zap.String("type", string(event.Type)), zap.Error(err))
	}
}
