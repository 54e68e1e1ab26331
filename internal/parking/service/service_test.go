package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/parkhold/internal/parking/domain"
	"github.com/example/parkhold/internal/parking/repository"
	"github.com/example/parkhold/internal/parking/service"
)

type stubPublisher struct {
	mu     sync.Mutex
	events []domain.ReservationEvent
}

func (s *stubPublisher) Publish(_ context.Context, event domain.ReservationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *stubPublisher) types() []domain.ReservationEventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ReservationEventType, len(s.events))
	for i, e := range s.events {
		out[i] = e.Type
	}
	return out
}

type stubClock struct {
	mu sync.Mutex
	t  time.Time
}

func (s *stubClock) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.t
}

func (s *stubClock) advance(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.t = s.t.Add(d)
}

func newService(t *testing.T) (*service.Service, *stubPublisher, *stubClock) {
	t.Helper()
	publisher := &stubPublisher{}
	clock := &stubClock{t: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	svc := service.New(service.Deps{
		Spots:        repository.NewMemorySpotStore(),
		Reservations: repository.NewMemoryReservationStore(),
		Events:       publisher,
		Clock:        clock,
		Idempotency:  repository.NewMemoryIdempotencyRepo(time.Hour),
		HoldDuration: 15 * time.Minute,
	})
	n, err := svc.SeedSpots(context.Background(), []domain.Spot{
		{LotID: "L", ID: "1", Class: domain.ClassGeneral, DisplayLabel: "A-1"},
		{LotID: "L", ID: "2", Class: domain.ClassGeneral, DisplayLabel: "A-2"},
		{LotID: "L", ID: "3", Class: domain.ClassAccessible, DisplayLabel: "A-3"},
	})
	require.NoError(t, err)
	require.Equal(t, 3, n)
	return svc, publisher, clock
}

func TestSeedSpotsKeepsLiveRecords(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	_, err := svc.ReserveSpot(ctx, "", "u1", "L", "1")
	require.NoError(t, err)

	n, err := svc.SeedSpots(ctx, []domain.Spot{
		{LotID: "L", ID: "1", Class: domain.ClassGeneral},
		{LotID: "L", ID: "4", Class: domain.ClassStaff},
	})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	spot, err := svc.GetSpot(ctx, "L", "1")
	require.NoError(t, err)
	require.Equal(t, domain.SpotHeld, spot.Status)
}

func TestReserveSpotIsIdempotentPerKey(t *testing.T) {
	svc, publisher, _ := newService(t)
	ctx := context.Background()

	first, err := svc.ReserveSpot(ctx, "key-1", "u1", "L", "1")
	require.NoError(t, err)

	again, err := svc.ReserveSpot(ctx, "key-1", "u1", "L", "1")
	require.NoError(t, err)
	require.Equal(t, first.ID, again.ID)
	require.Equal(t, []domain.ReservationEventType{domain.EventReservationHeld}, publisher.types())

	// keys are scoped to the user
	_, err = svc.ReserveSpot(ctx, "key-1", "u2", "L", "1")
	require.ErrorIs(t, err, domain.ErrSpotUnavailable)

	// without a key the duplicate rule applies
	_, err = svc.ReserveSpot(ctx, "", "u1", "L", "2")
	require.ErrorIs(t, err, domain.ErrDuplicateActiveReservation)
}

func TestReserveRandomIsIdempotentPerKey(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	first, err := svc.ReserveRandom(ctx, "r-1", "u1", "L", domain.ClassGeneral)
	require.NoError(t, err)
	again, err := svc.ReserveRandom(ctx, "r-1", "u1", "L", domain.ClassGeneral)
	require.NoError(t, err)
	require.Equal(t, first.ID, again.ID)
}

func TestListSpotsFilters(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	_, err := svc.ReserveSpot(ctx, "", "u1", "L", "2")
	require.NoError(t, err)

	all, err := svc.ListSpots(ctx, "L", service.SpotFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)

	general, err := svc.ListSpots(ctx, "L", service.SpotFilter{Class: domain.ClassGeneral, Status: domain.SpotAvailable})
	require.NoError(t, err)
	require.Len(t, general, 1)
	require.Equal(t, "1", general[0].ID)

	_, err = svc.ListSpots(ctx, "L", service.SpotFilter{Status: "PARKED"})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestExpiryVisibleThroughReadPaths(t *testing.T) {
	svc, publisher, clock := newService(t)
	ctx := context.Background()
	res, err := svc.ReserveSpot(ctx, "", "u1", "L", "1")
	require.NoError(t, err)

	active, err := svc.ActiveReservation(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, active)
	require.Equal(t, res.ID, active.ID)

	clock.advance(16 * time.Minute)

	active, err = svc.ActiveReservation(ctx, "u1")
	require.NoError(t, err)
	require.Nil(t, active)

	history, err := svc.Reservations(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, domain.ReservationExpired, history[0].Status)

	spot, err := svc.GetSpot(ctx, "L", "1")
	require.NoError(t, err)
	require.Equal(t, domain.SpotAvailable, spot.Status)
	require.Equal(t, []domain.ReservationEventType{domain.EventReservationHeld, domain.EventReservationExpired}, publisher.types())
}

func TestGetReservationChecksOwnership(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	res, err := svc.ReserveSpot(ctx, "", "u1", "L", "1")
	require.NoError(t, err)

	got, err := svc.GetReservation(ctx, "u1", res.ID)
	require.NoError(t, err)
	require.Equal(t, res.ID, got.ID)

	_, err = svc.GetReservation(ctx, "u2", res.ID)
	require.ErrorIs(t, err, domain.ErrForbidden)
}

func TestArriveCompletesReservationAndVacateFreesSpot(t *testing.T) {
	svc, publisher, _ := newService(t)
	ctx := context.Background()
	res, err := svc.ReserveSpot(ctx, "", "u1", "L", "1")
	require.NoError(t, err)

	spot, err := svc.Arrive(ctx, "L", "1")
	require.NoError(t, err)
	require.Equal(t, domain.SpotOccupied, spot.Status)
	require.Nil(t, spot.HeldBy)

	got, err := svc.GetReservation(ctx, "u1", res.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ReservationCompleted, got.Status)

	// a completed reservation frees the user to reserve again
	_, err = svc.ReserveSpot(ctx, "", "u1", "L", "2")
	require.NoError(t, err)

	// cancelling a completed reservation leaves it alone
	unchanged, err := svc.Cancel(ctx, "u1", res.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ReservationCompleted, unchanged.Status)

	_, err = svc.Arrive(ctx, "L", "1")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	spot, err = svc.Vacate(ctx, "L", "1")
	require.NoError(t, err)
	require.Equal(t, domain.SpotAvailable, spot.Status)

	_, err = svc.Vacate(ctx, "L", "1")
	require.ErrorIs(t, err, domain.ErrConflict)
	require.Contains(t, publisher.types(), domain.EventReservationCompleted)
}

func TestWatchLotStreamsChangesAfterSnapshot(t *testing.T) {
	svc, _, _ := newService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	snapshot, updates, err := svc.WatchLot(ctx, "L")
	require.NoError(t, err)
	require.Len(t, snapshot, 3)

	_, err = svc.ReserveSpot(ctx, "", "u1", "L", "3")
	require.NoError(t, err)

	select {
	case spot := <-updates:
		require.Equal(t, "3", spot.ID)
		require.Equal(t, domain.SpotHeld, spot.Status)
	case <-time.After(time.Second):
		t.Fatal("expected spot update")
	}
}
