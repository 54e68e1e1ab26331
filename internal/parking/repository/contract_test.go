package repository_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/parkhold/internal/parking/domain"
)

var baseTime = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func seedSpot(t *testing.T, ctx context.Context, store domain.SpotStore, lotID, spotID string, class domain.SpotClass) domain.Spot {
	t.Helper()
	spot, err := store.Put(ctx, domain.Spot{LotID: lotID, ID: spotID, Class: class, Status: domain.SpotAvailable, DisplayLabel: "#" + spotID})
	require.NoError(t, err)
	return spot
}

func holdMutation(userID string, expiresAt time.Time) domain.Mutation {
	return func(s domain.Spot) (domain.Spot, error) { return s.SetHeld(userID, expiresAt), nil }
}

// runSpotStoreContract exercises the behaviour every SpotStore backend must share.
func runSpotStoreContract(t *testing.T, newStore func(t *testing.T) domain.SpotStore) {
	t.Run("GetAndList", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		seedSpot(t, ctx, store, "L", "2", domain.ClassGeneral)
		seedSpot(t, ctx, store, "L", "1", domain.ClassStaff)
		seedSpot(t, ctx, store, "M", "1", domain.ClassGeneral)

		spot, err := store.Get(ctx, "L", "1")
		require.NoError(t, err)
		require.Equal(t, domain.ClassStaff, spot.Class)
		require.Equal(t, domain.SpotAvailable, spot.Status)
		require.EqualValues(t, 1, spot.Version)

		_, err = store.Get(ctx, "L", "404")
		require.ErrorIs(t, err, domain.ErrNotFound)

		spots, err := store.List(ctx, "L")
		require.NoError(t, err)
		require.Len(t, spots, 2)
		require.Equal(t, "1", spots[0].ID)
		require.Equal(t, "2", spots[1].ID)
	})

	t.Run("TransitionIsConditional", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		seedSpot(t, ctx, store, "L", "1", domain.ClassGeneral)
		expires := baseTime.Add(30 * time.Minute)

		held, err := store.Transition(ctx, "L", "1", domain.SpotAvailable, holdMutation("u1", expires))
		require.NoError(t, err)
		require.Equal(t, domain.SpotHeld, held.Status)
		require.Equal(t, "u1", *held.HeldBy)
		require.True(t, held.HoldExpiresAt.Equal(expires))
		require.EqualValues(t, 2, held.Version)

		_, err = store.Transition(ctx, "L", "1", domain.SpotAvailable, holdMutation("u2", expires))
		require.ErrorIs(t, err, domain.ErrConflict)

		current, err := store.Get(ctx, "L", "1")
		require.NoError(t, err)
		require.Equal(t, "u1", *current.HeldBy)

		_, err = store.Transition(ctx, "L", "404", domain.SpotAvailable, holdMutation("u2", expires))
		require.ErrorIs(t, err, domain.ErrNotFound)

		held2, err := store.ListHeld(ctx)
		require.NoError(t, err)
		require.Len(t, held2, 1)

		released, err := store.Transition(ctx, "L", "1", domain.SpotHeld, func(s domain.Spot) (domain.Spot, error) {
			return s.ClearHold(), nil
		})
		require.NoError(t, err)
		require.Equal(t, domain.SpotAvailable, released.Status)
		require.Nil(t, released.HeldBy)
		require.Nil(t, released.HoldExpiresAt)

		held2, err = store.ListHeld(ctx)
		require.NoError(t, err)
		require.Empty(t, held2)
	})

	t.Run("MutationVetoAndIllegalTransitions", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		seedSpot(t, ctx, store, "L", "1", domain.ClassGeneral)

		_, err := store.Transition(ctx, "L", "1", domain.SpotAvailable, func(domain.Spot) (domain.Spot, error) {
			return domain.Spot{}, domain.ErrConflict
		})
		require.ErrorIs(t, err, domain.ErrConflict)

		_, err = store.Transition(ctx, "L", "1", domain.SpotAvailable, func(s domain.Spot) (domain.Spot, error) {
			s.Status = domain.SpotOccupied
			return s, nil
		})
		require.ErrorIs(t, err, domain.ErrInvalidTransition)

		_, err = store.Transition(ctx, "L", "1", domain.SpotAvailable, func(s domain.Spot) (domain.Spot, error) {
			s.Status = domain.SpotHeld
			return s, nil
		})
		require.ErrorIs(t, err, domain.ErrInvalidTransition)

		spot, err := store.Get(ctx, "L", "1")
		require.NoError(t, err)
		require.Equal(t, domain.SpotAvailable, spot.Status)
		require.EqualValues(t, 1, spot.Version)
	})

	t.Run("ConcurrentTransitionsHaveOneWinner", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		seedSpot(t, ctx, store, "L", "1", domain.ClassGeneral)

		const contenders = 16
		var wins, conflicts int32
		var wg sync.WaitGroup
		for i := 0; i < contenders; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := store.Transition(ctx, "L", "1", domain.SpotAvailable, holdMutation(string(rune('a'+i)), baseTime.Add(time.Hour)))
				switch {
				case err == nil:
					atomic.AddInt32(&wins, 1)
				default:
					require.ErrorIs(t, err, domain.ErrConflict)
					atomic.AddInt32(&conflicts, 1)
				}
			}(i)
		}
		wg.Wait()
		require.EqualValues(t, 1, wins)
		require.EqualValues(t, contenders-1, conflicts)
	})

	t.Run("WatchStreamsChanges", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		store := newStore(t)
		seedSpot(t, ctx, store, "L", "1", domain.ClassGeneral)

		updates, err := store.Watch(ctx, "L")
		require.NoError(t, err)

		_, err = store.Transition(ctx, "L", "1", domain.SpotAvailable, holdMutation("u1", baseTime.Add(time.Hour)))
		require.NoError(t, err)

		select {
		case spot := <-updates:
			require.Equal(t, "1", spot.ID)
			require.Equal(t, domain.SpotHeld, spot.Status)
		case <-time.After(5 * time.Second):
			t.Fatal("expected spot update")
		}

		cancel()
		require.Eventually(t, func() bool {
			select {
			case _, ok := <-updates:
				return !ok
			default:
				return false
			}
		}, 5*time.Second, 10*time.Millisecond)
	})
}

// runReservationStoreContract exercises the behaviour every ReservationStore backend must share.
func runReservationStoreContract(t *testing.T, newStore func(t *testing.T) domain.ReservationStore) {
	t.Run("CreateAndFindActive", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		res := domain.NewHeldReservation("u1", "L", "1", baseTime, 30*time.Minute)

		created, err := store.Create(ctx, res)
		require.NoError(t, err)
		require.Equal(t, res.ID, created.ID)

		_, err = store.Create(ctx, res)
		require.ErrorIs(t, err, domain.ErrAlreadyExists)

		second := domain.NewHeldReservation("u1", "L", "2", baseTime.Add(time.Second), 30*time.Minute)
		_, err = store.Create(ctx, second)
		require.ErrorIs(t, err, domain.ErrAlreadyExists)

		active, err := store.FindActiveByUser(ctx, "u1")
		require.NoError(t, err)
		require.NotNil(t, active)
		require.Equal(t, res.ID, active.ID)
		require.True(t, active.EndTime.Equal(res.EndTime))

		none, err := store.FindActiveByUser(ctx, "u2")
		require.NoError(t, err)
		require.Nil(t, none)

		got, err := store.Get(ctx, res.ID)
		require.NoError(t, err)
		require.Equal(t, domain.ReservationHeld, got.Status)
	})

	t.Run("UpdateStatusFreesActiveSlot", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		res := domain.NewHeldReservation("u1", "L", "1", baseTime, 30*time.Minute)
		_, err := store.Create(ctx, res)
		require.NoError(t, err)

		cancelled, err := store.UpdateStatus(ctx, res.ID, domain.ReservationHeld, domain.ReservationCancelled)
		require.NoError(t, err)
		require.Equal(t, domain.ReservationCancelled, cancelled.Status)

		_, err = store.UpdateStatus(ctx, res.ID, domain.ReservationHeld, domain.ReservationExpired)
		require.ErrorIs(t, err, domain.ErrConflict)

		active, err := store.FindActiveByUser(ctx, "u1")
		require.NoError(t, err)
		require.Nil(t, active)

		next := domain.NewHeldReservation("u1", "L", "2", baseTime.Add(time.Minute), 30*time.Minute)
		_, err = store.Create(ctx, next)
		require.NoError(t, err)

		byUser, err := store.ListByUser(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, byUser, 2)
		require.Equal(t, next.ID, byUser[0].ID)

		held, err := store.ListByStatus(ctx, domain.ReservationHeld)
		require.NoError(t, err)
		require.Len(t, held, 1)
		require.Equal(t, next.ID, held[0].ID)

		cancelledList, err := store.ListByStatus(ctx, domain.ReservationCancelled)
		require.NoError(t, err)
		require.Len(t, cancelledList, 1)

		_, err = store.UpdateStatus(ctx, domain.ReservationID("x", "L", "1", baseTime), domain.ReservationHeld, domain.ReservationCancelled)
		require.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("Delete", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		res := domain.NewHeldReservation("u1", "L", "1", baseTime, 30*time.Minute)
		_, err := store.Create(ctx, res)
		require.NoError(t, err)

		require.NoError(t, store.Delete(ctx, res.ID))
		_, err = store.Get(ctx, res.ID)
		require.ErrorIs(t, err, domain.ErrNotFound)
		require.ErrorIs(t, store.Delete(ctx, res.ID), domain.ErrNotFound)

		active, err := store.FindActiveByUser(ctx, "u1")
		require.NoError(t, err)
		require.Nil(t, active)
	})

	t.Run("ConcurrentHeldCreatesForOneUser", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		const attempts = 12
		var wins int32
		var wg sync.WaitGroup
		for i := 0; i < attempts; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				res := domain.NewHeldReservation("u1", "L", string(rune('a'+i)), baseTime, time.Minute)
				if _, err := store.Create(ctx, res); err == nil {
					atomic.AddInt32(&wins, 1)
				} else {
					require.ErrorIs(t, err, domain.ErrAlreadyExists)
				}
			}(i)
		}
		wg.Wait()
		require.EqualValues(t, 1, wins)
	})
}
