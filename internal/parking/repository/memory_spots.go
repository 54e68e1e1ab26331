package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/example/parkhold/internal/parking/domain"
	"github.com/example/parkhold/internal/parking/watch"
)

type spotKey struct {
	lotID  string
	spotID string
}

// MemorySpotStore provides an in-memory SpotStore suitable for tests and single-node demos.
type MemorySpotStore struct {
	mu    sync.RWMutex
	spots map[spotKey]domain.Spot
	hub   *watch.Hub
}

// NewMemorySpotStore constructs an empty store.
func NewMemorySpotStore() *MemorySpotStore {
	return &MemorySpotStore{spots: make(map[spotKey]domain.Spot), hub: watch.NewHub(0)}
}

// Get retrieves a spot.
func (m *MemorySpotStore) Get(_ context.Context, lotID, spotID string) (domain.Spot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	spot, ok := m.spots[spotKey{lotID, spotID}]
	if !ok {
		return domain.Spot{}, domain.ErrNotFound
	}
	return cloneSpot(spot), nil
}

// List returns every spot of the lot ordered by id.
func (m *MemorySpotStore) List(_ context.Context, lotID string) ([]domain.Spot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Spot
	for key, spot := range m.spots {
		if key.lotID == lotID {
			out = append(out, cloneSpot(spot))
		}
	}
	sortSpots(out)
	return out, nil
}

// ListHeld returns held spots across all lots.
func (m *MemorySpotStore) ListHeld(_ context.Context) ([]domain.Spot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Spot
	for _, spot := range m.spots {
		if spot.Status == domain.SpotHeld {
			out = append(out, cloneSpot(spot))
		}
	}
	sortSpots(out)
	return out, nil
}

// Transition applies mutate when the committed status still equals expected.
func (m *MemorySpotStore) Transition(_ context.Context, lotID, spotID string, expected domain.SpotStatus, mutate domain.Mutation) (domain.Spot, error) {
	m.mu.Lock()
	key := spotKey{lotID, spotID}
	current, ok := m.spots[key]
	if !ok {
		m.mu.Unlock()
		return domain.Spot{}, domain.ErrNotFound
	}
	next, err := applyMutation(cloneSpot(current), expected, mutate)
	if err != nil {
		m.mu.Unlock()
		return domain.Spot{}, err
	}
	next.Version = current.Version + 1
	m.spots[key] = next
	// published under the lock so subscribers see commit order
	m.hub.Publish(cloneSpot(next))
	m.mu.Unlock()
	return cloneSpot(next), nil
}

// Put inserts or replaces a spot, keeping the version lineage.
func (m *MemorySpotStore) Put(_ context.Context, spot domain.Spot) (domain.Spot, error) {
	if err := validateSeed(spot); err != nil {
		return domain.Spot{}, err
	}
	m.mu.Lock()
	key := spotKey{spot.LotID, spot.ID}
	spot.Version = m.spots[key].Version + 1
	m.spots[key] = cloneSpot(spot)
	m.hub.Publish(cloneSpot(spot))
	m.mu.Unlock()
	return cloneSpot(spot), nil
}

// Watch subscribes to spot changes of a lot.
func (m *MemorySpotStore) Watch(ctx context.Context, lotID string) (<-chan domain.Spot, error) {
	return m.hub.Subscribe(ctx, lotID), nil
}

// applyMutation is the shared conditional-transition check used by every backend.
func applyMutation(current domain.Spot, expected domain.SpotStatus, mutate domain.Mutation) (domain.Spot, error) {
	if current.Status != expected {
		return domain.Spot{}, domain.ErrConflict
	}
	next, err := mutate(current)
	if err != nil {
		return domain.Spot{}, err
	}
	if next.LotID != current.LotID || next.ID != current.ID || next.Class != current.Class {
		return domain.Spot{}, fmt.Errorf("%w: identity or class changed", domain.ErrInvalidTransition)
	}
	if next.Status != current.Status && !current.Status.CanTransitionTo(next.Status) {
		return domain.Spot{}, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, current.Status, next.Status)
	}
	if !next.Consistent() {
		return domain.Spot{}, fmt.Errorf("%w: hold fields inconsistent with %s", domain.ErrInvalidTransition, next.Status)
	}
	return next, nil
}

func validateSeed(spot domain.Spot) error {
	if spot.LotID == "" || spot.ID == "" {
		return fmt.Errorf("%w: lot and spot id required", domain.ErrInvalidArgument)
	}
	if _, err := domain.ParseSpotClass(string(spot.Class)); err != nil {
		return fmt.Errorf("%w: class %q", domain.ErrInvalidArgument, spot.Class)
	}
	if !spot.Status.Valid() || !spot.Consistent() {
		return fmt.Errorf("%w: status %q", domain.ErrInvalidArgument, spot.Status)
	}
	return nil
}

func cloneSpot(s domain.Spot) domain.Spot {
	if s.HeldBy != nil {
		v := *s.HeldBy
		s.HeldBy = &v
	}
	if s.HoldExpiresAt != nil {
		v := *s.HoldExpiresAt
		s.HoldExpiresAt = &v
	}
	return s
}

func sortSpots(spots []domain.Spot) {
	sort.Slice(spots, func(i, j int) bool {
		if spots[i].LotID != spots[j].LotID {
			return spots[i].LotID < spots[j].LotID
		}
		return spots[i].ID < spots[j].ID
	})
}
