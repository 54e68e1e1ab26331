package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/example/parkhold/internal/parking/domain"
)

// MemoryReservationStore keeps reservations in memory. The active index
// enforces one Held reservation per user.
type MemoryReservationStore struct {
	mu           sync.RWMutex
	reservations map[uuid.UUID]domain.Reservation
	active       map[string]uuid.UUID
}

// NewMemoryReservationStore constructs an empty store.
func NewMemoryReservationStore() *MemoryReservationStore {
	return &MemoryReservationStore{
		reservations: make(map[uuid.UUID]domain.Reservation),
		active:       make(map[string]uuid.UUID),
	}
}

// Create stores a new reservation.
func (m *MemoryReservationStore) Create(_ context.Context, r domain.Reservation) (domain.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.reservations[r.ID]; exists {
		return domain.Reservation{}, domain.ErrAlreadyExists
	}
	if r.Status == domain.ReservationHeld {
		if _, busy := m.active[r.UserID]; busy {
			return domain.Reservation{}, domain.ErrAlreadyExists
		}
		m.active[r.UserID] = r.ID
	}
	m.reservations[r.ID] = r
	return r, nil
}

// Get retrieves a reservation.
func (m *MemoryReservationStore) Get(_ context.Context, id uuid.UUID) (domain.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reservations[id]
	if !ok {
		return domain.Reservation{}, domain.ErrNotFound
	}
	return r, nil
}

// FindActiveByUser returns the user's Held reservation, if any.
func (m *MemoryReservationStore) FindActiveByUser(_ context.Context, userID string) (*domain.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.active[userID]
	if !ok {
		return nil, nil
	}
	r := m.reservations[id]
	return &r, nil
}

// ListByUser returns the user's reservations, newest first.
func (m *MemoryReservationStore) ListByUser(_ context.Context, userID string) ([]domain.Reservation, error) {
	return m.filter(func(r domain.Reservation) bool { return r.UserID == userID }), nil
}

// ListByStatus returns reservations in the given status, newest first.
func (m *MemoryReservationStore) ListByStatus(_ context.Context, status domain.ReservationStatus) ([]domain.Reservation, error) {
	return m.filter(func(r domain.Reservation) bool { return r.Status == status }), nil
}

// UpdateStatus moves a reservation from expected to next.
func (m *MemoryReservationStore) UpdateStatus(_ context.Context, id uuid.UUID, expected, next domain.ReservationStatus) (domain.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reservations[id]
	if !ok {
		return domain.Reservation{}, domain.ErrNotFound
	}
	if r.Status != expected {
		return domain.Reservation{}, domain.ErrConflict
	}
	if next == domain.ReservationHeld && expected != domain.ReservationHeld {
		if _, busy := m.active[r.UserID]; busy {
			return domain.Reservation{}, domain.ErrAlreadyExists
		}
		m.active[r.UserID] = r.ID
	}
	if expected == domain.ReservationHeld && next != domain.ReservationHeld && m.active[r.UserID] == id {
		delete(m.active, r.UserID)
	}
	r.Status = next
	m.reservations[id] = r
	return r, nil
}

// Delete removes a reservation.
func (m *MemoryReservationStore) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reservations[id]
	if !ok {
		return domain.ErrNotFound
	}
	if m.active[r.UserID] == id {
		delete(m.active, r.UserID)
	}
	delete(m.reservations, id)
	return nil
}

func (m *MemoryReservationStore) filter(keep func(domain.Reservation) bool) []domain.Reservation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Reservation
	for _, r := range m.reservations {
		if keep(r) {
			out = append(out, r)
		}
	}
	sortReservations(out)
	return out
}

func sortReservations(rs []domain.Reservation) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].CreatedAt.Equal(rs[j].CreatedAt) {
			return rs[i].CreatedAt.After(rs[j].CreatedAt)
		}
		return rs[i].ID.String() < rs[j].ID.String()
	})
}
