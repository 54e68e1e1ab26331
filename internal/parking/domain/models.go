package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type SpotStatus string

const (
	SpotAvailable SpotStatus = "AVAILABLE"
	SpotHeld      SpotStatus = "HELD"
	SpotOccupied  SpotStatus = "OCCUPIED"
)

// Held<->Available is driven by the engine, everything touching Occupied by
// an external sensor signal.
var allowedSpotTransitions = map[SpotStatus][]SpotStatus{
	SpotAvailable: {SpotHeld},
	SpotHeld:      {SpotAvailable, SpotOccupied},
	SpotOccupied:  {SpotAvailable},
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s SpotStatus) CanTransitionTo(next SpotStatus) bool {
	for _, candidate := range allowedSpotTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

func (s SpotStatus) Valid() bool {
	_, ok := allowedSpotTransitions[s]
	return ok
}

type SpotClass string

const (
	ClassGeneral    SpotClass = "general"
	ClassStaff      SpotClass = "staff"
	ClassAccessible SpotClass = "accessible"
)

// ParseSpotClass normalises a user supplied class name.
func ParseSpotClass(v string) (SpotClass, error) {
	switch c := SpotClass(strings.ToLower(strings.TrimSpace(v))); c {
	case ClassGeneral, ClassStaff, ClassAccessible:
		return c, nil
	default:
		return "", ErrInvalidArgument
	}
}

// Spot is the authoritative record of a single parking spot within a lot.
// HeldBy and HoldExpiresAt are set iff Status is SpotHeld.
type Spot struct {
	LotID         string     `json:"lot_id"`
	ID            string     `json:"spot_id"`
	Class         SpotClass  `json:"class"`
	Status        SpotStatus `json:"status"`
	HeldBy        *string    `json:"held_by,omitempty"`
	HoldExpiresAt *time.Time `json:"hold_expires_at,omitempty"`
	DisplayLabel  string     `json:"display_label,omitempty"`
	Version       int64      `json:"version"`
}

// Consistent checks the hold invariant.
func (s Spot) Consistent() bool {
	held := s.HeldBy != nil && s.HoldExpiresAt != nil
	if s.Status == SpotHeld {
		return held
	}
	return s.HeldBy == nil && s.HoldExpiresAt == nil
}

// HoldExpired reports whether s carries a hold that lapsed strictly before now.
func (s Spot) HoldExpired(now time.Time) bool {
	return s.Status == SpotHeld && s.HoldExpiresAt != nil && s.HoldExpiresAt.Before(now)
}

// HeldByUser reports whether s is held by userID with exactly the given expiry.
func (s Spot) HeldByUser(userID string, expiresAt time.Time) bool {
	return s.Status == SpotHeld &&
		s.HeldBy != nil && *s.HeldBy == userID &&
		s.HoldExpiresAt != nil && s.HoldExpiresAt.Equal(expiresAt)
}

// SetHeld returns a copy of s held by userID until expiresAt.
func (s Spot) SetHeld(userID string, expiresAt time.Time) Spot {
	holder := userID
	exp := expiresAt.UTC()
	s.Status = SpotHeld
	s.HeldBy = &holder
	s.HoldExpiresAt = &exp
	return s
}

// ClearHold returns a copy of s released back to the pool.
func (s Spot) ClearHold() Spot {
	s.Status = SpotAvailable
	s.HeldBy = nil
	s.HoldExpiresAt = nil
	return s
}

type ReservationStatus string

const (
	ReservationHeld      ReservationStatus = "HELD"
	ReservationCancelled ReservationStatus = "CANCELLED"
	ReservationExpired   ReservationStatus = "EXPIRED"
	ReservationCompleted ReservationStatus = "COMPLETED"
)

func (s ReservationStatus) Terminal() bool {
	return s == ReservationCancelled || s == ReservationExpired || s == ReservationCompleted
}

type Reservation struct {
	ID        uuid.UUID         `json:"reservation_id"`
	UserID    string            `json:"user_id"`
	LotID     string            `json:"lot_id"`
	SpotID    string            `json:"spot_id"`
	Status    ReservationStatus `json:"status"`
	StartTime time.Time         `json:"start_time"`
	EndTime   time.Time         `json:"end_time"`
	CreatedAt time.Time         `json:"created_at"`
}

// Expired reports whether a Held reservation has outlived its hold.
func (r Reservation) Expired(now time.Time) bool {
	return r.Status == ReservationHeld && r.EndTime.Before(now)
}

var reservationNamespace = uuid.MustParse("6f1d3a7e-9b2c-4c1a-8e55-2f0b7d9a4c31")

// ReservationID derives a stable identifier so that concurrent creations for
// distinct (user, spot, instant) tuples never collide.
func ReservationID(userID, lotID, spotID string, createdAt time.Time) uuid.UUID {
	name := strings.Join([]string{userID, lotID, spotID, createdAt.UTC().Format(time.RFC3339Nano)}, "\x00")
	return uuid.NewSHA1(reservationNamespace, []byte(name))
}

// NewHeldReservation builds the record created alongside a fresh hold.
func NewHeldReservation(userID, lotID, spotID string, now time.Time, hold time.Duration) Reservation {
	now = now.UTC()
	return Reservation{
		ID:        ReservationID(userID, lotID, spotID, now),
		UserID:    userID,
		LotID:     lotID,
		SpotID:    spotID,
		Status:    ReservationHeld,
		StartTime: now,
		EndTime:   now.Add(hold),
		CreatedAt: now,
	}
}

type ReservationEventType string

const (
	EventReservationHeld      ReservationEventType = "ReservationHeld"
	EventReservationCancelled ReservationEventType = "ReservationCancelled"
	EventReservationExpired   ReservationEventType = "ReservationExpired"
	EventReservationCompleted ReservationEventType = "ReservationCompleted"
)

// EventTypeFor maps a reservation status to the event announcing it.
func EventTypeFor(status ReservationStatus) ReservationEventType {
	switch status {
	case ReservationCancelled:
		return EventReservationCancelled
	case ReservationExpired:
		return EventReservationExpired
	case ReservationCompleted:
		return EventReservationCompleted
	default:
		return EventReservationHeld
	}
}

type ReservationEvent struct {
	Type        ReservationEventType `json:"type"`
	Reservation Reservation          `json:"reservation"`
	OccurredAt  time.Time            `json:"occurred_at"`
}

// ClassPools maps a requested class to the spot classes eligible for random
// assignment. A class missing from the map is eligible only for itself.
type ClassPools map[SpotClass][]SpotClass

func (p ClassPools) Eligible(requested SpotClass) map[SpotClass]struct{} {
	out := map[SpotClass]struct{}{requested: {}}
	for _, c := range p[requested] {
		out[c] = struct{}{}
	}
	return out
}

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
