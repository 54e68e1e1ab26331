package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/example/parkhold/internal/parking/domain"
)

// RedisReservationStore keeps reservations as JSON strings with per-user and
// per-status index sets. The user's active key holds the id of their single
// Held reservation and is guarded by WATCH on every write.
type RedisReservationStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisReservationStore constructs the store. An empty prefix selects the default.
func NewRedisReservationStore(client *redis.Client, prefix string) *RedisReservationStore {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisReservationStore{client: client, keyPrefix: prefix}
}

func (r *RedisReservationStore) reservationKey(id uuid.UUID) string {
	return r.keyPrefix + "reservation:" + id.String()
}

func (r *RedisReservationStore) userKey(userID string) string {
	return r.keyPrefix + "user:" + userID + ":reservations"
}

func (r *RedisReservationStore) activeKey(userID string) string {
	return r.keyPrefix + "user:" + userID + ":active"
}

func (r *RedisReservationStore) statusKey(status domain.ReservationStatus) string {
	return r.keyPrefix + "status:" + string(status)
}

// Create stores a new reservation.
func (r *RedisReservationStore) Create(ctx context.Context, res domain.Reservation) (domain.Reservation, error) {
	key := r.reservationKey(res.ID)
	active := r.activeKey(res.UserID)
	payload, err := json.Marshal(res)
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("marshal reservation: %w", err)
	}
	err = watchWithRetry(ctx, r.client, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("redis exists: %w", err)
		}
		if n > 0 {
			return domain.ErrAlreadyExists
		}
		if res.Status == domain.ReservationHeld {
			n, err := tx.Exists(ctx, active).Result()
			if err != nil {
				return fmt.Errorf("redis exists: %w", err)
			}
			if n > 0 {
				return domain.ErrAlreadyExists
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			pipe.SAdd(ctx, r.userKey(res.UserID), res.ID.String())
			pipe.SAdd(ctx, r.statusKey(res.Status), res.ID.String())
			if res.Status == domain.ReservationHeld {
				pipe.Set(ctx, active, res.ID.String(), 0)
			}
			return nil
		})
		return err
	}, key, active)
	if err != nil {
		return domain.Reservation{}, err
	}
	return res, nil
}

// Get retrieves a reservation.
func (r *RedisReservationStore) Get(ctx context.Context, id uuid.UUID) (domain.Reservation, error) {
	return r.get(ctx, r.client, id)
}

func (r *RedisReservationStore) get(ctx context.Context, c stringGetter, id uuid.UUID) (domain.Reservation, error) {
	raw, err := c.Get(ctx, r.reservationKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Reservation{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("redis get reservation: %w", err)
	}
	return decodeReservation(raw)
}

// FindActiveByUser returns the user's Held reservation, if any.
func (r *RedisReservationStore) FindActiveByUser(ctx context.Context, userID string) (*domain.Reservation, error) {
	idStr, err := r.client.Get(ctx, r.activeKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get active: %w", err)
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("parse active reservation id: %w", err)
	}
	res, err := r.Get(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// ListByUser returns the user's reservations, newest first.
func (r *RedisReservationStore) ListByUser(ctx context.Context, userID string) ([]domain.Reservation, error) {
	return r.loadSet(ctx, r.userKey(userID))
}

// ListByStatus returns reservations in the given status, newest first.
func (r *RedisReservationStore) ListByStatus(ctx context.Context, status domain.ReservationStatus) ([]domain.Reservation, error) {
	return r.loadSet(ctx, r.statusKey(status))
}

func (r *RedisReservationStore) loadSet(ctx context.Context, setKey string) ([]domain.Reservation, error) {
	ids, err := r.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(ids))
	for _, idStr := range ids {
		id, err := uuid.Parse(idStr)
		if err != nil {
			continue
		}
		keys = append(keys, r.reservationKey(id))
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}
	out := make([]domain.Reservation, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		res, err := decodeReservation([]byte(s))
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	sortReservations(out)
	return out, nil
}

// UpdateStatus moves a reservation from expected to next.
func (r *RedisReservationStore) UpdateStatus(ctx context.Context, id uuid.UUID, expected, next domain.ReservationStatus) (domain.Reservation, error) {
	key := r.reservationKey(id)
	current, err := r.Get(ctx, id)
	if err != nil {
		return domain.Reservation{}, err
	}
	active := r.activeKey(current.UserID)

	var result domain.Reservation
	err = watchWithRetry(ctx, r.client, func(tx *redis.Tx) error {
		res, err := r.get(ctx, tx, id)
		if err != nil {
			return err
		}
		if res.Status != expected {
			return domain.ErrConflict
		}
		activeID, err := tx.Get(ctx, active).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("redis get active: %w", err)
		}
		if next == domain.ReservationHeld && expected != domain.ReservationHeld && activeID != "" {
			return domain.ErrAlreadyExists
		}
		res.Status = next
		payload, err := json.Marshal(res)
		if err != nil {
			return fmt.Errorf("marshal reservation: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			pipe.SRem(ctx, r.statusKey(expected), id.String())
			pipe.SAdd(ctx, r.statusKey(next), id.String())
			switch {
			case next == domain.ReservationHeld:
				pipe.Set(ctx, active, id.String(), 0)
			case expected == domain.ReservationHeld && activeID == id.String():
				pipe.Del(ctx, active)
			}
			return nil
		})
		if err != nil {
			return err
		}
		result = res
		return nil
	}, key, active)
	if err != nil {
		return domain.Reservation{}, err
	}
	return result, nil
}

// Delete removes a reservation and its index entries.
func (r *RedisReservationStore) Delete(ctx context.Context, id uuid.UUID) error {
	key := r.reservationKey(id)
	current, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	active := r.activeKey(current.UserID)
	return watchWithRetry(ctx, r.client, func(tx *redis.Tx) error {
		res, err := r.get(ctx, tx, id)
		if err != nil {
			return err
		}
		activeID, err := tx.Get(ctx, active).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("redis get active: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.SRem(ctx, r.userKey(res.UserID), id.String())
			pipe.SRem(ctx, r.statusKey(res.Status), id.String())
			if activeID == id.String() {
				pipe.Del(ctx, active)
			}
			return nil
		})
		return err
	}, key, active)
}

// stringGetter is satisfied by both *redis.Client and *redis.Tx.
type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func decodeReservation(raw []byte) (domain.Reservation, error) {
	var res domain.Reservation
	if err := json.Unmarshal(raw, &res); err != nil {
		return domain.Reservation{}, fmt.Errorf("decode reservation: %w", err)
	}
	return res, nil
}
