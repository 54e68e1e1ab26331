package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/example/parkhold/internal/parking/domain"
)

const (
	defaultKeyPrefix = "parking:"
	maxTxAttempts    = 5
)

// RedisSpotStore keeps spots as JSON strings and relies on WATCH/MULTI/EXEC
// for per-spot conditional transitions. Every committed change is published
// on a per-lot channel inside the same transaction.
type RedisSpotStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisSpotStore constructs the store. An empty prefix selects the default.
func NewRedisSpotStore(client *redis.Client, prefix string) *RedisSpotStore {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisSpotStore{client: client, keyPrefix: prefix}
}

func (r *RedisSpotStore) spotKey(lotID, spotID string) string {
	return r.keyPrefix + "spot:" + lotID + ":" + spotID
}

func (r *RedisSpotStore) lotKey(lotID string) string { return r.keyPrefix + "lot:" + lotID }

func (r *RedisSpotStore) heldKey() string { return r.keyPrefix + "held" }

func (r *RedisSpotStore) channel(lotID string) string { return r.keyPrefix + "events:" + lotID }

// Get retrieves a spot.
func (r *RedisSpotStore) Get(ctx context.Context, lotID, spotID string) (domain.Spot, error) {
	raw, err := r.client.Get(ctx, r.spotKey(lotID, spotID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Spot{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Spot{}, fmt.Errorf("redis get spot: %w", err)
	}
	return decodeSpot(raw)
}

// List returns the spots of a lot ordered by id.
func (r *RedisSpotStore) List(ctx context.Context, lotID string) ([]domain.Spot, error) {
	ids, err := r.client.SMembers(ctx, r.lotKey(lotID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.spotKey(lotID, id)
	}
	return r.load(ctx, keys)
}

// ListHeld returns held spots across all lots.
func (r *RedisSpotStore) ListHeld(ctx context.Context) ([]domain.Spot, error) {
	keys, err := r.client.SMembers(ctx, r.heldKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	spots, err := r.load(ctx, keys)
	if err != nil {
		return nil, err
	}
	held := spots[:0]
	for _, s := range spots {
		if s.Status == domain.SpotHeld {
			held = append(held, s)
		}
	}
	return held, nil
}

func (r *RedisSpotStore) load(ctx context.Context, keys []string) ([]domain.Spot, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}
	spots := make([]domain.Spot, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		spot, err := decodeSpot([]byte(s))
		if err != nil {
			return nil, err
		}
		spots = append(spots, spot)
	}
	sortSpots(spots)
	return spots, nil
}

// Transition applies mutate when the committed status still equals expected.
func (r *RedisSpotStore) Transition(ctx context.Context, lotID, spotID string, expected domain.SpotStatus, mutate domain.Mutation) (domain.Spot, error) {
	key := r.spotKey(lotID, spotID)
	var result domain.Spot
	err := watchWithRetry(ctx, r.client, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return domain.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("redis get spot: %w", err)
		}
		current, err := decodeSpot(raw)
		if err != nil {
			return err
		}
		next, err := applyMutation(current, expected, mutate)
		if err != nil {
			return err
		}
		next.Version = current.Version + 1
		if err := r.write(ctx, tx, key, next); err != nil {
			return err
		}
		result = next
		return nil
	}, key)
	if err != nil {
		return domain.Spot{}, err
	}
	return result, nil
}

// Put inserts or replaces a spot, keeping the version lineage.
func (r *RedisSpotStore) Put(ctx context.Context, spot domain.Spot) (domain.Spot, error) {
	if err := validateSeed(spot); err != nil {
		return domain.Spot{}, err
	}
	key := r.spotKey(spot.LotID, spot.ID)
	err := watchWithRetry(ctx, r.client, func(tx *redis.Tx) error {
		spot.Version = 1
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return fmt.Errorf("redis get spot: %w", err)
		default:
			existing, err := decodeSpot(raw)
			if err != nil {
				return err
			}
			spot.Version = existing.Version + 1
		}
		return r.write(ctx, tx, key, spot)
	}, key)
	if err != nil {
		return domain.Spot{}, err
	}
	return spot, nil
}

func (r *RedisSpotStore) write(ctx context.Context, tx *redis.Tx, key string, spot domain.Spot) error {
	payload, err := json.Marshal(spot)
	if err != nil {
		return fmt.Errorf("marshal spot: %w", err)
	}
	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, payload, 0)
		pipe.SAdd(ctx, r.lotKey(spot.LotID), spot.ID)
		if spot.Status == domain.SpotHeld {
			pipe.SAdd(ctx, r.heldKey(), key)
		} else {
			pipe.SRem(ctx, r.heldKey(), key)
		}
		pipe.Publish(ctx, r.channel(spot.LotID), payload)
		return nil
	})
	return err
}

// Watch subscribes to the lot's change channel. It returns once the
// subscription is confirmed by the server.
func (r *RedisSpotStore) Watch(ctx context.Context, lotID string) (<-chan domain.Spot, error) {
	pubsub := r.client.Subscribe(ctx, r.channel(lotID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}
	out := make(chan domain.Spot, 64)
	go func() {
		defer close(out)
		defer pubsub.Close()
		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				spot, err := decodeSpot([]byte(msg.Payload))
				if err != nil {
					continue
				}
				select {
				case out <- spot:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// watchWithRetry runs fn inside an optimistic transaction and re-runs it when
// a watched key changed underneath. fn re-validates on every attempt, so a
// retry either commits against fresh state or fails with a domain error.
func watchWithRetry(ctx context.Context, client *redis.Client, fn func(tx *redis.Tx) error, keys ...string) error {
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := client.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil && !isDomainError(err) {
			return fmt.Errorf("redis tx: %w", err)
		}
		return err
	}
	return domain.ErrConflict
}

func isDomainError(err error) bool {
	return errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrConflict) ||
		errors.Is(err, domain.ErrAlreadyExists) ||
		errors.Is(err, domain.ErrInvalidTransition) ||
		errors.Is(err, domain.ErrInvalidArgument)
}

func decodeSpot(raw []byte) (domain.Spot, error) {
	var spot domain.Spot
	if err := json.Unmarshal(raw, &spot); err != nil {
		return domain.Spot{}, fmt.Errorf("decode spot: %w", err)
	}
	return spot, nil
}
