package allocation

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/parkhold/internal/parking/domain"
	"github.com/example/parkhold/internal/parking/sweeper"
)

// RandomConfig tunes RandomAssigner.
type RandomConfig struct {
	MaxAttempts int
	Backoff     time.Duration
	Pools       domain.ClassPools
}

// RandomAssigner picks a uniformly random Available spot of an eligible class
// and allocates it through the Allocator.
type RandomAssigner struct {
	alloc     *Allocator
	reclaimer *sweeper.Reclaimer
	cfg       RandomConfig
	logger    *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomAssigner constructs a RandomAssigner. A nil rng is seeded randomly.
func NewRandomAssigner(alloc *Allocator, reclaimer *sweeper.Reclaimer, rng *rand.Rand, cfg RandomConfig, logger *zap.Logger) *RandomAssigner {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff < 0 {
		cfg.Backoff = 0
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RandomAssigner{alloc: alloc, reclaimer: reclaimer, cfg: cfg, logger: logger, rng: rng}
}

// Assign reserves a random spot of the requested class for userID. Lost races
// trigger a fresh snapshot up to MaxAttempts times.
func (r *RandomAssigner) Assign(ctx context.Context, userID, lotID string, class domain.SpotClass) (res domain.Reservation, err error) {
	start := time.Now()
	defer func() {
		allocationDuration.WithLabelValues("random", resultLabel(err)).Observe(time.Since(start).Seconds())
	}()

	if userID == "" || lotID == "" {
		return domain.Reservation{}, fmt.Errorf("%w: user and lot are required", domain.ErrInvalidArgument)
	}
	if _, err := domain.ParseSpotClass(string(class)); err != nil {
		return domain.Reservation{}, fmt.Errorf("%w: class %q", domain.ErrInvalidArgument, class)
	}
	eligible := r.cfg.Pools.Eligible(class)

	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		candidates, err := r.snapshot(ctx, lotID, eligible)
		if err != nil {
			return domain.Reservation{}, err
		}
		if len(candidates) == 0 {
			return domain.Reservation{}, domain.ErrNoSpotsAvailable
		}
		pick := candidates[r.intN(len(candidates))]

		res, err := r.alloc.TryReserve(ctx, userID, lotID, pick.ID)
		switch {
		case err == nil:
			return res, nil
		case errors.Is(err, domain.ErrConcurrentAllocation), errors.Is(err, domain.ErrSpotUnavailable):
			r.logger.Debug("random pick lost, resampling",
				zap.String("lot_id", lotID),
				zap.String("spot_id", pick.ID),
				zap.Int("attempt", attempt),
			)
		default:
			return domain.Reservation{}, err
		}

		if attempt < r.cfg.MaxAttempts && r.cfg.Backoff > 0 {
			select {
			case <-time.After(time.Duration(attempt) * r.cfg.Backoff):
			case <-ctx.Done():
				return domain.Reservation{}, ctx.Err()
			}
		}
	}
	return domain.Reservation{}, domain.ErrNoSpotsAvailable
}

func (r *RandomAssigner) snapshot(ctx context.Context, lotID string, eligible map[domain.SpotClass]struct{}) ([]domain.Spot, error) {
	spots, err := r.reclaimer.List(ctx, lotID)
	if err != nil {
		return nil, fmt.Errorf("list spots: %w", err)
	}
	out := spots[:0]
	for _, s := range spots {
		if _, ok := eligible[s.Class]; ok && s.Status == domain.SpotAvailable {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *RandomAssigner) intN(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.IntN(n)
}
