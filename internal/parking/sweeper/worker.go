package sweeper

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/parkhold/internal/parking/domain"
)

// Result summarises one periodic pass.
type Result struct {
	Spots        int
	Reservations int
	Orphans      int
}

// Worker periodically reclaims lapsed holds that no read path touched.
type Worker struct {
	reclaimer *Reclaimer
	interval  time.Duration
	logger    *zap.Logger
	tracer    trace.Tracer

	mu sync.Mutex
	// suspects holds the version of each live hold found without a matching
	// Held reservation on the previous pass, keyed by lot/spot.
	suspects map[string]int64
}

// NewWorker constructs a sweep worker ticking every interval.
func NewWorker(reclaimer *Reclaimer, interval time.Duration, logger *zap.Logger) *Worker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		reclaimer: reclaimer,
		interval:  interval,
		logger:    logger,
		tracer:    otel.Tracer("parking.sweeper"),
		suspects:  make(map[string]int64),
	}
}

// Run sweeps until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if w.reclaimer == nil {
		return errors.New("sweeper requires a reclaimer")
	}
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		if _, err := w.SweepOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Error("sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SweepOnce releases every expired held spot, then expires Held reservations
// past their end time whose spot was already released by some other path.
// Finally it releases live holds that have had no matching Held reservation
// for two consecutive passes with the spot unchanged in between; a single
// sighting is not enough since an allocation holds the spot before it
// creates the reservation.
func (w *Worker) SweepOnce(ctx context.Context) (Result, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	ctx, span := w.tracer.Start(ctx, "sweeper.pass")
	defer span.End()
	start := time.Now()
	defer func() { sweepDuration.Observe(time.Since(start).Seconds()) }()

	var result Result
	r := w.reclaimer
	held, err := r.spots.ListHeld(ctx)
	if err != nil {
		return result, err
	}
	var live []domain.Spot
	for _, spot := range held {
		if !spot.HoldExpired(r.clock.Now()) {
			live = append(live, spot)
			continue
		}
		_, freed, err := r.reclaim(ctx, spot, sourceSweep)
		if err != nil {
			w.logger.Warn("reclaim spot failed", zap.String("lot_id", spot.LotID), zap.String("spot_id", spot.ID), zap.Error(err))
			continue
		}
		if freed {
			result.Spots++
		}
	}

	pending, err := r.reservations.ListByStatus(ctx, domain.ReservationHeld)
	if err != nil {
		return result, err
	}
	for _, res := range pending {
		if !res.Expired(r.clock.Now()) {
			continue
		}
		updated, err := r.ReclaimReservation(ctx, res)
		if err != nil {
			w.logger.Warn("reclaim reservation failed", zap.String("reservation_id", res.ID.String()), zap.Error(err))
			continue
		}
		if updated.Status == domain.ReservationExpired {
			result.Reservations++
		}
	}
	result.Orphans = w.releaseOrphans(ctx, live)

	span.SetAttributes(
		attribute.Int("spots", result.Spots),
		attribute.Int("reservations", result.Reservations),
		attribute.Int("orphans", result.Orphans),
	)
	if result.Spots > 0 || result.Reservations > 0 || result.Orphans > 0 {
		w.logger.Info("sweep reclaimed holds",
			zap.Int("spots", result.Spots),
			zap.Int("reservations", result.Reservations),
			zap.Int("orphans", result.Orphans),
		)
	}
	return result, nil
}

func (w *Worker) releaseOrphans(ctx context.Context, live []domain.Spot) int {
	seen := make(map[string]int64, len(w.suspects))
	released := 0
	for _, spot := range live {
		orphaned, err := w.reclaimer.Orphaned(ctx, spot)
		if err != nil {
			w.logger.Warn("orphan check failed", zap.String("lot_id", spot.LotID), zap.String("spot_id", spot.ID), zap.Error(err))
			continue
		}
		if !orphaned {
			continue
		}
		key := spot.LotID + "/" + spot.ID
		if version, ok := w.suspects[key]; !ok || version != spot.Version {
			seen[key] = spot.Version
			continue
		}
		freed, err := w.reclaimer.ReleaseOrphan(ctx, spot)
		if err != nil {
			w.logger.Warn("release orphan failed", zap.String("lot_id", spot.LotID), zap.String("spot_id", spot.ID), zap.Error(err))
			seen[key] = spot.Version
			continue
		}
		if freed {
			released++
		}
	}
	w.suspects = seen
	return released
}
