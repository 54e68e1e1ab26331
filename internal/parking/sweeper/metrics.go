package sweeper

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reclaimedHolds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parking_reclaimed_holds_total",
		Help: "Expired holds returned to the pool grouped by the path that found them.",
	}, []string{"source"})

	expiredReservations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parking_expired_reservations_total",
		Help: "Reservations moved from HELD to EXPIRED.",
	})

	sweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "parking_sweep_duration_seconds",
		Help:    "Time spent in one periodic expiry pass.",
		Buckets: prometheus.DefBuckets,
	})
)
