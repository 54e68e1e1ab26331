package allocation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	allocationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "parking_allocation_seconds",
		Help:    "Time spent allocating a spot grouped by flow and result.",
		Buckets: prometheus.DefBuckets,
	}, []string{"flow", "result"})

	allocationAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parking_allocation_attempts_total",
		Help: "Single allocation attempts grouped by outcome.",
	}, []string{"result"})

	compensations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parking_allocation_compensations_total",
		Help: "Spot holds rolled back or restored after a half-applied allocation or cancellation.",
	}, []string{"result"})

	cancellations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parking_cancellations_total",
		Help: "Cancellation requests grouped by outcome.",
	}, []string{"result"})
)

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return errorLabel(err)
}
