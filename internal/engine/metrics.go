package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gridbot_tick_duration_seconds",
		Help:    "Duration of one reconciliation tick.",
		Buckets: prometheus.DefBuckets,
	})

	tickErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gridbot_tick_errors_total",
		Help: "Tick failures by error class.",
	}, []string{"class"})

	fillsDetected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gridbot_fills_detected_total",
		Help: "Fills detected across all levels.",
	})

	ordersPlaced = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gridbot_orders_placed_total",
		Help: "Orders placed by side.",
	}, []string{"side"})

	ordersCancelled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gridbot_orders_cancelled_total",
		Help: "Orders cancelled by the reconciliation loop.",
	})
)

func init() {
	prometheus.MustRegister(tickDuration, tickErrors, fillsDetected, ordersPlaced, ordersCancelled)
}
