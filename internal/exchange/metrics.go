package exchange

import "github.com/prometheus/client_golang/prometheus"

var adapterErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "gridbot_adapter_errors_total",
	Help: "Adapter call failures by venue and error class.",
}, []string{"venue", "class"})

func init() {
	prometheus.MustRegister(adapterErrors)
}

// ObserveError records a classified adapter error for the given venue,
// intended for call sites in venue_a.go / venue_b.go that already wrap
// responses into the error taxonomy.
func ObserveError(venue string, err error) {
	if err == nil {
		return
	}
	adapterErrors.WithLabelValues(venue, classLabel(ClassifyError(err))).Inc()
}

func classLabel(c ErrorClass) string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassRateLimited:
		return "rate_limited"
	case ClassAuth:
		return "auth"
	case ClassPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}
