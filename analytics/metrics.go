package analytics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the agent's Prometheus collectors
type Metrics struct {
	Events  *prometheus.CounterVec
	Uploads *prometheus.CounterVec
	Pending prometheus.Gauge
}

// NewMetrics creates the agent collectors and registers them on reg. A nil
// reg uses a private registry. Collectors that are already registered (a
// second agent in the same process) are reused.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		Events: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flurry_events_total",
			Help: "Events logged, by record status.",
		}, []string{"status"})),
		Uploads: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flurry_uploads_total",
			Help: "Upload batches, by result.",
		}, []string{"result"})),
		Pending: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flurry_pending_records",
			Help: "Records queued for upload.",
		})),
	}
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}
