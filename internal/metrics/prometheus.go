package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for the delivery core.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Counters
	deliveriesTotal    *prometheus.CounterVec
	rateLimitedTotal   prometheus.Counter
	leasesAcquired     prometheus.Counter
	leasesLost         prometheus.Counter

	// Histograms
	deliveryDuration *prometheus.HistogramVec

	// Gauges
	uptime              prometheus.GaugeFunc
	queueDepth          *prometheus.GaugeVec
	activeRecipients    prometheus.Gauge

	// Circuit breaker
	circuitBreakerState      *prometheus.GaugeVec
	circuitBreakerTripsTotal *prometheus.CounterVec
}

// Default histogram buckets for delivery duration (in milliseconds).
var defaultBuckets = []float64{50, 100, 250, 500, 1000, 2000, 3500, 5000, 8000, 12000, 20000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem.
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		deliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deliveries_total",
				Help:      "Total number of delivery attempts by outcome",
			},
			[]string{"outcome"},
		),

		rateLimitedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_total",
				Help:      "Total enqueue or transport calls rejected by a token bucket",
			},
		),

		leasesAcquired: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "leases_acquired_total",
				Help:      "Total recipient leases acquired",
			},
		),

		leasesLost: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "leases_lost_total",
				Help:      "Total recipient leases lost to expiry or a renewal race",
			},
		),

		deliveryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "delivery_duration_milliseconds",
				Help:      "Duration of a delivery attempt (delay + typing pulses + send) in milliseconds",
				Buckets:   buckets,
			},
			[]string{"outcome"},
		),

		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Current queue depth by recipient",
			},
			[]string{"recipient"},
		),

		activeRecipients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_recipients",
				Help:      "Current size of the active_recipients set",
			},
		),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Current circuit breaker state by recipient (0=closed, 1=open, 2=half_open)",
			},
			[]string{"recipient"},
		),

		circuitBreakerTripsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Total circuit breaker state transitions by recipient",
			},
			[]string{"recipient", "to_state"},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since this dispatcher worker started",
		},
		func() float64 {
			return time.Since(StartTime()).Seconds()
		},
	)

	registry.MustRegister(
		pm.deliveriesTotal,
		pm.rateLimitedTotal,
		pm.leasesAcquired,
		pm.leasesLost,
		pm.deliveryDuration,
		pm.uptime,
		pm.queueDepth,
		pm.activeRecipients,
		pm.circuitBreakerState,
		pm.circuitBreakerTripsTotal,
	)

	promMetrics = pm
}

func outcomeLabel(outcome DeliveryOutcome) string {
	switch outcome {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeTransientFail:
		return "transient_fail"
	case OutcomePermanentFail:
		return "permanent_fail"
	case OutcomeDLQ:
		return "dlq"
	default:
		return "unknown"
	}
}

// RecordPrometheusDelivery records a delivery attempt outcome in Prometheus collectors.
func RecordPrometheusDelivery(durationMs int64, outcome DeliveryOutcome) {
	if promMetrics == nil {
		return
	}
	label := outcomeLabel(outcome)
	promMetrics.deliveriesTotal.WithLabelValues(label).Inc()
	promMetrics.deliveryDuration.WithLabelValues(label).Observe(float64(durationMs))
}

// RecordPrometheusRateLimited records a rate-limit rejection.
func RecordPrometheusRateLimited() {
	if promMetrics == nil {
		return
	}
	promMetrics.rateLimitedTotal.Inc()
}

// RecordPrometheusLeaseAcquired records a successful lease acquisition.
func RecordPrometheusLeaseAcquired() {
	if promMetrics == nil {
		return
	}
	promMetrics.leasesAcquired.Inc()
}

// RecordPrometheusLeaseLost records a lease lost to expiry or a renewal race.
func RecordPrometheusLeaseLost() {
	if promMetrics == nil {
		return
	}
	promMetrics.leasesLost.Inc()
}

// SetPrometheusQueueDepth sets the aggregate queue depth gauge.
// Individual recipient depths can be set via SetRecipientQueueDepth.
func SetPrometheusQueueDepth(depth int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.queueDepth.WithLabelValues("__total__").Set(float64(depth))
}

// SetRecipientQueueDepth sets the queue depth gauge for a single recipient.
func SetRecipientQueueDepth(recipientID string, depth int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.queueDepth.WithLabelValues(recipientID).Set(float64(depth))
}

// SetPrometheusActiveRecipients sets the active-recipient-count gauge.
func SetPrometheusActiveRecipients(n int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.activeRecipients.Set(float64(n))
}

// SetCircuitBreakerState sets the circuit breaker state gauge for a recipient.
// state: 0=closed, 1=open, 2=half_open
func SetCircuitBreakerState(recipientID string, state int) {
	if promMetrics == nil {
		return
	}
	promMetrics.circuitBreakerState.WithLabelValues(recipientID).Set(float64(state))
}

// RecordCircuitBreakerTrip records a circuit breaker state transition for a recipient.
func RecordCircuitBreakerTrip(recipientID, toState string) {
	if promMetrics == nil {
		return
	}
	promMetrics.circuitBreakerTripsTotal.WithLabelValues(recipientID, toState).Inc()
}

// PrometheusHandler returns an HTTP handler for Prometheus metrics scraping.
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the prometheus registry (for custom collectors).
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
