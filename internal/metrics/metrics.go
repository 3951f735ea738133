// Package metrics collects and exposes delivery-core observability data.
//
// # Design rationale
//
// Two metric stores coexist in this package:
//
//  1. The in-process Metrics struct (per-recipient counters + time series)
//     for the lightweight JSON endpoint (served at /stats by cmd/relay).
//  2. A Prometheus registry (prometheus.go) for scraping by external
//     monitoring systems (Grafana, Alertmanager, etc.).
//
// Keeping both allows operators to inspect state without a Prometheus
// sidecar while still supporting normal monitoring stacks.
//
// # Concurrency - hot path
//
// RecordDelivery is called from the Delivery state machine on every send
// attempt and must be as fast as possible. It uses atomic increments for
// global counters and dispatches a lightweight event onto a buffered
// channel (tsChan) for the time-series worker to process asynchronously.
// This avoids holding any lock on the hot path.
//
// The per-recipient RecipientMetrics struct also uses atomic operations
// exclusively; the sync.Map that stores per-recipient entries is
// read-heavy and write-once-per-new-recipient, the ideal use case for
// sync.Map.
//
// # Invariants
//
//   - Delivered + TransientFailures + PermanentFailures + DLQd ==
//     TotalAttempts (maintained by RecordDelivery).
//   - The time-series ring buffer holds at most timeSeriesBucketCount buckets
//     (24 * 60 = 1440 for the last 24 hours at 1-minute granularity).
//   - tsChan capacity is 8192 events; events dropped when full are counted
//     in tsDroppedEvents for observability.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const (
	timeSeriesBucketDuration = time.Minute
	timeSeriesBucketCount    = 24 * 60
)

// TimeSeriesBucket stores metrics for a single time bucket.
type TimeSeriesBucket struct {
	Timestamp    time.Time
	Deliveries   int64
	Errors       int64
	TotalLatency int64
	Count        int64 // for calculating avg
}

// Metrics collects and exposes delivery-core runtime metrics.
type Metrics struct {
	// Delivery outcome metrics
	TotalAttempts      atomic.Int64
	Delivered          atomic.Int64
	TransientFailures  atomic.Int64
	PermanentFailures  atomic.Int64
	Retries            atomic.Int64
	DLQd               atomic.Int64
	RateLimited        atomic.Int64

	// Latency metrics (in milliseconds)
	TotalLatencyMs atomic.Int64
	MinLatencyMs   atomic.Int64
	MaxLatencyMs   atomic.Int64

	// Queue / lease gauges, set via SetQueueDepth, SetActiveRecipients and
	// the lease recorders
	QueueDepth       atomic.Int64
	ActiveRecipients atomic.Int64
	LeasesHeld       atomic.Int64
	LeasesLost       atomic.Int64

	// Per-recipient metrics
	recipientMetrics sync.Map // recipientID -> *RecipientMetrics

	// Time-series data (minute buckets for last 24 hours)
	timeSeriesMu    sync.RWMutex
	timeSeries      []*TimeSeriesBucket
	tsChan          chan timeSeriesEvent
	tsDroppedEvents atomic.Int64

	startTime time.Time
}

// timeSeriesEvent is sent over a channel to avoid write-lock contention on the hot path.
type timeSeriesEvent struct {
	durationMs int64
	isError    bool
}

// RecipientMetrics tracks delivery metrics for a single recipient.
type RecipientMetrics struct {
	Attempts  atomic.Int64
	Delivered atomic.Int64
	Failures  atomic.Int64
	Retries   atomic.Int64
	DLQd      atomic.Int64
	TotalMs   atomic.Int64
	MinMs     atomic.Int64
	MaxMs     atomic.Int64
}

// Global metrics instance.
var global = &Metrics{startTime: time.Now()}

func init() {
	global.MinLatencyMs.Store(int64(^uint64(0) >> 1)) // Max int64
	global.tsChan = make(chan timeSeriesEvent, 8192)
	global.initTimeSeries()
	go global.processTimeSeriesLoop()
}

// initTimeSeries initializes minute-level buckets for the last 24 hours.
func (m *Metrics) initTimeSeries() {
	m.timeSeriesMu.Lock()
	defer m.timeSeriesMu.Unlock()

	now := time.Now().Truncate(timeSeriesBucketDuration)
	m.timeSeries = make([]*TimeSeriesBucket, timeSeriesBucketCount)
	for i := 0; i < timeSeriesBucketCount; i++ {
		m.timeSeries[i] = &TimeSeriesBucket{
			Timestamp: now.Add(time.Duration(i-(timeSeriesBucketCount-1)) * timeSeriesBucketDuration),
		}
	}
}

// Global returns the global metrics instance.
func Global() *Metrics {
	return global
}

// StartTime returns the time when the metrics system was initialized.
func StartTime() time.Time {
	return global.startTime
}

// DeliveryOutcome classifies the result of a single send attempt.
type DeliveryOutcome int

const (
	OutcomeDelivered DeliveryOutcome = iota
	OutcomeTransientFail
	OutcomePermanentFail
	OutcomeDLQ
)

// RecordDelivery records the outcome of a single delivery attempt.
func (m *Metrics) RecordDelivery(recipientID string, durationMs int64, retryCount int, outcome DeliveryOutcome) {
	m.TotalAttempts.Add(1)

	switch outcome {
	case OutcomeDelivered:
		m.Delivered.Add(1)
	case OutcomeTransientFail:
		m.TransientFailures.Add(1)
	case OutcomePermanentFail:
		m.PermanentFailures.Add(1)
	case OutcomeDLQ:
		m.DLQd.Add(1)
	}
	if retryCount > 0 {
		m.Retries.Add(1)
	}

	m.TotalLatencyMs.Add(durationMs)
	updateMin(&m.MinLatencyMs, durationMs)
	updateMax(&m.MaxLatencyMs, durationMs)

	rm := m.getRecipientMetrics(recipientID)
	rm.Attempts.Add(1)
	switch outcome {
	case OutcomeDelivered:
		rm.Delivered.Add(1)
	case OutcomeTransientFail, OutcomePermanentFail:
		rm.Failures.Add(1)
	case OutcomeDLQ:
		rm.DLQd.Add(1)
	}
	if retryCount > 0 {
		rm.Retries.Add(1)
	}
	rm.TotalMs.Add(durationMs)
	updateMin(&rm.MinMs, durationMs)
	updateMax(&rm.MaxMs, durationMs)

	m.recordTimeSeries(durationMs, outcome != OutcomeDelivered)

	RecordPrometheusDelivery(durationMs, outcome)
}

// RecordRateLimited records an enqueue or transport call rejected by a
// token bucket.
func (m *Metrics) RecordRateLimited() {
	m.RateLimited.Add(1)
	RecordPrometheusRateLimited()
}

// SetQueueDepth updates the queue-depth gauge (sum across all recipients).
func (m *Metrics) SetQueueDepth(depth int64) {
	m.QueueDepth.Store(depth)
	SetPrometheusQueueDepth(depth)
}

// SetActiveRecipients updates the active-recipient-count gauge.
func (m *Metrics) SetActiveRecipients(n int64) {
	m.ActiveRecipients.Store(n)
	SetPrometheusActiveRecipients(n)
}

// RecordLeaseAcquired records a successful lease acquisition.
func (m *Metrics) RecordLeaseAcquired() {
	m.LeasesHeld.Add(1)
	RecordPrometheusLeaseAcquired()
}

// RecordLeaseLost records a lease lost to expiry or a renewal race.
func (m *Metrics) RecordLeaseLost() {
	m.LeasesLost.Add(1)
	m.LeasesHeld.Add(-1)
	RecordPrometheusLeaseLost()
}

// recordTimeSeries enqueues a time-series event for async processing,
// avoiding a write-lock on the hot delivery path.
func (m *Metrics) recordTimeSeries(durationMs int64, isError bool) {
	select {
	case m.tsChan <- timeSeriesEvent{durationMs: durationMs, isError: isError}:
	default:
		m.tsDroppedEvents.Add(1)
	}
}

// processTimeSeriesLoop drains tsChan and applies events under a write lock.
func (m *Metrics) processTimeSeriesLoop() {
	for evt := range m.tsChan {
		m.applyTimeSeriesEvent(evt.durationMs, evt.isError)
	}
}

// applyTimeSeriesEvent updates the time-series buckets (must be called from a single goroutine).
func (m *Metrics) applyTimeSeriesEvent(durationMs int64, isError bool) {
	m.timeSeriesMu.Lock()
	defer m.timeSeriesMu.Unlock()

	now := time.Now().Truncate(timeSeriesBucketDuration)

	if len(m.timeSeries) > 0 {
		lastBucket := m.timeSeries[len(m.timeSeries)-1]
		bucketsDiff := int(now.Sub(lastBucket.Timestamp) / timeSeriesBucketDuration)

		if bucketsDiff > 0 {
			if bucketsDiff >= timeSeriesBucketCount {
				m.timeSeries = make([]*TimeSeriesBucket, timeSeriesBucketCount)
				for i := 0; i < timeSeriesBucketCount; i++ {
					m.timeSeries[i] = &TimeSeriesBucket{
						Timestamp: now.Add(time.Duration(i-(timeSeriesBucketCount-1)) * timeSeriesBucketDuration),
					}
				}
			} else {
				m.timeSeries = m.timeSeries[bucketsDiff:]
				for i := 0; i < bucketsDiff; i++ {
					m.timeSeries = append(m.timeSeries, &TimeSeriesBucket{
						Timestamp: lastBucket.Timestamp.Add(time.Duration(i+1) * timeSeriesBucketDuration),
					})
				}
			}
		}
	}

	if len(m.timeSeries) > 0 {
		bucket := m.timeSeries[len(m.timeSeries)-1]
		bucket.Deliveries++
		bucket.TotalLatency += durationMs
		bucket.Count++
		if isError {
			bucket.Errors++
		}
	}
}

func (m *Metrics) getRecipientMetrics(recipientID string) *RecipientMetrics {
	if v, ok := m.recipientMetrics.Load(recipientID); ok {
		return v.(*RecipientMetrics)
	}

	rm := &RecipientMetrics{}
	rm.MinMs.Store(int64(^uint64(0) >> 1))
	actual, _ := m.recipientMetrics.LoadOrStore(recipientID, rm)
	return actual.(*RecipientMetrics)
}

// GetRecipientMetrics returns the metrics for a specific recipient (or nil if none recorded yet).
func (m *Metrics) GetRecipientMetrics(recipientID string) *RecipientMetrics {
	if v, ok := m.recipientMetrics.Load(recipientID); ok {
		return v.(*RecipientMetrics)
	}
	return nil
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (m *Metrics) Snapshot() map[string]interface{} {
	total := m.TotalAttempts.Load()
	avgLatency := float64(0)
	if total > 0 {
		avgLatency = float64(m.TotalLatencyMs.Load()) / float64(total)
	}

	minLatency := m.MinLatencyMs.Load()
	if minLatency == int64(^uint64(0)>>1) {
		minLatency = 0
	}

	result := map[string]interface{}{
		"uptime_seconds": int64(time.Since(m.startTime).Seconds()),
		"deliveries": map[string]interface{}{
			"total":            total,
			"delivered":        m.Delivered.Load(),
			"transient_failed": m.TransientFailures.Load(),
			"permanent_failed": m.PermanentFailures.Load(),
			"retries":          m.Retries.Load(),
			"dlq":              m.DLQd.Load(),
			"rate_limited":     m.RateLimited.Load(),
		},
		"latency_ms": map[string]interface{}{
			"avg": avgLatency,
			"min": minLatency,
			"max": m.MaxLatencyMs.Load(),
		},
		"queue": map[string]interface{}{
			"depth":             m.QueueDepth.Load(),
			"active_recipients": m.ActiveRecipients.Load(),
			"leases_held":       m.LeasesHeld.Load(),
			"leases_lost":       m.LeasesLost.Load(),
		},
		"ts_dropped_events": m.tsDroppedEvents.Load(),
	}

	return result
}

// RecipientStats returns per-recipient metrics.
func (m *Metrics) RecipientStats() map[string]interface{} {
	result := make(map[string]interface{})

	m.recipientMetrics.Range(func(key, value interface{}) bool {
		recipientID := key.(string)
		rm := value.(*RecipientMetrics)

		total := rm.Attempts.Load()
		avgMs := float64(0)
		if total > 0 {
			avgMs = float64(rm.TotalMs.Load()) / float64(total)
		}

		minMs := rm.MinMs.Load()
		if minMs == int64(^uint64(0)>>1) {
			minMs = 0
		}

		result[recipientID] = map[string]interface{}{
			"attempts":  total,
			"delivered": rm.Delivered.Load(),
			"failures":  rm.Failures.Load(),
			"retries":   rm.Retries.Load(),
			"dlq":       rm.DLQd.Load(),
			"avg_ms":    avgMs,
			"min_ms":    minMs,
			"max_ms":    rm.MaxMs.Load(),
		}
		return true
	})

	return result
}

// JSONHandler returns an HTTP handler that exposes metrics in JSON format.
func (m *Metrics) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		result := m.Snapshot()
		result["recipients"] = m.RecipientStats()
		json.NewEncoder(w).Encode(result)
	})
}

// TimeSeries returns minute-level time-series data for the last 24 hours.
func (m *Metrics) TimeSeries() []map[string]interface{} {
	m.timeSeriesMu.RLock()
	defer m.timeSeriesMu.RUnlock()

	result := make([]map[string]interface{}, len(m.timeSeries))
	for i, bucket := range m.timeSeries {
		avgDuration := float64(0)
		if bucket.Count > 0 {
			avgDuration = float64(bucket.TotalLatency) / float64(bucket.Count)
		}
		result[i] = map[string]interface{}{
			"timestamp":    bucket.Timestamp.Format(time.RFC3339),
			"deliveries":   bucket.Deliveries,
			"errors":       bucket.Errors,
			"avg_duration": avgDuration,
		}
	}
	return result
}

// TimeSeriesHandler returns an HTTP handler for time-series metrics.
func (m *Metrics) TimeSeriesHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.TimeSeries())
	})
}

// Helper functions

func updateMin(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value >= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}

func updateMax(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value <= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}
