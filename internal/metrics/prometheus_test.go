package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPrometheusHandler_UnavailableBeforeInit(t *testing.T) {
	saved := promMetrics
	promMetrics = nil
	defer func() { promMetrics = saved }()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestInitPrometheus_ExposesRecordedDelivery(t *testing.T) {
	saved := promMetrics
	defer func() { promMetrics = saved }()

	InitPrometheus("relay_test_delivery", nil)
	RecordPrometheusDelivery(150, OutcomeDelivered)
	RecordPrometheusRateLimited()
	RecordPrometheusLeaseAcquired()
	RecordPrometheusLeaseLost()
	SetPrometheusQueueDepth(7)
	SetRecipientQueueDepth("rid-1", 3)
	SetPrometheusActiveRecipients(2)
	SetCircuitBreakerState("rid-1", 1)
	RecordCircuitBreakerTrip("rid-1", "open")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()

	for _, want := range []string{
		`relay_test_delivery_deliveries_total{outcome="delivered"} 1`,
		"relay_test_delivery_rate_limited_total 1",
		"relay_test_delivery_leases_acquired_total 1",
		"relay_test_delivery_leases_lost_total 1",
		`relay_test_delivery_queue_depth{recipient="__total__"} 7`,
		`relay_test_delivery_queue_depth{recipient="rid-1"} 3`,
		"relay_test_delivery_active_recipients 2",
		`relay_test_delivery_circuit_breaker_state{recipient="rid-1"} 1`,
		`relay_test_delivery_circuit_breaker_trips_total{recipient="rid-1",to_state="open"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("prometheus output missing %q\nfull output:\n%s", want, body)
		}
	}

	if PrometheusRegistry() == nil {
		t.Fatalf("expected a non-nil registry after InitPrometheus")
	}
}

func TestOutcomeLabel(t *testing.T) {
	cases := map[DeliveryOutcome]string{
		OutcomeDelivered:     "delivered",
		OutcomeTransientFail: "transient_fail",
		OutcomePermanentFail: "permanent_fail",
		OutcomeDLQ:           "dlq",
		DeliveryOutcome(99):  "unknown",
	}
	for outcome, want := range cases {
		if got := outcomeLabel(outcome); got != want {
			t.Errorf("outcomeLabel(%v) = %q, want %q", outcome, got, want)
		}
	}
}
