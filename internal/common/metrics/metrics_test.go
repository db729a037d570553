package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// === Outbox Relay Metrics Tests ===

func TestOutboxClaimed_Labels(t *testing.T) {
	OutboxClaimed.WithLabelValues("svc-a").Inc()
	OutboxClaimed.WithLabelValues("svc-b").Add(3)

	counter := OutboxClaimed.WithLabelValues("svc-a")
	if counter == nil {
		t.Error("Expected counter to be non-nil")
	}
}

func TestOutboxPublished_And_Failed(t *testing.T) {
	OutboxPublished.WithLabelValues("svc-a").Inc()
	OutboxFailed.WithLabelValues("svc-a").Inc()

	if OutboxPublished.WithLabelValues("svc-a") == nil {
		t.Error("Expected published counter to be non-nil")
	}
	if OutboxFailed.WithLabelValues("svc-a") == nil {
		t.Error("Expected failed counter to be non-nil")
	}
}

func TestOutboxPollDuration_Observe(t *testing.T) {
	OutboxPollDuration.Observe(0.05)
	OutboxPollDuration.Observe(1.25)

	desc := OutboxPollDuration.Desc()
	if desc == nil {
		t.Error("Expected Desc to be non-nil")
	}
}

func TestOutboxTransportDuration_Observe(t *testing.T) {
	OutboxTransportDuration.WithLabelValues("svc-a").Observe(0.123)

	histogram := OutboxTransportDuration.WithLabelValues("svc-a")
	if histogram == nil {
		t.Error("Expected histogram to be non-nil")
	}
}

func TestOutboxRecovered_Counter(t *testing.T) {
	OutboxRecovered.Add(2)

	desc := OutboxRecovered.Desc()
	if desc == nil {
		t.Error("Expected Desc to be non-nil")
	}
}

func TestOutboxPendingGauge(t *testing.T) {
	OutboxPendingGauge.Set(42)
	OutboxPendingGauge.Inc()
	OutboxPendingGauge.Dec()

	desc := OutboxPendingGauge.Desc()
	if desc == nil {
		t.Error("Expected Desc to be non-nil")
	}
}

// === Inbox Dispatcher Metrics Tests ===

func TestInboxAdmitted_Labels(t *testing.T) {
	InboxAdmitted.WithLabelValues("svc-a", "new").Inc()
	InboxAdmitted.WithLabelValues("svc-a", "duplicate").Inc()

	counter := InboxAdmitted.WithLabelValues("svc-a", "new")
	if counter == nil {
		t.Error("Expected counter to be non-nil")
	}
}

func TestInboxProcessed_Failed_NoHandler(t *testing.T) {
	InboxProcessed.WithLabelValues("OrderCreated").Inc()
	InboxFailed.WithLabelValues("OrderCreated").Inc()
	InboxNoHandler.WithLabelValues("Unknown").Inc()

	if InboxProcessed.WithLabelValues("OrderCreated") == nil {
		t.Error("Expected processed counter to be non-nil")
	}
	if InboxNoHandler.WithLabelValues("Unknown") == nil {
		t.Error("Expected no_handler counter to be non-nil")
	}
}

func TestInboxPollDuration_Observe(t *testing.T) {
	InboxPollDuration.Observe(0.2)

	desc := InboxPollDuration.Desc()
	if desc == nil {
		t.Error("Expected Desc to be non-nil")
	}
}

// === Circuit Breaker Metrics Tests ===

func TestCircuitBreakerState_Values(t *testing.T) {
	gauge := CircuitBreakerState.WithLabelValues("http-transport")

	gauge.Set(CircuitBreakerClosed)
	gauge.Set(CircuitBreakerOpen)
	gauge.Set(CircuitBreakerHalfOpen)

	if gauge == nil {
		t.Error("Expected gauge to be non-nil")
	}
}

func TestCircuitBreakerTrips_Counter(t *testing.T) {
	CircuitBreakerTrips.WithLabelValues("http-transport").Inc()

	counter := CircuitBreakerTrips.WithLabelValues("http-transport")
	if counter == nil {
		t.Error("Expected counter to be non-nil")
	}
}

func TestCircuitBreakerConstants(t *testing.T) {
	if CircuitBreakerClosed != 0 {
		t.Errorf("Expected CircuitBreakerClosed=0, got %d", CircuitBreakerClosed)
	}
	if CircuitBreakerOpen != 1 {
		t.Errorf("Expected CircuitBreakerOpen=1, got %d", CircuitBreakerOpen)
	}
	if CircuitBreakerHalfOpen != 2 {
		t.Errorf("Expected CircuitBreakerHalfOpen=2, got %d", CircuitBreakerHalfOpen)
	}
}

// === Retention Metrics Tests ===

func TestRetentionDeleted_Labels(t *testing.T) {
	RetentionDeleted.WithLabelValues("outbox").Add(10)
	RetentionDeleted.WithLabelValues("inbox").Add(4)

	counter := RetentionDeleted.WithLabelValues("outbox")
	if counter == nil {
		t.Error("Expected counter to be non-nil")
	}
}

// === HTTP Metrics Tests ===

func TestHTTPRequestsTotal_Labels(t *testing.T) {
	methods := []string{"GET", "POST"}
	paths := []string{"/webhook/events", "/q/health"}
	statuses := []string{"200", "202", "400", "500"}

	for _, method := range methods {
		for _, path := range paths {
			for _, status := range statuses {
				HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
			}
		}
	}

	counter := HTTPRequestsTotal.WithLabelValues("POST", "/webhook/events", "202")
	if counter == nil {
		t.Error("Expected counter to be non-nil")
	}
}

func TestHTTPRequestDuration_Observe(t *testing.T) {
	HTTPRequestDuration.WithLabelValues("POST", "/webhook/events").Observe(0.015)

	histogram := HTTPRequestDuration.WithLabelValues("POST", "/webhook/events")
	if histogram == nil {
		t.Error("Expected histogram to be non-nil")
	}
}

// === Generic Prometheus Behavior Tests ===

func TestCounterValue(t *testing.T) {
	reg := prometheus.NewRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_counter",
		Help: "Test counter",
	})
	reg.MustRegister(counter)

	counter.Add(5)
	if val := testutil.ToFloat64(counter); val != 5 {
		t.Errorf("Expected counter value 5, got %f", val)
	}

	counter.Inc()
	if val := testutil.ToFloat64(counter); val != 6 {
		t.Errorf("Expected counter value 6, got %f", val)
	}
}

func TestGaugeValue(t *testing.T) {
	reg := prometheus.NewRegistry()

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "test_gauge",
		Help: "Test gauge",
	})
	reg.MustRegister(gauge)

	gauge.Set(100)
	if val := testutil.ToFloat64(gauge); val != 100 {
		t.Errorf("Expected gauge value 100, got %f", val)
	}

	gauge.Add(50)
	if val := testutil.ToFloat64(gauge); val != 150 {
		t.Errorf("Expected gauge value 150, got %f", val)
	}

	gauge.Sub(30)
	if val := testutil.ToFloat64(gauge); val != 120 {
		t.Errorf("Expected gauge value 120, got %f", val)
	}
}

// Benchmark for counter operations
func BenchmarkCounterInc(b *testing.B) {
	counter := OutboxClaimed.WithLabelValues("bench-dest")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		counter.Inc()
	}
}

// Benchmark for histogram observations
func BenchmarkHistogramObserve(b *testing.B) {
	histogram := OutboxTransportDuration.WithLabelValues("bench-dest")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		histogram.Observe(0.123)
	}
}
