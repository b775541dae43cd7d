package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestMetricsInitialized(t *testing.T) {
	Init()

	if EventsReceived == nil || CommandsDispatched == nil || GenerationFailures == nil {
		t.Fatal("counters not initialized")
	}
	if GenerationDuration == nil || DispatchDuration == nil {
		t.Error("histograms not initialized")
	}
	if SessionStateGauge == nil || InFlightCommands == nil {
		t.Error("gauges not initialized")
	}

	// Second call must not re-register (promauto would panic on duplicates).
	Init()
}

func TestRecordDispatchCountsByLabel(t *testing.T) {
	Init()

	before := testutil.ToFloat64(CommandsDispatched.WithLabelValues("joke", "ok"))
	RecordDispatch("joke", "ok")
	RecordDispatch("joke", "ok")
	RecordDispatch("joke", "cooldown")

	if got := testutil.ToFloat64(CommandsDispatched.WithLabelValues("joke", "ok")) - before; got != 2 {
		t.Errorf("joke/ok delta = %v, want 2", got)
	}
}

func TestSessionStateGauge(t *testing.T) {
	Init()

	for _, v := range []int{0, 1, 2, 1, 3} {
		SetSessionState(v)
	}
	if got := testutil.ToFloat64(SessionStateGauge); got != 3 {
		t.Errorf("session state = %v, want 3", got)
	}
}

func TestTimeFuncRecordsObservation(t *testing.T) {
	testHistogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_duration_seconds",
		Help:    "Test duration",
		Buckets: prometheus.DefBuckets,
	})

	executed := false
	duration := TimeFunc(testHistogram, func() {
		time.Sleep(10 * time.Millisecond)
		executed = true
	})

	if !executed {
		t.Error("TimeFunc did not execute provided function")
	}
	if duration < 10*time.Millisecond {
		t.Errorf("TimeFunc duration = %v, want >= 10ms", duration)
	}

	metric := &dto.Metric{}
	if err := testHistogram.Write(metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	if metric.Histogram == nil || metric.Histogram.GetSampleCount() != 1 {
		t.Error("TimeFunc did not record observation in histogram")
	}
}

func TestNilSafeHelpers(t *testing.T) {
	// Helpers must tolerate uninitialized collectors.
	Inc(nil)
	TimeFunc(nil, func() {})
}

func TestCorrelationRoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := GetCorrelation(ctx); got != "" {
		t.Errorf("GetCorrelation(empty) = %q", got)
	}
	ctx = WithCorrelation(ctx, "abc-123")
	if got := GetCorrelation(ctx); got != "abc-123" {
		t.Errorf("GetCorrelation = %q, want abc-123", got)
	}
	if LoggerWithCorr(ctx) == nil {
		t.Error("LoggerWithCorr returned nil")
	}
}
