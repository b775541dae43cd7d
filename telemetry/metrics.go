// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	EventsReceived       prometheus.Counter
	EventsDuplicate      prometheus.Counter
	CommandsDispatched   *prometheus.CounterVec // labels: command, outcome
	CooldownRejections   prometheus.Counter
	GenerationFailures   *prometheus.CounterVec // labels: kind
	MessagesSent         prometheus.Counter
	MessageSendFailures  prometheus.Counter
	LogWriteFailures     prometheus.Counter
	SessionReconnects    prometheus.Counter
	SubscriptionFailures prometheus.Counter

	// Histograms (seconds)
	GenerationDuration prometheus.Observer
	DispatchDuration   prometheus.Observer

	// Gauges
	SessionStateGauge prometheus.Gauge // 0=connecting,1=active,2=reconnecting,3=closed
	InFlightCommands  prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		EventsReceived = promauto.NewCounter(prometheus.CounterOpts{Name: "chatbot_events_received_total", Help: "Chat message events received from the event feed"})
		EventsDuplicate = promauto.NewCounter(prometheus.CounterOpts{Name: "chatbot_events_duplicate_total", Help: "Redelivered events dropped by message id"})
		CommandsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatbot_commands_dispatched_total", Help: "Command dispatch attempts by outcome"}, []string{"command", "outcome"})
		CooldownRejections = promauto.NewCounter(prometheus.CounterOpts{Name: "chatbot_cooldown_rejections_total", Help: "Dispatches dropped because the command was cooling down"})
		GenerationFailures = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatbot_generation_failures_total", Help: "Content generation failures by kind"}, []string{"kind"})
		MessagesSent = promauto.NewCounter(prometheus.CounterOpts{Name: "chatbot_messages_sent_total", Help: "Chat messages sent"})
		MessageSendFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "chatbot_message_send_failures_total", Help: "Chat messages that could not be sent"})
		LogWriteFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "chatbot_log_write_failures_total", Help: "Chat log lines that could not be written"})
		SessionReconnects = promauto.NewCounter(prometheus.CounterOpts{Name: "chatbot_session_reconnects_total", Help: "Event feed reconnects"})
		SubscriptionFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "chatbot_subscription_failures_total", Help: "Failed subscription attempts"})
		GenerationDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "chatbot_generation_duration_seconds", Help: "Content generation duration seconds", Buckets: prometheus.DefBuckets})
		DispatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "chatbot_dispatch_duration_seconds", Help: "Command dispatch duration seconds", Buckets: prometheus.DefBuckets})
		SessionStateGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "chatbot_session_state", Help: "Event feed session state (0=connecting,1=active,2=reconnecting,3=closed)"})
		InFlightCommands = promauto.NewGauge(prometheus.GaugeOpts{Name: "chatbot_commands_in_flight", Help: "Commands currently executing"})
	})
}

// Inc increments c when metrics are initialized.
func Inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// RecordDispatch counts a dispatch outcome for a command.
func RecordDispatch(command, outcome string) {
	if CommandsDispatched != nil {
		CommandsDispatched.WithLabelValues(command, outcome).Inc()
	}
}

// RecordGenerationFailure counts a generation failure by kind.
func RecordGenerationFailure(kind string) {
	if GenerationFailures != nil {
		GenerationFailures.WithLabelValues(kind).Inc()
	}
}

// SetSessionState records the numeric session state.
func SetSessionState(v int) {
	if SessionStateGauge != nil {
		SessionStateGauge.Set(float64(v))
	}
}

// AddInFlight adjusts the in-flight command gauge.
func AddInFlight(delta int) {
	if InFlightCommands != nil {
		InFlightCommands.Add(float64(delta))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
