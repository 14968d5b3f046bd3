// Package telemetry provides Prometheus metrics, OpenTelemetry tracing setup,
// and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

var (
	once sync.Once

	// Relay counters
	RelayEnqueued    prometheus.Counter
	RelayDelivered   prometheus.Counter
	RelayDropped     prometheus.Counter
	RelayRateLimited prometheus.Counter

	// Export counters
	ExportsStarted   prometheus.Counter
	ExportsSucceeded prometheus.Counter
	ExportsFailed    prometheus.Counter
	AvatarFetches    prometheus.Counter
	AvatarFallbacks  prometheus.Counter

	// Histograms (seconds)
	DeliveryDuration prometheus.Observer
	ExportDuration   prometheus.Observer

	// Gauges
	RelayQueueDepthGauge prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		RelayEnqueued = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_messages_enqueued_total", Help: "Inbound messages accepted into the relay queue"})
		RelayDelivered = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_messages_delivered_total", Help: "Messages successfully posted to the sink"})
		RelayDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_messages_dropped_total", Help: "Messages dropped (queue full, sink error, or HTTP 4xx/5xx)"})
		RelayRateLimited = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_rate_limited_total", Help: "Deliveries that hit a 429 and were dropped after backoff"})
		ExportsStarted = promauto.NewCounter(prometheus.CounterOpts{Name: "archive_exports_started_total", Help: "Export runs started"})
		ExportsSucceeded = promauto.NewCounter(prometheus.CounterOpts{Name: "archive_exports_succeeded_total", Help: "Export runs completed and delivered (or retained locally)"})
		ExportsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "archive_exports_failed_total", Help: "Export runs that aborted"})
		AvatarFetches = promauto.NewCounter(prometheus.CounterOpts{Name: "archive_avatar_fetches_total", Help: "Distinct author avatar fetches performed"})
		AvatarFallbacks = promauto.NewCounter(prometheus.CounterOpts{Name: "archive_avatar_fallbacks_total", Help: "Avatar fetches that fell back to the placeholder"})
		DeliveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "relay_delivery_duration_seconds", Help: "Webhook delivery duration seconds", Buckets: prometheus.DefBuckets})
		ExportDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "archive_export_duration_seconds", Help: "Full export run duration seconds", Buckets: []float64{1, 5, 15, 60, 300, 900, 3600}})
		RelayQueueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "relay_queue_depth", Help: "Messages currently waiting in the relay queue"})
	})
}

// SetRelayQueueDepth records the current relay queue backlog.
func SetRelayQueueDepth(n int) {
	if RelayQueueDepthGauge != nil {
		RelayQueueDepthGauge.Set(float64(n))
	}
}

// CounterValue reads a counter's current value for status reporting. Returns
// 0 when metrics are not initialized.
func CounterValue(c prometheus.Counter) float64 {
	if c == nil {
		return 0
	}
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

// TimeFunc measures the duration of fn and records it in obs if non-nil.
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

// WithCorrelation returns a context carrying the given correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns the correlation id or an empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger annotated with the context's correlation id.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
