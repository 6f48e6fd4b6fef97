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
	ScriptedFired     prometheus.Counter
	ScriptedDropped   prometheus.Counter
	ScriptedSkipped   prometheus.Counter
	LiveMessages      prometheus.Counter
	PinToggles        prometheus.Counter
	BroadcastsTotal   prometheus.Counter
	DeliveryFailures  prometheus.Counter
	SchedulingPasses  prometheus.Counter
	ArchivesWritten   prometheus.Counter
	PurgesRun         prometheus.Counter

	// Histograms (seconds)
	FanoutDuration prometheus.Observer
	FiringSkew     prometheus.Observer

	// Gauges
	ConnectionsGauge  prometheus.Gauge
	PendingJobsGauge  prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		ScriptedFired = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_scripted_fired_total", Help: "Number of scripted comment jobs fired"})
		ScriptedDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_scripted_dropped_total", Help: "Number of scenario entries dropped because their fire time had already passed at registration"})
		ScriptedSkipped = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_scripted_skipped_total", Help: "Number of scripted firings skipped because the message was already injected"})
		LiveMessages = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_live_messages_total", Help: "Number of live messages accepted"})
		PinToggles = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_pin_toggles_total", Help: "Number of pin/unpin operations applied"})
		BroadcastsTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_broadcasts_total", Help: "Number of hub fan-out operations"})
		DeliveryFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_delivery_failures_total", Help: "Number of subscriber connections dropped for failed delivery"})
		SchedulingPasses = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_scheduling_passes_total", Help: "Number of winning scheduling claims (scenario registrations)"})
		ArchivesWritten = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_archives_written_total", Help: "Number of archive records written at end of stream"})
		PurgesRun = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_purges_total", Help: "Number of retention purges executed"})
		FanoutDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "chat_fanout_duration_seconds", Help: "Hub fan-out duration seconds", Buckets: prometheus.DefBuckets})
		FiringSkew = promauto.NewHistogram(prometheus.HistogramOpts{Name: "chat_firing_skew_seconds", Help: "Absolute difference between scheduled and actual scripted fire time", Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5}})
		ConnectionsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "chat_subscriber_connections", Help: "Current number of open subscriber connections"})
		PendingJobsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "chat_pending_jobs", Help: "Current number of registered, unfired scheduled jobs"})
	})
}

// SetConnections records the current subscriber connection count.
func SetConnections(n int) {
	if ConnectionsGauge != nil {
		ConnectionsGauge.Set(float64(n))
	}
}

// SetPendingJobs records the current scheduled-job registry size.
func SetPendingJobs(n int) {
	if PendingJobsGauge != nil {
		PendingJobsGauge.Set(float64(n))
	}
}

// ObserveFiringSkew records how far from its scheduled instant a job fired.
func ObserveFiringSkew(scheduled, actual time.Time) {
	if FiringSkew == nil {
		return
	}
	d := actual.Sub(scheduled)
	if d < 0 {
		d = -d
	}
	FiringSkew.Observe(d.Seconds())
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

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
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
