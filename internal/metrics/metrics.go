// Package metrics exports sync health and drain outcomes to Prometheus.
package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mmynk/splitledger/internal/oplog"
	"github.com/mmynk/splitledger/internal/syncer"
)

const namespace = "splitledger"

// HealthSource reads the current sync health. *oplog.Log implements it.
type HealthSource interface {
	Health(ctx context.Context) (oplog.Health, error)
}

var _ syncer.Recorder = (*Metrics)(nil)

// Metrics records drain outcomes and reports queue health on every scrape.
type Metrics struct {
	outcomes *prometheus.CounterVec
	drains   *prometheus.HistogramVec
	health   *healthCollector
}

// New creates the metrics and registers them with reg.
func New(reg prometheus.Registerer, source HealthSource, logger *slog.Logger) (*Metrics, error) {
	if logger == nil {
		logger = slog.Default()
	}

	m := &Metrics{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "outcomes_total",
			Help:      "Operation records processed, by outcome (APPLIED or failure kind).",
		}, []string{"kind"}),
		drains: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "drain_duration_seconds",
			Help:      "Duration of ProcessAll calls that ran a drain.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
		}, []string{"result"}),
		health: newHealthCollector(source, logger),
	}

	for _, c := range []prometheus.Collector{m.outcomes, m.drains, m.health} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// RecordOutcome counts one processed record.
func (m *Metrics) RecordOutcome(outcome string) {
	m.outcomes.WithLabelValues(outcome).Inc()
}

// RecordDrain observes one drain.
func (m *Metrics) RecordDrain(d time.Duration, report syncer.DrainReport) {
	result := "complete"
	if report.Halted != "" {
		result = "halted"
	}
	m.drains.WithLabelValues(result).Observe(d.Seconds())
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// healthCollector reads the operation log at scrape time, so the exported
// gauges can never disagree with the log.
type healthCollector struct {
	source  HealthSource
	logger  *slog.Logger
	timeout time.Duration

	pending    *prometheus.Desc
	failed     *prometheus.Desc
	authFailed *prometheus.Desc
	oldest     *prometheus.Desc
	up         *prometheus.Desc
}

func newHealthCollector(source HealthSource, logger *slog.Logger) *healthCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "sync", name), help, nil, nil)
	}

	return &healthCollector{
		source:     source,
		logger:     logger,
		timeout:    5 * time.Second,
		pending:    desc("pending_operations", "Records waiting to be sent."),
		failed:     desc("failed_operations", "Dead-lettered records awaiting a user decision."),
		authFailed: desc("auth_failed_operations", "Records rejected for authentication reasons."),
		oldest:     desc("oldest_pending_age_seconds", "Age of the oldest pending record."),
		up:         desc("health_up", "Whether the last health read succeeded."),
	}
}

func (c *healthCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.pending
	ch <- c.failed
	ch <- c.authFailed
	ch <- c.oldest
	ch <- c.up
}

func (c *healthCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	h, err := c.source.Health(ctx)
	if err != nil {
		c.logger.Warn("Reading sync health", "error", err)
		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 0)
		return
	}

	ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 1)
	ch <- prometheus.MustNewConstMetric(c.pending, prometheus.GaugeValue, float64(h.PendingCount))
	ch <- prometheus.MustNewConstMetric(c.failed, prometheus.GaugeValue, float64(h.FailedCount))
	ch <- prometheus.MustNewConstMetric(c.authFailed, prometheus.GaugeValue, float64(h.AuthFailedCount))
	ch <- prometheus.MustNewConstMetric(c.oldest, prometheus.GaugeValue, float64(h.OldestPendingAgeMillis)/1000)
}
