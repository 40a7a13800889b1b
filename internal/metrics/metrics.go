// Package metrics exposes the pipeline's Prometheus instrumentation: a gauge
// per event status refreshed from the database on an interval.
package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/renkulab/kg-pipeline/internal/events"
)

// DefaultRefreshInterval paces the gauge refresh queries.
const DefaultRefreshInterval = 15 * time.Second

type (
	// StatusCounter supplies the per-status event counts.
	StatusCounter interface {
		CountPerStatus(ctx context.Context) (map[events.Status]int, error)
	}

	// Collector refreshes the per-status gauges from the event store.
	Collector struct {
		counter  StatusCounter
		gauge    *prometheus.GaugeVec
		registry *prometheus.Registry
		interval time.Duration
		logger   *slog.Logger
	}
)

// NewCollector creates a collector with its own Prometheus registry, so tests
// can run several side by side.
func NewCollector(counter StatusCounter, logger *slog.Logger) *Collector {
	registry := prometheus.NewRegistry()

	gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "kg_pipeline",
		Name:      "events_in_status",
		Help:      "Number of events currently in each status.",
	}, []string{"status"})

	registry.MustRegister(gauge)

	return &Collector{
		counter:  counter,
		gauge:    gauge,
		registry: registry,
		interval: DefaultRefreshInterval,
		logger:   logger,
	}
}

// Handler returns the /metrics HTTP handler.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Run refreshes the gauges until the context is cancelled.
func (c *Collector) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Refresh(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.Refresh(ctx)
		}
	}
}

// Refresh loads the current counts into the gauges. Statuses with no events
// are reset to zero so a drained status does not keep its last value.
func (c *Collector) Refresh(ctx context.Context) {
	counts, err := c.counter.CountPerStatus(ctx)
	if err != nil {
		c.logger.Error("failed to refresh status gauges", slog.String("error", err.Error()))

		return
	}

	for _, status := range events.AllStatuses() {
		c.gauge.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
