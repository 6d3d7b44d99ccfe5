// Package telemetry exposes pipeline counters to Prometheus and sets up
// OpenTelemetry tracing for API calls.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hargabyte/lwreport/internal/fetch"
	"github.com/hargabyte/lwreport/internal/store"
)

var (
	_ fetch.Observer = (*Metrics)(nil)
	_ store.Observer = (*Metrics)(nil)
)

// Metrics holds the pipeline collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	pagesFetched *prometheus.CounterVec
	records      *prometheus.CounterVec
	rowsUpserted *prometheus.CounterVec
	retries      *prometheus.CounterVec
	runs         *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec
}

// NewMetrics creates and registers the collectors.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		pagesFetched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lwreport_pages_fetched_total",
				Help: "Result pages fetched from the API",
			},
			[]string{"object_type"},
		),
		records: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lwreport_records_total",
				Help: "Raw records received from the API",
			},
			[]string{"object_type"},
		),
		rowsUpserted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lwreport_rows_upserted_total",
				Help: "Rows passed to the store, by outcome",
			},
			[]string{"table", "op"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lwreport_fetch_retries_total",
				Help: "Retried API requests, by reason",
			},
			[]string{"object_type", "reason"},
		),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lwreport_runs_total",
				Help: "Finished report runs, by status",
			},
			[]string{"report", "status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lwreport_run_duration_seconds",
				Help:    "Wall time of a report run",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"report"},
		),
	}

	collectors := []prometheus.Collector{
		m.pagesFetched,
		m.records,
		m.rowsUpserted,
		m.retries,
		m.runs,
		m.runDuration,
	}
	for _, c := range collectors {
		if err := m.registry.Register(c); err != nil {
			return nil, fmt.Errorf("registering collector: %w", err)
		}
	}
	return m, nil
}

// PageFetched implements fetch.Observer.
func (m *Metrics) PageFetched(objectType string, records int) {
	m.pagesFetched.WithLabelValues(objectType).Inc()
	m.records.WithLabelValues(objectType).Add(float64(records))
}

// Retried implements fetch.Observer.
func (m *Metrics) Retried(objectType, reason string) {
	m.retries.WithLabelValues(objectType, reason).Inc()
}

// RowsUpserted implements store.Observer.
func (m *Metrics) RowsUpserted(table, op string, n int) {
	if n <= 0 {
		return
	}
	m.rowsUpserted.WithLabelValues(table, op).Add(float64(n))
}

// RunFinished records the outcome and duration of one report run.
func (m *Metrics) RunFinished(report, status string, d time.Duration) {
	m.runs.WithLabelValues(report, status).Inc()
	m.runDuration.WithLabelValues(report).Observe(d.Seconds())
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	logger.Info("metrics listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
