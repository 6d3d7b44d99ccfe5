package telemetry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hargabyte/lwreport/internal/config"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestMetricsExposesCounters(t *testing.T) {
	m, err := NewMetrics()
	require.NoError(t, err)

	m.PageFetched("AlertRules", 100)
	m.PageFetched("AlertRules", 37)
	m.Retried("AlertRules", "rate_limited")
	m.RowsUpserted("r_alert-rules", "inserted", 237)
	m.RowsUpserted("r_alert-rules", "updated", 0)
	m.RunFinished("alert-rules", "success", 3*time.Second)

	body := scrape(t, m)
	assert.Contains(t, body, `lwreport_pages_fetched_total{object_type="AlertRules"} 2`)
	assert.Contains(t, body, `lwreport_records_total{object_type="AlertRules"} 137`)
	assert.Contains(t, body, `lwreport_fetch_retries_total{object_type="AlertRules",reason="rate_limited"} 1`)
	assert.Contains(t, body, `lwreport_rows_upserted_total{op="inserted",table="r_alert-rules"} 237`)
	assert.NotContains(t, body, `op="updated"`)
	assert.Contains(t, body, `lwreport_runs_total{report="alert-rules",status="success"} 1`)
	assert.Contains(t, body, `lwreport_run_duration_seconds_count{report="alert-rules"} 1`)
}

func TestMetricsRegistriesAreIndependent(t *testing.T) {
	a, err := NewMetrics()
	require.NoError(t, err)
	b, err := NewMetrics()
	require.NoError(t, err)

	a.PageFetched("Alerts", 5)
	assert.NotContains(t, scrape(t, b), `object_type="Alerts"`)
}

func TestSetupTracingWithoutEndpoint(t *testing.T) {
	tr, err := SetupTracing(context.Background(), config.TelemetryConfig{}, "test")
	require.NoError(t, err)
	assert.False(t, tr.Enabled())
	assert.NoError(t, tr.Shutdown(context.Background()))

	_, span := tr.Tracer("test").Start(context.Background(), "noop")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
}
