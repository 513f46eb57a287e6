package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	m := New()

	m.AlertsFired.WithLabelValues("fire").Inc()
	m.AlertsFired.WithLabelValues("fire").Inc()
	m.DispatchFailures.WithLabelValues(StagePublish).Inc()
	m.StreamStarted()
	m.StreamStarted()
	m.StreamStopped()

	assert.EqualValues(t, 1, m.ActiveStreams())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `alert_runner_alerts_fired_total{category="fire"} 2`)
	assert.Contains(t, string(body), `alert_runner_dispatch_failures_total{stage="publish"} 1`)
	assert.Contains(t, string(body), "alert_runner_active_streams 1")
}
