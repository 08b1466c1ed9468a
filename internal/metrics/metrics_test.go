package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/keypool-system/internal/model"
)

func TestMetrics_Counters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveIngest(model.TierOneDay, 3, 2)
	m.ObserveAssign(model.TierOneDay, AssignCreated)
	m.ObserveAssign(model.TierOneDay, AssignCreated)
	m.ObserveAssign(model.TierSevenDays, AssignOutOfStock)
	m.ObserveRemoval(model.TierOneDay)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.keysIngested.WithLabelValues("1 day", "added")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.keysIngested.WithLabelValues("1 day", "duplicate")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.assignments.WithLabelValues("1 day", AssignCreated)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.assignments.WithLabelValues("7 days", AssignOutOfStock)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.keysRemoved.WithLabelValues("1 day")))
}

func TestMetrics_Handler(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveRequest(http.MethodGet, http.StatusOK, 10*time.Millisecond)
	m.ObserveAssign(model.TierThirtyDays, AssignReplayed)

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	body, err := io.ReadAll(rr.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "keypool_assignments_total")
	assert.Contains(t, string(body), "keypool_http_request_duration_seconds")
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveIngest(model.TierOneDay, 1, 1)
		m.ObserveAssign(model.TierOneDay, AssignCreated)
		m.ObserveRedrive(model.TierOneDay, AssignCreated)
		m.ObserveRemoval(model.TierOneDay)
		m.ObserveRequest(http.MethodGet, http.StatusOK, time.Second)
	})
}
