package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()

	m.Transition("assign")
	m.Transition("assign")
	m.Transition("approve")
	m.Distribution(decimal.RequireFromString("8500.00"))
	m.SlotConflict()
	m.TierChange("1")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.transitions.WithLabelValues("assign")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.distributions))
	assert.Equal(t, 8500.0, testutil.ToFloat64(m.distributed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.slotConflicts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tierChanges.WithLabelValues("1")))
}

func TestNilMetricsAreNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Transition("assign")
		m.Distribution(decimal.NewFromInt(1))
		m.SlotConflict()
		m.TierChange("2")
	})
}

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.SlotConflict()

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "dispatch_slot_conflicts_total 1"))
}
