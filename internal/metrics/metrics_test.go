package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotFlattensLabels(t *testing.T) {
	m := New()
	m.Requests.WithLabelValues("deny", "attacking").Add(3)
	m.Degraded.Set(1)
	m.ScoreValue.Observe(0.4)

	snap := m.Snapshot()
	assert.Equal(t, 3.0, snap["requests_total{classification=attacking,verdict=deny}"])
	assert.Equal(t, 1.0, snap["degraded"])
	assert.Equal(t, 1.0, snap["threat_score"])
	for k := range snap {
		assert.NotContains(t, k, "go_", "runtime collectors stay out of the dashboard")
	}
}

func TestInstancesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.AutoBlocks.Inc()
	assert.Equal(t, 1.0, a.Snapshot()["reputation_auto_blocks_total"])
	assert.Equal(t, 0.0, b.Snapshot()["reputation_auto_blocks_total"])
}

func TestHandlerServesText(t *testing.T) {
	m := New()
	m.BusDropped.WithLabelValues("verdict").Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), `edgeguard_bus_dropped_total{topic="verdict"} 1`)
}
