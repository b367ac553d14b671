package metrics

import (
	"bytes"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryReturnsExistingMetric(t *testing.T) {
	r := NewRegistry("imbroker")
	a := r.Counter("x_total", "x", Labels{"k": "v"})
	b := r.Counter("x_total", "x", Labels{"k": "v"})
	c := r.Counter("x_total", "x", Labels{"k": "w"})

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
}

func TestWritePrometheus(t *testing.T) {
	r := NewRegistry("imbroker")
	r.Counter("requests_total", "Requests", Labels{"outcome": "ok"}).Add(3)
	r.Counter("requests_total", "Requests", Labels{"outcome": "failed"}).Inc()
	g := r.Gauge("engines", "Engines", nil)
	g.Inc()
	g.Inc()
	g.Dec()
	h := r.Histogram("latency_seconds", "Latency", nil, []float64{0.1, 1})
	h.Observe(0.05)
	h.Observe(0.1)
	h.Observe(5)

	var buf bytes.Buffer
	require.NoError(t, r.WritePrometheus(&buf))
	out := buf.String()

	assert.Equal(t, 1, strings.Count(out, "# TYPE imbroker_requests_total counter"))
	assert.Contains(t, out, `imbroker_requests_total{outcome="ok"} 3`)
	assert.Contains(t, out, `imbroker_requests_total{outcome="failed"} 1`)
	assert.Contains(t, out, "imbroker_engines 1")
	assert.Contains(t, out, `imbroker_latency_seconds_bucket{le="0.1"} 2`)
	assert.Contains(t, out, `imbroker_latency_seconds_bucket{le="1"} 2`)
	assert.Contains(t, out, `imbroker_latency_seconds_bucket{le="+Inf"} 3`)
	assert.Contains(t, out, "imbroker_latency_seconds_count 3")
}

func TestBrokerMetrics(t *testing.T) {
	r := NewRegistry("imbroker")
	m := NewBrokerMetrics(r)

	m.EngineCreated(OutcomeOK, 20*time.Millisecond)
	m.EngineCreated(OutcomeTimeout, 5*time.Second)
	m.EngineCreated("bogus", time.Millisecond)
	m.FocusChanged()
	m.ProtocolViolation()
	m.EngineAlive(2)
	m.EngineAlive(-1)

	assert.Equal(t, uint64(1), m.EngineCreates[OutcomeOK].Value())
	assert.Equal(t, uint64(1), m.EngineCreates[OutcomeTimeout].Value())
	assert.Equal(t, uint64(3), m.EngineCreateTime.Count())
	assert.Equal(t, uint64(1), m.FocusChanges.Value())
	assert.Equal(t, uint64(1), m.ProtocolViolations.Value())
	assert.Equal(t, int64(1), m.LiveEngines.Value())

	rec := httptest.NewRecorder()
	r.HTTPHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "imbroker_focus_changes_total 1")
}

func TestNilBrokerMetrics(t *testing.T) {
	var m *BrokerMetrics
	assert.NotPanics(t, func() {
		m.EngineCreated(OutcomeOK, time.Second)
		m.FocusChanged()
		m.GlobalEngineChanged()
		m.ProtocolViolation()
		m.EngineAlive(1)
		m.ContextAlive(1)
	})
}
