package metrics

import "time"

// Engine creation outcomes.
const (
	OutcomeOK        = "ok"
	OutcomeTimeout   = "timeout"
	OutcomeCancelled = "cancelled"
	OutcomeFailed    = "failed"
)

// BrokerMetrics holds the broker's metrics. A nil *BrokerMetrics is valid
// and records nothing.
type BrokerMetrics struct {
	registry *Registry

	EngineCreates      map[string]*Counter
	EngineCreateTime   *Histogram
	FocusChanges       *Counter
	GlobalEngineSwitch *Counter
	ProtocolViolations *Counter
	LiveEngines        *Gauge
	InputContexts      *Gauge
}

// NewBrokerMetrics registers the broker metrics in registry.
func NewBrokerMetrics(registry *Registry) *BrokerMetrics {
	m := &BrokerMetrics{
		registry:      registry,
		EngineCreates: make(map[string]*Counter),
		EngineCreateTime: registry.Histogram(
			"engine_create_seconds",
			"Time from engine request to proxy ready",
			nil, nil,
		),
		FocusChanges: registry.Counter(
			"focus_changes_total",
			"Focused input context changes",
			nil,
		),
		GlobalEngineSwitch: registry.Counter(
			"global_engine_changes_total",
			"Global engine name changes",
			nil,
		),
		ProtocolViolations: registry.Counter(
			"protocol_violations_total",
			"Unrecognized or malformed engine signals",
			nil,
		),
		LiveEngines: registry.Gauge(
			"engines",
			"Engine proxies alive",
			nil,
		),
		InputContexts: registry.Gauge(
			"input_contexts",
			"Input contexts alive",
			nil,
		),
	}
	for _, o := range []string{OutcomeOK, OutcomeTimeout, OutcomeCancelled, OutcomeFailed} {
		m.EngineCreates[o] = registry.Counter(
			"engine_creates_total",
			"Engine creation requests by outcome",
			Labels{"outcome": o},
		)
	}
	return m
}

// EngineCreated records the outcome of one creation request.
func (m *BrokerMetrics) EngineCreated(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	if c, ok := m.EngineCreates[outcome]; ok {
		c.Inc()
	}
	m.EngineCreateTime.ObserveDuration(took)
}

// FocusChanged counts one focus change.
func (m *BrokerMetrics) FocusChanged() {
	if m != nil {
		m.FocusChanges.Inc()
	}
}

// GlobalEngineChanged counts one global engine change.
func (m *BrokerMetrics) GlobalEngineChanged() {
	if m != nil {
		m.GlobalEngineSwitch.Inc()
	}
}

// ProtocolViolation counts one bad engine signal.
func (m *BrokerMetrics) ProtocolViolation() {
	if m != nil {
		m.ProtocolViolations.Inc()
	}
}

// EngineAlive adjusts the live engine gauge by delta.
func (m *BrokerMetrics) EngineAlive(delta int64) {
	if m != nil {
		m.LiveEngines.value.Add(delta)
	}
}

// ContextAlive adjusts the live input context gauge by delta.
func (m *BrokerMetrics) ContextAlive(delta int64) {
	if m != nil {
		m.InputContexts.value.Add(delta)
	}
}
