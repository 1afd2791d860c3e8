// Package mode implements the tri-state integration mode machine that
// gates whether lookups run against the legacy path, the new registry
// path, or both (shadow), per spec §4.9.
package mode

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/R3E-Network/service_layer/infrastructure/metrics"
	"github.com/R3E-Network/service_layer/infrastructure/resilience"
	"github.com/R3E-Network/service_layer/internal/sla"
)

// State is one of the three integration modes.
type State int32

const (
	StateDisabled State = iota
	StateShadow
	StateActive
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateShadow:
		return "shadow"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

// Counters accumulates the rolling-window signals that drive automatic
// transitions. Callers feed it from the shadow comparator and the
// registry client; the machine resets it on every transition.
type Counters struct {
	mu sync.Mutex

	shadowMatches int
	shadowTotal   int
	registryLatencySamples []float64
	registryErrorCount     int
}

func (c *Counters) recordShadow(matched bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shadowTotal++
	if matched {
		c.shadowMatches++
	}
}

func (c *Counters) recordRegistryLatency(ms float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registryLatencySamples = append(c.registryLatencySamples, ms)
}

func (c *Counters) recordRegistryError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registryErrorCount++
}

func (c *Counters) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shadowMatches = 0
	c.shadowTotal = 0
	c.registryLatencySamples = nil
	c.registryErrorCount = 0
}

func (c *Counters) matchRate() (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shadowTotal == 0 {
		return 0, false
	}
	return float64(c.shadowMatches) / float64(c.shadowTotal), true
}

func (c *Counters) p95Latency() (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.registryLatencySamples)
	if n == 0 {
		return 0, false
	}
	sorted := append([]float64(nil), c.registryLatencySamples...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	idx := int(float64(n) * 0.95)
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx], true
}

func (c *Counters) errorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registryErrorCount
}

// Machine is the Integration Mode Machine (C9). Reads of the current mode
// are lock-free (atomic.Int32).
type Machine struct {
	state    atomic.Int32
	counters Counters
	breaker  *resilience.CircuitBreaker
	sla      *sla.Monitor
	metrics  *metrics.Metrics
}

// New constructs a Machine starting in StateShadow, per spec §4.9.
func New(breaker *resilience.CircuitBreaker, slaMonitor *sla.Monitor, m *metrics.Metrics) *Machine {
	mm := &Machine{breaker: breaker, sla: slaMonitor, metrics: m}
	mm.state.Store(int32(StateShadow))
	return mm
}

// Mode reads the current mode without locking.
func (m *Machine) Mode() State {
	return State(m.state.Load())
}

// RecordShadowObservation feeds one shadow-comparison outcome into the
// rolling window that the shadow->active transition watches.
func (m *Machine) RecordShadowObservation(matched bool) {
	m.counters.recordShadow(matched)
	m.maybeAutoTransition()
}

// RecordRegistryLatency feeds one registry-path latency sample (ms).
func (m *Machine) RecordRegistryLatency(ms float64) {
	m.counters.recordRegistryLatency(ms)
	m.maybeAutoTransition()
}

// RecordRegistryError feeds one registry-path failure.
func (m *Machine) RecordRegistryError() {
	m.counters.recordRegistryError()
	m.maybeAutoTransition()
}

// maybeAutoTransition evaluates the automatic transition table from
// spec §4.9 against the current counters.
func (m *Machine) maybeAutoTransition() {
	if m.breaker != nil && m.breaker.State() == resilience.StateOpen && m.Mode() != StateDisabled {
		m.transition(StateDisabled, "circuit_breaker_open_persistent")
		return
	}

	switch m.Mode() {
	case StateShadow:
		matchRate, hasMatch := m.counters.matchRate()
		p95, hasLatency := m.counters.p95Latency()
		if hasMatch && hasLatency && matchRate >= 0.95 && p95 < 100 {
			m.transition(StateActive, "match_rate_and_latency_within_bounds")
		}
	case StateActive:
		if m.counters.errorCount() > 10 {
			m.transition(StateShadow, "registry_error_count_exceeded")
		}
	}
}

// SwitchMode is the explicit operator-driven transition; it is always
// permitted regardless of current state.
func (m *Machine) SwitchMode(to State, reason string) {
	m.transition(to, reason)
}

func (m *Machine) transition(to State, reason string) {
	from := m.Mode()
	if from == to {
		return
	}
	m.state.Store(int32(to))
	m.counters.reset()

	if m.metrics != nil {
		m.metrics.RecordModeTransition(from.String(), to.String(), reason)
	}
	if m.sla != nil {
		m.sla.Record(sla.Observation{
			Kind:      sla.KindModeSwitch,
			Service:   "mode_machine",
			Metadata:  map[string]string{"from": from.String(), "to": to.String(), "reason": reason},
			Timestamp: time.Now(),
		})
	}
}
