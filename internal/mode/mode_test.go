package mode

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/R3E-Network/service_layer/infrastructure/resilience"
)

func TestNew_StartsInShadow(t *testing.T) {
	m := New(nil, nil, nil)
	assert.Equal(t, StateShadow, m.Mode())
}

func TestShadowToActive_OnGoodMatchRateAndLatency(t *testing.T) {
	m := New(nil, nil, nil)
	for i := 0; i < 20; i++ {
		m.RecordShadowObservation(true)
	}
	for i := 0; i < 5; i++ {
		m.RecordRegistryLatency(50)
	}
	assert.Equal(t, StateActive, m.Mode())
}

func TestShadowStaysInShadow_WhenMatchRateIsLow(t *testing.T) {
	m := New(nil, nil, nil)
	for i := 0; i < 10; i++ {
		m.RecordShadowObservation(i < 5) // 50% match rate
	}
	for i := 0; i < 5; i++ {
		m.RecordRegistryLatency(50)
	}
	assert.Equal(t, StateShadow, m.Mode())
}

func TestShadowStaysInShadow_WhenLatencyIsHigh(t *testing.T) {
	m := New(nil, nil, nil)
	for i := 0; i < 20; i++ {
		m.RecordShadowObservation(true)
	}
	for i := 0; i < 5; i++ {
		m.RecordRegistryLatency(500)
	}
	assert.Equal(t, StateShadow, m.Mode())
}

func TestActiveToShadow_OnExcessiveRegistryErrors(t *testing.T) {
	m := New(nil, nil, nil)
	m.SwitchMode(StateActive, "operator")
	for i := 0; i < 11; i++ {
		m.RecordRegistryError()
	}
	assert.Equal(t, StateShadow, m.Mode())
}

func TestActiveStaysActive_BelowErrorThreshold(t *testing.T) {
	m := New(nil, nil, nil)
	m.SwitchMode(StateActive, "operator")
	for i := 0; i < 5; i++ {
		m.RecordRegistryError()
	}
	assert.Equal(t, StateActive, m.Mode())
}

func TestCircuitBreakerOpenForcesDisabledFromAnyNonDisabledState(t *testing.T) {
	cb := resilience.New(resilience.Config{MaxFailures: 1, Timeout: time.Hour})
	_ = cb.Execute(nil, func() error { return assertErr })

	m := New(cb, nil, nil)
	m.SwitchMode(StateActive, "operator")
	m.RecordRegistryError()

	assert.Equal(t, StateDisabled, m.Mode())
}

func TestSwitchMode_ExplicitOperatorCallAlwaysWorks(t *testing.T) {
	m := New(nil, nil, nil)
	m.SwitchMode(StateDisabled, "operator_override")
	assert.Equal(t, StateDisabled, m.Mode())

	m.SwitchMode(StateActive, "operator_override")
	assert.Equal(t, StateActive, m.Mode())
}

func TestTransition_ResetsCounters(t *testing.T) {
	m := New(nil, nil, nil)
	for i := 0; i < 20; i++ {
		m.RecordShadowObservation(true)
	}
	for i := 0; i < 5; i++ {
		m.RecordRegistryLatency(50)
	}
	assert.Equal(t, StateActive, m.Mode())

	rate, ok := m.counters.matchRate()
	assert.False(t, ok, "counters should be reset after transition")
	_ = rate
}

var assertErr = errString("boom")

type errString string

func (e errString) Error() string { return string(e) }
