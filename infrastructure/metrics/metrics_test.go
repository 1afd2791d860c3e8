package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNew(t *testing.T) {
	// Use a custom registry for testing to avoid conflicts
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("test-service", reg)

	if m == nil {
		t.Fatal("Expected metrics instance, got nil")
	}

	if m.RequestsTotal == nil {
		t.Error("RequestsTotal should not be nil")
	}
	if m.RequestDuration == nil {
		t.Error("RequestDuration should not be nil")
	}
	if m.ErrorsTotal == nil {
		t.Error("ErrorsTotal should not be nil")
	}
}

func TestRecordHTTPRequest(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("test-service", reg)

	// Should not panic
	m.RecordHTTPRequest("test-service", "GET", "/health", "200", 100*time.Millisecond)
	m.RecordHTTPRequest("test-service", "GET", "/health", "503", 50*time.Millisecond)
}

func TestRecordError(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("test-service", reg)

	// Should not panic
	m.RecordError("test-service", "store_unavailable", "invalidate")
	m.RecordError("test-service", "partial_failure", "coordinate")
}

func TestRecordInvalidation(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("test-service", reg)

	m.RecordInvalidation("greeks", 12, 5*time.Millisecond, nil)
	m.RecordInvalidation("indicators", 0, 2*time.Millisecond, errors.New("context deadline exceeded"))
}

func TestRecordCoordinationAndParticipant(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("test-service", reg)

	m.RecordCoordination("instrument_update", 20*time.Millisecond)
	m.RecordParticipant("greeks", "success")
	m.RecordParticipant("indicators", "panic")
}

func TestRecordEventConsumedAndLag(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("test-service", reg)

	m.RecordEventConsumed("instrument_update", "ack")
	m.RecordEventConsumed("chain_rebalance", "dead_letter")
	m.SetEventLag(250 * time.Millisecond)
}

func TestRecordModeTransition(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("test-service", reg)

	m.RecordModeTransition("disabled", "shadow", "manual")
	m.RecordModeTransition("shadow", "active", "match_rate_threshold")
}

func TestRecordShadowComparison(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("test-service", reg)

	m.RecordShadowComparison(true, 0.98)
	m.RecordShadowComparison(false, 0.95)
}

func TestSetInstanceLoadScoreAndActiveInstances(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("test-service", reg)

	m.SetInstanceLoadScore("instance-1", 42.5)
	m.SetActiveInstances(3)
}

func TestRecordSLAViolation(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("test-service", reg)

	m.RecordSLAViolation("coordination_latency", "major")
	m.RecordSLAViolation("hit_rate", "critical")
}

func TestUpdateUptime(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("test-service", reg)
	startTime := time.Now().Add(-1 * time.Hour)

	// Should not panic
	m.UpdateUptime(startTime)
}

func TestInFlightCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("test-service", reg)

	// Should not panic
	m.IncrementInFlight()
	m.IncrementInFlight()
	m.DecrementInFlight()
	m.DecrementInFlight()
}

func TestNewWithRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("test-service", reg)

	if m == nil {
		t.Fatal("Expected metrics instance, got nil")
	}

	// Verify metrics are registered
	metricFamilies, err := reg.Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}

	if len(metricFamilies) == 0 {
		t.Error("Expected metrics to be registered")
	}
}
