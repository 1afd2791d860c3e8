// Package coordinator fans one event out to its participants and
// aggregates their results with error isolation: no participant's
// failure aborts its siblings.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/R3E-Network/service_layer/infrastructure/logging"
	"github.com/R3E-Network/service_layer/internal/events"
	"github.com/R3E-Network/service_layer/internal/sla"
)

// Participant is one named unit of work fanned out for an event.
type Participant string

const (
	ParticipantEnhancedCache Participant = "enhanced_cache"
	ParticipantGreeks        Participant = "greeks"
	ParticipantIndicators    Participant = "indicators"
	ParticipantMoneyness     Participant = "moneyness"
	ParticipantInvalidation  Participant = "invalidation"
)

// participantSets maps an event kind to the ordered participant list
// invoked for it, per spec §4.7.
var participantSets = map[events.Kind][]Participant{
	events.KindInstrumentUpdate: {
		ParticipantEnhancedCache, ParticipantGreeks, ParticipantIndicators, ParticipantMoneyness,
	},
	events.KindChainRebalance: {
		ParticipantInvalidation, ParticipantMoneyness, ParticipantGreeks, ParticipantIndicators,
	},
	events.KindSubscriptionChange: {
		ParticipantInvalidation,
	},
}

// Handler runs one participant's work for an event and reports whether it
// succeeded. Handlers must recover their own panics; Dispatch also wraps
// every call in a recover boundary as a last resort.
type Handler func(ctx context.Context, ev events.Event) ParticipantOutcome

// ParticipantOutcome is one participant's verdict for one event.
type ParticipantOutcome struct {
	Participant Participant
	Success     bool
	Err         error
	Detail      interface{}
}

// Result aggregates every participant's outcome for one Dispatch call.
type Result struct {
	EventKind            events.Kind
	EntityRef            string
	PerParticipantResult []ParticipantOutcome
	ParticipantsSucceeded int
	DurationMs           float64
	CoordinationSuccess  bool
}

// Coordinator is C7: it fans events out to registered participant
// handlers and aggregates the outcomes.
type Coordinator struct {
	handlers map[Participant]Handler
	sla      *sla.Monitor
	logger   *logging.Logger
}

// New constructs a Coordinator. Register handlers with Register before
// calling Dispatch.
func New(slaMonitor *sla.Monitor, logger *logging.Logger) *Coordinator {
	return &Coordinator{handlers: make(map[Participant]Handler), sla: slaMonitor, logger: logger}
}

// Register wires a participant's handler.
func (c *Coordinator) Register(p Participant, h Handler) {
	c.handlers[p] = h
}

// Dispatch is the single public operation per event kind described in
// spec §4.7: build the participant list for ev.Kind, launch each with its
// own panic/error isolation, gather all results, and record one
// coordination-latency SLA observation.
func (c *Coordinator) Dispatch(ctx context.Context, ev events.Event) Result {
	start := time.Now()

	participants := participantSets[ev.Kind]
	results := make([]ParticipantOutcome, len(participants))

	var wg sync.WaitGroup
	for i, p := range participants {
		handler, ok := c.handlers[p]
		if !ok {
			results[i] = ParticipantOutcome{Participant: p, Success: false, Err: errNoHandler(p)}
			continue
		}
		wg.Add(1)
		go func(i int, p Participant, h Handler) {
			defer wg.Done()
			results[i] = c.runIsolated(ctx, p, h, ev)
		}(i, p, handler)
	}
	wg.Wait()

	succeeded := 0
	for _, r := range results {
		if r.Success {
			succeeded++
		}
	}

	duration := time.Since(start)
	result := Result{
		EventKind:             ev.Kind,
		EntityRef:             ev.EntityRef,
		PerParticipantResult:  results,
		ParticipantsSucceeded: succeeded,
		DurationMs:            float64(duration.Microseconds()) / 1000.0,
		CoordinationSuccess:   succeeded >= 1,
	}

	if c.sla != nil {
		c.sla.Record(sla.Observation{
			Kind:      sla.KindCoordinationLatency,
			Service:   "coordinator",
			ValueMs:   result.DurationMs,
			Metadata:  map[string]string{"services_count": itoa(len(participants))},
			Timestamp: time.Now(),
		})
	}

	return result
}

// runIsolated calls h and converts a panic into a failed outcome, so one
// participant's bug never takes down Dispatch's goroutine.
func (c *Coordinator) runIsolated(ctx context.Context, p Participant, h Handler, ev events.Event) (outcome ParticipantOutcome) {
	defer func() {
		if r := recover(); r != nil {
			if c.logger != nil {
				c.logger.LogCoordination(ctx, string(p), false, panicErr(r))
			}
			outcome = ParticipantOutcome{Participant: p, Success: false, Err: panicErr(r)}
		}
	}()
	outcome = h(ctx, ev)
	outcome.Participant = p
	if c.logger != nil {
		c.logger.LogCoordination(ctx, string(p), outcome.Success, outcome.Err)
	}
	return outcome
}
