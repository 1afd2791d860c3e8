// Package greeks manages the Greeks cache: it decides whether a cached
// Greeks snapshot for an instrument is stale relative to new market data,
// selectively invalidates the affected subfamilies, and dispatches
// recomputation to a pluggable calculator.
package greeks

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/R3E-Network/service_layer/infrastructure/logging"
	"github.com/R3E-Network/service_layer/internal/events"
	"github.com/R3E-Network/service_layer/internal/store"
)

// Thresholds configures the should_recalc decision procedure.
type Thresholds struct {
	SpotChangePct      float64 // e.g. 0.005 for 0.5%
	VolChangePct       float64 // e.g. 0.05 for 5%
	DaysToExpiry       float64 // e.g. 7
	DeltaChange        float64 // e.g. 0.05
	LiveTTL            time.Duration
}

// DefaultThresholds matches the core's stated defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		SpotChangePct: 0.005,
		VolChangePct:  0.05,
		DaysToExpiry:  7,
		DeltaChange:   0.05,
		LiveTTL:       60 * time.Second,
	}
}

// Tag names one of the reasons a recalculation was triggered.
type Tag string

const (
	TagSpot              Tag = "spot"
	TagVol               Tag = "vol"
	TagExpiryApproaching Tag = "expiry_approaching"
	TagStale             Tag = "stale"
	TagDeltaShift        Tag = "delta_shift"
)

// Snapshot is the subset of a previously cached Greeks entry the decision
// procedure needs. Everything else about the payload is opaque to this
// package.
type Snapshot struct {
	Spot         float64
	Vol          float64
	Delta        float64
	TimestampAt  time.Time
	TimeToExpiry float64 // days
}

// FreshnessContext is the computed diff between a Snapshot and new market
// data, per spec §3.
type FreshnessContext struct {
	SpotChangePct     float64
	VolChangePct      float64
	TimeToExpiryDays  float64
	CacheAgeSeconds   float64
	DeltaChange       float64
	RecalcRequired    bool
	ExpiryApproaching bool
	Tags              []Tag
}

// Priority is the coordination priority a participant reports back.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
)

// Greeks is the opaque numeric payload a calculator produces for one
// instrument.
type Greeks map[string]float64

// Calculator computes Greeks. Implementations may call out to a pricing
// engine; both methods may block on I/O.
type Calculator interface {
	CalculateSingle(ctx context.Context, instrumentID string, md events.MarketData) (Greeks, error)
	CalculateBulk(ctx context.Context, underlying string, instrumentIDs []string) (map[string]Greeks, error)
}

// Result is what the Greeks participant reports back to the Coordinator.
type Result struct {
	InstrumentID          string
	CacheInvalidated      bool
	RecalculationTriggered bool
	Priority              Priority
	Tags                  []Tag
	Success               bool
	Err                   error
}

// Manager is the Greeks Cache Manager (C4).
type Manager struct {
	store      store.Store
	calc       Calculator
	thresholds Thresholds
	logger     *logging.Logger
}

// New constructs a Manager.
func New(s store.Store, calc Calculator, thresholds Thresholds, logger *logging.Logger) *Manager {
	return &Manager{store: s, calc: calc, thresholds: thresholds, logger: logger}
}

// shouldRecalc implements the decision procedure from spec §4.4. prev is
// nil when there is no cached entry, in which case recalculation is always
// required.
func (m *Manager) shouldRecalc(prev *Snapshot, md events.MarketData, now time.Time) FreshnessContext {
	if prev == nil {
		return FreshnessContext{RecalcRequired: true, Tags: []Tag{TagStale}}
	}

	ctx := FreshnessContext{}

	if md.HasSpot && prev.Spot != 0 {
		ctx.SpotChangePct = math.Abs(md.Spot-prev.Spot) / prev.Spot
		if ctx.SpotChangePct > m.thresholds.SpotChangePct {
			ctx.Tags = append(ctx.Tags, TagSpot)
		}
	}
	if md.HasImpliedVol && prev.Vol != 0 {
		ctx.VolChangePct = math.Abs(md.ImpliedVol-prev.Vol) / prev.Vol
		if ctx.VolChangePct > m.thresholds.VolChangePct {
			ctx.Tags = append(ctx.Tags, TagVol)
		}
	}
	if md.HasTimeToExpiry {
		ctx.TimeToExpiryDays = md.TimeToExpiry
		if ctx.TimeToExpiryDays < m.thresholds.DaysToExpiry {
			ctx.ExpiryApproaching = true
			ctx.Tags = append(ctx.Tags, TagExpiryApproaching)
		}
	}

	ctx.CacheAgeSeconds = now.Sub(prev.TimestampAt).Seconds()
	if now.Sub(prev.TimestampAt) > m.thresholds.LiveTTL {
		ctx.Tags = append(ctx.Tags, TagStale)
	}

	if md.HasDelta && prev.Delta != 0 {
		ctx.DeltaChange = math.Abs(md.Delta - prev.Delta)
		if ctx.DeltaChange > m.thresholds.DeltaChange {
			ctx.Tags = append(ctx.Tags, TagDeltaShift)
		}
	}

	ctx.RecalcRequired = len(ctx.Tags) > 0
	return ctx
}

// selectiveSubfamilies maps the tags set by shouldRecalc to the subfamily
// glob patterns that must be invalidated, per spec §4.4.
func selectiveSubfamilies(id string, tags []Tag) []string {
	pats := []string{
		fmt.Sprintf("greeks:%s:live", id),
		fmt.Sprintf("greeks:%s:current", id),
	}
	for _, tag := range tags {
		switch tag {
		case TagSpot:
			pats = append(pats, fmt.Sprintf("greeks:%s:delta:*", id), fmt.Sprintf("greeks:%s:gamma:*", id))
		case TagVol:
			pats = append(pats, fmt.Sprintf("greeks:%s:sensitivity:*", id), fmt.Sprintf("greeks:%s:scenarios:*", id))
		case TagExpiryApproaching:
			pats = append(pats, fmt.Sprintf("greeks:%s:theta:*", id), fmt.Sprintf("greeks:%s:time_series:*", id))
		}
	}
	return pats
}

// OnInstrumentUpdate is the C4 entry point for a single-instrument market
// data tick.
func (m *Manager) OnInstrumentUpdate(ctx context.Context, instrumentID string, md events.MarketData) Result {
	prev, err := m.loadSnapshot(ctx, instrumentID)
	if err != nil {
		return Result{InstrumentID: instrumentID, Success: false, Err: err}
	}

	fc := m.shouldRecalc(prev, md, time.Now())
	if !fc.RecalcRequired {
		return Result{InstrumentID: instrumentID, Success: true, Priority: PriorityNormal}
	}

	for _, pat := range selectiveSubfamilies(instrumentID, fc.Tags) {
		it, err := m.store.ScanPattern(ctx, pat, 1000)
		if err != nil {
			continue
		}
		var keys []string
		for it.Next(ctx) {
			keys = append(keys, it.Key())
		}
		if len(keys) > 0 {
			_, _ = m.store.DeleteMany(ctx, keys...)
		}
	}

	priority := PriorityNormal
	if fc.ExpiryApproaching {
		priority = PriorityHigh
	}

	g, err := m.calc.CalculateSingle(ctx, instrumentID, md)
	if err != nil {
		return Result{
			InstrumentID:     instrumentID,
			CacheInvalidated: true,
			Priority:         priority,
			Tags:             fc.Tags,
			Success:          false,
			Err:              err,
		}
	}

	if err := m.writeGreeks(ctx, instrumentID, "latest", g); err != nil {
		return Result{InstrumentID: instrumentID, Success: false, Err: err}
	}

	return Result{
		InstrumentID:           instrumentID,
		CacheInvalidated:       true,
		RecalculationTriggered: true,
		Priority:               priority,
		Tags:                   fc.Tags,
		Success:                true,
	}
}

// bulkThreshold is the chain-size cutoff above which OnChainRebalance
// prefers a vectorized bulk calculation over per-instrument calls.
const bulkThreshold = 5

// OnChainRebalance is the C4 entry point for a chain-wide rebalance.
func (m *Manager) OnChainRebalance(ctx context.Context, underlying string, instrumentIDs []string) Result {
	for _, pat := range []string{
		fmt.Sprintf("greeks:chain:%s:*", underlying),
		fmt.Sprintf("greeks:bulk:%s:*", underlying),
	} {
		it, err := m.store.ScanPattern(ctx, pat, 1000)
		if err != nil {
			continue
		}
		var batch []string
		for it.Next(ctx) {
			batch = append(batch, it.Key())
		}
		if len(batch) > 0 {
			_, _ = m.store.DeleteMany(ctx, batch...)
		}
	}

	if len(instrumentIDs) > bulkThreshold {
		results, err := m.calc.CalculateBulk(ctx, underlying, instrumentIDs)
		if err != nil {
			return Result{InstrumentID: underlying, CacheInvalidated: true, Success: false, Err: err}
		}
		for id, g := range results {
			_ = m.writeGreeks(ctx, id, "bulk", g)
		}
		return Result{InstrumentID: underlying, CacheInvalidated: true, RecalculationTriggered: true, Success: true}
	}

	allOK := true
	for _, id := range instrumentIDs {
		r := m.OnInstrumentUpdate(ctx, id, events.MarketData{})
		if !r.Success {
			allOK = false
		}
	}
	return Result{InstrumentID: underlying, CacheInvalidated: true, RecalculationTriggered: true, Success: allOK}
}

func (m *Manager) writeGreeks(ctx context.Context, instrumentID, variant string, g Greeks) error {
	payload := encodeEnvelope(time.Now(), g)

	if err := m.store.SetWithTTL(ctx, fmt.Sprintf("greeks:%s:latest", instrumentID), payload, 60*time.Second); err != nil {
		return err
	}
	if err := m.store.SetWithTTL(ctx, fmt.Sprintf("greeks:%s:%s", instrumentID, variant), payload, 60*time.Second); err != nil {
		return err
	}
	historyKey := fmt.Sprintf("greeks:%s:timestamp:%d", instrumentID, time.Now().Unix())
	return m.store.SetWithTTL(ctx, historyKey, payload, 0)
}

// loadSnapshot reads the cached greeks:{id}:latest entry, if any, and
// extracts the Snapshot fields the decision procedure needs.
func (m *Manager) loadSnapshot(ctx context.Context, instrumentID string) (*Snapshot, error) {
	raw, exists, err := m.store.Get(ctx, fmt.Sprintf("greeks:%s:latest", instrumentID))
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}
	return decodeSnapshot(raw), nil
}
