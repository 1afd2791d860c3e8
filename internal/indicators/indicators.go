// Package indicators coordinates the technical-indicator cache: it maps a
// market-data delta to affected (kind, timeframe) pairs, invalidates them,
// and recomputes in dependency order with bounded concurrency.
package indicators

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/R3E-Network/service_layer/infrastructure/logging"
	"github.com/R3E-Network/service_layer/internal/events"
	"github.com/R3E-Network/service_layer/internal/store"
)

// Kind identifies an indicator calculation.
type Kind string

const (
	KindMovingAverage  Kind = "moving_average"
	KindVolatility     Kind = "volatility"
	KindBollingerBands Kind = "bollinger_bands"
	KindRSI            Kind = "rsi"
	KindMACD           Kind = "macd"
	KindStochastic     Kind = "stochastic"
	KindVolumeProfile  Kind = "volume_profile"
	KindMomentum       Kind = "momentum"
)

// recomputeOrder is the deterministic dependency order from spec §4.5.
var recomputeOrder = []Kind{
	KindMovingAverage, KindVolatility, KindBollingerBands, KindRSI,
	KindMACD, KindStochastic, KindVolumeProfile, KindMomentum,
}

// Timeframe identifies a bar aggregation window.
type Timeframe string

const (
	TF1m Timeframe = "1m"
	TF5m Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF1h Timeframe = "1h"
	TF4h Timeframe = "4h"
	TF1d Timeframe = "1d"
	TF1w Timeframe = "1w"
)

// ttlFor returns the TTL used for a cached indicator value at the given
// timeframe, per spec §4.5.
func ttlFor(tf Timeframe) time.Duration {
	switch tf {
	case TF1m:
		return 60 * time.Second
	case TF5m:
		return 5 * time.Minute
	case TF15m:
		return 15 * time.Minute
	case TF1h:
		return time.Hour
	case TF4h:
		return 4 * time.Hour
	case TF1d:
		return 24 * time.Hour
	case TF1w:
		return 7 * 24 * time.Hour
	default:
		return time.Minute
	}
}

// Impact is the output of impact analysis: the set of indicator kinds and
// timeframes affected by one market-data delta.
type Impact struct {
	Kinds      map[Kind]struct{}
	Timeframes map[Timeframe]struct{}
}

func newImpact() Impact {
	return Impact{Kinds: make(map[Kind]struct{}), Timeframes: make(map[Timeframe]struct{})}
}

func (i *Impact) addTimeframes(tfs ...Timeframe) {
	for _, tf := range tfs {
		i.Timeframes[tf] = struct{}{}
	}
}

func (i *Impact) addKinds(ks ...Kind) {
	for _, k := range ks {
		i.Kinds[k] = struct{}{}
	}
}

// analyzeImpact implements the price/volume/vol banding from spec §4.5.
func analyzeImpact(prev, md events.MarketData) Impact {
	impact := newImpact()

	if md.HasSpot && prev.HasSpot && prev.Spot != 0 {
		changePct := math.Abs(md.Spot-prev.Spot) / prev.Spot * 100
		switch {
		case changePct >= 5:
			impact.addTimeframes(TF1m, TF5m, TF15m, TF1h, TF4h, TF1d, TF1w)
		case changePct >= 2:
			impact.addTimeframes(TF1m, TF5m, TF15m, TF1h, TF4h, TF1d)
		case changePct >= 1:
			impact.addTimeframes(TF1m, TF5m, TF15m, TF1h)
		case changePct >= 0.5:
			impact.addTimeframes(TF1m, TF5m)
		}
		if changePct >= 0.5 {
			impact.addKinds(KindMovingAverage)
		}
	}

	if md.HasVolume && prev.HasVolume && prev.Volume != 0 {
		if md.Volume/prev.Volume > 2 {
			impact.addKinds(KindVolumeProfile, KindRSI, KindStochastic, KindMomentum)
		}
	}

	if md.HasImpliedVol && prev.HasImpliedVol && prev.ImpliedVol != 0 {
		changePct := math.Abs(md.ImpliedVol-prev.ImpliedVol) / prev.ImpliedVol * 100
		if changePct > 10 {
			impact.addKinds(KindVolatility, KindBollingerBands)
		}
	}

	return impact
}

// Bar is one OHLCV sample.
type Bar struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// BarProvider fetches historical bars for an instrument/timeframe.
type BarProvider interface {
	Bars(ctx context.Context, instrumentID string, tf Timeframe, lookback int) ([]Bar, error)
}

// Params is a calculator parameter set; ParamSignature produces the
// lexicographically-sorted "k1_v1_k2_v2" string used in cache keys.
type Params map[string]string

// ParamSignature renders p as the closed-form param_signature grammar from
// spec §6.
func (p Params) ParamSignature() string {
	if len(p) == 0 {
		return "default"
	}
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sortStrings(keys)
	parts := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		parts = append(parts, k, p[k])
	}
	return strings.Join(parts, "_")
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// DefaultParams returns the default period set for kind, scaled down on
// ≤5m timeframes and up on ≥1w timeframes per spec §4.5.
func DefaultParams(kind Kind, tf Timeframe) Params {
	base := Params{}
	switch kind {
	case KindMovingAverage:
		base["period"] = "20"
	case KindRSI:
		base["period"] = "14"
	case KindBollingerBands:
		base["period"] = "20"
		base["stddev"] = "2"
	case KindMACD:
		base["period"] = "26"
	case KindStochastic:
		base["period"] = "14"
	}

	if period, ok := base["period"]; ok {
		base["period"] = scalePeriod(period, tf)
	}
	return base
}

// scalePeriod halves the period on the shortest timeframes and doubles it
// on the longest, clamped to a minimum of 2 bars.
func scalePeriod(period string, tf Timeframe) string {
	n, err := strconv.Atoi(period)
	if err != nil {
		return period
	}
	switch tf {
	case TF1m, TF5m:
		n /= 2
		if n < 2 {
			n = 2
		}
	case TF1w:
		n *= 2
	}
	return strconv.Itoa(n)
}

// Calculator computes one indicator value from historical bars.
type Calculator interface {
	Calc(ctx context.Context, kind Kind, bars []Bar, params Params) (map[string]float64, error)
}

// Config tunes recomputation concurrency.
type Config struct {
	MaxConcurrentTasks int
}

// DefaultConfig matches the core's stated default.
func DefaultConfig() Config { return Config{MaxConcurrentTasks: 3} }

// ParticipantResult is what the indicators participant reports to the
// Coordinator.
type ParticipantResult struct {
	InstrumentID string
	Invalidated  []string
	Recomputed   []string
	Success      bool
	Err          error
}

// Coordinator is the Indicator Cache Coordinator (C5).
type Coordinator struct {
	store  store.Store
	bars   BarProvider
	calc   Calculator
	cfg    Config
	logger *logging.Logger
}

// New constructs a Coordinator.
func New(s store.Store, bars BarProvider, calc Calculator, cfg Config, logger *logging.Logger) *Coordinator {
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = 3
	}
	return &Coordinator{store: s, bars: bars, calc: calc, cfg: cfg, logger: logger}
}

// OnInstrumentUpdate is the C5 entry point for a single-instrument tick.
func (c *Coordinator) OnInstrumentUpdate(ctx context.Context, instrumentID string, prev, md events.MarketData) ParticipantResult {
	impact := analyzeImpact(prev, md)
	return c.apply(ctx, instrumentID, impact)
}

// OnChainRebalance fans the same impact analysis and recompute pipeline
// out across every instrument on the chain.
func (c *Coordinator) OnChainRebalance(ctx context.Context, underlying string, instrumentIDs []string) []ParticipantResult {
	results := make([]ParticipantResult, len(instrumentIDs))
	for i, id := range instrumentIDs {
		impact := newImpact()
		impact.addKinds(recomputeOrder...)
		impact.addTimeframes(TF1m, TF5m, TF15m, TF1h)
		results[i] = c.apply(ctx, id, impact)
	}
	return results
}

func (c *Coordinator) apply(ctx context.Context, instrumentID string, impact Impact) ParticipantResult {
	if len(impact.Kinds) == 0 || len(impact.Timeframes) == 0 {
		return ParticipantResult{InstrumentID: instrumentID, Success: true}
	}

	var invalidated []string
	for kind := range impact.Kinds {
		for tf := range impact.Timeframes {
			pattern := fmt.Sprintf("indicators:%s:%s:%s:*", instrumentID, kind, tf)
			it, err := c.store.ScanPattern(ctx, pattern, 1000)
			if err != nil {
				continue
			}
			var batch []string
			for it.Next(ctx) {
				batch = append(batch, it.Key())
			}
			if len(batch) > 0 {
				if _, err := c.store.DeleteMany(ctx, batch...); err == nil {
					invalidated = append(invalidated, batch...)
				}
			}
		}
	}

	recomputed, err := c.recompute(ctx, instrumentID, impact)
	return ParticipantResult{
		InstrumentID: instrumentID,
		Invalidated:  invalidated,
		Recomputed:   recomputed,
		Success:      err == nil,
		Err:          err,
	}
}

// recompute walks recomputeOrder so dependent indicators (e.g. bollinger
// bands after volatility) are computed after their inputs, bounded by
// MaxConcurrentTasks within each step.
func (c *Coordinator) recompute(ctx context.Context, instrumentID string, impact Impact) ([]string, error) {
	var mu sync.Mutex
	var written []string
	var firstErr error

	for _, kind := range recomputeOrder {
		if _, ok := impact.Kinds[kind]; !ok {
			continue
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(c.cfg.MaxConcurrentTasks)

		for tf := range impact.Timeframes {
			kind, tf := kind, tf
			g.Go(func() error {
				bars, err := c.bars.Bars(gctx, instrumentID, tf, lookbackFor(tf))
				if err != nil {
					mu.Lock()
					firstErr = err
					mu.Unlock()
					return nil
				}
				params := DefaultParams(kind, tf)
				values, err := c.calc.Calc(gctx, kind, bars, params)
				if err != nil {
					mu.Lock()
					firstErr = err
					mu.Unlock()
					return nil
				}
				key := fmt.Sprintf("indicators:%s:%s:%s:%s", instrumentID, kind, tf, params.ParamSignature())
				payload := encodeValues(values)
				if err := c.store.SetWithTTL(gctx, key, payload, ttlFor(tf)); err != nil {
					mu.Lock()
					firstErr = err
					mu.Unlock()
					return nil
				}
				mu.Lock()
				written = append(written, key)
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
	}

	return written, firstErr
}

func lookbackFor(tf Timeframe) int {
	switch tf {
	case TF1m, TF5m:
		return 200
	case TF15m, TF1h:
		return 100
	default:
		return 50
	}
}
