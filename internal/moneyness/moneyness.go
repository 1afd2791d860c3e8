// Package moneyness recomputes option moneyness and category indexes when
// an underlying's spot price moves, choosing between a selective
// narrow-strike refresh and a full-chain refresh per spec §4.6.
package moneyness

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/R3E-Network/service_layer/infrastructure/logging"
	"github.com/R3E-Network/service_layer/internal/store"
)

// Category buckets moneyness by distance from at-the-money.
type Category string

const (
	CategoryDeepOTM Category = "deep_otm"
	CategoryOTM     Category = "otm"
	CategoryATM     Category = "atm"
	CategoryITM     Category = "itm"
	CategoryDeepITM Category = "deep_itm"
)

// Classify buckets a moneyness ratio into a Category per spec §4.6's
// bands: <0.8, [0.8,0.95), [0.95,1.05], (1.05,1.2], >1.2.
func Classify(ratio float64) Category {
	switch {
	case ratio < 0.8:
		return CategoryDeepOTM
	case ratio < 0.95:
		return CategoryOTM
	case ratio <= 1.05:
		return CategoryATM
	case ratio <= 1.2:
		return CategoryITM
	default:
		return CategoryDeepITM
	}
}

// Strike is one option strike on a chain.
type Strike struct {
	Price  float64
	Expiry string
}

// Valuation is what PricingProvider computes for one strike at the
// current spot.
type Valuation struct {
	IntrinsicValue float64
	TimeValue      float64
}

// PricingProvider supplies the intrinsic/time value split for a strike;
// moneyness itself is computed locally from spot/strike.
type PricingProvider interface {
	Value(ctx context.Context, underlying string, strike Strike, spot float64) (Valuation, error)
}

// ChainProvider lists the strikes on an underlying's chain.
type ChainProvider interface {
	Strikes(ctx context.Context, underlying string) ([]Strike, error)
}

const (
	selectiveCeilingPct = 2.0 // above this, full-chain refresh
	noopCeilingPct      = 0.5 // at or below this, do nothing
	atmLowerBound       = 0.95
	atmUpperBound       = 1.05

	liveTTL  = 60 * time.Second
	chainTTL = 5 * time.Minute
)

// Entry is one recomputed strike's cached state.
type Entry struct {
	Strike         float64
	Moneyness      float64
	Category       Category
	IntrinsicValue float64
	TimeValue      float64
}

// Result is what the Moneyness participant reports back to the
// Coordinator.
type Result struct {
	Underlying string
	Refreshed  []Entry
	FullChain  bool
	Success    bool
	Err        error
}

// Service is the Moneyness Refresh Service (C6).
type Service struct {
	store   store.Store
	chain   ChainProvider
	pricing PricingProvider
	logger  *logging.Logger
}

// New constructs a Service.
func New(s store.Store, chain ChainProvider, pricing PricingProvider, logger *logging.Logger) *Service {
	return &Service{store: s, chain: chain, pricing: pricing, logger: logger}
}

// OnSpotUpdate is the C6 entry point for a spot-price tick. prevSpot may
// be zero when there is no known previous price, in which case a
// full-chain refresh is always performed.
func (s *Service) OnSpotUpdate(ctx context.Context, underlying string, newSpot, prevSpot float64) Result {
	if prevSpot == 0 {
		return s.refresh(ctx, underlying, newSpot, nil)
	}

	changePct := math.Abs(newSpot-prevSpot) / prevSpot * 100
	if changePct <= noopCeilingPct {
		return Result{Underlying: underlying, Success: true}
	}

	if changePct > selectiveCeilingPct {
		return s.refresh(ctx, underlying, newSpot, nil)
	}

	lower := newSpot * (1 - changePct/200)
	upper := newSpot * (1 + changePct/200)
	return s.refresh(ctx, underlying, newSpot, func(strike float64) bool {
		if strike >= lower && strike <= upper {
			return true
		}
		ratio := newSpot / strike
		return ratio >= atmLowerBound && ratio <= atmUpperBound
	})
}

// OnChainRebalance always performs a full-chain refresh.
func (s *Service) OnChainRebalance(ctx context.Context, underlying string, newSpot float64) Result {
	return s.refresh(ctx, underlying, newSpot, nil)
}

// refresh recomputes every strike for which include returns true (or the
// entire chain when include is nil), writing both the per-strike live
// entry and the per-category chain index.
func (s *Service) refresh(ctx context.Context, underlying string, spot float64, include func(strike float64) bool) Result {
	strikes, err := s.chain.Strikes(ctx, underlying)
	if err != nil {
		return Result{Underlying: underlying, Success: false, Err: err}
	}

	categoryIndex := make(map[string]map[Category][]float64)
	var entries []Entry

	for _, strike := range strikes {
		if include != nil && !include(strike.Price) {
			continue
		}

		val, err := s.pricing.Value(ctx, underlying, strike, spot)
		if err != nil {
			return Result{Underlying: underlying, Refreshed: entries, FullChain: include == nil, Success: false, Err: err}
		}

		ratio := spot / strike.Price
		cat := Classify(ratio)
		entry := Entry{
			Strike:         strike.Price,
			Moneyness:      ratio,
			Category:       cat,
			IntrinsicValue: val.IntrinsicValue,
			TimeValue:      val.TimeValue,
		}
		entries = append(entries, entry)

		if err := s.writeLive(ctx, underlying, entry); err != nil {
			return Result{Underlying: underlying, Refreshed: entries, FullChain: include == nil, Success: false, Err: err}
		}

		if categoryIndex[strike.Expiry] == nil {
			categoryIndex[strike.Expiry] = make(map[Category][]float64)
		}
		categoryIndex[strike.Expiry][cat] = append(categoryIndex[strike.Expiry][cat], strike.Price)
	}

	for expiry, byCategory := range categoryIndex {
		for cat, strikesInCat := range byCategory {
			if err := s.writeCategoryIndex(ctx, underlying, expiry, cat, strikesInCat); err != nil {
				return Result{Underlying: underlying, Refreshed: entries, FullChain: include == nil, Success: false, Err: err}
			}
		}
	}

	return Result{Underlying: underlying, Refreshed: entries, FullChain: include == nil, Success: true}
}

func (s *Service) writeLive(ctx context.Context, underlying string, e Entry) error {
	key := fmt.Sprintf("moneyness:%s:%v:latest", underlying, e.Strike)
	return s.store.SetWithTTL(ctx, key, encodeEntry(e), liveTTL)
}

func (s *Service) writeCategoryIndex(ctx context.Context, underlying, expiry string, cat Category, strikes []float64) error {
	key := fmt.Sprintf("moneyness_category:%s:%s:%s", underlying, expiry, cat)
	return s.store.SetWithTTL(ctx, key, encodeStrikes(strikes), chainTTL)
}
