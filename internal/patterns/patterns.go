// Package patterns derives the ordered set of cache-key glob patterns that
// must be invalidated for a given upstream event. It is a pure function of
// its inputs: the same (kind, entity, selective) triple always yields the
// same PatternSpec.
package patterns

import (
	"fmt"
	"strconv"

	"github.com/R3E-Network/service_layer/internal/events"
)

// Family is one of the closed set of key families the core manages.
type Family string

const (
	FamilyGreeks      Family = "greeks"
	FamilyIndicators  Family = "indicators"
	FamilyMoneyness   Family = "moneyness"
	FamilyMarketData  Family = "market_data"
	FamilyUserData    Family = "user_data"
	FamilyChainData   Family = "chain_data"
)

// AllFamilies lists the closed family taxonomy in canonical order.
var AllFamilies = []Family{FamilyGreeks, FamilyIndicators, FamilyMoneyness, FamilyMarketData, FamilyUserData, FamilyChainData}

// PatternSpec is an ordered mapping family → glob patterns, plus the
// families in the order they should be processed by the invalidation
// engine (insertion order is preserved for locality).
type PatternSpec struct {
	Order    []Family
	Patterns map[Family][]string
}

// NewPatternSpec returns an empty spec ready to be populated in family
// order.
func NewPatternSpec() PatternSpec {
	return PatternSpec{Patterns: make(map[Family][]string)}
}

func (s *PatternSpec) add(f Family, pats ...string) {
	if _, ok := s.Patterns[f]; !ok {
		s.Order = append(s.Order, f)
	}
	s.Patterns[f] = append(s.Patterns[f], pats...)
}

// Selector carries the temporal qualifier used to narrow patterns in
// selective mode. CurrentHour should be the caller's wall-clock hour
// (0-23); it is an explicit input, never derived internally, so that
// PatternRegistry stays deterministic for a fixed input.
type Selector struct {
	Selective   bool
	CurrentHour int
}

// qualifier returns the temporal qualifier appended to a full pattern in
// selective mode: ":h" followed by CurrentHour. The ":current" and ":live"
// qualifiers are not produced.
func (s Selector) qualifier() string {
	return ":h" + strconv.Itoa(s.CurrentHour)
}

// Registry derives a PatternSpec for one event. It holds no state: all of
// its behavior is a pure function of the arguments to Derive.
type Registry struct{}

// NewRegistry constructs a Registry. It exists mainly so call sites can
// depend on an interface-shaped value rather than a bare function,
// matching how other participants are wired into the Coordinator.
func NewRegistry() *Registry { return &Registry{} }

// Derive computes the PatternSpec for one event under the given selector.
// Two calls with identical (event.Kind, event.EntityRef, selector) always
// return an equal PatternSpec.
func (r *Registry) Derive(kind events.Kind, entityRef string, sel Selector) PatternSpec {
	spec := NewPatternSpec()

	switch kind {
	case events.KindInstrumentUpdate:
		r.addGreeks(&spec, entityRef, sel)
		r.addIndicators(&spec, entityRef, sel)
		r.addMoneyness(&spec, entityRef, "", sel)
		r.addMarketData(&spec, entityRef, sel)

	case events.KindChainRebalance:
		r.addChainData(&spec, entityRef, sel)
		r.addMoneyness(&spec, "", entityRef, sel)
		r.addGreeksChain(&spec, entityRef, sel)
		r.addIndicators(&spec, entityRef, sel)

	case events.KindSubscriptionChange:
		r.addUserData(&spec, entityRef, sel)

	case events.KindExpiryRollover:
		r.addChainData(&spec, entityRef, sel)
		r.addGreeksChain(&spec, entityRef, sel)

	case events.KindMarketClose:
		r.addMarketData(&spec, entityRef, sel)
		r.addIndicators(&spec, entityRef, sel)

	case events.KindCorporateAction:
		r.addChainData(&spec, entityRef, sel)
		r.addGreeksChain(&spec, entityRef, sel)
		r.addMoneyness(&spec, "", entityRef, sel)
	}

	return spec
}

func narrow(sel Selector, full string) string {
	if !sel.Selective {
		return full
	}
	return full + sel.qualifier()
}

func (r *Registry) addGreeks(spec *PatternSpec, id string, sel Selector) {
	spec.add(FamilyGreeks,
		narrow(sel, fmt.Sprintf("greeks:%s:*", id)),
		narrow(sel, fmt.Sprintf("greeks:%s:historical:*", id)),
	)
}

func (r *Registry) addGreeksChain(spec *PatternSpec, underlying string, sel Selector) {
	spec.add(FamilyGreeks,
		narrow(sel, fmt.Sprintf("greeks:chain:%s:*", underlying)),
		narrow(sel, fmt.Sprintf("greeks:bulk:%s:*", underlying)),
	)
}

func (r *Registry) addIndicators(spec *PatternSpec, id string, sel Selector) {
	spec.add(FamilyIndicators,
		narrow(sel, fmt.Sprintf("indicators:%s:*", id)),
		narrow(sel, fmt.Sprintf("indicators:pattern:%s:*", id)),
		narrow(sel, fmt.Sprintf("indicators:signal:%s:*", id)),
	)
}

func (r *Registry) addMoneyness(spec *PatternSpec, id, underlying string, sel Selector) {
	if id != "" {
		spec.add(FamilyMoneyness, narrow(sel, fmt.Sprintf("moneyness:%s:*", id)))
	}
	if underlying != "" {
		spec.add(FamilyMoneyness,
			narrow(sel, fmt.Sprintf("moneyness:chain:%s:*", underlying)),
			narrow(sel, fmt.Sprintf("moneyness:class:%s:*", underlying)),
		)
	}
}

func (r *Registry) addMarketData(spec *PatternSpec, id string, sel Selector) {
	spec.add(FamilyMarketData,
		fmt.Sprintf("market_data:%s:realtime", id),
		narrow(sel, fmt.Sprintf("market_data:%s:quotes:*", id)),
		fmt.Sprintf("market_data:%s:depth", id),
	)
}

func (r *Registry) addUserData(spec *PatternSpec, userID string, sel Selector) {
	spec.add(FamilyUserData,
		narrow(sel, fmt.Sprintf("user_signals:%s:*", userID)),
		narrow(sel, fmt.Sprintf("user_portfolio:%s:*", userID)),
		narrow(sel, fmt.Sprintf("user_preferences:%s:*", userID)),
		narrow(sel, fmt.Sprintf("user_subscriptions:%s:*", userID)),
	)
}

func (r *Registry) addChainData(spec *PatternSpec, underlying string, sel Selector) {
	spec.add(FamilyChainData,
		narrow(sel, fmt.Sprintf("chain:%s:*", underlying)),
		narrow(sel, fmt.Sprintf("strikes:%s:*", underlying)),
		narrow(sel, fmt.Sprintf("expiries:%s:*", underlying)),
		narrow(sel, fmt.Sprintf("oi_volume:%s:*", underlying)),
	)
}
