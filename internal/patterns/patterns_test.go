package patterns

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/service_layer/internal/events"
)

func TestRegistry_Deterministic(t *testing.T) {
	r := NewRegistry()
	sel := Selector{Selective: false}

	a := r.Derive(events.KindInstrumentUpdate, "NSE:RELIANCE", sel)
	b := r.Derive(events.KindInstrumentUpdate, "NSE:RELIANCE", sel)

	assert.Equal(t, a.Order, b.Order)
	assert.Equal(t, a.Patterns, b.Patterns)
}

func TestRegistry_InstrumentUpdate_Families(t *testing.T) {
	r := NewRegistry()
	spec := r.Derive(events.KindInstrumentUpdate, "NSE:RELIANCE", Selector{})

	assert.ElementsMatch(t, []Family{FamilyGreeks, FamilyIndicators, FamilyMoneyness, FamilyMarketData}, spec.Order)
	assert.Contains(t, spec.Patterns[FamilyGreeks], "greeks:NSE:RELIANCE:*")
	assert.Contains(t, spec.Patterns[FamilyMarketData], "market_data:NSE:RELIANCE:realtime")
}

func TestRegistry_ChainRebalance_Families(t *testing.T) {
	r := NewRegistry()
	spec := r.Derive(events.KindChainRebalance, "NIFTY", Selector{})

	assert.ElementsMatch(t, []Family{FamilyChainData, FamilyMoneyness, FamilyGreeks, FamilyIndicators}, spec.Order)
	assert.Contains(t, spec.Patterns[FamilyChainData], "chain:NIFTY:*")
	assert.Contains(t, spec.Patterns[FamilyChainData], "strikes:NIFTY:*")
	assert.Contains(t, spec.Patterns[FamilyChainData], "oi_volume:NIFTY:*")
	assert.Contains(t, spec.Patterns[FamilyMoneyness], "moneyness:chain:NIFTY:*")
	assert.Contains(t, spec.Patterns[FamilyGreeks], "greeks:chain:NIFTY:*")
}

func TestRegistry_SubscriptionChange_OnlyUserData(t *testing.T) {
	r := NewRegistry()
	spec := r.Derive(events.KindSubscriptionChange, "u-123", Selector{})

	require.Equal(t, []Family{FamilyUserData}, spec.Order)
	assert.Contains(t, spec.Patterns[FamilyUserData], "user_signals:u-123:*")
	assert.Contains(t, spec.Patterns[FamilyUserData], "user_portfolio:u-123:*")
	assert.Contains(t, spec.Patterns[FamilyUserData], "user_preferences:u-123:*")
	assert.Contains(t, spec.Patterns[FamilyUserData], "user_subscriptions:u-123:*")
}

func TestRegistry_SelectiveNarrowsFull(t *testing.T) {
	r := NewRegistry()
	full := r.Derive(events.KindChainRebalance, "NIFTY", Selector{Selective: false})
	selective := r.Derive(events.KindChainRebalance, "NIFTY", Selector{Selective: true, CurrentHour: 14})

	require.Equal(t, full.Order, selective.Order)
	for _, fam := range full.Order {
		fullPats := full.Patterns[fam]
		selPats := selective.Patterns[fam]
		require.Equal(t, len(fullPats), len(selPats), "family %s", fam)
		for i, fp := range fullPats {
			sp := selPats[i]
			if fp == sp {
				// Exact (non-wildcard) patterns are identical in both modes.
				continue
			}
			assert.Truef(t, len(sp) > len(fp) && sp[:len(fp)-1] == fp[:len(fp)-1],
				"selective pattern %q should narrow full pattern %q", sp, fp)
		}
	}
}

func TestRegistry_ExpiryRollover(t *testing.T) {
	r := NewRegistry()
	spec := r.Derive(events.KindExpiryRollover, "NIFTY", Selector{})

	assert.ElementsMatch(t, []Family{FamilyChainData, FamilyGreeks}, spec.Order)
}
