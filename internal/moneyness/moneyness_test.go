package moneyness

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/service_layer/internal/store"
)

type stubChain struct {
	strikes []Strike
}

func (c *stubChain) Strikes(ctx context.Context, underlying string) ([]Strike, error) {
	return c.strikes, nil
}

type stubPricing struct{}

func (stubPricing) Value(ctx context.Context, underlying string, strike Strike, spot float64) (Valuation, error) {
	intrinsic := spot - strike.Price
	if intrinsic < 0 {
		intrinsic = 0
	}
	return Valuation{IntrinsicValue: intrinsic, TimeValue: 1.5}, nil
}

func niftyChain() *stubChain {
	return &stubChain{strikes: []Strike{
		{Price: 15000, Expiry: "2026-08-28"},
		{Price: 18000, Expiry: "2026-08-28"},
		{Price: 19000, Expiry: "2026-08-28"},
		{Price: 19300, Expiry: "2026-08-28"},
		{Price: 19500, Expiry: "2026-08-28"},
		{Price: 19700, Expiry: "2026-08-28"},
		{Price: 20000, Expiry: "2026-08-28"},
		{Price: 24000, Expiry: "2026-08-28"},
	}}
}

func TestClassify_Bands(t *testing.T) {
	assert.Equal(t, CategoryDeepOTM, Classify(0.79))
	assert.Equal(t, CategoryOTM, Classify(0.85))
	assert.Equal(t, CategoryATM, Classify(1.0))
	assert.Equal(t, CategoryITM, Classify(1.1))
	assert.Equal(t, CategoryDeepITM, Classify(1.3))
}

func TestOnSpotUpdate_SmallMoveIsNoop(t *testing.T) {
	s := store.NewMemoryStore()
	svc := New(s, niftyChain(), stubPricing{}, nil)

	r := svc.OnSpotUpdate(context.Background(), "NIFTY", 19505, 19500)
	assert.True(t, r.Success)
	assert.Empty(t, r.Refreshed)
}

func TestOnSpotUpdate_ModerateMoveIsSelective(t *testing.T) {
	s := store.NewMemoryStore()
	svc := New(s, niftyChain(), stubPricing{}, nil)

	// ~1.03% move -> selective mode
	r := svc.OnSpotUpdate(context.Background(), "NIFTY", 19700, 19500)
	require.True(t, r.Success)
	assert.False(t, r.FullChain)
	assert.NotEmpty(t, r.Refreshed)
	assert.Less(t, len(r.Refreshed), len(niftyChain().strikes), "selective mode should not touch every strike")
}

func TestOnSpotUpdate_LargeMoveIsFullChain(t *testing.T) {
	s := store.NewMemoryStore()
	chain := niftyChain()
	svc := New(s, chain, stubPricing{}, nil)

	r := svc.OnSpotUpdate(context.Background(), "NIFTY", 20200, 19500)
	require.True(t, r.Success)
	assert.True(t, r.FullChain)
	assert.Len(t, r.Refreshed, len(chain.strikes))
}

func TestOnSpotUpdate_NoPriorSpotIsFullChain(t *testing.T) {
	s := store.NewMemoryStore()
	svc := New(s, niftyChain(), stubPricing{}, nil)

	r := svc.OnSpotUpdate(context.Background(), "NIFTY", 19500, 0)
	require.True(t, r.Success)
	assert.True(t, r.FullChain)
}

func TestOnSpotUpdate_WritesLiveAndCategoryIndex(t *testing.T) {
	s := store.NewMemoryStore()
	svc := New(s, niftyChain(), stubPricing{}, nil)

	r := svc.OnSpotUpdate(context.Background(), "NIFTY", 20200, 19500)
	require.True(t, r.Success)

	_, exists, err := s.Get(context.Background(), "moneyness:NIFTY:19500:latest")
	require.NoError(t, err)
	assert.True(t, exists)

	_, exists, err = s.Get(context.Background(), "moneyness_category:NIFTY:2026-08-28:atm")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestOnChainRebalance_AlwaysFullChain(t *testing.T) {
	s := store.NewMemoryStore()
	chain := niftyChain()
	svc := New(s, chain, stubPricing{}, nil)

	r := svc.OnChainRebalance(context.Background(), "NIFTY", 19500)
	assert.True(t, r.FullChain)
	assert.Len(t, r.Refreshed, len(chain.strikes))
}

func TestOnSpotUpdate_PricingFailureSurfacesError(t *testing.T) {
	s := store.NewMemoryStore()
	svc := New(s, niftyChain(), failingPricing{}, nil)

	r := svc.OnSpotUpdate(context.Background(), "NIFTY", 20200, 19500)
	assert.False(t, r.Success)
	assert.Error(t, r.Err)
}

type failingPricing struct{}

func (failingPricing) Value(ctx context.Context, underlying string, strike Strike, spot float64) (Valuation, error) {
	return Valuation{}, assertErr
}

var assertErr = errString("pricing unavailable")

type errString string

func (e errString) Error() string { return string(e) }
