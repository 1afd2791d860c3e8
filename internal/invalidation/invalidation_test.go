package invalidation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/service_layer/internal/patterns"
	"github.com/R3E-Network/service_layer/internal/store"
)

func seedKeys(t *testing.T, s store.Store, keys ...string) {
	t.Helper()
	for _, k := range keys {
		require.NoError(t, s.SetWithTTL(context.Background(), k, []byte("v"), 0))
	}
}

func TestEngine_Invalidate_DeletesMatchingKeys(t *testing.T) {
	s := store.NewMemoryStore()
	seedKeys(t, s,
		"greeks:NSE:RELIANCE:delta:1",
		"greeks:NSE:RELIANCE:gamma:1",
		"greeks:NSE:TCS:delta:1",
	)

	spec := patterns.NewPatternSpec()
	spec.Order = []patterns.Family{patterns.FamilyGreeks}
	spec.Patterns = map[patterns.Family][]string{
		patterns.FamilyGreeks: {"greeks:NSE:RELIANCE:*"},
	}

	e := New(s, DefaultConfig(), nil, nil)
	result := e.Invalidate(context.Background(), spec)

	assert.EqualValues(t, 2, result.InvalidatedKeys)
	assert.Equal(t, []patterns.Family{patterns.FamilyGreeks}, result.FamiliesTouched)
	assert.Empty(t, result.PartialFailures)

	_, exists, err := s.Get(context.Background(), "greeks:NSE:TCS:delta:1")
	require.NoError(t, err)
	assert.True(t, exists, "unrelated key should survive")
}

func TestEngine_Invalidate_Idempotent(t *testing.T) {
	s := store.NewMemoryStore()
	seedKeys(t, s, "chain:NIFTY:strikes:19500")

	spec := patterns.NewPatternSpec()
	spec.Order = []patterns.Family{patterns.FamilyChainData}
	spec.Patterns = map[patterns.Family][]string{
		patterns.FamilyChainData: {"chain:NIFTY:*"},
	}

	e := New(s, DefaultConfig(), nil, nil)
	first := e.Invalidate(context.Background(), spec)
	second := e.Invalidate(context.Background(), spec)

	assert.EqualValues(t, 1, first.InvalidatedKeys)
	assert.EqualValues(t, 0, second.InvalidatedKeys, "second pass finds nothing left to delete")
	assert.Empty(t, second.PartialFailures)
}

func TestEngine_Invalidate_EmptyScanIsSuccess(t *testing.T) {
	s := store.NewMemoryStore()

	spec := patterns.NewPatternSpec()
	spec.Order = []patterns.Family{patterns.FamilyGreeks}
	spec.Patterns = map[patterns.Family][]string{
		patterns.FamilyGreeks: {"greeks:NONEXISTENT:*"},
	}

	e := New(s, DefaultConfig(), nil, nil)
	result := e.Invalidate(context.Background(), spec)

	assert.EqualValues(t, 0, result.InvalidatedKeys)
	assert.Empty(t, result.PartialFailures)
	assert.Equal(t, "", result.Fatal)
}

func TestEngine_Invalidate_SequentialWhenMaxConcurrentFamiliesIsOne(t *testing.T) {
	s := store.NewMemoryStore()
	seedKeys(t, s, "greeks:A:latest", "indicators:A:rsi:1m")

	spec := patterns.NewPatternSpec()
	spec.Order = []patterns.Family{patterns.FamilyGreeks, patterns.FamilyIndicators}
	spec.Patterns = map[patterns.Family][]string{
		patterns.FamilyGreeks:     {"greeks:A:*"},
		patterns.FamilyIndicators: {"indicators:A:*"},
	}

	e := New(s, Config{MaxConcurrentFamilies: 1, BatchSize: 1000}, nil, nil)
	result := e.Invalidate(context.Background(), spec)

	assert.EqualValues(t, 2, result.InvalidatedKeys)
	assert.ElementsMatch(t, []patterns.Family{patterns.FamilyGreeks, patterns.FamilyIndicators}, result.FamiliesTouched)
}

func TestEngine_Invalidate_IsolatesPerFamilyFailure(t *testing.T) {
	s := store.NewMemoryStore()
	seedKeys(t, s, "user_signals:u-1:alerts")

	spec := patterns.NewPatternSpec()
	spec.Order = []patterns.Family{patterns.FamilyUserData, patterns.FamilyGreeks}
	spec.Patterns = map[patterns.Family][]string{
		patterns.FamilyUserData: {"user_signals:u-1:*"},
		patterns.FamilyGreeks:   {""}, // invalid pattern forces a failure in this family only
	}

	e := New(s, DefaultConfig(), nil, nil)
	result := e.Invalidate(context.Background(), spec)

	assert.Contains(t, result.PartialFailures, patterns.FamilyGreeks)
	assert.NotContains(t, result.PartialFailures, patterns.FamilyUserData)
	assert.EqualValues(t, 1, result.InvalidatedKeys)
}

func TestEngine_Invalidate_MeasuresDuration(t *testing.T) {
	s := store.NewMemoryStore()
	spec := patterns.NewPatternSpec()
	spec.Order = []patterns.Family{patterns.FamilyGreeks}
	spec.Patterns = map[patterns.Family][]string{patterns.FamilyGreeks: {"greeks:*"}}

	e := New(s, DefaultConfig(), nil, nil)
	result := e.Invalidate(context.Background(), spec)
	assert.GreaterOrEqual(t, result.Duration, time.Duration(0))
}
