package main

import (
	"context"
	"fmt"

	"github.com/R3E-Network/service_layer/internal/events"
	"github.com/R3E-Network/service_layer/internal/greeks"
	"github.com/R3E-Network/service_layer/internal/indicators"
	"github.com/R3E-Network/service_layer/internal/moneyness"
)

// noopGreeksCalculator is the default Greeks boundary adapter: pricing
// happens in the risk engine this service does not own, so until that
// client is wired in, recompute surfaces a clear error rather than
// fabricating numbers.
type noopGreeksCalculator struct{}

func (noopGreeksCalculator) CalculateSingle(ctx context.Context, instrumentID string, md events.MarketData) (greeks.Greeks, error) {
	return nil, fmt.Errorf("greeks calculator not configured: %s", instrumentID)
}

func (noopGreeksCalculator) CalculateBulk(ctx context.Context, underlying string, instrumentIDs []string) (map[string]greeks.Greeks, error) {
	return nil, fmt.Errorf("greeks calculator not configured: %s", underlying)
}

// noopBarProvider is the default indicator bar-history boundary adapter.
type noopBarProvider struct{}

func (noopBarProvider) Bars(ctx context.Context, instrumentID string, tf indicators.Timeframe, lookback int) ([]indicators.Bar, error) {
	return nil, fmt.Errorf("bar provider not configured: %s", instrumentID)
}

// noopIndicatorCalculator is the default indicator-math boundary adapter.
type noopIndicatorCalculator struct{}

func (noopIndicatorCalculator) Calc(ctx context.Context, kind indicators.Kind, bars []indicators.Bar, params indicators.Params) (map[string]float64, error) {
	return nil, fmt.Errorf("indicator calculator not configured: %s", kind)
}

// noopChainProvider is the default option-chain boundary adapter.
type noopChainProvider struct{}

func (noopChainProvider) Strikes(ctx context.Context, underlying string) ([]moneyness.Strike, error) {
	return nil, fmt.Errorf("chain provider not configured: %s", underlying)
}

// noopPricingProvider is the default pricing boundary adapter.
type noopPricingProvider struct{}

func (noopPricingProvider) Value(ctx context.Context, underlying string, strike moneyness.Strike, spot float64) (moneyness.Valuation, error) {
	return moneyness.Valuation{}, fmt.Errorf("pricing provider not configured: %s", underlying)
}

// processLoadSampler reports this process's application-level load
// counters. Connection/thread/queue-depth tracking hang off the consumer
// and admin server once wired; until then it reports a quiescent instance.
type processLoadSampler struct{}

func (processLoadSampler) Sample(ctx context.Context) (connections, threads, queueDepth int, requestsPerMin, processingRate float64, err error) {
	return 0, 0, 0, 0, 0, nil
}
