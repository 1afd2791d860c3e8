// Package main is the cache coordination core's process entry point: it
// wires the store, every participant, the event consumer, and the
// instance registry's background loops, then serves a small admin/health
// surface until a shutdown signal arrives.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/R3E-Network/service_layer/infrastructure/config"
	"github.com/R3E-Network/service_layer/infrastructure/logging"
	"github.com/R3E-Network/service_layer/infrastructure/metrics"
	"github.com/R3E-Network/service_layer/infrastructure/resilience"
	"github.com/R3E-Network/service_layer/infrastructure/runtime"
	"github.com/R3E-Network/service_layer/internal/consumer"
	"github.com/R3E-Network/service_layer/internal/coordinator"
	"github.com/R3E-Network/service_layer/internal/events"
	"github.com/R3E-Network/service_layer/internal/greeks"
	"github.com/R3E-Network/service_layer/internal/indicators"
	"github.com/R3E-Network/service_layer/internal/invalidation"
	"github.com/R3E-Network/service_layer/internal/mode"
	"github.com/R3E-Network/service_layer/internal/moneyness"
	"github.com/R3E-Network/service_layer/internal/patterns"
	"github.com/R3E-Network/service_layer/internal/registry"
	"github.com/R3E-Network/service_layer/internal/shadow"
	"github.com/R3E-Network/service_layer/internal/sla"
	"github.com/R3E-Network/service_layer/internal/store"
)

const serviceName = "cachecoordd"

func main() {
	logger := logging.NewFromEnv(serviceName)
	m := metrics.Init(serviceName)
	logger.Info(context.Background(), "starting", map[string]interface{}{"environment": string(runtime.Env())})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend, err := newStore(logger)
	if err != nil {
		logger.Fatal(ctx, "failed to initialize store", err)
	}
	defer backend.Close()

	slaMonitor := sla.New(sla.DefaultConfig(), m)
	modeMachine := mode.New(
		resilience.New(resilience.DefaultServiceCBConfig(logger)),
		slaMonitor,
		m,
	)

	patternRegistry := patterns.NewRegistry()
	invalidationEngine := invalidation.New(backend, invalidation.DefaultConfig(), logger, m)
	greeksManager := greeks.New(backend, noopGreeksCalculator{}, greeks.DefaultThresholds(), logger)
	indicatorCoordinator := indicators.New(backend, noopBarProvider{}, noopIndicatorCalculator{}, indicators.DefaultConfig(), logger)
	moneynessService := moneyness.New(backend, noopChainProvider{}, noopPricingProvider{}, logger)

	coord := coordinator.New(slaMonitor, logger)
	registerParticipants(coord, patternRegistry, invalidationEngine, greeksManager, indicatorCoordinator, moneynessService)

	instanceID := config.GetEnv("INSTANCE_ID", defaultInstanceID())
	instanceRegistry := registry.New(backend, processLoadSampler{}, instanceID, logger, m)

	legacyPath := func(ctx context.Context, query string) (interface{}, error) { return []string{}, nil }
	registryPath := func(ctx context.Context, query string) (interface{}, error) { return []string{}, nil }
	shadowComparator := shadow.New(legacyPath, registryPath, nil, modeMachine, shadow.DefaultConfig())

	eventConsumer := consumer.New(backend, decodeStreamEvent, func(ctx context.Context, ev events.Event) bool {
		instanceRegistry.RecordAssignment(ev.EntityRef)
		result := coord.Dispatch(ctx, ev)
		return result.CoordinationSuccess
	}, consumer.DefaultConfig(
		config.GetEnv("EVENT_STREAM", "signal_service:events"),
		config.GetEnv("EVENT_GROUP", "cachecoordd"),
		instanceID,
	), logger)

	go instanceRegistry.RunHeartbeat(ctx)
	go instanceRegistry.RunAggregateHealth(ctx)
	go func() {
		if err := eventConsumer.Run(ctx); err != nil {
			logger.Error(ctx, "consumer loop exited", err, nil)
		}
	}()

	httpServer := newAdminServer(m, modeMachine, slaMonitor, shadowComparator)
	go func() {
		logger.Info(ctx, "admin server listening", map[string]interface{}{"addr": httpServer.Addr})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal(ctx, "admin server failed", err)
		}
	}()

	waitForShutdown(ctx, cancel, httpServer, eventConsumer, logger)
}

func newStore(logger *logging.Logger) (store.Store, error) {
	addr := config.GetEnv("REDIS_ADDR", "")
	if addr == "" {
		logger.Info(context.Background(), "REDIS_ADDR not set, using in-memory store", nil)
		return store.NewMemoryStore(), nil
	}
	return store.NewRedisStore(store.RedisConfig{
		Addr:     addr,
		Password: config.GetEnv("REDIS_PASSWORD", ""),
		DB:       config.GetEnvInt("REDIS_DB", 0),
		PoolSize: config.GetEnvInt("REDIS_POOL_SIZE", 10),
	}), nil
}

func registerParticipants(
	coord *coordinator.Coordinator,
	patternRegistry *patterns.Registry,
	invalidationEngine *invalidation.Engine,
	greeksManager *greeks.Manager,
	indicatorCoordinator *indicators.Coordinator,
	moneynessService *moneyness.Service,
) {
	coord.Register(coordinator.ParticipantInvalidation, func(ctx context.Context, ev events.Event) coordinator.ParticipantOutcome {
		spec := patternRegistry.Derive(ev.Kind, ev.EntityRef, patterns.Selector{Selective: true, CurrentHour: time.Now().Hour()})
		result := invalidationEngine.Invalidate(ctx, spec)
		return coordinator.ParticipantOutcome{Success: result.Fatal == "", Detail: result}
	})

	coord.Register(coordinator.ParticipantGreeks, func(ctx context.Context, ev events.Event) coordinator.ParticipantOutcome {
		if ev.ChainSize > 0 {
			result := greeksManager.OnChainRebalance(ctx, ev.Underlying(), nil)
			return coordinator.ParticipantOutcome{Success: result.Success, Err: result.Err, Detail: result}
		}
		result := greeksManager.OnInstrumentUpdate(ctx, ev.EntityRef, marketDataOf(ev))
		return coordinator.ParticipantOutcome{Success: result.Success, Err: result.Err, Detail: result}
	})

	coord.Register(coordinator.ParticipantIndicators, func(ctx context.Context, ev events.Event) coordinator.ParticipantOutcome {
		result := indicatorCoordinator.OnInstrumentUpdate(ctx, ev.EntityRef, events.MarketData{}, marketDataOf(ev))
		return coordinator.ParticipantOutcome{Success: result.Success, Err: result.Err, Detail: result}
	})

	coord.Register(coordinator.ParticipantMoneyness, func(ctx context.Context, ev events.Event) coordinator.ParticipantOutcome {
		md := marketDataOf(ev)
		if !md.HasSpot {
			return coordinator.ParticipantOutcome{Success: true}
		}
		result := moneynessService.OnSpotUpdate(ctx, ev.Underlying(), md.Spot, md.PreviousSpot)
		return coordinator.ParticipantOutcome{Success: result.Success, Err: result.Err, Detail: result}
	})

	coord.Register(coordinator.ParticipantEnhancedCache, func(ctx context.Context, ev events.Event) coordinator.ParticipantOutcome {
		return coordinator.ParticipantOutcome{Success: true}
	})
}

func decodeStreamEvent(msg store.StreamMessage) (events.Event, error) {
	kind, ok := msg.Fields["kind"]
	if !ok {
		return events.Event{}, fmt.Errorf("stream message %s missing kind field", msg.ID)
	}
	ref := msg.Fields["entity_ref"]

	ev := events.Event{Kind: events.Kind(kind), EntityRef: ref, StreamID: msg.ID, ReceivedAt: time.Now()}
	md := events.MarketData{}
	if spot, ok := msg.Fields["spot"]; ok {
		if _, err := fmt.Sscanf(spot, "%g", &md.Spot); err == nil {
			md.HasSpot = true
		}
	}
	if prevSpot, ok := msg.Fields["prev_spot"]; ok {
		if _, err := fmt.Sscanf(prevSpot, "%g", &md.PreviousSpot); err == nil {
			md.HasPrevSpot = true
		}
	}
	if delta, ok := msg.Fields["delta"]; ok {
		if _, err := fmt.Sscanf(delta, "%g", &md.Delta); err == nil {
			md.HasDelta = true
		}
	}
	ev.MarketData = &md
	return ev, nil
}

// marketDataOf returns the event's market data payload, or a zero value if
// the upstream entry did not carry one.
func marketDataOf(ev events.Event) events.MarketData {
	if ev.MarketData == nil {
		return events.MarketData{}
	}
	return *ev.MarketData
}

func newAdminServer(m *metrics.Metrics, modeMachine *mode.Machine, slaMonitor *sla.Monitor, shadowComparator *shadow.Comparator) *http.Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":      "ok",
			"mode":        modeMachine.Mode().String(),
			"environment": string(runtime.Env()),
		})
	})

	r.Get("/sla/summary", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(slaMonitor.Summary())
	})

	r.Get("/shadow/summary", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(shadowComparator.Summary())
	})

	r.Handle("/metrics", promhttp.Handler())

	return &http.Server{
		Addr:              ":" + config.GetEnv("ADMIN_PORT", "9090"),
		Handler:           r,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func waitForShutdown(ctx context.Context, cancel context.CancelFunc, httpServer *http.Server, eventConsumer *consumer.Consumer, logger *logging.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info(ctx, "shutting down", nil)
	cancel()
	eventConsumer.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "admin server shutdown error", err, nil)
	}
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "instance-unknown"
	}
	return host
}
