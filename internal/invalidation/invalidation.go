// Package invalidation executes a PatternSpec against the store with
// bounded concurrency, batched deletes, and per-family error isolation.
package invalidation

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	svcerrors "github.com/R3E-Network/service_layer/infrastructure/errors"
	"github.com/R3E-Network/service_layer/infrastructure/logging"
	"github.com/R3E-Network/service_layer/infrastructure/metrics"
	"github.com/R3E-Network/service_layer/internal/patterns"
	"github.com/R3E-Network/service_layer/internal/store"
)

// Config tunes the engine's concurrency and batching.
type Config struct {
	MaxConcurrentFamilies int
	BatchSize             int
}

// DefaultConfig matches the core's stated defaults.
func DefaultConfig() Config {
	return Config{MaxConcurrentFamilies: 5, BatchSize: 1000}
}

// Result aggregates the outcome of one Invalidate call.
type Result struct {
	InvalidatedKeys uint
	FamiliesTouched []patterns.Family
	Duration        time.Duration
	PartialFailures []patterns.Family
	Fatal           string
}

// Engine runs PatternSpecs against a Store.
type Engine struct {
	store   store.Store
	cfg     Config
	logger  *logging.Logger
	metrics *metrics.Metrics
}

// New constructs an Engine. metrics may be nil, in which case invalidation
// metrics are not recorded (used by tests that don't set up a registry).
func New(s store.Store, cfg Config, logger *logging.Logger, m *metrics.Metrics) *Engine {
	if cfg.MaxConcurrentFamilies <= 0 {
		cfg.MaxConcurrentFamilies = 5
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	return &Engine{store: s, cfg: cfg, logger: logger, metrics: m}
}

// Invalidate runs spec's families concurrently, bounded by
// MaxConcurrentFamilies, and aggregates the result. It never returns an
// error itself: per-family failures are recorded in Result.PartialFailures.
func (e *Engine) Invalidate(ctx context.Context, spec patterns.PatternSpec) Result {
	start := time.Now()

	var mu sync.Mutex
	var invalidated uint
	var touched []patterns.Family
	var failed []patterns.Family

	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	g.SetLimit(e.cfg.MaxConcurrentFamilies)

	for _, family := range spec.Order {
		family := family
		globs := spec.Patterns[family]
		g.Go(func() error {
			famStart := time.Now()
			count, err := e.invalidateFamily(gctx, family, globs)

			mu.Lock()
			invalidated += count
			touched = append(touched, family)
			if err != nil {
				failed = append(failed, family)
			}
			mu.Unlock()

			if e.metrics != nil {
				e.metrics.RecordInvalidation(string(family), int(count), time.Since(famStart), err)
			}
			if e.logger != nil {
				e.logger.LogInvalidation(ctx, string(family), count, err)
			}
			// Per-family errors never abort siblings: errgroup would cancel
			// gctx on a non-nil return, so we swallow it here by design.
			return nil
		})
	}
	_ = g.Wait()

	return Result{
		InvalidatedKeys: invalidated,
		FamiliesTouched: touched,
		Duration:        time.Since(start),
		PartialFailures: failed,
	}
}

// invalidateFamily scans every glob in the family and deletes matching keys
// in batches, falling back to per-key deletes when a batch delete fails
// transiently.
func (e *Engine) invalidateFamily(ctx context.Context, family patterns.Family, globs []string) (uint, error) {
	var total uint
	var firstErr error

	for _, glob := range globs {
		it, err := e.store.ScanPattern(ctx, glob, e.cfg.BatchSize)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		batch := make([]string, 0, e.cfg.BatchSize)
		flush := func() {
			if len(batch) == 0 {
				return
			}
			n, derr := e.store.DeleteMany(ctx, batch...)
			if derr != nil && svcerrors.IsTransient(derr) {
				// Fall back to per-key delete; count each success.
				for _, k := range batch {
					if dn, derr2 := e.store.DeleteMany(ctx, k); derr2 == nil {
						total += uint(dn)
					}
				}
			} else if derr == nil {
				total += uint(n)
			} else if firstErr == nil {
				firstErr = derr
			}
			batch = batch[:0]
		}

		for it.Next(ctx) {
			batch = append(batch, it.Key())
			if len(batch) >= e.cfg.BatchSize {
				flush()
			}
		}
		flush()
		if err := it.Err(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if firstErr != nil {
		return total, svcerrors.PartialFailure([]string{string(family)}, firstErr)
	}
	return total, nil
}
