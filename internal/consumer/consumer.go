// Package consumer runs the stream consumption loop: it reads events off
// the store's consumer-group stream, dispatches each to the Coordinator
// inside a panic-recovery boundary, and acknowledges on success only.
package consumer

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/R3E-Network/service_layer/infrastructure/logging"
	"github.com/R3E-Network/service_layer/internal/events"
	"github.com/R3E-Network/service_layer/internal/store"
)

// Decoder turns a raw stream message into an Event.
type Decoder func(msg store.StreamMessage) (events.Event, error)

// Config tunes the consume loop.
type Config struct {
	Stream             string
	Group              string
	ConsumerID         string
	BatchSize          int64
	BlockMs            int64
	MinBackoff         time.Duration
	MaxBackoff         time.Duration
	DispatchRatePerSec float64 // 0 = unbounded
}

// DefaultConfig matches the core's stated defaults. Dispatch is unbounded
// by default; set DispatchRatePerSec to protect participants during
// backlog replay after an outage.
func DefaultConfig(stream, group, consumerID string) Config {
	return Config{
		Stream:     stream,
		Group:      group,
		ConsumerID: consumerID,
		BatchSize:  10,
		BlockMs:    1000,
		MinBackoff: time.Second,
		MaxBackoff: 60 * time.Second,
	}
}

// Consumer is the Event Consumer (C8).
type Consumer struct {
	store    store.Store
	decode   Decoder
	dispatch func(ctx context.Context, ev events.Event) bool
	cfg      Config
	logger   *logging.Logger
	limiter  *rate.Limiter

	done chan struct{}
}

// New constructs a Consumer. dispatch should call Coordinator.Dispatch and
// return whether the event was handled successfully (acked) or not.
func New(s store.Store, decode Decoder, dispatch func(ctx context.Context, ev events.Event) bool, cfg Config, logger *logging.Logger) *Consumer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.BlockMs <= 0 {
		cfg.BlockMs = 1000
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 60 * time.Second
	}
	c := &Consumer{store: s, decode: decode, dispatch: dispatch, cfg: cfg, logger: logger, done: make(chan struct{})}
	if cfg.DispatchRatePerSec > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.DispatchRatePerSec), int(cfg.BatchSize))
	}
	return c
}

// Run executes the consume loop until ctx is cancelled. Cancellation is
// checked between batches, so a batch already read is processed before Run
// returns; when DispatchRatePerSec is set, the limiter wait ends on
// cancellation and the rest of that batch is left undispatched and unacked.
func (c *Consumer) Run(ctx context.Context) error {
	defer close(c.done)

	if err := c.store.StreamGroupCreate(ctx, c.cfg.Stream, c.cfg.Group); err != nil {
		return err
	}

	bo := c.backoff(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msgs, err := c.store.StreamReadGroup(ctx, c.cfg.Stream, c.cfg.Group, c.cfg.ConsumerID, c.cfg.BatchSize, c.cfg.BlockMs)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			wait := bo.NextBackOff()
			if c.logger != nil {
				c.logger.Error(ctx, "stream read failed, backing off", err, map[string]interface{}{"backoff_ms": wait.Milliseconds()})
			}
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		bo.Reset()

		c.processBatch(ctx, msgs)
	}
}

// Wait blocks until Run has returned. Run is stopped by cancelling the ctx
// passed to it.
func (c *Consumer) Wait() {
	<-c.done
}

func (c *Consumer) processBatch(ctx context.Context, msgs []store.StreamMessage) {
	for _, msg := range msgs {
		ev, err := c.decode(msg)
		if err != nil {
			if c.logger != nil {
				c.logger.Error(ctx, "failed to decode stream message", err, map[string]interface{}{"message_id": msg.ID})
			}
			continue
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return
			}
		}

		success := c.dispatchSafely(ctx, ev)
		if success {
			if err := c.store.StreamAck(ctx, c.cfg.Stream, c.cfg.Group, msg.ID); err != nil && c.logger != nil {
				c.logger.Error(ctx, "failed to ack message", err, map[string]interface{}{"message_id": msg.ID})
			}
		}
	}
}

// dispatchSafely recovers a panicking dispatch so one bad event cannot
// kill the consume loop.
func (c *Consumer) dispatchSafely(ctx context.Context, ev events.Event) (success bool) {
	defer func() {
		if r := recover(); r != nil {
			success = false
			if c.logger != nil {
				c.logger.Error(ctx, "dispatch panicked", nil, map[string]interface{}{"panic": r, "event_kind": string(ev.Kind)})
			}
		}
	}()
	return c.dispatch(ctx, ev)
}

// backoff builds a jittered exponential backoff bounded by [MinBackoff,
// MaxBackoff], ready to drive the transient-read-error retry loop.
func (c *Consumer) backoff(ctx context.Context) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.MinBackoff
	bo.MaxInterval = c.cfg.MaxBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.3
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}
