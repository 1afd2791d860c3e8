// Package shadow implements the dual-path lookup comparator: depending on
// the integration mode, a lookup runs against the legacy path only, the
// new registry path with legacy fallback, or both in parallel for
// measurement, per spec §4.10.
package shadow

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/R3E-Network/service_layer/internal/mode"
)

// Path executes a lookup against one backend.
type Path func(ctx context.Context, query string) (interface{}, error)

// Extractor pulls the comparable identifier set out of a lookup result.
// The default predicate compares these sets for equality.
type Extractor func(result interface{}) map[string]struct{}

// Observation is one recorded shadow comparison.
type Observation struct {
	Query      string
	Matched    bool
	LegacyMs   float64
	RegistryMs float64
	Timestamp  time.Time
	Err        error
}

const defaultSamplePct = 0.10
const defaultPathTimeout = 5 * time.Second

// Config tunes sampling rate, per-path timeout, and ring capacity.
type Config struct {
	SampleRate  float64
	PathTimeout time.Duration
	RingSize    int
}

// DefaultConfig matches the core's stated defaults.
func DefaultConfig() Config {
	return Config{SampleRate: defaultSamplePct, PathTimeout: defaultPathTimeout, RingSize: 1000}
}

// Comparator is the Shadow Comparator (C10).
type Comparator struct {
	legacy    Path
	registry  Path
	extractor Extractor
	modeM     *mode.Machine
	cfg       Config

	mu    sync.Mutex
	ring  []Observation
	next  int
	count int
}

// New constructs a Comparator. extractor may be nil, in which case the
// default identifier-set-equality predicate is used via DefaultExtractor.
func New(legacy, registry Path, extractor Extractor, modeM *mode.Machine, cfg Config) *Comparator {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = defaultSamplePct
	}
	if cfg.PathTimeout <= 0 {
		cfg.PathTimeout = defaultPathTimeout
	}
	if cfg.RingSize <= 0 {
		cfg.RingSize = 1000
	}
	if extractor == nil {
		extractor = DefaultExtractor
	}
	return &Comparator{
		legacy: legacy, registry: registry, extractor: extractor, modeM: modeM, cfg: cfg,
		ring: make([]Observation, cfg.RingSize),
	}
}

// DefaultExtractor treats a []string result as the identifier set; any
// other result type compares as an empty set (never matches).
func DefaultExtractor(result interface{}) map[string]struct{} {
	out := make(map[string]struct{})
	ids, ok := result.([]string)
	if !ok {
		return out
	}
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}

// Lookup runs query through the path selected by the current integration
// mode and returns the result the caller should use.
func (c *Comparator) Lookup(ctx context.Context, query string) (interface{}, error) {
	switch c.modeM.Mode() {
	case mode.StateDisabled:
		return c.legacy(ctx, query)
	case mode.StateActive:
		return c.lookupActive(ctx, query)
	default: // StateShadow
		return c.lookupShadow(ctx, query)
	}
}

func (c *Comparator) lookupActive(ctx context.Context, query string) (interface{}, error) {
	start := time.Now()
	result, err := c.registry(ctx, query)
	c.modeM.RecordRegistryLatency(float64(time.Since(start).Milliseconds()))
	if err != nil {
		c.modeM.RecordRegistryError()
		return c.legacy(ctx, query)
	}
	return result, nil
}

func (c *Comparator) lookupShadow(ctx context.Context, query string) (interface{}, error) {
	if rand.Float64() >= c.cfg.SampleRate {
		return c.legacy(ctx, query)
	}

	var legacyResult, registryResult interface{}
	var legacyErr, registryErr error
	var legacyMs, registryMs float64

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		pctx, cancel := context.WithTimeout(ctx, c.cfg.PathTimeout)
		defer cancel()
		start := time.Now()
		legacyResult, legacyErr = c.legacy(pctx, query)
		legacyMs = float64(time.Since(start).Milliseconds())
	}()

	go func() {
		defer wg.Done()
		pctx, cancel := context.WithTimeout(ctx, c.cfg.PathTimeout)
		defer cancel()
		start := time.Now()
		registryResult, registryErr = c.registry(pctx, query)
		registryMs = float64(time.Since(start).Milliseconds())
	}()

	wg.Wait()

	matched := registryErr == nil && legacyErr == nil && setsEqual(c.extractor(legacyResult), c.extractor(registryResult))

	c.record(Observation{
		Query: query, Matched: matched, LegacyMs: legacyMs, RegistryMs: registryMs,
		Timestamp: time.Now(), Err: firstNonNil(legacyErr, registryErr),
	})
	c.modeM.RecordShadowObservation(matched)

	return legacyResult, legacyErr
}

func setsEqual(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

func firstNonNil(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// record appends obs to the ring, evicting the oldest once full.
func (c *Comparator) record(obs Observation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ring[c.next] = obs
	c.next = (c.next + 1) % len(c.ring)
	if c.count < len(c.ring) {
		c.count++
	}
}

// Summary is the match-rate/latency view derived from the ring.
type Summary struct {
	Observations     int
	MatchRate        float64
	AvgLegacyMs      float64
	AvgRegistryMs    float64
}

// Summary computes aggregate statistics over the current ring contents.
func (c *Comparator) Summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.count == 0 {
		return Summary{}
	}

	var matched int
	var legacySum, registrySum float64
	for i := 0; i < c.count; i++ {
		o := c.ring[i]
		if o.Matched {
			matched++
		}
		legacySum += o.LegacyMs
		registrySum += o.RegistryMs
	}

	return Summary{
		Observations:  c.count,
		MatchRate:     float64(matched) / float64(c.count),
		AvgLegacyMs:   legacySum / float64(c.count),
		AvgRegistryMs: registrySum / float64(c.count),
	}
}
