// Package registry runs the two background loops that keep the
// distributed instance registry current: a per-instance heartbeat and a
// cluster-wide aggregate health sweep, per spec §4.11.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/R3E-Network/service_layer/infrastructure/logging"
	"github.com/R3E-Network/service_layer/infrastructure/metrics"
	"github.com/R3E-Network/service_layer/internal/store"
)

const (
	instancesHashKey  = "signal_service:instances"
	clusterHealthKey  = "signal_service:cluster_health"
	healthKeyTTL      = 300 * time.Second
	staleAfter        = 5 * time.Minute
	heartbeatInterval = 30 * time.Second
	aggregateInterval = 60 * time.Second

	// assignmentWindow is how long an entity ref counts as "assigned" to
	// this instance after its last dispatch, mirroring the processing-
	// history fallback the registry uses when no explicit partition
	// assignment exists.
	assignmentWindow = staleAfter
)

// LoadMetrics is one instance's resource snapshot.
type LoadMetrics struct {
	CPUPercent       float64
	RSSMb            float64
	Connections      int
	Threads          int
	RequestsPerMin   float64
	QueueDepth       int
	ProcessingRate   float64
}

// LoadSampler supplies the process-level counters gopsutil cannot: open
// connections, threads, request rate, and queue depth are application
// concerns, not OS ones.
type LoadSampler interface {
	Sample(ctx context.Context) (connections, threads, queueDepth int, requestsPerMin, processingRate float64, err error)
}

// InstanceStatus is one instance's self-reported health classification.
type InstanceStatus string

const (
	StatusStarting  InstanceStatus = "starting"
	StatusHealthy   InstanceStatus = "healthy"
	StatusDegraded  InstanceStatus = "degraded"
	StatusUnhealthy InstanceStatus = "unhealthy"
)

// InstanceRecord is one instance's published state.
type InstanceRecord struct {
	InstanceID       string
	StartedAt        time.Time
	PID              int
	Host             string
	Status           InstanceStatus
	LoadScore        float64
	Metrics          LoadMetrics
	LastSeenAt       time.Time
	AssignedEntities []string
}

// ClusterStatus summarizes aggregate health.
type ClusterStatus string

const (
	ClusterHealthy   ClusterStatus = "healthy"
	ClusterDegraded  ClusterStatus = "degraded"
	ClusterUnhealthy ClusterStatus = "unhealthy"
)

// ClusterHealth is the aggregate view written by the health loop.
type ClusterHealth struct {
	Status           ClusterStatus
	InstanceCount    int
	HealthyCount     int
	LoadBalanceScore float64
	ComputedAt       time.Time
}

// Registry is the Distributed Instance Registry (C11).
type Registry struct {
	store      store.Store
	sampler    LoadSampler
	instanceID string
	startedAt  time.Time
	pid        int
	host       string
	logger     *logging.Logger
	metrics    *metrics.Metrics

	assignedMu sync.Mutex
	assigned   map[string]time.Time
}

// New constructs a Registry for one process instance.
func New(s store.Store, sampler LoadSampler, instanceID string, logger *logging.Logger, m *metrics.Metrics) *Registry {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return &Registry{
		store:      s,
		sampler:    sampler,
		instanceID: instanceID,
		startedAt:  time.Now(),
		pid:        os.Getpid(),
		host:       host,
		logger:     logger,
		metrics:    m,
		assigned:   make(map[string]time.Time),
	}
}

// RecordAssignment notes that this instance just handled entityRef, so it
// shows up in the instance's AssignedEntities until assignmentWindow
// elapses without another dispatch for it. This is the registry's
// assignment-reporting path: the core has no explicit partition-assignment
// scheme, so "assigned" means "recently and actively handled here".
func (r *Registry) RecordAssignment(entityRef string) {
	if entityRef == "" {
		return
	}
	r.assignedMu.Lock()
	defer r.assignedMu.Unlock()
	r.assigned[entityRef] = time.Now()
}

// assignedEntities returns a deterministic snapshot of entities this
// instance has handled within assignmentWindow, evicting anything older.
func (r *Registry) assignedEntities() []string {
	r.assignedMu.Lock()
	defer r.assignedMu.Unlock()

	now := time.Now()
	out := make([]string, 0, len(r.assigned))
	for ref, seenAt := range r.assigned {
		if now.Sub(seenAt) > assignmentWindow {
			delete(r.assigned, ref)
			continue
		}
		out = append(out, ref)
	}
	sort.Strings(out)
	return out
}

// RunHeartbeat runs the heartbeat loop until ctx is cancelled. It publishes
// an initial `starting` record immediately, then reports score-derived
// status on every subsequent beat, and deregisters the instance on
// cancellation.
func (r *Registry) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	r.register(ctx)
	r.beat(ctx)
	for {
		select {
		case <-ctx.Done():
			r.deregister(context.Background())
			return
		case <-ticker.C:
			r.beat(ctx)
		}
	}
}

// register publishes the instance's initial `starting` record before any
// load sample has been taken.
func (r *Registry) register(ctx context.Context) {
	record := InstanceRecord{
		InstanceID: r.instanceID,
		StartedAt:  r.startedAt,
		PID:        r.pid,
		Host:       r.host,
		Status:     StatusStarting,
		LastSeenAt: time.Now(),
	}

	payload, _ := json.Marshal(record)
	if err := r.store.HashSet(ctx, instancesHashKey, r.instanceID, string(payload)); err != nil {
		if r.logger != nil {
			r.logger.Error(ctx, "failed to publish starting instance record", err, nil)
		}
	}
}

// RunAggregateHealth runs the cluster-health sweep loop until ctx is
// cancelled.
func (r *Registry) RunAggregateHealth(ctx context.Context) {
	ticker := time.NewTicker(aggregateInterval)
	defer ticker.Stop()

	r.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Registry) beat(ctx context.Context) {
	lm, err := r.sample(ctx)
	if err != nil {
		if r.logger != nil {
			r.logger.Error(ctx, "failed to sample instance load", err, nil)
		}
		return
	}

	score := LoadScore(lm)
	record := InstanceRecord{
		InstanceID:       r.instanceID,
		StartedAt:        r.startedAt,
		PID:              r.pid,
		Host:             r.host,
		Status:           statusForScore(score),
		LoadScore:        score,
		Metrics:          lm,
		LastSeenAt:       time.Now(),
		AssignedEntities: r.assignedEntities(),
	}

	payload, _ := json.Marshal(record)
	if err := r.store.HashSet(ctx, instancesHashKey, r.instanceID, string(payload)); err != nil {
		if r.logger != nil {
			r.logger.Error(ctx, "failed to publish instance record", err, nil)
		}
	}
	_ = r.store.SetWithTTL(ctx, fmt.Sprintf("signal_service:health:%s", r.instanceID), payload, healthKeyTTL)

	if r.metrics != nil {
		r.metrics.SetInstanceLoadScore(r.instanceID, score)
	}
}

func (r *Registry) deregister(ctx context.Context) {
	_ = r.store.HashDelete(ctx, instancesHashKey, r.instanceID)
}

func (r *Registry) sample(ctx context.Context) (LoadMetrics, error) {
	cpuPct, err := cpu.PercentWithContext(ctx, 100*time.Millisecond, false)
	if err != nil {
		return LoadMetrics{}, err
	}
	var cpuPercent float64
	if len(cpuPct) > 0 {
		cpuPercent = cpuPct[0]
	}

	memStat, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return LoadMetrics{}, err
	}
	rssMb := float64(memStat.Used) / 1024 / 1024

	connections, threads, queueDepth, requestsPerMin, processingRate, err := r.sampler.Sample(ctx)
	if err != nil {
		return LoadMetrics{}, err
	}

	return LoadMetrics{
		CPUPercent:     cpuPercent,
		RSSMb:          rssMb,
		Connections:    connections,
		Threads:        threads,
		RequestsPerMin: requestsPerMin,
		QueueDepth:     queueDepth,
		ProcessingRate: processingRate,
	}, nil
}

// statusForScore maps a load score to the per-instance status enum,
// mirroring the health-score bands the original distributed health manager
// uses to report instance status (>=80 healthy, >=60 degraded, else
// unhealthy).
func statusForScore(score float64) InstanceStatus {
	switch {
	case score >= 80:
		return StatusHealthy
	case score >= 60:
		return StatusDegraded
	default:
		return StatusUnhealthy
	}
}

// LoadScore implements the deterministic, bounded-[0,100] formula from
// spec §4.11.
func LoadScore(lm LoadMetrics) float64 {
	score := 100.0

	switch {
	case lm.CPUPercent > 80:
		score -= 30
	case lm.CPUPercent > 60:
		score -= 15
	case lm.CPUPercent > 40:
		score -= 5
	}

	switch {
	case lm.RSSMb > 1024:
		score -= 20
	case lm.RSSMb > 512:
		score -= 10
	}

	switch {
	case lm.RequestsPerMin > 200:
		score -= 15
	case lm.RequestsPerMin > 100:
		score -= 5
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}

func (r *Registry) sweep(ctx context.Context) {
	raw, err := r.store.HashGetAll(ctx, instancesHashKey)
	if err != nil {
		if r.logger != nil {
			r.logger.Error(ctx, "failed to read instance records", err, nil)
		}
		return
	}

	now := time.Now()
	var records []InstanceRecord
	for id, payload := range raw {
		var rec InstanceRecord
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			continue
		}
		if now.Sub(rec.LastSeenAt) > staleAfter {
			_ = r.store.HashDelete(ctx, instancesHashKey, id)
			continue
		}
		records = append(records, rec)
	}

	health := aggregate(records, now)
	payload, _ := json.Marshal(health)
	_ = r.store.SetWithTTL(ctx, clusterHealthKey, payload, healthKeyTTL)

	if r.metrics != nil {
		r.metrics.SetActiveInstances(health.InstanceCount)
	}
}

func aggregate(records []InstanceRecord, now time.Time) ClusterHealth {
	if len(records) == 0 {
		return ClusterHealth{Status: ClusterUnhealthy, ComputedAt: now}
	}

	healthy := 0
	requestRates := make([]float64, 0, len(records))
	for _, rec := range records {
		if rec.Status == StatusHealthy {
			healthy++
		}
		requestRates = append(requestRates, rec.Metrics.RequestsPerMin)
	}

	healthyFraction := float64(healthy) / float64(len(records))
	status := ClusterUnhealthy
	switch {
	case healthyFraction >= 0.8:
		status = ClusterHealthy
	case healthyFraction >= 0.5:
		status = ClusterDegraded
	}

	return ClusterHealth{
		Status:           status,
		InstanceCount:    len(records),
		HealthyCount:     healthy,
		LoadBalanceScore: loadBalanceScore(requestRates),
		ComputedAt:       now,
	}
}

// loadBalanceScore implements `max(0, 100 - CV*100)` from spec §4.11,
// scoring a single-instance cluster (and the no-data case) as perfectly
// balanced.
func loadBalanceScore(rates []float64) float64 {
	if len(rates) <= 1 {
		return 100
	}

	var sum float64
	for _, r := range rates {
		sum += r
	}
	mean := sum / float64(len(rates))
	if mean == 0 {
		return 100
	}

	var variance float64
	for _, r := range rates {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(rates))
	stddev := math.Sqrt(variance)
	cv := stddev / mean

	score := 100 - cv*100
	if score < 0 {
		score = 0
	}
	return score
}
