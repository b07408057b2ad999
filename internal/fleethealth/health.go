// Package fleethealth aggregates warm-pool, dispatch and local-process
// metrics into a single cached snapshot. The cache is a single
// atomically-published pointer, refreshed lazily on a stale read or by
// a background ticker, per the concurrency model's atomic-pointer
// publication note.
package fleethealth

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/outpostrun/outpost/internal/dispatchstore"
	"github.com/outpostrun/outpost/internal/warmpool"
	"github.com/outpostrun/outpost/models"
)

// OverallStatus is the coarse health verdict.
type OverallStatus string

const (
	StatusHealthy   OverallStatus = "healthy"
	StatusDegraded  OverallStatus = "degraded"
	StatusUnhealthy OverallStatus = "unhealthy"
)

// AgentSnapshot is one agent kind's pooled-capacity and success-rate view.
type AgentSnapshot struct {
	Kind          models.AgentKind
	Idle          int
	InUse         int
	Available     bool
	SuccessRate   float64
	AvgDurationMs float64
}

// SystemSnapshot is the local process/host resource view.
type SystemSnapshot struct {
	CPUPercent    float64
	MemoryPercent float64
	ProcessRSSMB  float64
	UptimeSeconds float64
}

// DispatchSnapshot summarizes the last hour's dispatch outcomes plus the
// reconciler's rule-fallthrough counter (observability for rule drift).
type DispatchSnapshot struct {
	Total                      int
	ByStatus                   map[models.Status]int
	FallthroughDefaultFailed   int64
}

// Snapshot is the full fleet health response.
type Snapshot struct {
	Status    OverallStatus
	Agents    []AgentSnapshot
	System    SystemSnapshot
	Dispatch  DispatchSnapshot
	Uptime    time.Duration
	Timestamp time.Time
}

// FallthroughCounter is the subset of reconciler.Reconciler this package needs.
type FallthroughCounter interface {
	FallthroughCount() int64
}

// Pool is the subset of warmpool.Pool this package needs.
type Pool interface {
	AggregateMetrics() ([]warmpool.AgentAggregate, warmpool.AgentAggregate)
	MaxConcurrent() int
}

// DispatchMetricsSource is the subset of dispatchstore.Store this package needs.
type DispatchMetricsSource interface {
	DispatchMetrics(ctx context.Context, sinceHours int) (*dispatchstore.Metrics, error)
}

var (
	_ Pool                  = (*warmpool.Pool)(nil)
	_ DispatchMetricsSource = (*dispatchstore.Store)(nil)
)

// Checker computes and caches fleet health snapshots.
type Checker struct {
	pool        Pool
	store       DispatchMetricsSource
	reconciler  FallthroughCounter
	log         *slog.Logger
	startedAt   time.Time
	cacheTTL    time.Duration
	pid         int32

	cached atomic.Pointer[cachedSnapshot]
	stop   chan struct{}
}

type cachedSnapshot struct {
	snapshot Snapshot
	at       time.Time
}

func New(pool Pool, store DispatchMetricsSource, reconciler FallthroughCounter, log *slog.Logger) *Checker {
	if log == nil {
		log = slog.Default()
	}
	return &Checker{
		pool:       pool,
		store:      store,
		reconciler: reconciler,
		log:        log,
		startedAt:  time.Now().UTC(),
		cacheTTL:   30 * time.Second,
		pid:        int32(os.Getpid()),
		stop:       make(chan struct{}),
	}
}

// Start launches a background ticker that refreshes the cache every
// cacheTTL, so cache hits serve fresh data without paying the cold-path
// cost on the request goroutine.
func (c *Checker) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.cacheTTL)
		defer ticker.Stop()
		for {
			select {
			case <-c.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := c.refresh(ctx); err != nil {
					c.log.Warn("fleet health refresh failed", "error", err)
				}
			}
		}
	}()
}

func (c *Checker) Stop() { close(c.stop) }

// Snapshot returns the cached snapshot if younger than cacheTTL,
// otherwise computes and publishes a fresh one.
func (c *Checker) Snapshot(ctx context.Context) (*Snapshot, error) {
	if cs := c.cached.Load(); cs != nil && time.Since(cs.at) < c.cacheTTL {
		snap := cs.snapshot
		return &snap, nil
	}
	return c.refresh(ctx)
}

func (c *Checker) refresh(ctx context.Context) (*Snapshot, error) {
	byAgent, _ := c.pool.AggregateMetrics()

	metrics, err := c.store.DispatchMetrics(ctx, 1)
	if err != nil {
		metrics = &dispatchstore.Metrics{ByStatus: map[models.Status]int{}, ByAgent: map[models.AgentKind]*dispatchstore.AgentMetrics{}}
	}

	system := c.systemSnapshot()

	agents := make([]AgentSnapshot, 0, len(byAgent))
	anyAvailable := false
	allAvailable := true
	var successRateSum float64
	for _, agg := range byAgent {
		am := metrics.ByAgent[agg.Kind]
		successRate := 100.0
		if am != nil && am.Completed+am.Failed > 0 {
			successRate = 100.0 * float64(am.Completed) / float64(am.Completed+am.Failed)
		}
		available := agg.Idle > 0 || agg.InUse < c.pool.MaxConcurrent()
		if available {
			anyAvailable = true
		} else {
			allAvailable = false
		}
		avgDuration := 0.0
		if am != nil {
			avgDuration = am.AvgDurationMs
		}
		successRateSum += successRate

		agents = append(agents, AgentSnapshot{
			Kind:          agg.Kind,
			Idle:          agg.Idle,
			InUse:         agg.InUse,
			Available:     available,
			SuccessRate:   successRate,
			AvgDurationMs: avgDuration,
		})
	}

	avgSuccessRate := 100.0
	if len(agents) > 0 {
		avgSuccessRate = successRateSum / float64(len(agents))
	}

	status := computeStatus(anyAvailable, allAvailable, len(agents), avgSuccessRate, system)

	var fallthroughCount int64
	if c.reconciler != nil {
		fallthroughCount = c.reconciler.FallthroughCount()
	}

	snapshot := Snapshot{
		Status: status,
		Agents: agents,
		System: system,
		Dispatch: DispatchSnapshot{
			Total:                    metrics.Total,
			ByStatus:                 metrics.ByStatus,
			FallthroughDefaultFailed: fallthroughCount,
		},
		Uptime:    time.Since(c.startedAt),
		Timestamp: time.Now().UTC(),
	}

	c.cached.Store(&cachedSnapshot{snapshot: snapshot, at: time.Now().UTC()})
	return &snapshot, nil
}

func computeStatus(anyAvailable, allAvailable bool, agentCount int, avgSuccessRate float64, system SystemSnapshot) OverallStatus {
	if agentCount > 0 && !anyAvailable {
		return StatusUnhealthy
	}
	if !anyAvailable || !allAvailable || avgSuccessRate < 80 || system.MemoryPercent > 90 || system.CPUPercent > 95 {
		return StatusDegraded
	}
	return StatusHealthy
}

func (c *Checker) systemSnapshot() SystemSnapshot {
	sys := SystemSnapshot{UptimeSeconds: time.Since(c.startedAt).Seconds()}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		sys.CPUPercent = percents[0]
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		sys.MemoryPercent = vm.UsedPercent
	}

	if proc, err := process.NewProcess(c.pid); err == nil {
		if mi, err := proc.MemoryInfo(); err == nil && mi != nil {
			sys.ProcessRSSMB = float64(mi.RSS) / (1024 * 1024)
		}
	}

	return sys
}
