// Package warmpool implements per-agent pools of pre-provisioned task
// slots: checkout, return, and an idle reaper. It is the sole piece of
// process-wide mutable shared state outside the FleetHealth cache, and
// is protected the same way the reference process manager protects its
// process table: one mutex guarding one map, per pool.
package warmpool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/outpostrun/outpost/internal/config"
	"github.com/outpostrun/outpost/models"
)

// agentPool is the per-agent-kind slot table.
type agentPool struct {
	mu    sync.Mutex
	slots map[string]*models.WarmTask
}

// Pool is the WarmPool: a fixed set of agentPools, one per supported
// agent kind, plus a background reaper.
type Pool struct {
	cfg    config.WarmPoolConfig
	log    *slog.Logger
	pools  map[models.AgentKind]*agentPool
	stop   chan struct{}
	stopOnce sync.Once
}

func New(cfg config.WarmPoolConfig, log *slog.Logger) *Pool {
	if log == nil {
		log = slog.Default()
	}
	pools := make(map[models.AgentKind]*agentPool, len(models.ValidAgentKinds))
	for kind := range models.ValidAgentKinds {
		pools[kind] = &agentPool{slots: make(map[string]*models.WarmTask)}
	}
	return &Pool{cfg: cfg, log: log, pools: pools, stop: make(chan struct{})}
}

// Start launches the idle reaper loop; call Stop to end it.
func (p *Pool) Start() {
	go p.reapLoop()
}

func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

func (p *Pool) reapLoop() {
	interval := p.cfg.ReapInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.Reap()
		}
	}
}

// Checkout returns an idle slot if one exists, provisions a fresh one
// if under max_concurrent, or returns nil if the pool is at cap.
func (p *Pool) Checkout(ctx context.Context, kind models.AgentKind, dispatchID string) (*models.WarmTask, error) {
	pool, ok := p.pools[kind]
	if !ok {
		return nil, errUnknownAgentKind(kind)
	}

	pool.mu.Lock()
	defer pool.mu.Unlock()

	now := time.Now().UTC()

	for _, slot := range pool.slots {
		if slot.State == models.SlotIdle {
			slot.State = models.SlotInUse
			slot.LastUsedAt = now
			slot.CurrentDispatchID = dispatchID
			return slot, nil
		}
	}

	maxConcurrent := p.cfg.MaxConcurrentPerAgent
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}
	if len(pool.slots) >= maxConcurrent {
		return nil, nil // at cap; caller decides queue or reject
	}

	slot := &models.WarmTask{
		SlotID:            models.GenerateID(),
		AgentKind:         kind,
		State:             models.SlotInUse,
		CreatedAt:         now,
		LastUsedAt:        now,
		CurrentDispatchID: dispatchID,
	}
	pool.slots[slot.SlotID] = slot
	return slot, nil
}

// Return transitions a slot back to idle, or drains it if the outcome
// was a fault or the idle count exceeds the high watermark.
func (p *Pool) Return(ctx context.Context, kind models.AgentKind, slotID string, outcome models.ReturnOutcome) error {
	pool, ok := p.pools[kind]
	if !ok {
		return errUnknownAgentKind(kind)
	}

	pool.mu.Lock()
	defer pool.mu.Unlock()

	slot, ok := pool.slots[slotID]
	if !ok {
		return nil // already gone; idempotent
	}

	if outcome == models.OutcomeFaulted {
		delete(pool.slots, slotID)
		return nil
	}

	slot.State = models.SlotIdle
	slot.LastUsedAt = time.Now().UTC()
	slot.CurrentDispatchID = ""

	if p.idleCountLocked(pool) > p.highWatermark() {
		delete(pool.slots, slotID)
	}

	return nil
}

// ReleaseByDispatch finds the slot currently bound to dispatchID and
// returns it, used by the reconciler which knows the dispatch but not
// the slot ID. A no-op (nil error) if no such slot is held, since the
// reconciler's terminal-event processing must stay idempotent on replay.
func (p *Pool) ReleaseByDispatch(ctx context.Context, kind models.AgentKind, dispatchID string, outcome models.ReturnOutcome) error {
	pool, ok := p.pools[kind]
	if !ok {
		return errUnknownAgentKind(kind)
	}

	pool.mu.Lock()
	var slotID string
	for id, slot := range pool.slots {
		if slot.CurrentDispatchID == dispatchID {
			slotID = id
			break
		}
	}
	pool.mu.Unlock()

	if slotID == "" {
		return nil
	}
	return p.Return(ctx, kind, slotID, outcome)
}

func (p *Pool) idleCountLocked(pool *agentPool) int {
	count := 0
	for _, s := range pool.slots {
		if s.State == models.SlotIdle {
			count++
		}
	}
	return count
}

func (p *Pool) highWatermark() int {
	if p.cfg.HighWatermark <= 0 {
		return 3
	}
	return p.cfg.HighWatermark
}

// Reap destroys idle slots older than the configured idle TTL. Runs
// asynchronously but re-checks each slot's state under the pool's lock
// immediately before destroying it.
func (p *Pool) Reap() {
	ttl := p.cfg.IdleTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	cutoff := time.Now().UTC().Add(-ttl)

	for _, pool := range p.pools {
		pool.mu.Lock()
		for id, slot := range pool.slots {
			if slot.State == models.SlotIdle && slot.LastUsedAt.Before(cutoff) {
				delete(pool.slots, id)
			}
		}
		pool.mu.Unlock()
	}
}

// AgentAggregate summarizes one agent kind's pool state.
type AgentAggregate struct {
	Kind  models.AgentKind
	Idle  int
	InUse int
	Total int
}

// AggregateMetrics returns per-agent counts plus overall totals.
func (p *Pool) AggregateMetrics() ([]AgentAggregate, AgentAggregate) {
	var byAgent []AgentAggregate
	var totals AgentAggregate

	for kind, pool := range p.pools {
		pool.mu.Lock()
		agg := AgentAggregate{Kind: kind}
		for _, slot := range pool.slots {
			agg.Total++
			switch slot.State {
			case models.SlotIdle:
				agg.Idle++
			case models.SlotInUse:
				agg.InUse++
			}
		}
		pool.mu.Unlock()

		byAgent = append(byAgent, agg)
		totals.Idle += agg.Idle
		totals.InUse += agg.InUse
		totals.Total += agg.Total
	}

	return byAgent, totals
}

// MaxConcurrent exposes the configured per-agent concurrency cap, used
// by FleetHealth to compute `available`.
func (p *Pool) MaxConcurrent() int {
	if p.cfg.MaxConcurrentPerAgent <= 0 {
		return 5
	}
	return p.cfg.MaxConcurrentPerAgent
}

type unknownAgentKindError struct{ kind models.AgentKind }

func (e *unknownAgentKindError) Error() string { return "unknown agent kind: " + string(e.kind) }

func errUnknownAgentKind(kind models.AgentKind) error { return &unknownAgentKindError{kind: kind} }
