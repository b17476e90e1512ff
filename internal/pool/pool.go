// Package pool implements the per-environment sandbox pool (C6): a LIFO
// stack of ready instances per environment key, health-gated release,
// predictive warming, and a background reaper. Structurally grounded on
// PipeOpsHQ-firecracker-shim/pkg/vm/pool.go (buffered availability
// tracking, a semaphore bounding concurrent warm-ups, replenish/cleanup
// loops), with acquisition-time EWMA and per-env LIFO ordering layered on
// top per spec.
package pool

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/tangle-network/faas-substrate/internal/metrics"
	"github.com/tangle-network/faas-substrate/internal/runtime"
	"github.com/tangle-network/faas-substrate/pkg/types"
)

// Config bounds pool behavior, shared across all environment keys.
type Config struct {
	MinSize      int
	MaxSize      int
	HardCapAge   time.Duration // destroy regardless of idle/use-count past this age
	IdleCap      time.Duration // destroy if idle longer than this
	UseCountCap  int           // destroy after this many acquisitions
	ReapInterval time.Duration
	EmptyPoolTTL time.Duration // remove an env's bookkeeping after this long with zero instances
	WarmConcurrency int
}

func (c Config) withDefaults() Config {
	if c.MaxSize <= 0 {
		c.MaxSize = 10
	}
	if c.HardCapAge <= 0 {
		c.HardCapAge = 30 * time.Minute
	}
	if c.IdleCap <= 0 {
		c.IdleCap = 5 * time.Minute
	}
	if c.UseCountCap <= 0 {
		c.UseCountCap = 100
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = 30 * time.Second
	}
	if c.EmptyPoolTTL <= 0 {
		c.EmptyPoolTTL = 10 * time.Minute
	}
	if c.WarmConcurrency <= 0 {
		c.WarmConcurrency = 4
	}
	return c
}

type pooledEntry struct {
	instance *types.SandboxInstance
	pooledAt time.Time
}

type envPool struct {
	envKey    string
	mu        sync.Mutex
	ready     []*pooledEntry // LIFO: last element is most-recently-released
	emptiedAt time.Time      // when ready last became empty, for EmptyPoolTTL sweeps

	requests  int64
	hits      int64
	misses    int64
	created   int64
	destroyed int64
	avgAcquireSeconds float64 // EWMA, (old+new)/2 — see DESIGN.md
}

// Pool maintains one envPool per environment key over a single runtime
// adapter.
type Pool struct {
	adapter runtime.Adapter
	cfg     Config
	warmSem *semaphore.Weighted

	mu    sync.Mutex
	pools map[string]*envPool

	stopCh chan struct{}
}

// New starts a pool over adapter and launches its background reaper.
func New(adapter runtime.Adapter, cfg Config) *Pool {
	cfg = cfg.withDefaults()
	p := &Pool{
		adapter: adapter,
		cfg:     cfg,
		warmSem: semaphore.NewWeighted(int64(cfg.WarmConcurrency)),
		pools:   make(map[string]*envPool),
		stopCh:  make(chan struct{}),
	}
	go p.reapLoop()
	return p
}

// Stop halts the background reaper. It does not destroy pooled instances —
// callers that want a clean shutdown should drain pools explicitly.
func (p *Pool) Stop() { close(p.stopCh) }

func (p *Pool) poolFor(envKey string) *envPool {
	p.mu.Lock()
	defer p.mu.Unlock()
	ep, ok := p.pools[envKey]
	if !ok {
		ep = &envPool{envKey: envKey}
		p.pools[envKey] = ep
	}
	return ep
}

// Acquire pops the most recently released instance for envKey, or creates
// a fresh one via the adapter if the pool is empty.
func (p *Pool) Acquire(ctx context.Context, spec runtime.InstanceSpec) (*types.SandboxInstance, error) {
	ep := p.poolFor(spec.EnvKey)
	start := time.Now()

	backend := string(p.adapter.Backend())

	ep.mu.Lock()
	ep.requests++
	n := len(ep.ready)
	var entry *pooledEntry
	if n > 0 {
		entry = ep.ready[n-1]
		ep.ready = ep.ready[:n-1]
		if len(ep.ready) == 0 {
			ep.emptiedAt = time.Now()
		}
		ep.hits++
	} else {
		ep.misses++
	}
	ep.mu.Unlock()

	if entry != nil {
		metrics.PoolRequestsTotal.WithLabelValues(spec.EnvKey, "hit").Inc()
		entry.instance.UseCount++
		entry.instance.LastUsed = time.Now()
		p.recordAcquisition(ep, time.Since(start))
		metrics.PoolSize.WithLabelValues(spec.EnvKey, backend).Set(float64(len(ep.ready)))
		return entry.instance, nil
	}

	metrics.PoolRequestsTotal.WithLabelValues(spec.EnvKey, "miss").Inc()
	inst, err := p.adapter.Create(ctx, spec)
	if err != nil {
		return nil, err
	}
	inst.LastUsed = time.Now()
	inst.UseCount++
	ep.mu.Lock()
	ep.created++
	ep.mu.Unlock()
	metrics.PoolCreatedTotal.WithLabelValues(spec.EnvKey, backend).Inc()
	p.recordAcquisition(ep, time.Since(start))
	return inst, nil
}

// recordAcquisition folds d into the env's EWMA acquisition-time estimate
// using the spec's (old+new)/2 update rule, carried forward exactly as
// specified rather than replaced with a weighted EWMA — see DESIGN.md.
func (p *Pool) recordAcquisition(ep *envPool, d time.Duration) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	seconds := d.Seconds()
	if ep.avgAcquireSeconds == 0 {
		ep.avgAcquireSeconds = seconds
	} else {
		ep.avgAcquireSeconds = (ep.avgAcquireSeconds + seconds) / 2
	}
	metrics.PoolAcquisitionTimeSeconds.WithLabelValues(ep.envKey).Set(ep.avgAcquireSeconds)
}

// Release returns inst to its env pool if it passes health checks (age,
// idle, use-count — the same three the reaper sweeps for) and the pool is
// under its size cap; otherwise it is destroyed. Gating here rather than
// leaving it entirely to reapOnce matters: without it, an instance that
// already failed a cap could be handed right back out by the very next
// Acquire for this env key before the next reap tick runs.
func (p *Pool) Release(ctx context.Context, inst *types.SandboxInstance) error {
	ep := p.poolFor(inst.EnvKey)

	ep.mu.Lock()
	full := len(ep.ready) >= p.cfg.MaxSize
	ep.mu.Unlock()

	now := time.Now()
	unhealthy := now.Sub(inst.CreatedAt) > p.cfg.HardCapAge ||
		now.Sub(inst.LastUsed) > p.cfg.IdleCap ||
		inst.UseCount >= p.cfg.UseCountCap
	if full || unhealthy {
		return p.destroy(ctx, ep, inst, "release")
	}

	ep.mu.Lock()
	ep.ready = append(ep.ready, &pooledEntry{instance: inst, pooledAt: time.Now()})
	size := len(ep.ready)
	ep.mu.Unlock()
	metrics.PoolSize.WithLabelValues(inst.EnvKey, string(p.adapter.Backend())).Set(float64(size))
	return nil
}

func (p *Pool) destroy(ctx context.Context, ep *envPool, inst *types.SandboxInstance, reason string) error {
	ep.mu.Lock()
	ep.destroyed++
	ep.mu.Unlock()
	metrics.PoolDestroyedTotal.WithLabelValues(inst.EnvKey, reason).Inc()
	return p.adapter.Destroy(ctx, inst.ID)
}

// WarmRequest is one (env, target ready count) prediction.
type WarmRequest struct {
	EnvKey string
	Spec   runtime.InstanceSpec
	Count  int
}

// PredictiveWarm spawns creations in parallel, bounded by the pool's warm
// concurrency semaphore, until each request's env pool has at least Count
// ready instances (capped at MaxSize).
func (p *Pool) PredictiveWarm(ctx context.Context, predictions []WarmRequest) error {
	var wg sync.WaitGroup
	for _, pred := range predictions {
		ep := p.poolFor(pred.EnvKey)
		ep.mu.Lock()
		have := len(ep.ready)
		ep.mu.Unlock()

		target := pred.Count
		if target > p.cfg.MaxSize {
			target = p.cfg.MaxSize
		}
		needed := target - have
		for i := 0; i < needed; i++ {
			wg.Add(1)
			go func(spec runtime.InstanceSpec, envPoolRef *envPool) {
				defer wg.Done()
				if err := p.warmSem.Acquire(ctx, 1); err != nil {
					return
				}
				defer p.warmSem.Release(1)

				inst, err := p.adapter.Create(ctx, spec)
				if err != nil {
					log.Printf("pool: predictive warm for %s failed: %v", spec.EnvKey, err)
					return
				}
				envPoolRef.mu.Lock()
				envPoolRef.ready = append(envPoolRef.ready, &pooledEntry{instance: inst, pooledAt: time.Now()})
				envPoolRef.created++
				envPoolRef.mu.Unlock()
				metrics.PoolCreatedTotal.WithLabelValues(spec.EnvKey, string(p.adapter.Backend())).Inc()
			}(pred.Spec, ep)
		}
	}
	wg.Wait()
	return nil
}

// Stats summarizes one environment's pool bookkeeping.
type Stats struct {
	Ready                int
	Requests, Hits, Misses int64
	Created, Destroyed   int64
	AvgAcquisitionSeconds float64
}

// Stats returns the current bookkeeping for envKey.
func (p *Pool) Stats(envKey string) Stats {
	ep := p.poolFor(envKey)
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return Stats{
		Ready: len(ep.ready), Requests: ep.requests, Hits: ep.hits, Misses: ep.misses,
		Created: ep.created, Destroyed: ep.destroyed, AvgAcquisitionSeconds: ep.avgAcquireSeconds,
	}
}

// reapLoop periodically sweeps every env pool, dropping idle-too-long
// instances and removing bookkeeping for envs that have sat empty past
// EmptyPoolTTL.
func (p *Pool) reapLoop() {
	ticker := time.NewTicker(p.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.reapOnce()
		}
	}
}

func (p *Pool) reapOnce() {
	p.mu.Lock()
	keys := make([]string, 0, len(p.pools))
	for k := range p.pools {
		keys = append(keys, k)
	}
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, envKey := range keys {
		ep := p.poolFor(envKey)

		ep.mu.Lock()
		var keep []*pooledEntry
		var expired []*pooledEntry
		now := time.Now()
		for _, e := range ep.ready {
			if now.Sub(e.pooledAt) > p.cfg.IdleCap ||
				now.Sub(e.instance.CreatedAt) > p.cfg.HardCapAge ||
				e.instance.UseCount >= p.cfg.UseCountCap {
				expired = append(expired, e)
			} else {
				keep = append(keep, e)
			}
		}
		ep.ready = keep
		if len(ep.ready) == 0 && ep.emptiedAt.IsZero() {
			ep.emptiedAt = now
		}
		emptyTooLong := len(ep.ready) == 0 && !ep.emptiedAt.IsZero() && now.Sub(ep.emptiedAt) > p.cfg.EmptyPoolTTL
		ep.mu.Unlock()

		for _, e := range expired {
			if err := p.destroy(ctx, ep, e.instance, "idle"); err != nil {
				log.Printf("pool: reap %s: destroy failed: %v", envKey, err)
			}
		}
		metrics.PoolSize.WithLabelValues(envKey, string(p.adapter.Backend())).Set(float64(len(keep)))

		if emptyTooLong {
			p.mu.Lock()
			delete(p.pools, envKey)
			p.mu.Unlock()
		}
	}
}
