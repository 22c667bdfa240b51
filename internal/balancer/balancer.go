// Package balancer admits requests against per-provider capacity, queues
// overflow, and applies the configured selection strategy. Every admission
// must be paired with a Release, including on cancellation, so the active
// count stays within capacity.
package balancer

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/catalog"
	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/config"
	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/utils"
)

// Strategy names
const (
	StrategyLeastLoad  = "least_load"
	StrategyRoundRobin = "round_robin"
	StrategyWeighted   = "weighted"
	StrategyRandom     = "random"
)

// HealthView exposes provider health to the balancer
type HealthView interface {
	GetHealth(name string) catalog.Health
}

// load is the per-provider admission state. Each provider has its own lock;
// there is no balancer-wide lock on the hot path.
type load struct {
	mu          sync.Mutex
	current     int
	capacity    int
	lastUpdated time.Time
	queue       *requestQueue
}

// Balancer owns per-provider loads and queues
type Balancer struct {
	healths  HealthView
	strategy string

	mu    sync.Mutex
	loads map[string]*load

	cursorMu sync.Mutex
	cursor   int
}

// New creates a Balancer with the given strategy
func New(healths HealthView, strategy string) *Balancer {
	switch strategy {
	case StrategyLeastLoad, StrategyRoundRobin, StrategyWeighted, StrategyRandom:
	default:
		if strategy != "" {
			utils.Warn("[Balancer] Unknown strategy %q, using %s", strategy, StrategyLeastLoad)
		}
		strategy = StrategyLeastLoad
	}
	return &Balancer{
		healths:  healths,
		strategy: strategy,
		loads:    make(map[string]*load),
	}
}

// Admission is the result of an admit attempt
type Admission struct {
	Provider      string
	Queued        bool
	QueueID       string
	EstimatedWait time.Duration

	item *queueItem
}

// Admit selects a provider from the candidate list. Unhealthy providers
// (status error) are skipped; providers at or above the load threshold are
// skipped by every strategy. When no provider has capacity the request is
// enqueued on the provider with the shortest queue.
func (b *Balancer) Admit(candidates []string) (Admission, bool) {
	usable := make([]string, 0, len(candidates))
	for _, name := range candidates {
		if b.healths.GetHealth(name).Status == catalog.HealthError {
			continue
		}
		usable = append(usable, name)
	}
	if len(usable) == 0 {
		return Admission{}, false
	}

	if chosen := b.pick(usable); chosen != "" {
		return Admission{Provider: chosen}, true
	}

	// All providers saturated: enqueue on the shortest queue
	shortest := usable[0]
	shortestLen := b.loadFor(shortest).queueLen()
	for _, name := range usable[1:] {
		if l := b.loadFor(name).queueLen(); l < shortestLen {
			shortest, shortestLen = name, l
		}
	}

	l := b.loadFor(shortest)
	item := l.enqueue()
	utils.Debug("[Balancer] Queued request %s on %s (depth %d)", item.id, shortest, shortestLen+1)
	return Admission{
		Provider:      shortest,
		Queued:        true,
		QueueID:       item.id,
		EstimatedWait: time.Duration(shortestLen+1) * config.AvgProcTimeEstimate,
		item:          item,
	}, true
}

// Wait blocks a queued admission until a slot opens, the queue timeout
// expires, or the caller's context is cancelled.
func (b *Balancer) Wait(ctx context.Context, adm Admission) error {
	if !adm.Queued {
		return nil
	}
	return b.loadFor(adm.Provider).wait(ctx, adm.item)
}

// Release settles one admitted request and drains the provider's queue
func (b *Balancer) Release(provider string) {
	b.loadFor(provider).release()
}

// Utilization returns current/capacity for a provider
func (b *Balancer) Utilization(provider string) float64 {
	l := b.loadFor(provider)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.capacity <= 0 {
		return 1.0
	}
	return float64(l.current) / float64(l.capacity)
}

// Current returns the provider's active request count
func (b *Balancer) Current(provider string) int {
	l := b.loadFor(provider)
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Capacity returns the provider's capacity
func (b *Balancer) Capacity(provider string) int {
	l := b.loadFor(provider)
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.capacity
}

// QueueDepth returns the provider's queue length
func (b *Balancer) QueueDepth(provider string) int {
	return b.loadFor(provider).queueLen()
}

// RunHealthLoop periodically shrinks capacity for erroring providers and
// restores it for recovered ones. Blocks until ctx is done.
func (b *Balancer) RunHealthLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = config.HealthCheckInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.adjustCapacities()
		}
	}
}

func (b *Balancer) adjustCapacities() {
	b.mu.Lock()
	names := make([]string, 0, len(b.loads))
	for name := range b.loads {
		names = append(names, name)
	}
	b.mu.Unlock()

	for _, name := range names {
		status := b.healths.GetHealth(name).Status
		l := b.loadFor(name)
		l.mu.Lock()
		switch status {
		case catalog.HealthError:
			if l.capacity > 1 {
				l.capacity = l.capacity / 2
				if l.capacity < 1 {
					l.capacity = 1
				}
				utils.Warn("[Balancer] Provider %s unhealthy, capacity halved to %d", name, l.capacity)
			}
		case catalog.HealthHealthy:
			if l.capacity < config.DefaultCapacity {
				l.capacity = config.DefaultCapacity
				utils.Info("[Balancer] Provider %s recovered, capacity restored to %d", name, l.capacity)
			}
		}
		l.mu.Unlock()
	}
}

// pick applies the strategy over providers below the load threshold and, on
// success, reserves the slot. Returns "" when every provider is saturated.
func (b *Balancer) pick(candidates []string) string {
	type option struct {
		name string
		util float64
	}
	options := make([]option, 0, len(candidates))
	for _, name := range candidates {
		util := b.Utilization(name)
		if util >= config.LoadThreshold {
			continue
		}
		options = append(options, option{name, util})
	}
	if len(options) == 0 {
		return ""
	}

	var chosen string
	switch b.strategy {
	case StrategyRoundRobin:
		b.cursorMu.Lock()
		b.cursor = (b.cursor + 1) % len(options)
		chosen = options[b.cursor].name
		b.cursorMu.Unlock()

	case StrategyWeighted:
		total := 0.0
		weights := make([]float64, len(options))
		for i, opt := range options {
			w := 1.0 - opt.util
			if w < 0.1 {
				w = 0.1
			}
			weights[i] = w
			total += w
		}
		r := rand.Float64() * total
		chosen = options[len(options)-1].name
		for i, w := range weights {
			if r < w {
				chosen = options[i].name
				break
			}
			r -= w
		}

	case StrategyRandom:
		chosen = options[rand.Intn(len(options))].name

	default: // least_load
		best := options[0]
		for _, opt := range options[1:] {
			if opt.util < best.util {
				best = opt
			}
		}
		chosen = best.name
	}

	l := b.loadFor(chosen)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current >= l.capacity {
		return ""
	}
	l.current++
	l.lastUpdated = time.Now()
	return chosen
}

func (b *Balancer) loadFor(provider string) *load {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.loads[provider]
	if !ok {
		l = &load{capacity: config.DefaultCapacity, queue: newRequestQueue()}
		b.loads[provider] = l
	}
	return l
}
