// Package decision scores candidate (model, provider) pairs and picks the
// best route plus alternatives. It depends only on narrow views of the
// catalog and the load balancer so the routing graph stays acyclic.
package decision

import (
	"fmt"
	"sort"
	"time"

	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/catalog"
	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/config"
	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/utils"
)

// HealthView exposes provider health to the engine
type HealthView interface {
	GetHealth(name string) catalog.Health
}

// LoadView exposes provider utilization to the engine
type LoadView interface {
	Utilization(provider string) float64
}

// ModelLookup exposes the catalog snapshot operations the engine needs
type ModelLookup interface {
	Snapshot() *catalog.Snapshot
}

// Kind tags a routing decision
type Kind string

const (
	KindRoute        Kind = "route"
	KindCacheHit     Kind = "cache_hit"
	KindNoCandidates Kind = "no_candidates"
	KindError        Kind = "error"
)

// Request describes what the engine must route
type Request struct {
	Endpoint             string
	Model                string
	RequiredCapabilities []string
	EstimatedTokens      int
}

// UserContext carries the plan signals that gate candidates
type UserContext struct {
	ID       string
	FreePlan bool
}

// Alternative is one of the runner-up candidates
type Alternative struct {
	Model    string  `json:"model"`
	Provider string  `json:"provider"`
	Score    float64 `json:"score"`
}

// Decision is the (ephemeral) outcome of one routing request
type Decision struct {
	Kind         Kind          `json:"kind"`
	Model        string        `json:"model,omitempty"`
	Provider     string        `json:"provider,omitempty"`
	Confidence   float64       `json:"confidence"`
	Reasoning    string        `json:"reasoning,omitempty"`
	Alternatives []Alternative `json:"alternatives,omitempty"`

	// PlanGated marks a no_candidates outcome where candidates existed but
	// every one was rejected by plan gating.
	PlanGated bool `json:"-"`

	CachedAt time.Time `json:"-"`
}

// Engine scores candidates and caches routing decisions
type Engine struct {
	lookup  ModelLookup
	healths HealthView
	loads   LoadView
	weights config.Weights
	cache   *decisionCache
}

// NewEngine creates a decision engine. cache may be nil-backed (in-memory
// only) when Redis is unavailable.
func NewEngine(lookup ModelLookup, healths HealthView, loads LoadView, weights config.Weights, cache *decisionCache) *Engine {
	if weights.Sum() == 0 {
		weights = config.DefaultWeights
	}
	if cache == nil {
		cache = newDecisionCache(nil)
	}
	return &Engine{lookup: lookup, healths: healths, loads: loads, weights: weights, cache: cache}
}

// candidate is a scored (model, provider) pair
type candidate struct {
	entry    *catalog.ModelEntry
	provider *catalog.Provider
	score    float64
}

// Decide routes a request: cache check, candidate enumeration and gating,
// scoring, tie-break, alternatives.
func (e *Engine) Decide(req Request, user UserContext) Decision {
	key := cacheKey(req, user)
	if cached, ok := e.cache.get(key); ok {
		if hit, valid := e.revalidate(cached); valid {
			hit.Kind = KindCacheHit
			return hit
		}
	}

	candidates, sawPlanGated := e.enumerate(req, user)
	if len(candidates) == 0 {
		return Decision{Kind: KindNoCandidates, PlanGated: sawPlanGated,
			Reasoning: "no providers passed health, plan and capability gating"}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.provider.Priority != b.provider.Priority {
			return a.provider.Priority < b.provider.Priority
		}
		if a.provider.Metadata.CostPerToken != b.provider.Metadata.CostPerToken {
			return a.provider.Metadata.CostPerToken < b.provider.Metadata.CostPerToken
		}
		return a.provider.Name < b.provider.Name
	})

	top := candidates[0]
	decision := Decision{
		Kind:       KindRoute,
		Model:      top.entry.LogicalID,
		Provider:   top.provider.Name,
		Confidence: top.score,
		Reasoning:  reasoningFor(top.score),
		CachedAt:   time.Now(),
	}
	for _, c := range candidates[1:] {
		if len(decision.Alternatives) == 3 {
			break
		}
		decision.Alternatives = append(decision.Alternatives, Alternative{
			Model:    c.entry.LogicalID,
			Provider: c.provider.Name,
			Score:    c.score,
		})
	}

	e.cache.put(key, &decision)
	utils.Debug("[Decision] %s via %s (confidence %.2f, %d alternatives)",
		decision.Model, decision.Provider, decision.Confidence, len(decision.Alternatives))
	return decision
}

// revalidate checks a cached decision against the current snapshot. A
// catalog reload may have removed the chosen provider; such entries are
// discarded and the request is scored fresh.
func (e *Engine) revalidate(cached *Decision) (Decision, bool) {
	snap := e.lookup.Snapshot()
	if _, ok := snap.Provider(cached.Provider); !ok {
		return Decision{}, false
	}
	hit := *cached
	hit.Alternatives = nil
	for _, alt := range cached.Alternatives {
		if _, ok := snap.Provider(alt.Provider); ok {
			hit.Alternatives = append(hit.Alternatives, alt)
		}
	}
	return hit, true
}

// enumerate walks every (model, provider) pair serving the endpoint and
// applies the hard gates: health, plan, capability match.
func (e *Engine) enumerate(req Request, user UserContext) ([]candidate, bool) {
	snap := e.lookup.Snapshot()
	sawPlanGated := false

	var entries []*catalog.ModelEntry
	if req.Model != "" {
		if entry, ok := snap.Lookup(req.Endpoint, req.Model); ok {
			entries = append(entries, entry)
		}
	} else {
		for _, entry := range snap.Models() {
			if entry.EndpointPath == req.Endpoint {
				entries = append(entries, entry)
			}
		}
	}

	var out []candidate
	for _, entry := range entries {
		capScore := capabilityMatch(req.RequiredCapabilities, entry.Capabilities)
		if capScore < config.CapabilityMatchFloor {
			continue
		}
		for _, p := range entry.Providers {
			health := e.healths.GetHealth(p.Name)
			if health.Status == catalog.HealthError {
				continue
			}
			if user.FreePlan && !FreePlanAllows(p) {
				sawPlanGated = true
				continue
			}
			out = append(out, candidate{
				entry:    entry,
				provider: p,
				score:    e.score(capScore, health.Status, p, user),
			})
		}
	}
	return out, sawPlanGated
}

// score combines the weighted components for one candidate
func (e *Engine) score(capScore float64, health catalog.HealthStatus, p *catalog.Provider, user UserContext) float64 {
	load := 1.0 - e.loads.Utilization(p.Name)
	if load < 0 {
		load = 0
	}

	plan := 0.5
	if !user.FreePlan && p.Metadata.PremiumModel {
		plan = 1.0
	} else if user.FreePlan && FreePlanAllows(p) {
		plan = 1.0
	}

	// Non-cached decisions carry a constant cache component
	const cacheComponent = 0.5

	return e.weights.Capability*capScore +
		e.weights.Health*health.Score() +
		e.weights.Load*load +
		e.weights.Plan*plan +
		e.weights.Cache*cacheComponent
}

// FreePlanAllows reports whether a provider's model is available on the
// free plan: marked free, not premium, seed tier, or effectively costless.
func FreePlanAllows(p *catalog.Provider) bool {
	return p.Metadata.IsFree ||
		!p.Metadata.PremiumModel ||
		p.Metadata.Tier == "seed" ||
		p.Metadata.CostPerToken <= config.FreeCostPerTokenMax
}

// capabilityMatch is |required ∩ available| / |required|; an empty
// requirement set matches everything.
func capabilityMatch(required, available []string) float64 {
	if len(required) == 0 {
		return 1.0
	}
	have := make(map[string]bool, len(available))
	for _, c := range available {
		have[c] = true
	}
	matched := 0
	for _, c := range required {
		if have[c] {
			matched++
		}
	}
	return float64(matched) / float64(len(required))
}

// reasoningFor maps a score onto a human-readable band
func reasoningFor(score float64) string {
	switch {
	case score >= 0.8:
		return fmt.Sprintf("excellent match (score %.2f)", score)
	case score >= 0.6:
		return fmt.Sprintf("good match (score %.2f)", score)
	case score >= 0.4:
		return fmt.Sprintf("acceptable match (score %.2f)", score)
	default:
		return fmt.Sprintf("best available (score %.2f)", score)
	}
}
