package decision

import (
	"sort"

	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/catalog"
	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/config"
)

// Equivalent is a model interchangeable with a target model
type Equivalent struct {
	Entry      *catalog.ModelEntry
	Similarity float64
}

// FindEquivalents returns models on the same endpoint whose capability sets
// have Jaccard similarity above the equivalence threshold, excluding the
// target itself and models the user's plan forbids. Sorted by similarity
// descending.
func (e *Engine) FindEquivalents(endpoint, target string, user UserContext) []Equivalent {
	return e.findSimilar(endpoint, target, user, config.EquivalentSimilarity)
}

// FindDowngrades returns plan-allowed models with looser similarity, used
// by the downgrade fallback strategy.
func (e *Engine) FindDowngrades(endpoint, target string, user UserContext) []Equivalent {
	return e.findSimilar(endpoint, target, user, config.DowngradeMatchFloor)
}

func (e *Engine) findSimilar(endpoint, target string, user UserContext, floor float64) []Equivalent {
	snap := e.lookup.Snapshot()
	targetEntry, ok := snap.Lookup(endpoint, target)
	var targetCaps []string
	if ok {
		targetCaps = targetEntry.Capabilities
	}

	var out []Equivalent
	for _, entry := range snap.Models() {
		if entry.EndpointPath != endpoint || entry.LogicalID == target {
			continue
		}
		if user.FreePlan && !entryAllowsFreePlan(entry) {
			continue
		}
		sim := jaccard(targetCaps, entry.Capabilities)
		if sim > floor {
			out = append(out, Equivalent{Entry: entry, Similarity: sim})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].Entry.LogicalID < out[j].Entry.LogicalID
	})
	return out
}

// entryAllowsFreePlan reports whether at least one provider of the entry
// passes the free-plan gate.
func entryAllowsFreePlan(entry *catalog.ModelEntry) bool {
	for _, p := range entry.Providers {
		if FreePlanAllows(p) {
			return true
		}
	}
	return false
}

// jaccard computes |a ∩ b| / |a ∪ b|; two empty sets are identical
func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	setA := make(map[string]bool, len(a))
	for _, s := range a {
		setA[s] = true
	}
	union := make(map[string]bool, len(a)+len(b))
	for s := range setA {
		union[s] = true
	}
	intersection := 0
	for _, s := range b {
		if setA[s] {
			intersection++
		}
		union[s] = true
	}
	return float64(intersection) / float64(len(union))
}
