package catalog

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/utils"
)

// Catalog owns the current snapshot and the per-provider health map.
// Health survives snapshot swaps so a reload does not reset failure
// tracking for providers that stay in the catalog.
type Catalog struct {
	mu     sync.RWMutex
	snap   *Snapshot
	source string

	healthMu sync.RWMutex
	health   map[string]*Health
}

// New creates a Catalog over a providers file and performs the initial load
func New(source string) (*Catalog, error) {
	snap, err := Load(source)
	if err != nil {
		return nil, err
	}
	c := &Catalog{
		snap:   snap,
		source: source,
		health: make(map[string]*Health),
	}
	result := snap.Validate()
	if !result.IsValid {
		for _, pe := range result.Errors {
			utils.Warn("[Catalog] Provider %s failed validation: %s", pe.Provider, strings.Join(pe.Errors, "; "))
		}
	}
	utils.Info("[Catalog] Loaded %d providers across %d endpoints from %s",
		len(snap.providers), len(snap.endpoints), source)
	return c, nil
}

// NewFromSnapshot creates a Catalog over a pre-built snapshot (tests)
func NewFromSnapshot(snap *Snapshot) *Catalog {
	return &Catalog{snap: snap, health: make(map[string]*Health)}
}

// Snapshot returns the current immutable snapshot
func (c *Catalog) Snapshot() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

// Reload re-runs load+validate and swaps the snapshot atomically.
// In-flight requests keep the previous snapshot until their references drop.
func (c *Catalog) Reload() error {
	snap, err := Load(c.source)
	if err != nil {
		return err
	}
	result := snap.Validate()
	if !result.IsValid {
		for _, pe := range result.Errors {
			utils.Warn("[Catalog] Provider %s failed validation on reload: %s", pe.Provider, strings.Join(pe.Errors, "; "))
		}
	}

	c.mu.Lock()
	c.snap = snap
	c.mu.Unlock()

	// Drop health entries for providers that left the catalog
	c.healthMu.Lock()
	for name := range c.health {
		if _, ok := snap.providers[name]; !ok {
			delete(c.health, name)
		}
	}
	c.healthMu.Unlock()

	utils.Info("[Catalog] Reloaded: %d providers, %d valid", len(snap.providers), result.ValidProviders)
	return nil
}

// GetHealth returns the health record for a provider. Providers never seen
// by UpdateHealth report status unknown.
func (c *Catalog) GetHealth(name string) Health {
	c.healthMu.RLock()
	defer c.healthMu.RUnlock()
	if h, ok := c.health[name]; ok {
		return *h
	}
	return Health{Status: HealthUnknown}
}

// UpdateHealth records a health transition. Errors bump the consecutive
// failure count; a healthy update resets it.
func (c *Catalog) UpdateHealth(name string, status HealthStatus, err error) {
	c.healthMu.Lock()
	defer c.healthMu.Unlock()

	h, ok := c.health[name]
	if !ok {
		h = &Health{Status: HealthUnknown}
		c.health[name] = h
	}
	h.Status = status
	h.LastChecked = time.Now()
	switch status {
	case HealthError:
		h.ConsecutiveFailures++
		if err != nil {
			h.LastError = err.Error()
		}
	case HealthHealthy:
		h.ConsecutiveFailures = 0
		h.LastError = ""
	}
}

// HealthSummary summarizes provider health counts
type HealthSummary struct {
	Total     int `json:"total"`
	Healthy   int `json:"healthy"`
	Unhealthy int `json:"unhealthy"`
	Unknown   int `json:"unknown"`
}

// GetHealthSummary returns the health counts across the current snapshot
func (c *Catalog) GetHealthSummary() HealthSummary {
	snap := c.Snapshot()
	summary := HealthSummary{Total: len(snap.providers)}
	for name := range snap.providers {
		switch c.GetHealth(name).Status {
		case HealthHealthy, HealthDegraded:
			summary.Healthy++
		case HealthError:
			summary.Unhealthy++
		default:
			summary.Unknown++
		}
	}
	return summary
}

// Filters selects a subset of providers in GetFiltered
type Filters struct {
	Endpoint string
	Model    string
	OnlyFree bool
	Tier     string
}

// GetFiltered returns a filtered copy of the provider list. The underlying
// snapshot is never mutated.
func (c *Catalog) GetFiltered(f Filters) []*Provider {
	snap := c.Snapshot()

	var source []*Provider
	if f.Endpoint != "" || f.Model != "" {
		seen := make(map[string]bool)
		for _, entry := range snap.Models() {
			if f.Endpoint != "" && entry.EndpointPath != f.Endpoint {
				continue
			}
			if f.Model != "" && entry.LogicalID != f.Model {
				continue
			}
			for _, p := range entry.Providers {
				if !seen[p.Name] {
					source = append(source, p)
					seen[p.Name] = true
				}
			}
		}
	} else {
		source = snap.Providers()
	}

	out := make([]*Provider, 0, len(source))
	for _, p := range source {
		if f.OnlyFree && !p.Metadata.IsFree {
			continue
		}
		if f.Tier != "" && p.Metadata.Tier != f.Tier {
			continue
		}
		out = append(out, p)
	}
	return out
}

// GetSorted returns a sorted copy of all providers. by is one of
// "name", "priority" or "cost"; order is "asc" or "desc".
func (c *Catalog) GetSorted(by, order string) []*Provider {
	providers := c.Snapshot().Providers()
	out := make([]*Provider, len(providers))
	copy(out, providers)

	less := func(a, b *Provider) bool { return a.Name < b.Name }
	switch by {
	case "priority":
		less = func(a, b *Provider) bool {
			if a.Priority != b.Priority {
				return a.Priority < b.Priority
			}
			return a.Name < b.Name
		}
	case "cost":
		less = func(a, b *Provider) bool {
			if a.Metadata.CostPerToken != b.Metadata.CostPerToken {
				return a.Metadata.CostPerToken < b.Metadata.CostPerToken
			}
			return a.Name < b.Name
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if order == "desc" {
			return less(out[j], out[i])
		}
		return less(out[i], out[j])
	})
	return out
}
