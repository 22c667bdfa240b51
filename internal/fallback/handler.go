// Package fallback turns a routing or execution failure into an ordered
// list of recovery strategies and resolves the first one that yields an
// admitted route.
package fallback

import (
	"context"
	"time"

	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/balancer"
	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/catalog"
	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/config"
	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/decision"
	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/utils"
)

// Failure classes fed into the strategy table
const (
	ClassProviderUnhealthy = "provider_unhealthy"
	ClassModelUnavailable  = "model_unavailable"
	ClassRateLimit         = "rate_limit_exceeded"
	ClassCapacity          = "capacity_exceeded"
)

// Strategy names
const (
	StrategyEquivalentModel = "equivalent_model"
	StrategySimilarProvider = "similar_provider"
	StrategyDowngradeModel  = "downgrade_model"
	StrategyPaidFallback    = "paid_fallback"
	StrategyQueueRequest    = "queue_request"
)

// Failure describes what went wrong with the primary route
type Failure struct {
	Class                string
	Endpoint             string
	Model                string
	Provider             string
	RequiredCapabilities []string
}

// UserContext mirrors the decision engine's plan signals
type UserContext struct {
	ID       string
	FreePlan bool
	Premium  bool
}

// Attempt is an admitted recovery route
type Attempt struct {
	Strategy  string
	Model     string
	Provider  string
	Admission balancer.Admission
}

// Outcome summarizes a fallback resolution
type Outcome struct {
	Success  bool
	Attempts int
	Attempt  *Attempt
}

// ModelView exposes the catalog operations the handler needs
type ModelView interface {
	Snapshot() *catalog.Snapshot
}

// Admitter exposes the balancer operations the handler needs
type Admitter interface {
	Admit(candidates []string) (balancer.Admission, bool)
	Release(provider string)
}

// EquivalenceFinder exposes the decision engine operations the handler needs
type EquivalenceFinder interface {
	FindEquivalents(endpoint, target string, user decision.UserContext) []decision.Equivalent
	FindDowngrades(endpoint, target string, user decision.UserContext) []decision.Equivalent
}

// Handler resolves failures into recovery attempts
type Handler struct {
	models      ModelView
	admitter    Admitter
	equivalents EquivalenceFinder
	maxAttempts int
	timeout     time.Duration
}

// New creates a fallback handler with the default attempt and time budget
func New(models ModelView, admitter Admitter, equivalents EquivalenceFinder) *Handler {
	return &Handler{
		models:      models,
		admitter:    admitter,
		equivalents: equivalents,
		maxAttempts: config.MaxFallbackAttempts,
		timeout:     config.FallbackTimeout,
	}
}

// ChainFor derives the ordered strategy list for a failure class,
// truncated to the attempt budget.
func (h *Handler) ChainFor(f Failure, user UserContext) []string {
	var chain []string
	switch f.Class {
	case ClassProviderUnhealthy:
		chain = []string{StrategyEquivalentModel, StrategySimilarProvider}
		if user.Premium {
			chain = append(chain, StrategyPaidFallback)
		}
	case ClassModelUnavailable:
		chain = []string{StrategyEquivalentModel, StrategySimilarProvider, StrategyDowngradeModel}
	case ClassRateLimit:
		chain = []string{StrategyQueueRequest, StrategyEquivalentModel}
	case ClassCapacity:
		chain = []string{StrategyQueueRequest, StrategySimilarProvider}
	default:
		chain = []string{StrategyEquivalentModel, StrategySimilarProvider, StrategyQueueRequest}
	}
	if len(chain) > h.maxAttempts {
		chain = chain[:h.maxAttempts]
	}
	return chain
}

// Resolve runs the strategy chain under the fallback time budget. The
// first strategy producing an admitted route wins. The caller owns the
// returned admission: it must Release (and Wait, when queued).
func (h *Handler) Resolve(ctx context.Context, f Failure, user UserContext) Outcome {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	chain := h.ChainFor(f, user)
	attempts := 0
	for _, strategy := range chain {
		if ctx.Err() != nil {
			break
		}
		attempts++
		utils.Debug("[Fallback] Trying strategy %s for %s/%s", strategy, f.Endpoint, f.Model)

		var attempt *Attempt
		switch strategy {
		case StrategyEquivalentModel:
			attempt = h.tryEquivalentModel(f, user)
		case StrategySimilarProvider:
			attempt = h.trySimilarProvider(f, user)
		case StrategyDowngradeModel:
			attempt = h.tryDowngradeModel(f, user)
		case StrategyPaidFallback:
			attempt = h.tryPaidFallback(f, user)
		case StrategyQueueRequest:
			attempt = h.tryQueueRequest(f)
		}

		if attempt != nil {
			attempt.Strategy = strategy
			utils.Info("[Fallback] Strategy %s selected %s via %s", strategy, attempt.Model, attempt.Provider)
			return Outcome{Success: true, Attempts: attempts, Attempt: attempt}
		}
	}
	return Outcome{Success: false, Attempts: attempts}
}

func (h *Handler) decisionUser(user UserContext) decision.UserContext {
	return decision.UserContext{ID: user.ID, FreePlan: user.FreePlan}
}

// tryEquivalentModel walks the equivalents of the failed model and accepts
// the first non-queued admission.
func (h *Handler) tryEquivalentModel(f Failure, user UserContext) *Attempt {
	for _, eq := range h.equivalents.FindEquivalents(f.Endpoint, f.Model, h.decisionUser(user)) {
		for _, p := range eq.Entry.Providers {
			adm, ok := h.admitter.Admit([]string{p.Name})
			if !ok {
				continue
			}
			if adm.Queued {
				// Not worth waiting here; another strategy may have capacity
				continue
			}
			return &Attempt{Model: eq.Entry.LogicalID, Provider: p.Name, Admission: adm}
		}
	}
	return nil
}

// trySimilarProvider looks for a different provider serving a model whose
// capabilities overlap the request.
func (h *Handler) trySimilarProvider(f Failure, user UserContext) *Attempt {
	snap := h.models.Snapshot()
	for _, entry := range snap.Models() {
		if entry.EndpointPath != f.Endpoint {
			continue
		}
		if capabilityMatch(f.RequiredCapabilities, entry.Capabilities) <= config.SimilarProviderMatch {
			continue
		}
		for _, p := range entry.Providers {
			if p.Name == f.Provider {
				continue
			}
			if user.FreePlan && !decision.FreePlanAllows(p) {
				continue
			}
			adm, ok := h.admitter.Admit([]string{p.Name})
			if !ok || adm.Queued {
				continue
			}
			return &Attempt{Model: entry.LogicalID, Provider: p.Name, Admission: adm}
		}
	}
	return nil
}

// tryDowngradeModel accepts any plan-allowed model with a loose
// capability match, best similarity first.
func (h *Handler) tryDowngradeModel(f Failure, user UserContext) *Attempt {
	for _, eq := range h.equivalents.FindDowngrades(f.Endpoint, f.Model, h.decisionUser(user)) {
		for _, p := range eq.Entry.Providers {
			adm, ok := h.admitter.Admit([]string{p.Name})
			if !ok || adm.Queued {
				continue
			}
			return &Attempt{Model: eq.Entry.LogicalID, Provider: p.Name, Admission: adm}
		}
	}
	return nil
}

// tryPaidFallback routes premium users onto paid models with a strong
// capability match.
func (h *Handler) tryPaidFallback(f Failure, user UserContext) *Attempt {
	if !user.Premium {
		return nil
	}
	snap := h.models.Snapshot()
	for _, entry := range snap.Models() {
		if entry.EndpointPath != f.Endpoint || entry.LogicalID == f.Model {
			continue
		}
		if capabilityMatch(f.RequiredCapabilities, entry.Capabilities) <= config.CapabilityMatchFloor {
			continue
		}
		for _, p := range entry.Providers {
			if !p.Metadata.PremiumOnly && !p.Metadata.PaidModel {
				continue
			}
			adm, ok := h.admitter.Admit([]string{p.Name})
			if !ok || adm.Queued {
				continue
			}
			return &Attempt{Model: entry.LogicalID, Provider: p.Name, Admission: adm}
		}
	}
	return nil
}

// tryQueueRequest delegates to the balancer queue on the original model's
// providers.
func (h *Handler) tryQueueRequest(f Failure) *Attempt {
	snap := h.models.Snapshot()
	entry, ok := snap.Lookup(f.Endpoint, f.Model)
	if !ok {
		return nil
	}
	names := make([]string, 0, len(entry.Providers))
	for _, p := range entry.Providers {
		names = append(names, p.Name)
	}
	adm, ok := h.admitter.Admit(names)
	if !ok {
		return nil
	}
	return &Attempt{Model: f.Model, Provider: adm.Provider, Admission: adm}
}

// capabilityMatch mirrors the decision engine's hard-gate metric
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
