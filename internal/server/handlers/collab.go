package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/catalog"
	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/collab"
	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/decision"
	gwerrors "github.com/ThatsRight-ItsTJ/your-pal-moe/internal/errors"
	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/modules"
	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/proxy"
	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/utils"
)

// runCollab binds each requested model to a provider and hands the calls to
// the collaboration coordinator.
func (d *Deps) runCollab(c *gin.Context, body []byte, meta requestMeta) {
	user := CurrentUser(c)
	duser := d.decisionUser(user)
	snap := d.Catalog.Snapshot()

	calls := make([]collab.Call, 0, len(meta.models))
	for _, model := range meta.models {
		dec := d.Decider.Decide(decision.Request{
			Endpoint: proxy.ChatDescriptor.Path,
			Model:    model,
		}, duser)
		if dec.Kind == decision.KindNoCandidates {
			if dec.PlanGated {
				WriteError(c, gwerrors.Forbidden("Model "+model+" not available on your plan", "model_not_available"))
				return
			}
			WriteError(c, gwerrors.Validation("no providers available for model "+model))
			return
		}
		provider, ok := snap.Provider(dec.Provider)
		if !ok {
			WriteError(c, gwerrors.Configuration("decision referenced unknown provider "+dec.Provider))
			return
		}
		calls = append(calls, collab.Call{
			Model:    model,
			Provider: provider,
			Body:     proxy.RewriteModel(body, model),
		})
	}

	outcome, err := d.Collab.Run(c.Request.Context(), meta.collabMode, calls)
	if err != nil {
		WriteError(c, err)
		return
	}

	// Account every successful call against the user's quota
	tokens := 0
	for _, r := range outcome.Results {
		if r.Success {
			tokens += utils.EstimateTokens(len(r.Output))
			modules.TrackFromContext(c, r.Model)
		}
	}
	if user != nil && tokens > 0 {
		d.Store.RecordUsage(user.APIKey, tokens, 1.0)
	}

	c.JSON(http.StatusOK, outcome)
}

// JudgeResolver returns the resolver the coordinator uses to locate the
// judge model's provider.
func (d *Deps) JudgeResolver() collab.Resolver {
	return func(model string) (*catalog.Provider, bool) {
		dec := d.Decider.Decide(decision.Request{
			Endpoint: proxy.ChatDescriptor.Path,
			Model:    model,
		}, decision.UserContext{})
		if dec.Kind == decision.KindNoCandidates {
			return nil, false
		}
		return d.Catalog.Snapshot().Provider(dec.Provider)
	}
}
