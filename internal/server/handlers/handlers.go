// Package handlers implements the gateway's HTTP endpoints: one
// parameterized forwarder for the OpenAI-compatible surface plus the
// models, usage, health and admin handlers.
package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/balancer"
	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/catalog"
	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/collab"
	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/config"
	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/decision"
	gwerrors "github.com/ThatsRight-ItsTJ/your-pal-moe/internal/errors"
	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/fallback"
	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/proxy"
	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/quota"
	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/ratelimit"
)

// UserContextKey is the gin context key the auth gate stores the resolved
// user under.
const UserContextKey = "authUser"

// Deps bundles the components the handlers route through
type Deps struct {
	Config   *config.Config
	Catalog  *catalog.Catalog
	Store    *quota.Store
	Limiter  *ratelimit.Limiter
	Balancer *balancer.Balancer
	Decider  *decision.Engine
	Fallback *fallback.Handler
	Engine   *proxy.Engine
	Collab   *collab.Coordinator
}

// CurrentUser returns the user the auth gate attached, if any
func CurrentUser(c *gin.Context) *quota.User {
	if v, ok := c.Get(UserContextKey); ok {
		if u, ok := v.(*quota.User); ok {
			return u
		}
	}
	return nil
}

// WriteError renders a gateway error as the OpenAI error envelope
func WriteError(c *gin.Context, err error) {
	ge := gwerrors.AsGateway(err)
	c.AbortWithStatusJSON(ge.Status, ge.ToBody())
}
