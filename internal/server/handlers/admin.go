package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/catalog"
	gwerrors "github.com/ThatsRight-ItsTJ/your-pal-moe/internal/errors"
	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/utils"
)

// Admin key actions
const (
	ActionAdd        = "add"
	ActionEnable     = "enable"
	ActionDisable    = "disable"
	ActionChangePlan = "change_plan"
	ActionResetKey   = "resetkey"
)

// keyActionRequest is the POST /admin/keys body
type keyActionRequest struct {
	Action   string `json:"action"`
	Username string `json:"username,omitempty"`
	APIKey   string `json:"api_key,omitempty"`
	Plan     string `json:"plan,omitempty"`
}

// AdminListKeys handles GET /admin/keys: every user record, keyed by API key
func (d *Deps) AdminListKeys(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"users": d.Store.List()})
}

// AdminKeyAction handles POST /admin/keys
func (d *Deps) AdminKeyAction(c *gin.Context) {
	var req keyActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		WriteError(c, gwerrors.Validation("malformed JSON body"))
		return
	}

	switch req.Action {
	case ActionAdd:
		key, err := d.Store.Add(req.Username, req.Plan)
		if err != nil {
			WriteError(c, gwerrors.Validation(err.Error()))
			return
		}
		utils.Info("[Admin] Added user %s (plan %s)", req.Username, req.Plan)
		c.JSON(http.StatusOK, gin.H{"status": "ok", "api_key": key})

	case ActionEnable, ActionDisable:
		if err := d.Store.SetEnabled(req.APIKey, req.Action == ActionEnable); err != nil {
			WriteError(c, gwerrors.Validation(err.Error()))
			return
		}
		utils.Info("[Admin] %s key %s…", req.Action, truncateKey(req.APIKey))
		c.JSON(http.StatusOK, gin.H{"status": "ok"})

	case ActionChangePlan:
		if req.Plan == "" {
			WriteError(c, gwerrors.Validation("plan is required"))
			return
		}
		if err := d.Store.ChangePlan(req.APIKey, req.Plan); err != nil {
			WriteError(c, gwerrors.Validation(err.Error()))
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})

	case ActionResetKey:
		newKey, err := d.Store.ResetKey(req.APIKey)
		if err != nil {
			WriteError(c, gwerrors.Validation(err.Error()))
			return
		}
		utils.Info("[Admin] Reset key %s…", truncateKey(req.APIKey))
		c.JSON(http.StatusOK, gin.H{"status": "ok", "api_key": newKey})

	default:
		WriteError(c, gwerrors.Validation("unknown action: "+req.Action))
	}
}

// AdminProviders handles GET /admin/providers with optional filter and sort
// query parameters.
func (d *Deps) AdminProviders(c *gin.Context) {
	if by := c.Query("sort"); by != "" {
		c.JSON(http.StatusOK, gin.H{"providers": d.Catalog.GetSorted(by, c.DefaultQuery("order", "asc"))})
		return
	}
	providers := d.Catalog.GetFiltered(catalog.Filters{
		Endpoint: c.Query("endpoint"),
		Model:    c.Query("model"),
		OnlyFree: c.Query("free") == "true",
		Tier:     c.Query("tier"),
	})
	c.JSON(http.StatusOK, gin.H{"providers": providers})
}

// AdminValidate handles GET /admin/validate: catalog validation results
func (d *Deps) AdminValidate(c *gin.Context) {
	c.JSON(http.StatusOK, d.Catalog.Snapshot().Validate())
}

// AdminReload handles POST /admin/reload: explicit catalog reload
func (d *Deps) AdminReload(c *gin.Context) {
	if err := d.Catalog.Reload(); err != nil {
		WriteError(c, gwerrors.Configuration(err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "providers": len(d.Catalog.Snapshot().Providers())})
}

func truncateKey(key string) string {
	if len(key) <= 11 {
		return key
	}
	return key[:11]
}
