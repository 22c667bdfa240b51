package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	gwerrors "github.com/ThatsRight-ItsTJ/your-pal-moe/internal/errors"
	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/quota"
)

// Usage handles GET /v1/usage: the caller's token counters and plan limit
func (d *Deps) Usage(c *gin.Context) {
	user := CurrentUser(c)
	if user == nil {
		WriteError(c, gwerrors.Authentication("API key required", "api_key_missing"))
		return
	}

	usage, ok := d.Store.UsageFor(user.APIKey)
	if !ok {
		WriteError(c, gwerrors.Forbidden("Unknown API key", "invalid_api_key"))
		return
	}

	payload := gin.H{
		"username":                         user.Username,
		"plan":                             user.Plan,
		"total_tokens_processed":           usage.TotalTokens,
		"daily_tokens_processed_today_utc": usage.DailyTokens,
		"timestamp_utc":                    time.Now().UTC().Format(time.RFC3339),
	}
	if limit, limited := quota.ParseDailyLimit(user.Plan); limited {
		payload["daily_limit"] = limit
		payload["daily_tokens_remaining"] = max64(limit-usage.DailyTokens, 0)
	} else {
		payload["daily_limit"] = nil
	}
	c.JSON(http.StatusOK, payload)
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
