// Package modules provides optional feature modules for the gateway.
package modules

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/utils"
	"github.com/ThatsRight-ItsTJ/your-pal-moe/pkg/redis"
)

// pruneInterval is how often old hourly buckets are swept
const pruneInterval = 1 * time.Hour

// retentionDays is how long hourly buckets are kept
const retentionDays = 30

// UsageStats records per-model request counts in hourly buckets. The module
// is a no-op when Redis is not configured.
type UsageStats struct {
	store    *redis.StatsStore
	stopChan chan struct{}
}

// NewUsageStats creates the module. client may be nil.
func NewUsageStats(client *redis.Client) *UsageStats {
	var store *redis.StatsStore
	if client != nil {
		store = redis.NewStatsStore(client)
	}
	return &UsageStats{store: store, stopChan: make(chan struct{})}
}

// Initialize starts the background prune loop
func (u *UsageStats) Initialize() {
	if u.store == nil {
		utils.Debug("[UsageStats] Redis not configured, statistics disabled")
		return
	}
	go u.backgroundPrune()
	utils.Info("[UsageStats] Module initialized")
}

// Shutdown stops the background loop
func (u *UsageStats) Shutdown() {
	close(u.stopChan)
}

func (u *UsageStats) backgroundPrune() {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-u.stopChan:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			pruned, err := u.store.PruneOldStats(ctx, retentionDays)
			cancel()
			if err != nil {
				utils.Warn("[UsageStats] Failed to prune old stats: %v", err)
			} else if pruned > 0 {
				utils.Debug("[UsageStats] Pruned %d old buckets", pruned)
			}
		}
	}
}

// Track records one request for a logical model
func (u *UsageStats) Track(model string) {
	if u.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := u.store.RecordRequest(ctx, model); err != nil {
		utils.Debug("[UsageStats] Failed to record request: %v", err)
	}
}

// Middleware arms tracking for the OpenAI POST endpoints; handlers call
// TrackFromContext once they know the resolved model.
func (u *UsageStats) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodPost {
			c.Set("trackUsage", func(model string) { u.Track(model) })
		}
		c.Next()
	}
}

// TrackFromContext records a request when the middleware armed tracking
func TrackFromContext(c *gin.Context, model string) {
	if fn, ok := c.Get("trackUsage"); ok {
		if track, ok := fn.(func(string)); ok {
			track(model)
		}
	}
}

// SetupRoutes mounts the stats API onto an admin route group
func (u *UsageStats) SetupRoutes(group *gin.RouterGroup) {
	group.GET("/stats", u.handleGetStats)
}

// handleGetStats returns all hourly buckets, oldest first
func (u *UsageStats) handleGetStats(c *gin.Context) {
	if u.store == nil {
		c.JSON(http.StatusOK, gin.H{"buckets": []redis.HourlyStats{}})
		return
	}
	buckets, err := u.store.GetHourly(c.Request.Context())
	if err != nil {
		utils.Error("[UsageStats] Failed to read stats: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"buckets": buckets})
}
