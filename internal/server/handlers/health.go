package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Health handles GET /health - detailed status check. Returns 503 when no
// provider is usable.
func (d *Deps) Health(c *gin.Context) {
	start := time.Now()
	snap := d.Catalog.Snapshot()
	summary := d.Catalog.GetHealthSummary()

	type providerDetail struct {
		Name                string `json:"name"`
		Status              string `json:"status"`
		ConsecutiveFailures int    `json:"consecutiveFailures"`
		LastError           string `json:"lastError,omitempty"`
		LastChecked         string `json:"lastChecked,omitempty"`
		CooldownRemainingMs int64  `json:"cooldownRemainingMs"`
		Current             int    `json:"current"`
		Capacity            int    `json:"capacity"`
		QueueDepth          int    `json:"queueDepth"`
	}

	details := make([]providerDetail, 0, len(snap.Providers()))
	for _, p := range snap.Providers() {
		health := d.Catalog.GetHealth(p.Name)
		detail := providerDetail{
			Name:                p.Name,
			Status:              string(health.Status),
			ConsecutiveFailures: health.ConsecutiveFailures,
			LastError:           health.LastError,
			CooldownRemainingMs: d.Limiter.BackoffRemaining(p.Name).Milliseconds(),
			Current:             d.Balancer.Current(p.Name),
			Capacity:            d.Balancer.Capacity(p.Name),
			QueueDepth:          d.Balancer.QueueDepth(p.Name),
		}
		if !health.LastChecked.IsZero() {
			detail.LastChecked = health.LastChecked.Format(time.RFC3339)
		}
		details = append(details, detail)
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if summary.Total > 0 && summary.Unhealthy == summary.Total {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"timestamp": time.Now().Format(time.RFC3339),
		"latencyMs": time.Since(start).Milliseconds(),
		"counts": gin.H{
			"total":     summary.Total,
			"healthy":   summary.Healthy,
			"unhealthy": summary.Unhealthy,
			"unknown":   summary.Unknown,
		},
		"providers": details,
		"models":    len(snap.Models()),
		"endpoints": snap.Endpoints(),
	})
}

// Healthz handles GET /healthz - liveness only
func (d *Deps) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
