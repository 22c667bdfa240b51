// Package server provides the HTTP server: gin engine, routes and the
// middleware chain including the auth and quota gate.
package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/config"
	gwerrors "github.com/ThatsRight-ItsTJ/your-pal-moe/internal/errors"
	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/quota"
	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/server/handlers"
	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/utils"
)

// CORSMiddleware handles CORS headers against the configured origin list
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	allowAll := len(allowedOrigins) == 0
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		switch {
		case allowAll:
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		case origin != "" && allowed[origin]:
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Vary", "Origin")
		}
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
		c.Writer.Header().Set("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// IPWhitelistMiddleware rejects clients outside the whitelist. An empty
// whitelist admits everyone.
func IPWhitelistMiddleware(whitelist []string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(whitelist))
	for _, ip := range whitelist {
		allowed[ip] = true
	}

	return func(c *gin.Context) {
		if len(allowed) == 0 {
			c.Next()
			return
		}
		ip := c.ClientIP()
		if !allowed[ip] {
			utils.Warn("[Server] Rejected request from non-whitelisted IP %s", ip)
			handlers.WriteError(c, gwerrors.Forbidden("IP address not allowed", "ip_not_allowed"))
			return
		}
		c.Next()
	}
}

// RequestLoggingMiddleware logs every request with status-colored levels
func RequestLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		ms := time.Since(start).Milliseconds()
		logMsg := "[%s] %s %d (%dms)"

		if c.Request.URL.Path == "/healthz" && !utils.IsDebug() {
			return
		}

		switch {
		case status >= 500:
			utils.Error(logMsg, c.Request.Method, c.Request.URL.Path, status, ms)
		case status >= 400:
			utils.Warn(logMsg, c.Request.Method, c.Request.URL.Path, status, ms)
		default:
			utils.Info(logMsg, c.Request.Method, c.Request.URL.Path, status, ms)
		}
	}
}

// extractAPIKey pulls the client key from Authorization: Bearer or X-API-Key
func extractAPIKey(c *gin.Context) string {
	if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return c.GetHeader("X-API-Key")
}

// AuthGateMiddleware resolves the API key to a user, enforces key state and
// the daily quota, and attaches the user to the request context. When the
// user store is empty the gate is a no-op (bootstrap mode).
func AuthGateMiddleware(store *quota.Store, cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if store.Count() == 0 {
			c.Next()
			return
		}

		key := extractAPIKey(c)
		if key == "" {
			handlers.WriteError(c, gwerrors.Authentication("API key required", "api_key_missing"))
			return
		}

		user := store.Resolve(key)
		if user == nil || !user.Enabled {
			utils.Warn("[Auth] Rejected key %s… from %s", truncate(key, 11), c.ClientIP())
			handlers.WriteError(c, gwerrors.Forbidden("Invalid API key", "invalid_api_key"))
			return
		}

		now := time.Now()
		if user.ExpiresAt > 0 && now.Unix() >= user.ExpiresAt {
			handlers.WriteError(c, gwerrors.Authentication("API key expired", "api_key_expired"))
			return
		}

		if cfg.EnableRotation && user.LastRotationTimestamp > 0 {
			age := now.Sub(time.Unix(user.LastRotationTimestamp, 0))
			if age >= cfg.RotationInterval {
				handlers.WriteError(c, gwerrors.Forbidden("API key rotation required", "api_key_rotation_required"))
				return
			}
		}

		if cfg.EnableScopes && len(user.Scopes) > 0 {
			if !scopeAllows(user.Scopes, c.Request.URL.Path) {
				handlers.WriteError(c, gwerrors.Forbidden("Insufficient permissions for this path", "insufficient_permissions"))
				return
			}
		}

		if check := store.CheckDaily(user); !check.OK {
			handlers.WriteError(c, gwerrors.DailyLimit(check.Used, check.Limit))
			return
		}

		c.Set(handlers.UserContextKey, user)
		c.Next()
	}
}

// AdminAuthMiddleware guards the /admin surface with the admin API key
func AdminAuthMiddleware(adminKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if adminKey == "" {
			handlers.WriteError(c, gwerrors.Configuration("ADMIN_API_KEY is not configured"))
			return
		}
		if extractAPIKey(c) != adminKey {
			handlers.WriteError(c, gwerrors.Forbidden("Admin API key required", "invalid_admin_key"))
			return
		}
		c.Next()
	}
}

func scopeAllows(scopes []string, path string) bool {
	for _, scope := range scopes {
		if utils.MatchScope(scope, path) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
