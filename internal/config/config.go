package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/utils"
)

// Config represents the runtime configuration. Defaults are overlaid first
// by the optional security config file, then by environment variables.
type Config struct {
	// Server
	Port int    `json:"port"`
	Host string `json:"host"`

	// Admin access
	AdminAPIKey string `json:"adminApiKey"`

	// Persisted state
	ProvidersFile string `json:"providersFile"`
	UsersFile     string `json:"usersFile"`
	SecurityFile  string `json:"securityFile"`

	// Network policy
	AllowedOrigins []string `json:"allowedOrigins"`
	IPWhitelist    []string `json:"ipWhitelist"`

	// Feature flags
	EnableScopes     bool `json:"enableScopes"`
	EnableRotation   bool `json:"enableRotation"`
	EnableUsageStats bool `json:"enableUsageStats"`

	// Routing
	Strategy string  `json:"strategy"` // least_load | round_robin | weighted | random
	Weights  Weights `json:"weights"`

	// Rotation policy
	RotationInterval time.Duration `json:"-"`

	// Redis (optional cache/stats tier)
	RedisAddr     string `json:"redisAddr"`
	RedisPassword string `json:"redisPassword"`
	RedisDB       int    `json:"redisDB"`

	// Debugging
	DevMode bool `json:"devMode"`
}

// DefaultConfig returns the built-in defaults
func DefaultConfig() *Config {
	return &Config{
		Port:             DefaultPort,
		Host:             DefaultHost,
		ProvidersFile:    DefaultProvidersFile,
		UsersFile:        DefaultUsersFile,
		SecurityFile:     DefaultSecurityFile,
		AllowedOrigins:   []string{"*"},
		EnableUsageStats: true,
		Strategy:         "least_load",
		Weights:          DefaultWeights,
		RotationInterval: DefaultRotationInterval,
	}
}

// Load applies the security config file overlay (when present) and then
// environment variables on top of the current values.
func (c *Config) Load() error {
	if data, err := os.ReadFile(c.SecurityFile); err == nil {
		if err := json.Unmarshal(data, c); err != nil {
			utils.Warn("[Config] Failed to parse %s: %v", c.SecurityFile, err)
		} else {
			utils.Debug("[Config] Loaded security overlay from %s", c.SecurityFile)
		}
	}

	c.Port = GetEnvInt("PORT", c.Port)
	c.Host = GetEnv("HOST", c.Host)
	c.AdminAPIKey = GetEnv("ADMIN_API_KEY", c.AdminAPIKey)
	c.ProvidersFile = GetEnv("PROVIDERS_FILE", c.ProvidersFile)
	c.UsersFile = GetEnv("USERS_FILE", c.UsersFile)
	c.AllowedOrigins = GetEnvStringSlice("ALLOWED_ORIGINS", c.AllowedOrigins)
	c.IPWhitelist = GetEnvStringSlice("IP_WHITELIST", c.IPWhitelist)
	c.EnableScopes = GetEnvBool("ENABLE_SCOPES", c.EnableScopes)
	c.EnableRotation = GetEnvBool("ENABLE_ROTATION", c.EnableRotation)
	c.EnableUsageStats = GetEnvBool("ENABLE_USAGE_STATS", c.EnableUsageStats)
	c.Strategy = GetEnv("LB_STRATEGY", c.Strategy)
	c.RedisAddr = GetEnv("REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = GetEnv("REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = GetEnvInt("REDIS_DB", c.RedisDB)

	if c.Weights.Sum() == 0 {
		c.Weights = DefaultWeights
	}
	return nil
}
