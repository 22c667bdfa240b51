package config

import (
	"encoding/json"
	"os"
	"strconv"

	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/utils"
)

// GetEnv returns the value of an environment variable or a default
func GetEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// GetEnvInt returns an integer environment variable or a default when the
// variable is unset or unparseable.
func GetEnvInt(key string, defaultValue int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		utils.Warn("[Config] Invalid integer for %s=%q, using default %d", key, v, defaultValue)
		return defaultValue
	}
	return n
}

// GetEnvBool returns a boolean environment variable or a default.
// Accepts "true"/"false"/"1"/"0".
func GetEnvBool(key string, defaultValue bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		utils.Warn("[Config] Invalid boolean for %s=%q, using default %v", key, v, defaultValue)
		return defaultValue
	}
	return b
}

// GetEnvStringSlice parses a JSON-array environment variable
// (e.g. ALLOWED_ORIGINS=["https://a.example","https://b.example"]).
func GetEnvStringSlice(key string, defaultValue []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	var out []string
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		utils.Warn("[Config] Invalid JSON array for %s, using default", key)
		return defaultValue
	}
	return out
}
