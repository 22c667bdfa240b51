// Package catalog manages the provider catalog: loading and validating
// provider records, exposing filtered and sorted views, and tracking
// per-provider health. Readers work against immutable snapshots; reloads
// swap the snapshot atomically so in-flight requests keep a stable view.
package catalog

import "time"

// HealthStatus represents the health of a provider
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthError    HealthStatus = "error"
	HealthUnknown  HealthStatus = "unknown"
)

// Metadata holds policy metadata attached to a provider record
type Metadata struct {
	IsFree       bool    `json:"is_free"`
	PremiumModel bool    `json:"premium_model"`
	PremiumOnly  bool    `json:"premium_only"`
	PaidModel    bool    `json:"paid_model"`
	Tier         string  `json:"tier"`
	CostPerToken float64 `json:"cost_per_token"`
}

// Provider is one row of the catalog: a concrete upstream endpoint capable
// of serving one or more logical models.
type Provider struct {
	Name            string   `json:"name"`
	BaseURL         string   `json:"base_url"`
	APIKey          string   `json:"api_key,omitempty"`
	APIKeyEnvVar    string   `json:"api_key_env_var,omitempty"`
	UpstreamModelID string   `json:"model,omitempty"`
	Priority        int      `json:"priority"`
	TokenMultiplier float64  `json:"token_multiplier"`
	Metadata        Metadata `json:"metadata"`

	// Rate limits
	RPM        int `json:"rpm"`
	TPM        int `json:"tpm"`
	Concurrent int `json:"concurrent"`
}

// ResolveAPIKey returns the effective API key, consulting the environment
// when only api_key_env_var is set. Resolution happens at load time; this
// accessor covers providers constructed directly in tests.
func (p *Provider) ResolveAPIKey() string {
	return p.APIKey
}

// ModelEntry maps a logical model id on one endpoint to the ordered list of
// providers that can serve it.
type ModelEntry struct {
	LogicalID       string      `json:"logical_id"`
	EndpointPath    string      `json:"endpoint_path"`
	Owner           string      `json:"owner,omitempty"`
	TokenMultiplier float64     `json:"token_multiplier"`
	Capabilities    []string    `json:"capabilities,omitempty"`
	Providers       []*Provider `json:"providers"`
}

// Health tracks runtime health for one provider
type Health struct {
	Status              HealthStatus `json:"status"`
	LastChecked         time.Time    `json:"last_checked"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	LastError           string       `json:"last_error,omitempty"`
}

// Score maps a health status onto the decision engine's health component
func (h HealthStatus) Score() float64 {
	switch h {
	case HealthHealthy:
		return 1.0
	case HealthDegraded:
		return 0.7
	case HealthUnknown:
		return 0.5
	default:
		return 0.0
	}
}
