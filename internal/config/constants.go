// Package config provides runtime configuration and tunable defaults for
// the gateway.
package config

import "time"

// Version information
const Version = "0.3.0"

// Server defaults
const (
	DefaultPort = 2715
	DefaultHost = "0.0.0.0"
)

// Per-request timeouts
const (
	UpstreamTimeout   = 120 * time.Second // one upstream attempt
	QueueTimeout      = 30 * time.Second  // queued-request validity
	FallbackTimeout   = 30 * time.Second  // overall fallback budget
	CollabCallTimeout = 15 * time.Second  // per-call in collaboration modes
	RaceSafetyTimeout = 16 * time.Second  // race mode resolves empty after this
	ShutdownTimeout   = 30 * time.Second  // drain window on SIGINT
)

// Load balancer defaults
const (
	DefaultCapacity     = 10
	LoadThreshold       = 0.8
	HealthCheckInterval = 60 * time.Second
	AvgProcTimeEstimate = 2 * time.Second // per queued item, for wait estimates
)

// Rate limiter backoff
const (
	BackoffBase = 1 * time.Second
	BackoffMax  = 5 * time.Minute
)

// Decision engine defaults
const (
	DecisionCacheTTL     = 24 * time.Hour
	CapabilityMatchFloor = 0.7
	EquivalentSimilarity = 0.7
	SimilarProviderMatch = 0.5
	DowngradeMatchFloor  = 0.3
	FreeCostPerTokenMax  = 0.001
	MaxFallbackAttempts  = 3
)

// DefaultWeights are the candidate scoring weights; they are reconfigurable
// but must sum to 1.
var DefaultWeights = Weights{
	Capability: 0.40,
	Health:     0.25,
	Load:       0.20,
	Plan:       0.10,
	Cache:      0.05,
}

// Weights holds the decision engine scoring weights
type Weights struct {
	Capability float64 `json:"capability"`
	Health     float64 `json:"health"`
	Load       float64 `json:"load"`
	Plan       float64 `json:"plan"`
	Cache      float64 `json:"cache"`
}

// Sum returns the total of all weights
func (w Weights) Sum() float64 {
	return w.Capability + w.Health + w.Load + w.Plan + w.Cache
}

// Collaboration defaults
const (
	DefaultJudgeModel  = "gpt-4"
	JudgeSystemPrompt  = "You are a fair and critical evaluator."
	CollabModeCouncil  = "council"
	CollabModeCollab   = "collaborate"
	CollabModeRace     = "race"
	CollabModeMeta     = "metajudge"
	CollabModeDiscuss  = "discuss"
	CollabModeFallback = "fallback"
)

// Auth defaults
const (
	DefaultRotationInterval = 90 * 24 * time.Hour
)

// Audio upload limits
const (
	MaxAudioFileBytes = 25 << 20
)

// AcceptedAudioTypes are the content types allowed for transcription uploads
var AcceptedAudioTypes = []string{"audio/mpeg", "audio/wav", "audio/mp3", "audio/x-wav"}

// File defaults
const (
	DefaultProvidersFile = "providers.json"
	DefaultUsersFile     = "users.json"
	DefaultSecurityFile  = "security.json"
)
