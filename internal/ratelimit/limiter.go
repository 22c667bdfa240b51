// Package ratelimit enforces per-provider request/token/concurrency limits
// over tumbling one-minute windows, with exponential backoff after upstream
// rate-limit responses.
package ratelimit

import (
	"math"
	"sync"
	"time"

	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/config"
	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/utils"
)

// Denial reasons returned by CanAdmit
const (
	ReasonBackoffActive     = "backoff_active"
	ReasonRequestLimit      = "request_limit_exceeded"
	ReasonTokenLimit        = "token_limit_exceeded"
	ReasonConcurrentLimit   = "concurrent_limit_exceeded"
)

// Limits are the per-provider caps; zero means uncapped
type Limits struct {
	RPM        int
	TPM        int
	Concurrent int
}

// window is the per-provider counter state
type window struct {
	mu sync.Mutex

	requestsThisMinute int
	tokensThisMinute   int
	concurrent         int
	minuteBucketStart  time.Time

	backoffUntil    time.Time
	consecutiveHits int
}

// Limiter tracks admission windows for all providers
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window

	base time.Duration
	max  time.Duration
	now  func() time.Time
}

// New creates a Limiter with the default backoff curve
func New() *Limiter {
	return &Limiter{
		windows: make(map[string]*window),
		base:    config.BackoffBase,
		max:     config.BackoffMax,
		now:     time.Now,
	}
}

// Decision is the outcome of an admission check
type Decision struct {
	Allowed bool
	Reason  string
	// RetryAfter is the remaining backoff when denied with backoff_active
	RetryAfter time.Duration
}

// CanAdmit checks whether a request with an estimated token cost may be
// sent to the provider, and reserves the concurrency slot when it may.
// Callers must pair every admission with a Record call.
func (l *Limiter) CanAdmit(provider string, limits Limits, estTokens int) Decision {
	w := l.windowFor(provider)
	w.mu.Lock()
	defer w.mu.Unlock()

	now := l.now()

	if now.Before(w.backoffUntil) {
		return Decision{Reason: ReasonBackoffActive, RetryAfter: w.backoffUntil.Sub(now)}
	}

	if w.minuteBucketStart.IsZero() || !now.Before(w.minuteBucketStart.Add(time.Minute)) {
		w.minuteBucketStart = now
		w.requestsThisMinute = 0
		w.tokensThisMinute = 0
	}

	if limits.RPM > 0 && w.requestsThisMinute+1 > limits.RPM {
		return Decision{Reason: ReasonRequestLimit}
	}
	if limits.TPM > 0 && w.tokensThisMinute+estTokens > limits.TPM {
		return Decision{Reason: ReasonTokenLimit}
	}
	if limits.Concurrent > 0 && w.concurrent+1 > limits.Concurrent {
		return Decision{Reason: ReasonConcurrentLimit}
	}

	w.requestsThisMinute++
	w.tokensThisMinute += estTokens
	w.concurrent++
	return Decision{Allowed: true}
}

// Record settles an admitted request. The admission already reserved the
// token estimate against the minute budget; on success only the backoff
// streak resets. rateLimited marks an upstream 429/503 and advances the
// exponential backoff.
func (l *Limiter) Record(provider string, success bool, tokens int, rateLimited bool) {
	w := l.windowFor(provider)
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.concurrent > 0 {
		w.concurrent--
	}

	if success {
		w.consecutiveHits = 0
		return
	}

	if rateLimited {
		delay := time.Duration(math.Min(
			float64(l.base)*math.Pow(2, float64(w.consecutiveHits)),
			float64(l.max)))
		w.backoffUntil = l.now().Add(delay)
		w.consecutiveHits++
		utils.Warn("[RateLimit] Provider %s backed off for %s (hit %d)",
			provider, utils.FormatDuration(delay.Milliseconds()), w.consecutiveHits)
	}
}

// BackoffRemaining returns the remaining backoff for a provider, or zero
func (l *Limiter) BackoffRemaining(provider string) time.Duration {
	w := l.windowFor(provider)
	w.mu.Lock()
	defer w.mu.Unlock()
	if remaining := w.backoffUntil.Sub(l.now()); remaining > 0 {
		return remaining
	}
	return 0
}

// Concurrent returns the provider's in-flight count
func (l *Limiter) Concurrent(provider string) int {
	w := l.windowFor(provider)
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.concurrent
}

func (l *Limiter) windowFor(provider string) *window {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[provider]
	if !ok {
		w = &window{}
		l.windows[provider] = w
	}
	return w
}
