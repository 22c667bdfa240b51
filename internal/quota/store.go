package quota

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/utils"
)

// User represents one record of the users file
type User struct {
	Username              string   `json:"username"`
	Plan                  string   `json:"plan"`
	Enabled               bool     `json:"enabled"`
	TotalTokens           int64    `json:"total_tokens"`
	DailyTokensUsed       int64    `json:"daily_tokens_used"`
	LastUsageTimestamp    int64    `json:"last_usage_timestamp"`
	LastUpdatedTimestamp  int64    `json:"last_updated_timestamp"`
	LastRotationTimestamp int64    `json:"last_rotation_timestamp,omitempty"`
	ExpiresAt             int64    `json:"expires_at,omitempty"`
	Scopes                []string `json:"scopes,omitempty"`

	// APIKey is the map key in the users file; filled in on resolve
	APIKey string `json:"-"`
}

// usersFile mirrors the on-disk layout
type usersFile struct {
	Users map[string]*User `json:"users"`
}

// Store owns user records. Writes for the same api_key are serialized by a
// per-key lock; the store-level lock only guards the map itself.
type Store struct {
	path string

	mu    sync.RWMutex
	users map[string]*User

	keyLocksMu sync.Mutex
	keyLocks   map[string]*sync.Mutex

	// now is the clock, replaceable in tests
	now func() time.Time
}

// NewStore loads the users file. A missing file yields an empty store
// (bootstrap mode).
func NewStore(path string) (*Store, error) {
	s := &Store{
		path:     path,
		users:    make(map[string]*User),
		keyLocks: make(map[string]*sync.Mutex),
		now:      time.Now,
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		utils.Warn("[Quota] Users file %s not found, starting in bootstrap mode", path)
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read users file: %w", err)
	}

	var file usersFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse users file: %w", err)
	}
	if file.Users != nil {
		s.users = file.Users
	}
	utils.Info("[Quota] Loaded %d user(s) from %s", len(s.users), path)
	return s, nil
}

// Count returns the number of user records
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}

// Resolve looks up a user by API key. Returns a copy; mutations go through
// RecordUsage and the admin operations.
func (s *Store) Resolve(apiKey string) *User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[apiKey]
	if !ok {
		return nil
	}
	copied := *u
	copied.APIKey = apiKey
	return &copied
}

// CheckResult reports the outcome of a daily-limit check
type CheckResult struct {
	OK    bool
	Limit int64
	Used  int64
}

// CheckDaily evaluates the user's daily limit. Unlimited plans always pass;
// a stale last_usage_timestamp means today's usage is logically zero.
func (s *Store) CheckDaily(u *User) CheckResult {
	limit, limited := ParseDailyLimit(u.Plan)
	if !limited {
		return CheckResult{OK: true}
	}

	used := u.DailyTokensUsed
	if IsNewDayAt(u.LastUsageTimestamp, s.now()) {
		used = 0
	}
	if limit > 0 && used >= limit {
		return CheckResult{OK: false, Limit: limit, Used: used}
	}
	return CheckResult{OK: true, Limit: limit, Used: used}
}

// RecordUsage accounts adjusted = ⌈tokens × multiplier⌉ against the user's
// daily and lifetime counters and persists the store. A zero multiplier
// means the provider is free and nothing is accounted; negative values are
// a caller sentinel for "unspecified" and fall back to 1.0. Persistence
// failures are logged and the in-memory update is retained; quota is
// advisory, not billing.
func (s *Store) RecordUsage(apiKey string, tokens int, multiplier float64) {
	if multiplier < 0 {
		multiplier = 1.0
	}
	adjusted := int64(math.Ceil(float64(tokens) * multiplier))
	if adjusted <= 0 {
		return
	}

	lock := s.lockFor(apiKey)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	u, ok := s.users[apiKey]
	if !ok {
		s.mu.Unlock()
		return
	}
	now := s.now()
	if IsNewDayAt(u.LastUsageTimestamp, now) {
		u.DailyTokensUsed = adjusted
	} else {
		u.DailyTokensUsed += adjusted
	}
	u.TotalTokens += adjusted
	u.LastUsageTimestamp = now.Unix()
	u.LastUpdatedTimestamp = now.Unix()
	s.mu.Unlock()

	if err := s.persist(); err != nil {
		utils.Error("[Quota] Failed to persist usage for %s: %v", u.Username, err)
	}
}

// Usage reports the counters surfaced by GET /v1/usage
type Usage struct {
	TotalTokens int64
	DailyTokens int64
}

// UsageFor returns the current counters for an API key, applying the
// logical daily reset at read time.
func (s *Store) UsageFor(apiKey string) (Usage, bool) {
	u := s.Resolve(apiKey)
	if u == nil {
		return Usage{}, false
	}
	daily := u.DailyTokensUsed
	if IsNewDayAt(u.LastUsageTimestamp, s.now()) {
		daily = 0
	}
	return Usage{TotalTokens: u.TotalTokens, DailyTokens: daily}, true
}

// Admin operations

// Add creates a user with a fresh API key
func (s *Store) Add(username, plan string) (string, error) {
	if username == "" {
		return "", fmt.Errorf("username is required")
	}
	key := "sk-" + uuid.NewString()

	s.mu.Lock()
	s.users[key] = &User{
		Username:             username,
		Plan:                 plan,
		Enabled:              true,
		LastUpdatedTimestamp: s.now().Unix(),
	}
	s.mu.Unlock()

	return key, s.persist()
}

// SetEnabled enables or disables a user
func (s *Store) SetEnabled(apiKey string, enabled bool) error {
	s.mu.Lock()
	u, ok := s.users[apiKey]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown api key")
	}
	u.Enabled = enabled
	u.LastUpdatedTimestamp = s.now().Unix()
	s.mu.Unlock()
	return s.persist()
}

// ChangePlan updates a user's plan
func (s *Store) ChangePlan(apiKey, plan string) error {
	s.mu.Lock()
	u, ok := s.users[apiKey]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown api key")
	}
	u.Plan = plan
	u.LastUpdatedTimestamp = s.now().Unix()
	s.mu.Unlock()
	return s.persist()
}

// ResetKey generates a fresh key and atomically renames the user record.
// The old key stops working immediately; there is no grace period.
func (s *Store) ResetKey(apiKey string) (string, error) {
	newKey := "sk-" + uuid.NewString()

	s.mu.Lock()
	u, ok := s.users[apiKey]
	if !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("unknown api key")
	}
	delete(s.users, apiKey)
	now := s.now().Unix()
	u.LastRotationTimestamp = now
	u.LastUpdatedTimestamp = now
	s.users[newKey] = u
	s.mu.Unlock()

	return newKey, s.persist()
}

// List returns all users keyed by API key (copies)
func (s *Store) List() map[string]User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]User, len(s.users))
	for key, u := range s.users {
		out[key] = *u
	}
	return out
}

// persist writes the users file pretty-printed with 4-space indent,
// via a temp file and rename.
func (s *Store) persist() error {
	s.mu.RLock()
	data, err := json.MarshalIndent(usersFile{Users: s.users}, "", "    ")
	s.mu.RUnlock()
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *Store) lockFor(apiKey string) *sync.Mutex {
	s.keyLocksMu.Lock()
	defer s.keyLocksMu.Unlock()
	lock, ok := s.keyLocks[apiKey]
	if !ok {
		lock = &sync.Mutex{}
		s.keyLocks[apiKey] = lock
	}
	return lock
}
