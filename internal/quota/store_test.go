package quota

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T, users map[string]*User) *Store {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "users.json")
	if users != nil {
		data, err := json.Marshal(usersFile{Users: users})
		if err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, data, 0o600); err != nil {
			t.Fatal(err)
		}
	}
	s, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestMissingFileBootstrapMode(t *testing.T) {
	s := newTestStore(t, nil)
	if s.Count() != 0 {
		t.Errorf("Count = %d, want 0", s.Count())
	}
}

func TestResolveReturnsCopy(t *testing.T) {
	s := newTestStore(t, map[string]*User{
		"sk-test": {Username: "alice", Plan: "500k", Enabled: true},
	})

	u := s.Resolve("sk-test")
	if u == nil || u.Username != "alice" {
		t.Fatalf("Resolve returned %+v", u)
	}
	if u.APIKey != "sk-test" {
		t.Errorf("APIKey = %q, want sk-test", u.APIKey)
	}

	u.TotalTokens = 999_999
	if again := s.Resolve("sk-test"); again.TotalTokens != 0 {
		t.Error("mutating the resolved copy leaked into the store")
	}

	if s.Resolve("sk-unknown") != nil {
		t.Error("unknown key should resolve to nil")
	}
}

func TestCheckDailyAtLimit(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	s := newTestStore(t, map[string]*User{
		"sk-a": {Username: "a", Plan: "500k", Enabled: true,
			DailyTokensUsed: 500_000, LastUsageTimestamp: now.Unix()},
	})
	s.now = func() time.Time { return now }

	check := s.CheckDaily(s.Resolve("sk-a"))
	if check.OK {
		t.Error("user at the daily limit should be denied")
	}
	if check.Limit != 500_000 || check.Used != 500_000 {
		t.Errorf("check = %+v", check)
	}
}

func TestCheckDailyNewDayReset(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	yesterday := time.Date(2025, 6, 14, 12, 0, 0, 0, time.UTC)
	s := newTestStore(t, map[string]*User{
		"sk-a": {Username: "a", Plan: "500k", Enabled: true,
			DailyTokensUsed: 500_000, LastUsageTimestamp: yesterday.Unix()},
	})
	s.now = func() time.Time { return now }

	check := s.CheckDaily(s.Resolve("sk-a"))
	if !check.OK {
		t.Error("yesterday's usage should not count against today")
	}
	if check.Used != 0 {
		t.Errorf("Used = %d, want 0", check.Used)
	}
}

func TestCheckDailyUnlimited(t *testing.T) {
	s := newTestStore(t, map[string]*User{
		"sk-a": {Username: "a", Plan: "unlimited", Enabled: true, DailyTokensUsed: 1 << 40},
	})
	if check := s.CheckDaily(s.Resolve("sk-a")); !check.OK {
		t.Error("unlimited plan should always pass")
	}
}

func TestRecordUsageSameDayAccumulates(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	s := newTestStore(t, map[string]*User{
		"sk-a": {Username: "a", Plan: "500k", Enabled: true,
			TotalTokens: 100, DailyTokensUsed: 50, LastUsageTimestamp: now.Add(-time.Hour).Unix()},
	})
	s.now = func() time.Time { return now }

	s.RecordUsage("sk-a", 1000, 1.0)

	u := s.Resolve("sk-a")
	if u.DailyTokensUsed != 1050 {
		t.Errorf("DailyTokensUsed = %d, want 1050", u.DailyTokensUsed)
	}
	if u.TotalTokens != 1100 {
		t.Errorf("TotalTokens = %d, want 1100", u.TotalTokens)
	}
}

func TestRecordUsageNewDayResets(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	yesterday := time.Date(2025, 6, 14, 12, 0, 0, 0, time.UTC)
	s := newTestStore(t, map[string]*User{
		"sk-a": {Username: "a", Plan: "500k", Enabled: true,
			TotalTokens: 500_000, DailyTokensUsed: 500_000, LastUsageTimestamp: yesterday.Unix()},
	})
	s.now = func() time.Time { return now }

	s.RecordUsage("sk-a", 1000, 1.0)

	u := s.Resolve("sk-a")
	if u.DailyTokensUsed != 1000 {
		t.Errorf("DailyTokensUsed = %d, want 1000 after reset", u.DailyTokensUsed)
	}
	if u.TotalTokens != 501_000 {
		t.Errorf("TotalTokens = %d, want 501000", u.TotalTokens)
	}
}

func TestRecordUsageAppliesMultiplier(t *testing.T) {
	s := newTestStore(t, map[string]*User{
		"sk-a": {Username: "a", Plan: "unlimited", Enabled: true},
	})

	s.RecordUsage("sk-a", 100, 1.5)
	if u := s.Resolve("sk-a"); u.TotalTokens != 150 {
		t.Errorf("TotalTokens = %d, want 150", u.TotalTokens)
	}

	// Zero multiplier means a free provider: nothing accounted
	s.RecordUsage("sk-a", 1000, 0)
	if u := s.Resolve("sk-a"); u.TotalTokens != 150 {
		t.Errorf("TotalTokens = %d, want 150 after free usage", u.TotalTokens)
	}

	// Negative is the unspecified sentinel and falls back to 1.0
	s.RecordUsage("sk-a", 100, -1)
	if u := s.Resolve("sk-a"); u.TotalTokens != 250 {
		t.Errorf("TotalTokens = %d, want 250", u.TotalTokens)
	}
}

func TestAdminRoundTrip(t *testing.T) {
	s := newTestStore(t, map[string]*User{})

	key, err := s.Add("bob", "100m")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !strings.HasPrefix(key, "sk-") {
		t.Errorf("key %q missing sk- prefix", key)
	}

	if err := s.SetEnabled(key, false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if s.Resolve(key).Enabled {
		t.Error("user still enabled after disable")
	}

	if err := s.SetEnabled(key, true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	u := s.Resolve(key)
	if !u.Enabled {
		t.Error("user not enabled after enable")
	}
	if u.LastUpdatedTimestamp == 0 {
		t.Error("LastUpdatedTimestamp not set")
	}
}

func TestResetKeyInvalidatesOldKey(t *testing.T) {
	s := newTestStore(t, map[string]*User{
		"sk-old": {Username: "carol", Plan: "500k", Enabled: true, TotalTokens: 42},
	})

	newKey, err := s.ResetKey("sk-old")
	if err != nil {
		t.Fatalf("ResetKey: %v", err)
	}
	if newKey == "sk-old" {
		t.Error("reset returned the same key")
	}
	if s.Resolve("sk-old") != nil {
		t.Error("old key still resolves")
	}
	u := s.Resolve(newKey)
	if u == nil || u.TotalTokens != 42 {
		t.Fatalf("record not carried over: %+v", u)
	}
	if u.LastRotationTimestamp == 0 {
		t.Error("LastRotationTimestamp not set")
	}
}

func TestPersistFormat(t *testing.T) {
	s := newTestStore(t, map[string]*User{})
	if _, err := s.Add("dave", "500k"); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "    \"users\"") {
		t.Error("users file not pretty-printed with 4-space indent")
	}

	var file usersFile
	if err := json.Unmarshal(data, &file); err != nil {
		t.Fatalf("persisted file not valid JSON: %v", err)
	}
	if len(file.Users) != 1 {
		t.Errorf("persisted %d users, want 1", len(file.Users))
	}
}

func TestTotalTokensMonotonic(t *testing.T) {
	s := newTestStore(t, map[string]*User{
		"sk-a": {Username: "a", Plan: "unlimited", Enabled: true},
	})

	var last int64
	for i := 0; i < 20; i++ {
		s.RecordUsage("sk-a", 10, 1.0)
		total := s.Resolve("sk-a").TotalTokens
		if total < last {
			t.Fatalf("TotalTokens decreased: %d -> %d", last, total)
		}
		last = total
	}
}
