package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/catalog"
	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/config"
	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/quota"
)

// newTestServer wires the full component graph against an upstream stub
func newTestServer(t *testing.T, upstreamURL string) (*Server, *quota.Store) {
	t.Helper()
	dir := t.TempDir()

	providers := fmt.Sprintf(`{
	  "endpoints": {
	    "/v1/chat/completions": {
	      "models": {
	        "gpt-4": [
	          {"name":"main","base_url":%q,"api_key":"k","priority":1,
	           "metadata":{"premium_model":true,"cost_per_token":0.03}}
	        ],
	        "llama-free": [
	          {"name":"freeprov","base_url":%q,"api_key":"k","priority":2,
	           "metadata":{"is_free":true,"cost_per_token":0}}
	        ]
	      }
	    }
	  }
	}`, upstreamURL, upstreamURL)
	providersPath := filepath.Join(dir, "providers.json")
	if err := os.WriteFile(providersPath, []byte(providers), 0o600); err != nil {
		t.Fatal(err)
	}

	users := `{"users":{
		"sk-premium":{"username":"alice","plan":"500k","enabled":true},
		"sk-free":{"username":"bob","plan":"free","enabled":true}
	}}`
	usersPath := filepath.Join(dir, "users.json")
	if err := os.WriteFile(usersPath, []byte(users), 0o600); err != nil {
		t.Fatal(err)
	}

	cat, err := catalog.New(providersPath)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	store, err := quota.NewStore(usersPath)
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	cfg := config.DefaultConfig()
	cfg.DevMode = true
	cfg.AdminAPIKey = "admin-secret"

	s := New(cfg, cat, store, nil)
	s.SetupRoutes()
	return s, store
}

func request(s *Server, method, path, key, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)
	return rec
}

func okUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"hi"}}],"usage":{"total_tokens":42}}`))
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestModelsEndpoint(t *testing.T) {
	s, _ := newTestServer(t, okUpstream(t).URL)

	rec := request(s, http.MethodGet, "/v1/models", "sk-premium", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var list struct {
		Object string `json:"object"`
		Data   []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if list.Object != "list" || len(list.Data) != 2 {
		t.Fatalf("list = %+v", list)
	}
	// Sorted by id
	if list.Data[0].ID != "gpt-4" || list.Data[1].ID != "llama-free" {
		t.Errorf("data = %+v", list.Data)
	}
}

func TestChatCompletionEndToEnd(t *testing.T) {
	s, store := newTestServer(t, okUpstream(t).URL)

	rec := request(s, http.MethodPost, "/v1/chat/completions", "sk-premium",
		`{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "assistant") {
		t.Errorf("upstream body not relayed: %s", rec.Body.String())
	}

	usage, ok := store.UsageFor("sk-premium")
	if !ok {
		t.Fatal("no usage recorded")
	}
	if usage.TotalTokens != 42 {
		t.Errorf("TotalTokens = %d, want 42", usage.TotalTokens)
	}
}

func TestFreePlanGatedModel(t *testing.T) {
	s, _ := newTestServer(t, okUpstream(t).URL)

	rec := request(s, http.MethodPost, "/v1/chat/completions", "sk-free",
		`{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "model_not_available") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestFreePlanRoutesToFreeModel(t *testing.T) {
	s, _ := newTestServer(t, okUpstream(t).URL)

	rec := request(s, http.MethodPost, "/v1/chat/completions", "sk-free",
		`{"model":"llama-free","messages":[{"role":"user","content":"hi"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAllProvidersFailed(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte("slow down"))
	}))
	t.Cleanup(ts.Close)
	s, _ := newTestServer(t, ts.URL)

	rec := request(s, http.MethodPost, "/v1/chat/completions", "sk-premium",
		`{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var body struct {
		Error                 string `json:"error"`
		Details               string `json:"details"`
		LastProviderErrorBody string `json:"last_provider_error_body"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Error != "All upstream providers failed" {
		t.Errorf("error = %q", body.Error)
	}
	if body.Details == "" {
		t.Error("details missing")
	}
	if body.LastProviderErrorBody != "slow down" {
		t.Errorf("last_provider_error_body = %q", body.LastProviderErrorBody)
	}
}

func TestFallbackHonorsProviderBackoff(t *testing.T) {
	hits := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte("slow down"))
	}))
	t.Cleanup(ts.Close)
	s, _ := newTestServer(t, ts.URL)

	// The 429 puts the provider into backoff. The queue-request fallback
	// re-admits the same provider, so the limiter must refuse it instead
	// of letting the retry bypass the backoff window.
	rec := request(s, http.MethodPost, "/v1/chat/completions", "sk-premium",
		`{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if hits != 1 {
		t.Errorf("upstream hit %d times, want 1", hits)
	}
}

func TestForwardValidation(t *testing.T) {
	s, _ := newTestServer(t, okUpstream(t).URL)

	rec := request(s, http.MethodPost, "/v1/chat/completions", "sk-premium", `{"messages":[]}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing model status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "model is required") {
		t.Errorf("body = %s", rec.Body.String())
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	req.Header.Set("Authorization", "Bearer sk-premium")
	rec = httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty body status = %d", rec.Code)
	}
}

func TestUnknownModelUnavailable(t *testing.T) {
	s, _ := newTestServer(t, okUpstream(t).URL)

	rec := request(s, http.MethodPost, "/v1/chat/completions", "sk-premium",
		`{"model":"does-not-exist","messages":[]}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestUsageEndpoint(t *testing.T) {
	s, _ := newTestServer(t, okUpstream(t).URL)

	rec := request(s, http.MethodGet, "/v1/usage", "sk-premium", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["username"] != "alice" || body["plan"] != "500k" {
		t.Errorf("body = %v", body)
	}
	if body["daily_limit"] != float64(500_000) {
		t.Errorf("daily_limit = %v", body["daily_limit"])
	}
	for _, key := range []string{"total_tokens_processed", "daily_tokens_processed_today_utc", "timestamp_utc"} {
		if _, ok := body[key]; !ok {
			t.Errorf("%s missing: %v", key, body)
		}
	}
	ts, _ := body["timestamp_utc"].(string)
	if _, err := time.Parse(time.RFC3339, ts); err != nil {
		t.Errorf("timestamp_utc = %q: %v", ts, err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t, okUpstream(t).URL)

	rec := request(s, http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var body struct {
		Status    string `json:"status"`
		Providers []struct {
			Name     string `json:"name"`
			Status   string `json:"status"`
			Capacity int    `json:"capacity"`
		} `json:"providers"`
		Counts struct {
			Total int `json:"total"`
		} `json:"counts"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "healthy" || body.Counts.Total != 2 {
		t.Errorf("body = %+v", body)
	}
	found := false
	for _, p := range body.Providers {
		if p.Name == "main" {
			found = true
			if p.Status != "unknown" || p.Capacity <= 0 {
				t.Errorf("main detail = %+v", p)
			}
		}
	}
	if !found {
		t.Errorf("provider detail missing: %s", rec.Body.String())
	}
}

func TestAdminKeyLifecycle(t *testing.T) {
	s, store := newTestServer(t, okUpstream(t).URL)

	do := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/admin/keys", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-API-Key", "admin-secret")
		rec := httptest.NewRecorder()
		s.Engine().ServeHTTP(rec, req)
		return rec
	}

	rec := do(`{"action":"add","username":"carol","plan":"1m"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("add status = %d: %s", rec.Code, rec.Body.String())
	}
	var added struct {
		APIKey string `json:"api_key"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &added); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(added.APIKey, "sk-") {
		t.Fatalf("api_key = %q", added.APIKey)
	}
	if u := store.Resolve(added.APIKey); u == nil || u.Username != "carol" || !u.Enabled {
		t.Fatalf("resolved = %+v", u)
	}

	if rec := do(fmt.Sprintf(`{"action":"disable","api_key":%q}`, added.APIKey)); rec.Code != http.StatusOK {
		t.Fatalf("disable status = %d", rec.Code)
	}
	if u := store.Resolve(added.APIKey); u.Enabled {
		t.Error("key still enabled after disable")
	}

	rec = do(fmt.Sprintf(`{"action":"resetkey","api_key":%q}`, added.APIKey))
	if rec.Code != http.StatusOK {
		t.Fatalf("resetkey status = %d", rec.Code)
	}
	var reset struct {
		APIKey string `json:"api_key"`
	}
	json.Unmarshal(rec.Body.Bytes(), &reset)
	if reset.APIKey == added.APIKey || reset.APIKey == "" {
		t.Errorf("reset key = %q", reset.APIKey)
	}
	if store.Resolve(added.APIKey) != nil {
		t.Error("old key still resolves after reset")
	}

	if rec := do(`{"action":"summon"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown action status = %d", rec.Code)
	}
}

func TestAdminProvidersAndReload(t *testing.T) {
	s, _ := newTestServer(t, okUpstream(t).URL)

	req := httptest.NewRequest(http.MethodGet, "/admin/providers?free=true", nil)
	req.Header.Set("X-API-Key", "admin-secret")
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("providers status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "freeprov") || strings.Contains(rec.Body.String(), `"main"`) {
		t.Errorf("free filter body = %s", rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/admin/reload", nil)
	req.Header.Set("X-API-Key", "admin-secret")
	rec = httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("reload status = %d: %s", rec.Code, rec.Body.String())
	}
}
