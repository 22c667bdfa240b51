package fallback

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/balancer"
	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/catalog"
	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/decision"
)

const fallbackJSON = `{
  "endpoints": {
    "/v1/chat/completions": {
      "models": {
        "gpt-4": [
          {"name":"primary","base_url":"https://p.example.com","api_key":"k",
           "capabilities":["chat","reasoning"],
           "metadata":{"premium_model":true}}
        ],
        "claude-3": [
          {"name":"twin","base_url":"https://t.example.com","api_key":"k",
           "capabilities":["chat","reasoning"],
           "metadata":{"premium_model":true}}
        ],
        "llama-chat": [
          {"name":"budget","base_url":"https://b.example.com","api_key":"k",
           "capabilities":["chat"],
           "metadata":{"is_free":true}}
        ],
        "gpt-4-turbo": [
          {"name":"paid","base_url":"https://paid.example.com","api_key":"k",
           "capabilities":["chat","reasoning"],
           "metadata":{"paid_model":true}}
        ]
      }
    }
  }
}`

type fakeModels struct{ snap *catalog.Snapshot }

func (f fakeModels) Snapshot() *catalog.Snapshot { return f.snap }

// fakeAdmitter admits every candidate unless listed as refused or queued
type fakeAdmitter struct {
	refused  map[string]bool
	queued   map[string]bool
	admitted []string
	released []string
}

func (f *fakeAdmitter) Admit(candidates []string) (balancer.Admission, bool) {
	for _, name := range candidates {
		if f.refused[name] {
			continue
		}
		f.admitted = append(f.admitted, name)
		return balancer.Admission{Provider: name, Queued: f.queued[name], QueueID: "q"}, true
	}
	return balancer.Admission{}, false
}

func (f *fakeAdmitter) Release(provider string) {
	f.released = append(f.released, provider)
}

type fakeEquivalents struct {
	equivalents []decision.Equivalent
	downgrades  []decision.Equivalent
}

func (f fakeEquivalents) FindEquivalents(endpoint, target string, user decision.UserContext) []decision.Equivalent {
	return f.equivalents
}

func (f fakeEquivalents) FindDowngrades(endpoint, target string, user decision.UserContext) []decision.Equivalent {
	return f.downgrades
}

func loadSnapshot(t *testing.T) *catalog.Snapshot {
	t.Helper()
	path := filepath.Join(t.TempDir(), "providers.json")
	if err := os.WriteFile(path, []byte(fallbackJSON), 0o600); err != nil {
		t.Fatal(err)
	}
	snap, err := catalog.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	return snap
}

func entryFor(t *testing.T, snap *catalog.Snapshot, model string) *catalog.ModelEntry {
	t.Helper()
	entry, ok := snap.Lookup("/v1/chat/completions", model)
	if !ok {
		t.Fatalf("%s missing from fixture", model)
	}
	return entry
}

func newTestHandler(t *testing.T, adm *fakeAdmitter, eq fakeEquivalents) (*Handler, *catalog.Snapshot) {
	t.Helper()
	snap := loadSnapshot(t)
	return New(fakeModels{snap}, adm, eq), snap
}

func TestChainFor(t *testing.T) {
	h, _ := newTestHandler(t, &fakeAdmitter{}, fakeEquivalents{})

	tests := []struct {
		class string
		user  UserContext
		want  []string
	}{
		{ClassProviderUnhealthy, UserContext{},
			[]string{StrategyEquivalentModel, StrategySimilarProvider}},
		{ClassProviderUnhealthy, UserContext{Premium: true},
			[]string{StrategyEquivalentModel, StrategySimilarProvider, StrategyPaidFallback}},
		{ClassModelUnavailable, UserContext{},
			[]string{StrategyEquivalentModel, StrategySimilarProvider, StrategyDowngradeModel}},
		{ClassRateLimit, UserContext{},
			[]string{StrategyQueueRequest, StrategyEquivalentModel}},
		{ClassCapacity, UserContext{},
			[]string{StrategyQueueRequest, StrategySimilarProvider}},
		{"anything_else", UserContext{},
			[]string{StrategyEquivalentModel, StrategySimilarProvider, StrategyQueueRequest}},
	}
	for _, tt := range tests {
		got := h.ChainFor(Failure{Class: tt.class}, tt.user)
		if len(got) != len(tt.want) {
			t.Errorf("%s: chain = %v, want %v", tt.class, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("%s: chain[%d] = %s, want %s", tt.class, i, got[i], tt.want[i])
			}
		}
	}
}

func TestChainForTruncatesToBudget(t *testing.T) {
	h, _ := newTestHandler(t, &fakeAdmitter{}, fakeEquivalents{})
	for _, class := range []string{ClassProviderUnhealthy, ClassModelUnavailable, ClassRateLimit, ClassCapacity, "other"} {
		chain := h.ChainFor(Failure{Class: class}, UserContext{Premium: true})
		if len(chain) > h.maxAttempts {
			t.Errorf("%s: chain length %d exceeds budget %d", class, len(chain), h.maxAttempts)
		}
	}
}

func TestResolveEquivalentModel(t *testing.T) {
	adm := &fakeAdmitter{}
	snap := loadSnapshot(t)
	eq := fakeEquivalents{equivalents: []decision.Equivalent{
		{Entry: entryFor(t, snap, "claude-3"), Similarity: 1.0},
	}}
	h := New(fakeModels{snap}, adm, eq)

	out := h.Resolve(context.Background(), Failure{
		Class:    ClassProviderUnhealthy,
		Endpoint: "/v1/chat/completions",
		Model:    "gpt-4",
		Provider: "primary",
	}, UserContext{})

	if !out.Success || out.Attempt == nil {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Attempt.Strategy != StrategyEquivalentModel {
		t.Errorf("Strategy = %s", out.Attempt.Strategy)
	}
	if out.Attempt.Model != "claude-3" || out.Attempt.Provider != "twin" {
		t.Errorf("attempt = %+v", out.Attempt)
	}
	if out.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", out.Attempts)
	}
}

func TestEquivalentSkipsQueuedAdmission(t *testing.T) {
	adm := &fakeAdmitter{queued: map[string]bool{"twin": true}}
	snap := loadSnapshot(t)
	eq := fakeEquivalents{equivalents: []decision.Equivalent{
		{Entry: entryFor(t, snap, "claude-3"), Similarity: 1.0},
	}}
	h := New(fakeModels{snap}, adm, eq)

	// twin would only be reachable through its queue, so the equivalent
	// strategy passes and similar-provider finds capacity elsewhere
	out := h.Resolve(context.Background(), Failure{
		Class:    ClassProviderUnhealthy,
		Endpoint: "/v1/chat/completions",
		Model:    "gpt-4",
		Provider: "primary",
	}, UserContext{})

	if !out.Success {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Attempt.Strategy != StrategySimilarProvider {
		t.Errorf("Strategy = %s, want similar_provider", out.Attempt.Strategy)
	}
	if out.Attempt.Provider == "twin" {
		t.Error("queued provider accepted by a non-queue strategy")
	}
}

func TestSimilarProviderExcludesFailedProvider(t *testing.T) {
	adm := &fakeAdmitter{}
	h, _ := newTestHandler(t, adm, fakeEquivalents{})

	out := h.Resolve(context.Background(), Failure{
		Class:                ClassCapacity,
		Endpoint:             "/v1/chat/completions",
		Model:                "missing-model",
		Provider:             "primary",
		RequiredCapabilities: []string{"chat", "reasoning"},
	}, UserContext{})

	if !out.Success {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Attempt.Provider == "primary" {
		t.Error("similar-provider strategy returned the failed provider")
	}
}

func TestDowngradeModel(t *testing.T) {
	snap := loadSnapshot(t)
	adm := &fakeAdmitter{refused: map[string]bool{"twin": true, "paid": true, "primary": true}}
	eq := fakeEquivalents{downgrades: []decision.Equivalent{
		{Entry: entryFor(t, snap, "llama-chat"), Similarity: 0.5},
	}}
	h := New(fakeModels{snap}, adm, eq)

	out := h.Resolve(context.Background(), Failure{
		Class:                ClassModelUnavailable,
		Endpoint:             "/v1/chat/completions",
		Model:                "gpt-4",
		RequiredCapabilities: []string{"chat", "reasoning"},
	}, UserContext{})

	if !out.Success {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Attempt.Strategy != StrategyDowngradeModel {
		t.Errorf("Strategy = %s", out.Attempt.Strategy)
	}
	if out.Attempt.Model != "llama-chat" || out.Attempt.Provider != "budget" {
		t.Errorf("attempt = %+v", out.Attempt)
	}
	if out.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", out.Attempts)
	}
}

func TestPaidFallbackRequiresPremium(t *testing.T) {
	adm := &fakeAdmitter{}
	h, _ := newTestHandler(t, adm, fakeEquivalents{})

	f := Failure{
		Class:                ClassProviderUnhealthy,
		Endpoint:             "/v1/chat/completions",
		Model:                "gpt-4",
		Provider:             "primary",
		RequiredCapabilities: []string{"chat", "reasoning"},
	}

	if got := h.tryPaidFallback(f, UserContext{}); got != nil {
		t.Errorf("non-premium user reached a paid route: %+v", got)
	}

	got := h.tryPaidFallback(f, UserContext{Premium: true})
	if got == nil {
		t.Fatal("premium user found no paid route")
	}
	if got.Provider != "paid" || got.Model != "gpt-4-turbo" {
		t.Errorf("attempt = %+v", got)
	}
}

func TestQueueRequestAcceptsQueuedAdmission(t *testing.T) {
	adm := &fakeAdmitter{queued: map[string]bool{"primary": true}}
	h, _ := newTestHandler(t, adm, fakeEquivalents{})

	out := h.Resolve(context.Background(), Failure{
		Class:    ClassRateLimit,
		Endpoint: "/v1/chat/completions",
		Model:    "gpt-4",
	}, UserContext{})

	if !out.Success {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Attempt.Strategy != StrategyQueueRequest {
		t.Errorf("Strategy = %s", out.Attempt.Strategy)
	}
	if !out.Attempt.Admission.Queued {
		t.Error("queue strategy returned an unqueued admission")
	}
}

func TestResolveExhaustsChain(t *testing.T) {
	adm := &fakeAdmitter{refused: map[string]bool{
		"primary": true, "twin": true, "budget": true, "paid": true,
	}}
	h, _ := newTestHandler(t, adm, fakeEquivalents{})

	out := h.Resolve(context.Background(), Failure{
		Class:    ClassModelUnavailable,
		Endpoint: "/v1/chat/completions",
		Model:    "gpt-4",
	}, UserContext{})

	if out.Success {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Attempts != 3 {
		t.Errorf("Attempts = %d, want the full chain", out.Attempts)
	}
}

func TestResolveCancelledContext(t *testing.T) {
	h, _ := newTestHandler(t, &fakeAdmitter{}, fakeEquivalents{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := h.Resolve(ctx, Failure{
		Class:    ClassModelUnavailable,
		Endpoint: "/v1/chat/completions",
		Model:    "gpt-4",
	}, UserContext{})

	if out.Success || out.Attempts != 0 {
		t.Errorf("outcome on dead context = %+v", out)
	}
}
