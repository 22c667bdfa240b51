package balancer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/catalog"
	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/config"
)

type fakeHealth struct {
	mu     sync.Mutex
	status map[string]catalog.HealthStatus
}

func (f *fakeHealth) GetHealth(name string) catalog.Health {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.status[name]; ok {
		return catalog.Health{Status: s}
	}
	return catalog.Health{Status: catalog.HealthUnknown}
}

func (f *fakeHealth) set(name string, s catalog.HealthStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[name] = s
}

func newTestBalancer(strategy string) (*Balancer, *fakeHealth) {
	h := &fakeHealth{status: make(map[string]catalog.HealthStatus)}
	return New(h, strategy), h
}

func TestAdmitReservesSlot(t *testing.T) {
	b, _ := newTestBalancer(StrategyLeastLoad)

	adm, ok := b.Admit([]string{"p"})
	if !ok || adm.Queued {
		t.Fatalf("admission = %+v, ok=%v", adm, ok)
	}
	if b.Current("p") != 1 {
		t.Errorf("Current = %d, want 1", b.Current("p"))
	}

	b.Release("p")
	if b.Current("p") != 0 {
		t.Errorf("Current after release = %d, want 0", b.Current("p"))
	}
}

func TestCurrentNeverExceedsCapacity(t *testing.T) {
	b, _ := newTestBalancer(StrategyLeastLoad)

	for i := 0; i < config.DefaultCapacity*2; i++ {
		b.Admit([]string{"p"})
	}
	if cur, cap := b.Current("p"), b.Capacity("p"); cur > cap {
		t.Errorf("current %d exceeds capacity %d", cur, cap)
	}
}

func TestAdmitSkipsErroredProviders(t *testing.T) {
	b, h := newTestBalancer(StrategyLeastLoad)
	h.set("dead", catalog.HealthError)

	adm, ok := b.Admit([]string{"dead", "alive"})
	if !ok {
		t.Fatal("admission refused with a live candidate present")
	}
	if adm.Provider != "alive" {
		t.Errorf("Provider = %s", adm.Provider)
	}

	if _, ok := b.Admit([]string{"dead"}); ok {
		t.Error("admitted onto an errored provider")
	}
}

func TestSaturatedProviderQueues(t *testing.T) {
	b, _ := newTestBalancer(StrategyLeastLoad)

	// The threshold trips at 80% of the default capacity of 10
	for i := 0; i < 8; i++ {
		if adm, ok := b.Admit([]string{"p"}); !ok || adm.Queued {
			t.Fatalf("admission %d = %+v", i, adm)
		}
	}

	adm, ok := b.Admit([]string{"p"})
	if !ok || !adm.Queued {
		t.Fatalf("saturated admission = %+v, want queued", adm)
	}
	if adm.QueueID == "" || adm.EstimatedWait <= 0 {
		t.Errorf("queued admission missing id or wait: %+v", adm)
	}
	if b.QueueDepth("p") != 1 {
		t.Errorf("QueueDepth = %d", b.QueueDepth("p"))
	}
}

func TestReleaseHandsSlotToQueuedWaiter(t *testing.T) {
	b, _ := newTestBalancer(StrategyLeastLoad)
	for i := 0; i < 8; i++ {
		b.Admit([]string{"p"})
	}

	adm, _ := b.Admit([]string{"p"})
	if !adm.Queued {
		t.Fatal("expected queued admission")
	}

	done := make(chan error, 1)
	go func() { done <- b.Wait(context.Background(), adm) }()

	time.Sleep(20 * time.Millisecond)
	b.Release("p")

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("queued waiter never woke")
	}

	if cur, cap := b.Current("p"), b.Capacity("p"); cur > cap {
		t.Errorf("current %d exceeds capacity %d after handoff", cur, cap)
	}
}

func TestWaitCancelledContext(t *testing.T) {
	b, _ := newTestBalancer(StrategyLeastLoad)
	for i := 0; i < 8; i++ {
		b.Admit([]string{"p"})
	}
	adm, _ := b.Admit([]string{"p"})
	if !adm.Queued {
		t.Fatal("expected queued admission")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.Wait(ctx, adm); err == nil {
		t.Error("Wait on cancelled context returned nil")
	}

	before := b.Current("p")
	b.Release("p")
	// The abandoned item must be skipped, not granted the freed slot
	if b.Current("p") != before-1 {
		t.Errorf("Current = %d, want %d", b.Current("p"), before-1)
	}
}

func TestQueueFIFO(t *testing.T) {
	b, _ := newTestBalancer(StrategyLeastLoad)
	for i := 0; i < 8; i++ {
		b.Admit([]string{"p"})
	}

	first, _ := b.Admit([]string{"p"})
	second, _ := b.Admit([]string{"p"})
	if !first.Queued || !second.Queued {
		t.Fatal("expected both admissions queued")
	}

	order := make(chan string, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if b.Wait(context.Background(), first) == nil {
			order <- "first"
		}
	}()
	go func() {
		defer wg.Done()
		if b.Wait(context.Background(), second) == nil {
			order <- "second"
		}
	}()

	time.Sleep(20 * time.Millisecond)
	b.Release("p")
	time.Sleep(20 * time.Millisecond)
	b.Release("p")
	wg.Wait()
	close(order)

	var got []string
	for s := range order {
		got = append(got, s)
	}
	if len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Errorf("wake order = %v", got)
	}
}

func TestRoundRobinSpreadsLoad(t *testing.T) {
	b, _ := newTestBalancer(StrategyRoundRobin)
	candidates := []string{"a", "b", "c"}

	for i := 0; i < 6; i++ {
		if _, ok := b.Admit(candidates); !ok {
			t.Fatalf("admission %d refused", i)
		}
	}
	for _, name := range candidates {
		if b.Current(name) != 2 {
			t.Errorf("Current(%s) = %d, want 2", name, b.Current(name))
		}
	}
}

func TestLeastLoadPicksIdleProvider(t *testing.T) {
	b, _ := newTestBalancer(StrategyLeastLoad)

	for i := 0; i < 3; i++ {
		b.Admit([]string{"busy"})
	}
	adm, ok := b.Admit([]string{"busy", "idle"})
	if !ok || adm.Provider != "idle" {
		t.Errorf("admission = %+v, want idle", adm)
	}
}

func TestWeightedAndRandomStayWithinThreshold(t *testing.T) {
	for _, strategy := range []string{StrategyWeighted, StrategyRandom} {
		b, _ := newTestBalancer(strategy)
		for i := 0; i < 30; i++ {
			if adm, ok := b.Admit([]string{"a", "b"}); ok && !adm.Queued {
				if b.Current(adm.Provider) > b.Capacity(adm.Provider) {
					t.Errorf("%s: current exceeds capacity", strategy)
				}
			}
		}
	}
}

func TestUtilization(t *testing.T) {
	b, _ := newTestBalancer(StrategyLeastLoad)
	if u := b.Utilization("p"); u != 0 {
		t.Errorf("idle utilization = %v", u)
	}
	b.Admit([]string{"p"})
	want := 1.0 / float64(config.DefaultCapacity)
	if u := b.Utilization("p"); u != want {
		t.Errorf("utilization = %v, want %v", u, want)
	}
}
