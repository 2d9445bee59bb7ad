package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func searchTool(id string) *ToolInfo {
	return &ToolInfo{
		ID:       id,
		Name:     "Restaurant Search",
		Endpoint: "http://" + id + ".local:8080",
		Capabilities: []Capability{
			{Name: "search_restaurants_by_district", Outputs: []string{"restaurants"}},
		},
	}
}

func TestRegisterAndGet(t *testing.T) {
	r := NewMemoryRegistry()
	ctx := context.Background()

	if err := r.Register(ctx, searchTool("search-1")); err != nil {
		t.Fatalf("register: %v", err)
	}

	got, err := r.Get(ctx, "search-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Health != HealthUnknown {
		t.Errorf("new tool health = %s, want %s", got.Health, HealthUnknown)
	}
	if got.LastSeen.IsZero() {
		t.Error("LastSeen not stamped on registration")
	}
}

func TestRegisterRejectsMissingID(t *testing.T) {
	r := NewMemoryRegistry()
	if err := r.Register(context.Background(), &ToolInfo{}); err == nil {
		t.Fatal("expected error for tool without ID")
	}
}

func TestGetReturnsIsolatedSnapshot(t *testing.T) {
	r := NewMemoryRegistry()
	ctx := context.Background()
	_ = r.Register(ctx, searchTool("search-1"))

	first, _ := r.Get(ctx, "search-1")
	first.Capabilities[0].Name = "mutated"
	first.Health = HealthUnhealthy

	second, _ := r.Get(ctx, "search-1")
	if second.Capabilities[0].Name != "search_restaurants_by_district" {
		t.Error("snapshot mutation leaked into registry")
	}
	if second.Health == HealthUnhealthy {
		t.Error("health mutation leaked into registry")
	}
}

func TestListOrderedByID(t *testing.T) {
	r := NewMemoryRegistry()
	ctx := context.Background()
	for _, id := range []string{"charlie", "alpha", "bravo"} {
		_ = r.Register(ctx, searchTool(id))
	}

	tools, err := r.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{"alpha", "bravo", "charlie"}
	for i, tool := range tools {
		if tool.ID != want[i] {
			t.Errorf("tools[%d] = %s, want %s", i, tool.ID, want[i])
		}
	}
}

func TestFindByCapability(t *testing.T) {
	r := NewMemoryRegistry()
	ctx := context.Background()
	_ = r.Register(ctx, searchTool("search-1"))
	_ = r.Register(ctx, &ToolInfo{
		ID:           "reco-1",
		Endpoint:     "http://reco.local",
		Capabilities: []Capability{{Name: "recommend_restaurants"}},
	})

	matched, err := r.FindByCapability(ctx, "recommend_restaurants")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(matched) != 1 || matched[0].ID != "reco-1" {
		t.Fatalf("matched = %v, want [reco-1]", matched)
	}
}

func TestUnregisterUnknownTool(t *testing.T) {
	r := NewMemoryRegistry()
	err := r.Unregister(context.Background(), "ghost")
	if !errors.Is(err, ErrToolNotFound) {
		t.Errorf("err = %v, want ErrToolNotFound", err)
	}
}

func TestUpdateHealthAndPerformance(t *testing.T) {
	r := NewMemoryRegistry()
	ctx := context.Background()
	_ = r.Register(ctx, searchTool("search-1"))

	if err := r.UpdateHealth(ctx, "search-1", HealthDegraded); err != nil {
		t.Fatalf("update health: %v", err)
	}
	if err := r.UpdatePerformance(ctx, "search-1", PerformanceSnapshot{SuccessRate: 0.95, SampleCount: 20}); err != nil {
		t.Fatalf("update performance: %v", err)
	}

	got, _ := r.Get(ctx, "search-1")
	if got.Health != HealthDegraded {
		t.Errorf("health = %s, want degraded", got.Health)
	}
	if got.Performance.SampleCount != 20 {
		t.Errorf("sample count = %d, want 20", got.Performance.SampleCount)
	}
}

func TestConcurrentUpdatesDoNotRace(t *testing.T) {
	r := NewMemoryRegistry()
	ctx := context.Background()
	_ = r.Register(ctx, searchTool("a"))
	_ = r.Register(ctx, searchTool("b"))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = r.UpdateHealth(ctx, "a", HealthHealthy)
		}()
		go func() {
			defer wg.Done()
			_, _ = r.Get(ctx, "b")
		}()
	}
	wg.Wait()
}

func TestMemoryStoreTTL(t *testing.T) {
	m := NewMemoryStore()
	defer m.Close()
	ctx := context.Background()

	_ = m.Set(ctx, "k", "v", 20*time.Millisecond)
	if v, _ := m.Get(ctx, "k"); v != "v" {
		t.Fatalf("got %q, want v", v)
	}

	time.Sleep(40 * time.Millisecond)
	if v, _ := m.Get(ctx, "k"); v != "" {
		t.Errorf("expired key returned %q", v)
	}
	if ok, _ := m.Exists(ctx, "k"); ok {
		t.Error("expired key still reported as existing")
	}
}
