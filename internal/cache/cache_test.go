package cache

import (
	"sync"
	"testing"
	"time"

	"fleettrack/internal/model"
)

func TestSetOverwritesAndGet(t *testing.T) {
	c := New()
	now := time.Now()
	c.Set(model.Position{AgentID: "a1", Lat: 1, Lng: 2}, now)
	c.Set(model.Position{AgentID: "a1", Lat: 3, Lng: 4}, now.Add(time.Second))

	e, ok := c.Get("a1")
	if !ok {
		t.Fatal("entry missing")
	}
	if e.Position.Lat != 3 || e.Position.Lng != 4 {
		t.Fatalf("stale entry after overwrite: %+v", e.Position)
	}
	if !e.CachedAt.Equal(now.Add(time.Second)) {
		t.Fatalf("cache timestamp not updated: %v", e.CachedAt)
	}
}

func TestRemoveAndValues(t *testing.T) {
	c := New()
	now := time.Now()
	c.Set(model.Position{AgentID: "a1"}, now)
	c.Set(model.Position{AgentID: "a2"}, now)
	c.Remove("a1")

	if _, ok := c.Get("a1"); ok {
		t.Fatal("a1 should be evicted")
	}
	vals := c.Values()
	if len(vals) != 1 || vals[0].Position.AgentID != "a2" {
		t.Fatalf("Values = %+v, want only a2", vals)
	}
}

func TestConcurrentAccess(t *testing.T) {
	c := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Set(model.Position{AgentID: "a1", Lat: float64(j)}, time.Now())
				c.Get("a1")
				c.Values()
			}
		}(i)
	}
	wg.Wait()
}
