package match

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fleettrack/internal/auth"
	"fleettrack/internal/fault"
	"fleettrack/internal/model"
	"fleettrack/internal/store"
)

var admin = auth.Identity{ID: "ops", Capabilities: []string{"admin"}}

// seedAgent registers a delivery agent with a persisted position at the given
// offset (degrees of longitude) from the destination.
func seedAgent(t *testing.T, m *store.Memory, id string, dest model.GeoPoint, lngOffset float64) {
	t.Helper()
	ctx := context.Background()
	if err := m.UpsertAgent(ctx, model.Agent{ID: id, Capabilities: []string{"delivery"}, LocationSharing: true}); err != nil {
		t.Fatal(err)
	}
	pos := model.Position{AgentID: id, Lat: dest.Lat, Lng: dest.Lng + lngOffset, Timestamp: time.Now()}
	if err := m.UpsertPosition(ctx, pos); err != nil {
		t.Fatal(err)
	}
}

func TestMatchNearestPicksClosest(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	dest := model.GeoPoint{Lat: 36.7372, Lng: 3.0588}
	ord, _ := m.CreateOrder(ctx, model.Order{CustomerID: "c1", Destination: dest})

	// roughly 5 km, 1 km, and 9 km away at this latitude
	seedAgent(t, m, "far", dest, 0.056)
	seedAgent(t, m, "near", dest, 0.011)
	seedAgent(t, m, "farther", dest, 0.1)

	got, err := New(m).MatchNearest(ctx, ord.ID, admin)
	if err != nil {
		t.Fatalf("MatchNearest: %v", err)
	}
	if got.AssignedAgentID != "near" {
		t.Fatalf("assigned %s, want near", got.AssignedAgentID)
	}
	if got.Status != model.StatusAssigned || got.AssignedAt == nil {
		t.Fatalf("assignment not stamped: %+v", got)
	}

	// repeat call fails and leaves the assignment unchanged
	_, err = New(m).MatchNearest(ctx, ord.ID, admin)
	if !fault.IsCode(err, fault.CodeAlreadyAssigned) {
		t.Fatalf("repeat err = %v, want already_assigned", err)
	}
	after, _ := m.FindOrder(ctx, ord.ID)
	if after.AssignedAgentID != "near" {
		t.Fatalf("assignment changed on repeat call: %s", after.AssignedAgentID)
	}
}

func TestMatchNearestConcurrentSingleWinner(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	dest := model.GeoPoint{Lat: 36.7372, Lng: 3.0588}
	seedAgent(t, m, "a1", dest, 0.011)
	matcher := New(m)

	for round := 0; round < 25; round++ {
		ord, _ := m.CreateOrder(ctx, model.Order{CustomerID: "c1", Destination: dest})

		var wg sync.WaitGroup
		var ok, taken int32
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := matcher.MatchNearest(ctx, ord.ID, admin)
				switch {
				case err == nil:
					atomic.AddInt32(&ok, 1)
				case fault.IsCode(err, fault.CodeAlreadyAssigned):
					atomic.AddInt32(&taken, 1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()
		if ok != 1 || taken != 3 {
			t.Fatalf("round %d: %d assigned, %d already_assigned", round, ok, taken)
		}
		after, _ := m.FindOrder(ctx, ord.ID)
		if after.AssignedAgentID != "a1" || after.Status != model.StatusAssigned {
			t.Fatalf("round %d: %+v", round, after)
		}
	}
}

func TestMatchNearestNoAgents(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	ord, _ := m.CreateOrder(ctx, model.Order{CustomerID: "c1"})

	// an agent without location sharing is not a candidate
	_ = m.UpsertAgent(ctx, model.Agent{ID: "hidden", Capabilities: []string{"delivery"}})

	_, err := New(m).MatchNearest(ctx, ord.ID, admin)
	if !fault.IsCode(err, fault.CodeNoAgentsAvailable) {
		t.Fatalf("err = %v, want no_agents_available", err)
	}
	after, _ := m.FindOrder(ctx, ord.ID)
	if after.AssignedAgentID != "" || after.Status != model.StatusPending {
		t.Fatalf("failed match mutated order: %+v", after)
	}
}

func TestMatchNearestAuthorization(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	ord, _ := m.CreateOrder(ctx, model.Order{CustomerID: "c1"})

	_, err := New(m).MatchNearest(ctx, ord.ID, auth.Identity{ID: "a1", Capabilities: []string{"delivery"}})
	if !fault.IsCode(err, fault.CodeUnauthorized) {
		t.Fatalf("err = %v, want unauthorized", err)
	}
}

func TestMatchNearestOrderNotFound(t *testing.T) {
	m := store.NewMemory()
	_, err := New(m).MatchNearest(context.Background(), "missing", admin)
	if !fault.IsCode(err, fault.CodeNotFound) {
		t.Fatalf("err = %v, want not_found", err)
	}
}
