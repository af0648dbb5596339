package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"fleettrack/internal/config"
	"fleettrack/internal/model"
)

type testFrame struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

func wsDial(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + token
	c, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func sendFrame(t *testing.T, c *websocket.Conn, frameType string, data map[string]any) {
	t.Helper()
	if err := c.WriteJSON(map[string]any{"type": frameType, "data": data}); err != nil {
		t.Fatalf("write %s: %v", frameType, err)
	}
}

// readFrame reads until a frame of wantType arrives or the deadline hits.
func readFrame(t *testing.T, c *websocket.Conn, wantType string) testFrame {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var f testFrame
		if err := c.ReadJSON(&f); err != nil {
			t.Fatalf("read waiting for %s: %v", wantType, err)
		}
		if f.Type == wantType {
			return f
		}
		if f.Type == "error" {
			t.Fatalf("error frame while waiting for %s: %v", wantType, f.Data)
		}
	}
}

// readFrameSet reads frames until every listed type has been seen once.
func readFrameSet(t *testing.T, c *websocket.Conn, types ...string) {
	t.Helper()
	want := map[string]bool{}
	for _, ty := range types {
		want[ty] = true
	}
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	for len(want) > 0 {
		var f testFrame
		if err := c.ReadJSON(&f); err != nil {
			t.Fatalf("read waiting for %v: %v", want, err)
		}
		if f.Type == "error" {
			t.Fatalf("error frame: %v", f.Data)
		}
		delete(want, f.Type)
	}
}

func newWSServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	s := newTestServer(t)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.WSHandler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return s, srv
}

func TestWSJoinTrackingAndLocationFlow(t *testing.T) {
	s, srv := newWSServer(t)
	ctx := context.Background()

	ord, _ := s.Store.CreateOrder(ctx, model.Order{
		CustomerID: "cust-1", AssignedAgentID: "agent-1", Status: model.StatusOutForDelivery,
		Destination: model.GeoPoint{Lat: 36.7372, Lng: 3.0588},
	})

	agent := wsDial(t, srv, agentToken)
	sendFrame(t, agent, "join-tracking", map[string]any{"agentId": "agent-1"})
	readFrame(t, agent, "tracking-joined")

	customer := wsDial(t, srv, customerToken)
	sendFrame(t, customer, "join-order-tracking", map[string]any{"orderId": ord.ID})
	snap := readFrame(t, customer, "order-snapshot")
	if snap.Data["orderId"] != ord.ID {
		t.Fatalf("snapshot: %v", snap.Data)
	}

	sendFrame(t, agent, "location-update", map[string]any{"agentId": "agent-1", "lat": 36.74, "lng": 3.06})

	// the agent's own topic echoes the raw update
	upd := readFrame(t, agent, "location-updated")
	if upd.Data["agentId"] != "agent-1" {
		t.Fatalf("agent echo: %v", upd.Data)
	}
	// the order watcher gets the delivery-scoped event
	devt := readFrame(t, customer, "delivery-location-updated")
	if devt.Data["orderId"] != ord.ID {
		t.Fatalf("order event: %v", devt.Data)
	}

	// persisted and cached
	if _, err := s.Store.FindPosition(ctx, "agent-1"); err != nil {
		t.Fatalf("position not persisted: %v", err)
	}
	if _, ok := s.Cache.Get("agent-1"); !ok {
		t.Fatal("cache entry missing")
	}
}

func TestWSInvalidUpdateErrorsOriginatorOnly(t *testing.T) {
	s, srv := newWSServer(t)

	agent := wsDial(t, srv, agentToken)
	sendFrame(t, agent, "join-tracking", map[string]any{"agentId": "agent-1"})
	readFrame(t, agent, "tracking-joined")

	watcher := wsDial(t, srv, adminToken)
	sendFrame(t, watcher, "join-tracking", map[string]any{"agentId": "agent-1"})
	readFrame(t, watcher, "tracking-joined")

	sendFrame(t, agent, "location-update", map[string]any{"agentId": "agent-1", "lat": 123.0, "lng": 3.06})

	_ = agent.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f testFrame
	if err := agent.ReadJSON(&f); err != nil || f.Type != "error" {
		t.Fatalf("want error frame at originator, got %+v err=%v", f, err)
	}
	if f.Data["code"] != "invalid_input" {
		t.Fatalf("error code: %v", f.Data)
	}

	// the watcher on the same topic sees nothing
	_ = watcher.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var leak testFrame
	if err := watcher.ReadJSON(&leak); err == nil {
		t.Fatalf("watcher received frame for invalid update: %+v", leak)
	}

	if _, ok := s.Cache.Get("agent-1"); ok {
		t.Fatal("invalid update reached the cache")
	}
}

func TestWSOrderSubscriptionAuth(t *testing.T) {
	s, srv := newWSServer(t)
	ord, _ := s.Store.CreateOrder(context.Background(), model.Order{CustomerID: "cust-1"})

	stranger := wsDial(t, srv, "other:customer")
	sendFrame(t, stranger, "join-order-tracking", map[string]any{"orderId": ord.ID})
	_ = stranger.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f testFrame
	if err := stranger.ReadJSON(&f); err != nil || f.Type != "error" || f.Data["code"] != "unauthorized" {
		t.Fatalf("want unauthorized error, got %+v err=%v", f, err)
	}

	sendFrame(t, stranger, "join-order-tracking", map[string]any{"orderId": "missing"})
	if err := stranger.ReadJSON(&f); err != nil || f.Data["code"] != "not_found" {
		t.Fatalf("want not_found error, got %+v err=%v", f, err)
	}
}

func TestWSAgentLifecycleFrames(t *testing.T) {
	s, srv := newWSServer(t)
	ctx := context.Background()
	ord, _ := s.Store.CreateOrder(ctx, model.Order{
		CustomerID: "cust-1", AssignedAgentID: "agent-1", Status: model.StatusAssigned,
	})

	agent := wsDial(t, srv, agentToken)
	// assigned agent may watch its own order without the owner check
	sendFrame(t, agent, "join-order-tracking", map[string]any{"orderId": ord.ID})
	readFrame(t, agent, "order-snapshot")

	// each transition yields the direct reply plus the topic broadcast, in
	// either order
	sendFrame(t, agent, "accept-order", map[string]any{"orderId": ord.ID})
	readFrameSet(t, agent, "order-updated", "order-accepted")

	sendFrame(t, agent, "start-delivery", map[string]any{"orderId": ord.ID})
	readFrameSet(t, agent, "order-updated", "delivery-started")

	sendFrame(t, agent, "complete-delivery", map[string]any{"orderId": ord.ID})
	readFrameSet(t, agent, "order-updated", "delivery-completed")

	after, _ := s.Store.FindOrder(ctx, ord.ID)
	if after.Status != model.StatusDelivered {
		t.Fatalf("status after walk: %s", after.Status)
	}
}

func TestWSDisconnectEvictsCache(t *testing.T) {
	s, srv := newWSServer(t)

	agent := wsDial(t, srv, agentToken)
	sendFrame(t, agent, "join-tracking", map[string]any{"agentId": "agent-1"})
	readFrame(t, agent, "tracking-joined")
	sendFrame(t, agent, "location-update", map[string]any{"agentId": "agent-1", "lat": 1.0, "lng": 2.0})
	readFrame(t, agent, "location-updated")

	if _, ok := s.Cache.Get("agent-1"); !ok {
		t.Fatal("cache entry missing before disconnect")
	}
	_ = agent.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := s.Cache.Get("agent-1"); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("cache entry not evicted after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// persisted position survives eviction
	if _, err := s.Store.FindPosition(context.Background(), "agent-1"); err != nil {
		t.Fatalf("persisted position lost: %v", err)
	}
}

func TestWSLocationUpdateRateLimited(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	cfg.Ingest.RateRPS = 1
	cfg.Ingest.RateBurst = 1
	s, err := NewServer(cfg, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.WSHandler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	agent := wsDial(t, srv, agentToken)
	sendFrame(t, agent, "join-tracking", map[string]any{"agentId": "agent-1"})
	readFrame(t, agent, "tracking-joined")

	// the single burst token covers the first update; the immediate second
	// one is rejected with the dedicated code
	sendFrame(t, agent, "location-update", map[string]any{"agentId": "agent-1", "lat": 1.0, "lng": 2.0})
	readFrame(t, agent, "location-updated")
	sendFrame(t, agent, "location-update", map[string]any{"agentId": "agent-1", "lat": 1.1, "lng": 2.1})

	_ = agent.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f testFrame
	if err := agent.ReadJSON(&f); err != nil || f.Type != "error" {
		t.Fatalf("want error frame, got %+v err=%v", f, err)
	}
	if f.Data["code"] != "rate_limited" {
		t.Fatalf("error code: %v", f.Data)
	}
}

func TestWSActiveDeliveriesSnapshot(t *testing.T) {
	s, srv := newWSServer(t)
	s.Cache.Set(model.Position{AgentID: "agent-9", Lat: 1, Lng: 2}, time.Now())

	admin := wsDial(t, srv, adminToken)
	sendFrame(t, admin, "get-active-deliveries", nil)
	f := readFrame(t, admin, "active-deliveries")
	items, _ := f.Data["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("items: %v", f.Data)
	}

	agentConn := wsDial(t, srv, agentToken)
	sendFrame(t, agentConn, "get-active-deliveries", nil)
	_ = agentConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var e testFrame
	if err := agentConn.ReadJSON(&e); err != nil || e.Type != "error" {
		t.Fatalf("want error frame, got %+v err=%v", e, err)
	}
}
