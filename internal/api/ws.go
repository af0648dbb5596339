package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"fleettrack/internal/auth"
	"fleettrack/internal/bus"
	"fleettrack/internal/fault"
	"fleettrack/internal/metrics"
	"fleettrack/internal/model"
	"fleettrack/internal/store"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

type wsFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// wsConn serializes writes; gorilla permits one concurrent writer only.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) send(frameType string, data any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(map[string]any{"type": frameType, "data": data})
}

func (c *wsConn) sendErr(err error) {
	code := fault.CodeOf(err)
	if code == "" {
		code = "internal"
	}
	_ = c.send("error", map[string]any{"code": string(code), "message": err.Error()})
}

// WSHandler handles /ws: one session per connection, typed JSON frames.
func (s *Server) WSHandler(w http.ResponseWriter, r *http.Request) {
	id, err := s.identity(r)
	if err != nil {
		writeFault(w, err, r.URL.Path)
		return
	}
	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := &wsConn{conn: raw}
	sess := s.Registry.Open()
	metrics.WSConnections.Inc()
	defer func() {
		s.Registry.Close(sess.ID)
		metrics.WSConnections.Dec()
		_ = raw.Close()
	}()

	raw.SetReadLimit(1 << 20)
	_ = raw.SetReadDeadline(time.Now().Add(60 * time.Second))
	raw.SetPongHandler(func(string) error {
		_ = raw.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	// keepalive pings until the connection goes away
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(20 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				conn.mu.Lock()
				err := raw.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
				conn.mu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	ws := &wsState{
		srv:       s,
		conn:      conn,
		sess:      sess,
		id:        id,
		limiter:   rate.NewLimiter(rate.Limit(s.cfg.Ingest.RateRPS), s.cfg.Ingest.RateBurst),
		forwarded: map[string]bool{},
	}
	for {
		var frame wsFrame
		if err := raw.ReadJSON(&frame); err != nil {
			return
		}
		_ = raw.SetReadDeadline(time.Now().Add(60 * time.Second))
		ws.handleFrame(r, frame)
	}
}

// wsState is the per-connection frame-handling state. It is touched only by
// the connection's read loop.
type wsState struct {
	srv       *Server
	conn      *wsConn
	sess      *bus.Session
	id        auth.Identity
	limiter   *rate.Limiter
	forwarded map[string]bool // topics with a running forward goroutine
}

// subscribe joins the topic and starts the forwarding goroutine exactly once
// per topic, even when the client sends duplicate join frames.
func (w *wsState) subscribe(topic string) error {
	ch, err := w.srv.Registry.Subscribe(w.sess.ID, topic)
	if err != nil {
		return err
	}
	if !w.forwarded[topic] {
		w.forwarded[topic] = true
		go w.srv.forward(w.conn, ch)
	}
	return nil
}

func (w *wsState) handleFrame(r *http.Request, frame wsFrame) {
	s, conn, sess, id, limiter := w.srv, w.conn, w.sess, w.id, w.limiter
	switch frame.Type {
	case "ping":
		_ = conn.send("pong", nil)

	case "join-tracking":
		var req struct {
			AgentID string `json:"agentId"`
		}
		if err := json.Unmarshal(frame.Data, &req); err != nil || req.AgentID == "" {
			conn.sendErr(fault.New(fault.CodeInvalidInput, "agentId is required"))
			return
		}
		if !id.IsAdmin() && id.ID != req.AgentID {
			conn.sendErr(fault.New(fault.CodeUnauthorized, "token does not match agentId"))
			return
		}
		if err := s.Registry.SetAgent(sess.ID, req.AgentID); err != nil {
			conn.sendErr(err)
			return
		}
		if err := w.subscribe(bus.AgentTopic(req.AgentID)); err != nil {
			conn.sendErr(err)
			return
		}
		reply := map[string]any{"agentId": req.AgentID}
		if pos, err := s.Store.FindPosition(r.Context(), req.AgentID); err == nil {
			reply["position"] = pos
		}
		_ = conn.send("tracking-joined", reply)

	case "join-order-tracking", "subscribe-order":
		var req struct {
			OrderID string `json:"orderId"`
		}
		if err := json.Unmarshal(frame.Data, &req); err != nil || req.OrderID == "" {
			conn.sendErr(fault.New(fault.CodeInvalidInput, "orderId is required"))
			return
		}
		ord, err := s.Store.FindOrder(r.Context(), req.OrderID)
		if errors.Is(err, store.ErrNotFound) {
			conn.sendErr(fault.Newf(fault.CodeNotFound, "order %s", req.OrderID))
			return
		}
		if err != nil {
			conn.sendErr(fault.Wrap(fault.CodeStoreUnavailable, "find order", err))
			return
		}
		if !canViewOrder(id, ord) {
			conn.sendErr(fault.New(fault.CodeUnauthorized, "not a party to this order"))
			return
		}
		if err := w.subscribe(bus.OrderTopic(req.OrderID)); err != nil {
			conn.sendErr(err)
			return
		}
		_ = conn.send("order-snapshot", s.snapshot(r, ord))

	case "location-update":
		if !limiter.Allow() {
			conn.sendErr(fault.New(fault.CodeRateLimited, "rate limit exceeded"))
			return
		}
		var upd model.LocationUpdate
		if err := json.Unmarshal(frame.Data, &upd); err != nil {
			conn.sendErr(fault.Wrap(fault.CodeInvalidInput, "malformed location update", err))
			return
		}
		if upd.AgentID == "" {
			upd.AgentID = sess.AgentID()
		}
		if upd.AgentID != sess.AgentID() && upd.AgentID != id.ID && !id.IsAdmin() {
			conn.sendErr(fault.New(fault.CodeUnauthorized, "agentId does not match session"))
			return
		}
		if _, err := s.Pipeline.Ingest(r.Context(), upd); err != nil {
			// reported only to the originator, never broadcast
			conn.sendErr(err)
		}

	case "accept-order", "start-delivery", "complete-delivery", "cancel-order":
		var req struct {
			OrderID string `json:"orderId"`
		}
		if err := json.Unmarshal(frame.Data, &req); err != nil || req.OrderID == "" {
			conn.sendErr(fault.New(fault.CodeInvalidInput, "orderId is required"))
			return
		}
		var ord model.Order
		var err error
		switch frame.Type {
		case "accept-order":
			ord, err = s.Lifecycle.Accept(r.Context(), req.OrderID, id)
		case "start-delivery":
			ord, err = s.Lifecycle.Start(r.Context(), req.OrderID, id)
		case "complete-delivery":
			ord, err = s.Lifecycle.Complete(r.Context(), req.OrderID, id)
		case "cancel-order":
			ord, err = s.Lifecycle.Cancel(r.Context(), req.OrderID, id)
		}
		if err != nil {
			conn.sendErr(err)
			return
		}
		_ = conn.send("order-updated", map[string]any{"orderId": ord.ID, "status": string(ord.Status)})

	case "get-active-deliveries":
		if !id.IsAdmin() {
			conn.sendErr(fault.New(fault.CodeUnauthorized, "administrative capability required"))
			return
		}
		_ = conn.send("active-deliveries", map[string]any{"items": s.Cache.Values()})

	default:
		conn.sendErr(fault.Newf(fault.CodeInvalidInput, "unknown frame type %q", frame.Type))
	}
}

// forward copies broker events onto the connection until the subscription
// channel is closed by session teardown.
func (s *Server) forward(conn *wsConn, ch chan bus.Event) {
	for evt := range ch {
		if err := conn.send(evt.Type, evt.Data); err != nil {
			return
		}
	}
}
