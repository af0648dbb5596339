package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fleettrack/internal/buildinfo"
	"fleettrack/internal/fault"
	"fleettrack/internal/geo"
	"fleettrack/internal/model"
	"fleettrack/internal/store"
)

// assumed courier speed for delivery time estimates
const estimateSpeedKmh = 25.0

// OrdersHandler handles POST /v1/orders (create) and GET /v1/orders is not
// exposed; listing goes through order-scoped reads.
func (s *Server) OrdersHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id, err := s.identity(r)
	if err != nil {
		writeFault(w, err, r.URL.Path)
		return
	}
	var req struct {
		CustomerID  string         `json:"customerId"`
		Destination model.GeoPoint `json:"destination"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if req.CustomerID == "" {
		req.CustomerID = id.ID
	}
	if !id.IsAdmin() && req.CustomerID != id.ID {
		writeFault(w, fault.New(fault.CodeUnauthorized, "cannot create orders for another customer"), r.URL.Path)
		return
	}
	if !geo.ValidLatitude(req.Destination.Lat) || !geo.ValidLongitude(req.Destination.Lng) {
		writeFault(w, fault.New(fault.CodeInvalidInput, "destination out of range"), r.URL.Path)
		return
	}
	ord, err := s.Store.CreateOrder(r.Context(), model.Order{
		CustomerID:  req.CustomerID,
		Destination: req.Destination,
	})
	if err != nil {
		writeFault(w, fault.Wrap(fault.CodeStoreUnavailable, "create order", err), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusCreated, ord)
}

// OrderByIDHandler routes /v1/orders/{id} and /v1/orders/{id}/{action}.
func (s *Server) OrderByIDHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/orders/")
	parts := strings.SplitN(rest, "/", 2)
	orderID := parts[0]
	if orderID == "" {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	if len(parts) == 1 {
		s.getOrder(w, r, orderID)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id, err := s.identity(r)
	if err != nil {
		writeFault(w, err, r.URL.Path)
		return
	}
	switch parts[1] {
	case "match":
		ord, err := s.Matcher.MatchNearest(r.Context(), orderID, id)
		if err != nil {
			writeFault(w, err, r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, ord)
	case "assign":
		var req struct {
			AgentID string `json:"agentId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AgentID == "" {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", "agentId is required", r.URL.Path)
			return
		}
		s.transition(w, r, func() (model.Order, error) {
			return s.Lifecycle.Assign(r.Context(), orderID, req.AgentID, id)
		})
	case "accept":
		s.transition(w, r, func() (model.Order, error) { return s.Lifecycle.Accept(r.Context(), orderID, id) })
	case "start":
		s.transition(w, r, func() (model.Order, error) { return s.Lifecycle.Start(r.Context(), orderID, id) })
	case "complete":
		s.transition(w, r, func() (model.Order, error) { return s.Lifecycle.Complete(r.Context(), orderID, id) })
	case "cancel":
		s.transition(w, r, func() (model.Order, error) { return s.Lifecycle.Cancel(r.Context(), orderID, id) })
	default:
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
	}
}

func (s *Server) transition(w http.ResponseWriter, r *http.Request, fn func() (model.Order, error)) {
	ord, err := fn()
	if err != nil {
		writeFault(w, err, r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, ord)
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request, orderID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id, err := s.identity(r)
	if err != nil {
		writeFault(w, err, r.URL.Path)
		return
	}
	ord, err := s.Store.FindOrder(r.Context(), orderID)
	if errors.Is(err, store.ErrNotFound) {
		writeFault(w, fault.Newf(fault.CodeNotFound, "order %s", orderID), r.URL.Path)
		return
	}
	if err != nil {
		writeFault(w, fault.Wrap(fault.CodeStoreUnavailable, "find order", err), r.URL.Path)
		return
	}
	if !canViewOrder(id, ord) {
		writeFault(w, fault.New(fault.CodeUnauthorized, "not a party to this order"), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, s.snapshot(r, ord))
}

// snapshot builds the order view with a delivery time estimate when the
// assigned agent has a known position.
func (s *Server) snapshot(r *http.Request, ord model.Order) model.OrderSnapshot {
	snap := model.OrderSnapshot{
		OrderID:         ord.ID,
		Status:          ord.Status,
		AssignedAgentID: ord.AssignedAgentID,
	}
	if ord.AssignedAgentID == "" || ord.Status.Terminal() {
		return snap
	}
	pos, err := s.Store.FindPosition(r.Context(), ord.AssignedAgentID)
	if err != nil {
		return snap
	}
	km := geo.DistanceKm(model.GeoPoint{Lat: pos.Lat, Lng: pos.Lng}, ord.Destination)
	eta := time.Now().UTC().Add(time.Duration(km / estimateSpeedKmh * float64(time.Hour)))
	snap.EstimatedDeliveryTime = &eta
	return snap
}

// AgentsHandler routes PUT /v1/agents/{id} (registration, admin) and
// GET /v1/agents/{id}/position, /v1/agents/{id}/history.
func (s *Server) AgentsHandler(w http.ResponseWriter, r *http.Request) {
	id, err := s.identity(r)
	if err != nil {
		writeFault(w, err, r.URL.Path)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/agents/")
	parts := strings.SplitN(rest, "/", 2)
	if parts[0] == "" {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	agentID := parts[0]
	if len(parts) == 1 {
		if r.Method != http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !id.IsAdmin() {
			writeFault(w, fault.New(fault.CodeUnauthorized, "administrative capability required"), r.URL.Path)
			return
		}
		var a model.Agent
		if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		a.ID = agentID
		if err := s.Store.UpsertAgent(r.Context(), a); err != nil {
			writeFault(w, fault.Wrap(fault.CodeStoreUnavailable, "upsert agent", err), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, a)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !id.IsAdmin() && id.ID != agentID {
		writeFault(w, fault.New(fault.CodeUnauthorized, "cannot read another agent's data"), r.URL.Path)
		return
	}
	switch parts[1] {
	case "position":
		pos, err := s.Store.FindPosition(r.Context(), agentID)
		if errors.Is(err, store.ErrNotFound) {
			writeFault(w, fault.Newf(fault.CodeNotFound, "no position for agent %s", agentID), r.URL.Path)
			return
		}
		if err != nil {
			writeFault(w, fault.Wrap(fault.CodeStoreUnavailable, "find position", err), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, pos)
	case "history":
		limit := 0
		if v := r.URL.Query().Get("limit"); v != "" {
			limit, _ = strconv.Atoi(v)
		}
		recs, err := s.Store.ListHistory(r.Context(), agentID, r.URL.Query().Get("order"), limit)
		if err != nil {
			writeFault(w, fault.Wrap(fault.CodeStoreUnavailable, "list history", err), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": recs})
	default:
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
	}
}

// ActiveDeliveriesHandler returns the cache snapshot for dashboards.
func (s *Server) ActiveDeliveriesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id, err := s.identity(r)
	if err != nil {
		writeFault(w, err, r.URL.Path)
		return
	}
	if !id.IsAdmin() {
		writeFault(w, fault.New(fault.CodeUnauthorized, "administrative capability required"), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": s.Cache.Values()})
}

// WebhooksHandler handles POST/GET /v1/webhooks (admin).
func (s *Server) WebhooksHandler(w http.ResponseWriter, r *http.Request) {
	id, err := s.identity(r)
	if err != nil {
		writeFault(w, err, r.URL.Path)
		return
	}
	if !id.IsAdmin() {
		writeFault(w, fault.New(fault.CodeUnauthorized, "administrative capability required"), r.URL.Path)
		return
	}
	switch r.Method {
	case http.MethodPost:
		var sub model.WebhookSubscription
		if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if sub.URL == "" || len(sub.Events) == 0 {
			writeFault(w, fault.New(fault.CodeInvalidInput, "url and events are required"), r.URL.Path)
			return
		}
		created, err := s.Store.CreateWebhookSubscription(r.Context(), sub)
		if err != nil {
			writeFault(w, fault.Wrap(fault.CodeStoreUnavailable, "create subscription", err), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	case http.MethodGet:
		subs, err := s.Store.ListWebhookSubscriptions(r.Context())
		if err != nil {
			writeFault(w, fault.Wrap(fault.CodeStoreUnavailable, "list subscriptions", err), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": subs})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// HealthHandler reports liveness with build information.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "build": buildinfo.Info()})
}

// ReadyHandler reports readiness; the store must answer a probe read.
func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	_, err := s.Store.FindAgent(r.Context(), "readyz-probe")
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		writeProblem(w, http.StatusServiceUnavailable, "store unavailable", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}
