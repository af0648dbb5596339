// Package match assigns unassigned orders to the nearest available agent.
package match

import (
	"context"
	"errors"
	"time"

	"fleettrack/internal/auth"
	"fleettrack/internal/fault"
	"fleettrack/internal/geo"
	"fleettrack/internal/metrics"
	"fleettrack/internal/model"
	"fleettrack/internal/store"
)

// CapabilityDelivery marks agents eligible for order assignment.
const CapabilityDelivery = "delivery"

// Matcher performs nearest-agent assignment. It reads persisted positions,
// never the in-memory cache, and issues no broadcast itself.
type Matcher struct {
	Store store.Store

	now func() time.Time
}

func New(s store.Store) *Matcher {
	return &Matcher{Store: s, now: time.Now}
}

// MatchNearest assigns the closest eligible agent to the order. The caller
// must hold the administrative capability. Ties are broken by the first
// candidate encountered; only a strictly smaller distance replaces the
// current best.
func (m *Matcher) MatchNearest(ctx context.Context, orderID string, actor auth.Identity) (model.Order, error) {
	if !actor.IsAdmin() {
		metrics.Matches.WithLabelValues("unauthorized").Inc()
		return model.Order{}, fault.New(fault.CodeUnauthorized, "administrative capability required")
	}

	ord, err := m.Store.FindOrder(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		metrics.Matches.WithLabelValues("not_found").Inc()
		return model.Order{}, fault.Newf(fault.CodeNotFound, "order %s", orderID)
	}
	if err != nil {
		return model.Order{}, fault.Wrap(fault.CodeStoreUnavailable, "find order", err)
	}
	if ord.AssignedAgentID != "" {
		metrics.Matches.WithLabelValues("already_assigned").Inc()
		return model.Order{}, fault.Newf(fault.CodeAlreadyAssigned, "order %s already assigned to %s", orderID, ord.AssignedAgentID)
	}

	agents, err := m.Store.FindAgentsByCapability(ctx, CapabilityDelivery)
	if err != nil {
		return model.Order{}, fault.Wrap(fault.CodeStoreUnavailable, "list delivery agents", err)
	}
	ids := make([]string, 0, len(agents))
	for _, a := range agents {
		if a.LocationSharing {
			ids = append(ids, a.ID)
		}
	}
	positions, err := m.Store.FindActivePositions(ctx, ids)
	if err != nil {
		return model.Order{}, fault.Wrap(fault.CodeStoreUnavailable, "load agent positions", err)
	}

	bestID := ""
	bestDist := 0.0
	for _, pos := range positions {
		d := geo.DistanceKm(model.GeoPoint{Lat: pos.Lat, Lng: pos.Lng}, ord.Destination)
		if bestID == "" || d < bestDist {
			bestID = pos.AgentID
			bestDist = d
		}
	}
	if bestID == "" {
		metrics.Matches.WithLabelValues("no_agents").Inc()
		return model.Order{}, fault.New(fault.CodeNoAgentsAvailable, "no eligible agents with an active position")
	}

	now := m.now().UTC()
	ord.AssignedAgentID = bestID
	ord.Status = model.StatusAssigned
	ord.AssignedAt = &now
	// guarded save: if a concurrent match or assignment landed first the
	// stored status is no longer pending and this write is rejected.
	if err := m.Store.SaveOrder(ctx, ord, model.StatusPending); err != nil {
		if errors.Is(err, store.ErrConflict) {
			metrics.Matches.WithLabelValues("already_assigned").Inc()
			return model.Order{}, fault.Newf(fault.CodeAlreadyAssigned, "order %s already assigned", orderID)
		}
		return model.Order{}, fault.Wrap(fault.CodeStoreUnavailable, "save assignment", err)
	}
	metrics.Matches.WithLabelValues("ok").Inc()
	return ord, nil
}
