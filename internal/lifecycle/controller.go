// Package lifecycle enforces the order-delivery state machine and publishes
// a transition event to the order topic after each successful persist.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"fleettrack/internal/auth"
	"fleettrack/internal/bus"
	"fleettrack/internal/fault"
	"fleettrack/internal/metrics"
	"fleettrack/internal/model"
	"fleettrack/internal/store"
)

// Notifier receives a transition after it has been persisted. The webhook
// publisher plugs in here; nil means no external notifications.
type Notifier interface {
	OrderTransition(ctx context.Context, ord model.Order, eventType string)
}

// Controller applies lifecycle transitions. The linear chain is strict:
// pending -> assigned -> accepted -> out_for_delivery -> delivered, with
// cancel reachable from any non-terminal state. Events are published only
// after persistence succeeds, so subscribers always observe durable state.
type Controller struct {
	Store    store.Store
	Broker   bus.Broker
	Notifier Notifier
	Log      *slog.Logger

	now func() time.Time
}

func New(s store.Store, b bus.Broker, n Notifier, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{Store: s, Broker: b, Notifier: n, Log: log, now: time.Now}
}

// Assign moves a pending order to assigned. Unlike the other forward
// transitions it requires the administrative capability rather than the
// assigned agent identity.
func (c *Controller) Assign(ctx context.Context, orderID, agentID string, actor auth.Identity) (model.Order, error) {
	if !actor.IsAdmin() {
		return model.Order{}, fault.New(fault.CodeUnauthorized, "administrative capability required")
	}
	ord, err := c.load(ctx, orderID)
	if err != nil {
		return model.Order{}, err
	}
	if ord.AssignedAgentID != "" {
		return model.Order{}, fault.Newf(fault.CodeAlreadyAssigned, "order %s already assigned", orderID)
	}
	if ord.Status != model.StatusPending {
		return model.Order{}, transitionError(ord.Status, model.StatusAssigned)
	}
	now := c.now().UTC()
	ord.AssignedAgentID = agentID
	ord.Status = model.StatusAssigned
	ord.AssignedAt = &now
	out, err := c.commit(ctx, ord, "order-assigned", now, agentID, model.StatusPending)
	if fault.IsCode(err, fault.CodeInvalidTransition) {
		// lost the race to a concurrent assignment
		return model.Order{}, fault.Newf(fault.CodeAlreadyAssigned, "order %s already assigned", orderID)
	}
	return out, err
}

// Accept is the assigned agent confirming the delivery.
func (c *Controller) Accept(ctx context.Context, orderID string, actor auth.Identity) (model.Order, error) {
	return c.forward(ctx, orderID, actor, model.StatusAssigned, model.StatusAccepted, "order-accepted")
}

// Start marks the delivery as out for delivery.
func (c *Controller) Start(ctx context.Context, orderID string, actor auth.Identity) (model.Order, error) {
	return c.forward(ctx, orderID, actor, model.StatusAccepted, model.StatusOutForDelivery, "delivery-started")
}

// Complete marks the order delivered.
func (c *Controller) Complete(ctx context.Context, orderID string, actor auth.Identity) (model.Order, error) {
	return c.forward(ctx, orderID, actor, model.StatusOutForDelivery, model.StatusDelivered, "delivery-completed")
}

// Cancel moves any non-terminal order to cancelled. Allowed for the order's
// customer, the assigned agent, or an administrator.
func (c *Controller) Cancel(ctx context.Context, orderID string, actor auth.Identity) (model.Order, error) {
	ord, err := c.load(ctx, orderID)
	if err != nil {
		return model.Order{}, err
	}
	if !actor.IsAdmin() && actor.ID != ord.CustomerID && actor.ID != ord.AssignedAgentID {
		return model.Order{}, fault.New(fault.CodeUnauthorized, "not a party to this order")
	}
	if ord.Status.Terminal() {
		return model.Order{}, transitionError(ord.Status, model.StatusCancelled)
	}
	from := ord.Status
	now := c.now().UTC()
	ord.Status = model.StatusCancelled
	ord.CancelledAt = &now
	return c.commit(ctx, ord, "order-cancelled", now, actor.ID, from)
}

func (c *Controller) forward(ctx context.Context, orderID string, actor auth.Identity, from, to model.OrderStatus, eventType string) (model.Order, error) {
	ord, err := c.load(ctx, orderID)
	if err != nil {
		return model.Order{}, err
	}
	if ord.AssignedAgentID == "" || actor.ID != ord.AssignedAgentID {
		return model.Order{}, fault.Newf(fault.CodeAgentMismatch, "acting identity %s is not the assigned agent", actor.ID)
	}
	if ord.Status != from {
		return model.Order{}, transitionError(ord.Status, to)
	}
	now := c.now().UTC()
	ord.Status = to
	switch to {
	case model.StatusAccepted:
		ord.AcceptedAt = &now
	case model.StatusOutForDelivery:
		ord.StartedAt = &now
	case model.StatusDelivered:
		ord.DeliveredAt = &now
	}
	return c.commit(ctx, ord, eventType, now, actor.ID, from)
}

func (c *Controller) load(ctx context.Context, orderID string) (model.Order, error) {
	ord, err := c.Store.FindOrder(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return model.Order{}, fault.Newf(fault.CodeNotFound, "order %s", orderID)
	}
	if err != nil {
		return model.Order{}, fault.Wrap(fault.CodeStoreUnavailable, "find order", err)
	}
	return ord, nil
}

// commit persists first, then publishes; on persist failure nothing is
// broadcast, so subscribers never observe half-applied state. The guarded
// save makes concurrent transitions on one order resolve to a single winner,
// so each applied transition broadcasts exactly once.
func (c *Controller) commit(ctx context.Context, ord model.Order, eventType string, ts time.Time, agentID string, from model.OrderStatus) (model.Order, error) {
	if err := c.Store.SaveOrder(ctx, ord, from); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return model.Order{}, transitionError(from, ord.Status)
		}
		if errors.Is(err, store.ErrNotFound) {
			return model.Order{}, fault.Newf(fault.CodeNotFound, "order %s", ord.ID)
		}
		return model.Order{}, fault.Wrap(fault.CodeStoreUnavailable, "persist transition", err)
	}
	c.Broker.Publish(bus.OrderTopic(ord.ID), bus.Event{
		Type: eventType,
		Data: map[string]any{
			"orderId": ord.ID,
			"status":  string(ord.Status),
			"ts":      ts.Format(time.RFC3339Nano),
			"agentId": agentID,
		},
	})
	metrics.Broadcasts.WithLabelValues("order", eventType).Inc()
	metrics.OrderTransitions.WithLabelValues(string(ord.Status)).Inc()
	if c.Notifier != nil {
		c.Notifier.OrderTransition(ctx, ord, eventType)
	}
	return ord, nil
}

func transitionError(from, to model.OrderStatus) error {
	return fault.Newf(fault.CodeInvalidTransition, "cannot transition from %s to %s", from, to)
}
