// Package webhooks delivers order lifecycle events to registered HTTPS
// consumers with HMAC signatures and exponential-backoff retries.
package webhooks

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"fleettrack/internal/model"
	"fleettrack/internal/store"
)

type Publisher struct {
	Store store.Store
	Log   *slog.Logger
}

func NewPublisher(s store.Store, log *slog.Logger) *Publisher {
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{Store: s, Log: log}
}

// OrderTransition enqueues the transition for every subscription registered
// for the event type. Enqueue failures are logged; lifecycle transitions never
// fail because a webhook could not be queued.
func (p *Publisher) OrderTransition(ctx context.Context, ord model.Order, eventType string) {
	p.Emit(ctx, eventType, map[string]any{
		"orderId":         ord.ID,
		"status":          string(ord.Status),
		"assignedAgentId": ord.AssignedAgentID,
	})
}

func (p *Publisher) Emit(ctx context.Context, eventType string, data any) {
	subs, err := p.Store.GetWebhookSubscriptionsForEvent(ctx, eventType)
	if err != nil {
		p.Log.Warn("webhook subscription lookup failed", "eventType", eventType, "err", err)
		return
	}
	if len(subs) == 0 {
		return
	}
	payload := map[string]any{
		"id":   "evt_" + uuid.New().String(),
		"type": eventType,
		"ts":   time.Now().UTC().Format(time.RFC3339),
		"data": data,
	}
	body, _ := json.Marshal(payload)
	for _, s := range subs {
		if _, err := p.Store.EnqueueWebhook(ctx, s.ID, eventType, s.URL, s.Secret, body); err != nil {
			p.Log.Warn("webhook enqueue failed", "subscriptionId", s.ID, "err", err)
		}
	}
}
