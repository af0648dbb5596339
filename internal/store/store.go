package store

import (
	"context"
	"errors"
	"time"

	"fleettrack/internal/model"
)

// Store is the persistence collaborator used by the tracking and matching
// components. Implementations must treat every write as independent and
// idempotent under retry.
type Store interface {
	// Agents
	FindAgent(ctx context.Context, agentID string) (model.Agent, error)
	UpsertAgent(ctx context.Context, a model.Agent) error
	FindAgentsByCapability(ctx context.Context, capability string) ([]model.Agent, error)

	// Positions
	FindPosition(ctx context.Context, agentID string) (model.Position, error)
	UpsertPosition(ctx context.Context, pos model.Position) error
	FindActivePositions(ctx context.Context, agentIDs []string) ([]model.Position, error)

	// Position history (append-only)
	AppendHistory(ctx context.Context, rec model.PositionHistoryRecord) error
	ListHistory(ctx context.Context, agentID, orderID string, limit int) ([]model.PositionHistoryRecord, error)

	// Orders. SaveOrder is a guarded compare-and-set: the write applies only
	// when the stored row still has the expected status, so concurrent
	// transitions on one order serialize to a single winner.
	CreateOrder(ctx context.Context, o model.Order) (model.Order, error)
	FindOrder(ctx context.Context, orderID string) (model.Order, error)
	SaveOrder(ctx context.Context, o model.Order, expect model.OrderStatus) error
	FindActiveOrderForAgent(ctx context.Context, agentID string) (model.Order, error)

	// Webhook subscriptions and deliveries
	CreateWebhookSubscription(ctx context.Context, sub model.WebhookSubscription) (model.WebhookSubscription, error)
	ListWebhookSubscriptions(ctx context.Context) ([]model.WebhookSubscription, error)
	GetWebhookSubscriptionsForEvent(ctx context.Context, eventType string) ([]model.WebhookSubscription, error)
	EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error)
	FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error)
	MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error
	FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error
}

// WebhookDelivery is one pending or completed webhook dispatch.
type WebhookDelivery struct {
	ID             string
	SubscriptionID string
	EventType      string
	URL            string
	Secret         string
	Payload        []byte
	Status         string
	Attempts       int
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict reports that a guarded order save lost to a concurrent
	// transition: the stored status no longer matches the expected one.
	ErrConflict = errors.New("conflicting update")
)
