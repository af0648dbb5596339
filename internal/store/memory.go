package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"fleettrack/internal/model"
)

// Memory is the in-memory store used when no DATABASE_URL is set and in tests.
type Memory struct {
	mu        sync.Mutex
	agents    map[string]model.Agent
	positions map[string]model.Position // agentID -> current position
	history   []model.PositionHistoryRecord
	orders    map[string]model.Order

	subs       map[string]model.WebhookSubscription
	deliveries map[string]*memDelivery
}

// memDelivery augments WebhookDelivery with scheduling state.
type memDelivery struct {
	WebhookDelivery
	NextAttemptAt time.Time
	LastError     string
	ResponseCode  int
	LatencyMs     int
	DeliveredAt   *time.Time
}

func NewMemory() *Memory {
	return &Memory{
		agents:     map[string]model.Agent{},
		positions:  map[string]model.Position{},
		orders:     map[string]model.Order{},
		subs:       map[string]model.WebhookSubscription{},
		deliveries: map[string]*memDelivery{},
	}
}

func (m *Memory) FindAgent(ctx context.Context, agentID string) (model.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[agentID]
	if !ok {
		return model.Agent{}, ErrNotFound
	}
	return a, nil
}

func (m *Memory) UpsertAgent(ctx context.Context, a model.Agent) error {
	m.mu.Lock()
	m.agents[a.ID] = a
	m.mu.Unlock()
	return nil
}

func (m *Memory) FindAgentsByCapability(ctx context.Context, capability string) ([]model.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Agent{}
	for _, a := range m.agents {
		if a.HasCapability(capability) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) FindPosition(ctx context.Context, agentID string) (model.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[agentID]
	if !ok {
		return model.Position{}, ErrNotFound
	}
	return p, nil
}

// UpsertPosition is a full overwrite: last write wins.
func (m *Memory) UpsertPosition(ctx context.Context, pos model.Position) error {
	m.mu.Lock()
	m.positions[pos.AgentID] = pos
	m.mu.Unlock()
	return nil
}

func (m *Memory) FindActivePositions(ctx context.Context, agentIDs []string) ([]model.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Position{}
	for _, id := range agentIDs {
		if p, ok := m.positions[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *Memory) AppendHistory(ctx context.Context, rec model.PositionHistoryRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	m.mu.Lock()
	m.history = append(m.history, rec)
	m.mu.Unlock()
	return nil
}

// ListHistory returns records for an agent in chronological order, optionally
// filtered to a single order tag.
func (m *Memory) ListHistory(ctx context.Context, agentID, orderID string, limit int) ([]model.PositionHistoryRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.PositionHistoryRecord{}
	for _, r := range m.history {
		if r.AgentID != agentID {
			continue
		}
		if orderID != "" && r.OrderID != orderID {
			continue
		}
		out = append(out, r)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) CreateOrder(ctx context.Context, o model.Order) (model.Order, error) {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	if o.Status == "" {
		o.Status = model.StatusPending
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	m.orders[o.ID] = o
	m.mu.Unlock()
	return o, nil
}

func (m *Memory) FindOrder(ctx context.Context, orderID string) (model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return model.Order{}, ErrNotFound
	}
	return o, nil
}

// SaveOrder applies the write only while the stored status still matches
// expect; the status check and the write happen under one lock hold.
func (m *Memory) SaveOrder(ctx context.Context, o model.Order, expect model.OrderStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.orders[o.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != expect {
		return ErrConflict
	}
	m.orders[o.ID] = o
	return nil
}

func (m *Memory) FindActiveOrderForAgent(ctx context.Context, agentID string) (model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found model.Order
	ok := false
	for _, o := range m.orders {
		if o.AssignedAgentID != agentID || !o.Status.Active() {
			continue
		}
		// deterministic pick when several are active
		if !ok || o.ID < found.ID {
			found = o
			ok = true
		}
	}
	if !ok {
		return model.Order{}, ErrNotFound
	}
	return found, nil
}

func (m *Memory) CreateWebhookSubscription(ctx context.Context, sub model.WebhookSubscription) (model.WebhookSubscription, error) {
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	m.mu.Lock()
	m.subs[sub.ID] = sub
	m.mu.Unlock()
	return sub, nil
}

func (m *Memory) ListWebhookSubscriptions(ctx context.Context) ([]model.WebhookSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.WebhookSubscription{}
	for _, s := range m.subs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetWebhookSubscriptionsForEvent(ctx context.Context, eventType string) ([]model.WebhookSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.WebhookSubscription
	for _, s := range m.subs {
		for _, e := range s.Events {
			if e == eventType {
				out = append(out, s)
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	id := uuid.New().String()
	m.mu.Lock()
	m.deliveries[id] = &memDelivery{
		WebhookDelivery: WebhookDelivery{
			ID: id, SubscriptionID: subscriptionID, EventType: eventType,
			URL: url, Secret: secret, Payload: payload, Status: "pending",
		},
		NextAttemptAt: time.Now(),
	}
	m.mu.Unlock()
	return id, nil
}

func (m *Memory) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	if limit <= 0 {
		limit = 50
	}
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []WebhookDelivery{}
	for _, d := range m.deliveries {
		if d.Status == "pending" && !d.NextAttemptAt.After(now) {
			out = append(out, d.WebhookDelivery)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return ErrNotFound
	}
	d.Attempts++
	d.LastError = lastError
	d.ResponseCode = responseCode
	d.LatencyMs = latencyMs
	if success {
		d.Status = "delivered"
		now := time.Now()
		d.DeliveredAt = &now
	} else if nextAttemptAt != nil {
		d.NextAttemptAt = *nextAttemptAt
	}
	return nil
}

func (m *Memory) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return ErrNotFound
	}
	d.Attempts++
	d.Status = "failed"
	d.LastError = lastError
	d.ResponseCode = responseCode
	d.LatencyMs = latencyMs
	return nil
}
