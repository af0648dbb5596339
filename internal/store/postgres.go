package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"fleettrack/internal/model"
)

// Postgres persists positions, history, orders, and webhook state via
// database/sql with the pgx stdlib driver.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &Postgres{db: db}, nil
}

// MigrateDir applies every .sql file in dir in lexical order.
func (p *Postgres) MigrateDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	names := []string{}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, n := range names {
		b, err := os.ReadFile(filepath.Join(dir, n))
		if err != nil {
			return err
		}
		if _, err := p.db.Exec(string(b)); err != nil {
			return err
		}
	}
	return nil
}

func (p *Postgres) FindAgent(ctx context.Context, agentID string) (model.Agent, error) {
	var a model.Agent
	var caps string
	err := p.db.QueryRowContext(ctx,
		`SELECT id, COALESCE(name,''), COALESCE(capabilities,''), location_sharing FROM agents WHERE id=$1`,
		agentID).Scan(&a.ID, &a.Name, &caps, &a.LocationSharing)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Agent{}, ErrNotFound
	}
	if err != nil {
		return model.Agent{}, err
	}
	a.Capabilities = splitCaps(caps)
	return a, nil
}

func (p *Postgres) UpsertAgent(ctx context.Context, a model.Agent) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, capabilities, location_sharing)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name,
			capabilities=EXCLUDED.capabilities,
			location_sharing=EXCLUDED.location_sharing`,
		a.ID, a.Name, joinCaps(a.Capabilities), a.LocationSharing)
	return err
}

func (p *Postgres) FindAgentsByCapability(ctx context.Context, capability string) ([]model.Agent, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, COALESCE(name,''), COALESCE(capabilities,''), location_sharing
		 FROM agents
		 WHERE capabilities LIKE '%' || $1 || '%'
		 ORDER BY id`, capability)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Agent{}
	for rows.Next() {
		var a model.Agent
		var caps string
		if err := rows.Scan(&a.ID, &a.Name, &caps, &a.LocationSharing); err != nil {
			return nil, err
		}
		a.Capabilities = splitCaps(caps)
		// LIKE is a prefilter; confirm the exact capability token
		if a.HasCapability(capability) {
			out = append(out, a)
		}
	}
	return out, rows.Err()
}

func (p *Postgres) FindPosition(ctx context.Context, agentID string) (model.Position, error) {
	var pos model.Position
	var acc sql.NullFloat64
	err := p.db.QueryRowContext(ctx,
		`SELECT agent_id, lat, lng, accuracy, ts FROM agent_positions WHERE agent_id=$1`,
		agentID).Scan(&pos.AgentID, &pos.Lat, &pos.Lng, &acc, &pos.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Position{}, ErrNotFound
	}
	if err != nil {
		return model.Position{}, err
	}
	if acc.Valid {
		v := acc.Float64
		pos.Accuracy = &v
	}
	return pos, nil
}

// UpsertPosition overwrites the agent's current position row: last write wins.
func (p *Postgres) UpsertPosition(ctx context.Context, pos model.Position) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO agent_positions (agent_id, lat, lng, accuracy, ts)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (agent_id) DO UPDATE SET lat=EXCLUDED.lat, lng=EXCLUDED.lng,
			accuracy=EXCLUDED.accuracy, ts=EXCLUDED.ts`,
		pos.AgentID, pos.Lat, pos.Lng, nullFloat(pos.Accuracy), pos.Timestamp)
	return err
}

func (p *Postgres) FindActivePositions(ctx context.Context, agentIDs []string) ([]model.Position, error) {
	out := []model.Position{}
	for _, id := range agentIDs {
		pos, err := p.FindPosition(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, pos)
	}
	return out, nil
}

func (p *Postgres) AppendHistory(ctx context.Context, rec model.PositionHistoryRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO agent_position_history (id, agent_id, lat, lng, accuracy, order_id, recorded_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.AgentID, rec.Lat, rec.Lng, nullFloat(rec.Accuracy), nullIfEmpty(rec.OrderID), rec.RecordedAt)
	return err
}

func (p *Postgres) ListHistory(ctx context.Context, agentID, orderID string, limit int) ([]model.PositionHistoryRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows *sql.Rows
	var err error
	if orderID != "" {
		rows, err = p.db.QueryContext(ctx,
			`SELECT id, agent_id, lat, lng, accuracy, COALESCE(order_id,''), recorded_at
			 FROM agent_position_history WHERE agent_id=$1 AND order_id=$2
			 ORDER BY recorded_at LIMIT $3`, agentID, orderID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx,
			`SELECT id, agent_id, lat, lng, accuracy, COALESCE(order_id,''), recorded_at
			 FROM agent_position_history WHERE agent_id=$1
			 ORDER BY recorded_at LIMIT $2`, agentID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.PositionHistoryRecord{}
	for rows.Next() {
		var r model.PositionHistoryRecord
		var acc sql.NullFloat64
		if err := rows.Scan(&r.ID, &r.AgentID, &r.Lat, &r.Lng, &acc, &r.OrderID, &r.RecordedAt); err != nil {
			return nil, err
		}
		if acc.Valid {
			v := acc.Float64
			r.Accuracy = &v
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) CreateOrder(ctx context.Context, o model.Order) (model.Order, error) {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	if o.Status == "" {
		o.Status = model.StatusPending
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO orders (id, customer_id, dest_lat, dest_lng, assigned_agent_id, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		o.ID, o.CustomerID, o.Destination.Lat, o.Destination.Lng,
		nullIfEmpty(o.AssignedAgentID), string(o.Status), o.CreatedAt)
	if err != nil {
		return model.Order{}, err
	}
	return o, nil
}

func (p *Postgres) FindOrder(ctx context.Context, orderID string) (model.Order, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, customer_id, dest_lat, dest_lng, COALESCE(assigned_agent_id,''), status,
		       assigned_at, accepted_at, started_at, delivered_at, cancelled_at, created_at
		FROM orders WHERE id=$1`, orderID)
	return scanOrder(row)
}

// SaveOrder is a compare-and-set on status: the WHERE clause rejects the
// write when a concurrent transition already moved the order on.
func (p *Postgres) SaveOrder(ctx context.Context, o model.Order, expect model.OrderStatus) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE orders SET assigned_agent_id=$2, status=$3, assigned_at=$4, accepted_at=$5,
			started_at=$6, delivered_at=$7, cancelled_at=$8
		WHERE id=$1 AND status=$9`,
		o.ID, nullIfEmpty(o.AssignedAgentID), string(o.Status),
		o.AssignedAt, o.AcceptedAt, o.StartedAt, o.DeliveredAt, o.CancelledAt,
		string(expect))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := p.FindOrder(ctx, o.ID); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

func (p *Postgres) FindActiveOrderForAgent(ctx context.Context, agentID string) (model.Order, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, customer_id, dest_lat, dest_lng, COALESCE(assigned_agent_id,''), status,
		       assigned_at, accepted_at, started_at, delivered_at, cancelled_at, created_at
		FROM orders
		WHERE assigned_agent_id=$1 AND status NOT IN ('delivered','cancelled')
		ORDER BY id LIMIT 1`, agentID)
	return scanOrder(row)
}

func scanOrder(row *sql.Row) (model.Order, error) {
	var o model.Order
	var status string
	var assignedAt, acceptedAt, startedAt, deliveredAt, cancelledAt sql.NullTime
	err := row.Scan(&o.ID, &o.CustomerID, &o.Destination.Lat, &o.Destination.Lng,
		&o.AssignedAgentID, &status, &assignedAt, &acceptedAt, &startedAt, &deliveredAt, &cancelledAt, &o.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Order{}, ErrNotFound
	}
	if err != nil {
		return model.Order{}, err
	}
	o.Status = model.OrderStatus(status)
	o.AssignedAt = timePtr(assignedAt)
	o.AcceptedAt = timePtr(acceptedAt)
	o.StartedAt = timePtr(startedAt)
	o.DeliveredAt = timePtr(deliveredAt)
	o.CancelledAt = timePtr(cancelledAt)
	return o, nil
}

func (p *Postgres) CreateWebhookSubscription(ctx context.Context, sub model.WebhookSubscription) (model.WebhookSubscription, error) {
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO webhook_subscriptions (id, url, events, secret) VALUES ($1,$2,$3,$4)`,
		sub.ID, sub.URL, joinCaps(sub.Events), nullIfEmpty(sub.Secret))
	if err != nil {
		return model.WebhookSubscription{}, err
	}
	return sub, nil
}

func (p *Postgres) ListWebhookSubscriptions(ctx context.Context) ([]model.WebhookSubscription, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, url, COALESCE(events,''), COALESCE(secret,'') FROM webhook_subscriptions ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.WebhookSubscription{}
	for rows.Next() {
		var s model.WebhookSubscription
		var events string
		if err := rows.Scan(&s.ID, &s.URL, &events, &s.Secret); err != nil {
			return nil, err
		}
		s.Events = splitCaps(events)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) GetWebhookSubscriptionsForEvent(ctx context.Context, eventType string) ([]model.WebhookSubscription, error) {
	subs, err := p.ListWebhookSubscriptions(ctx)
	if err != nil {
		return nil, err
	}
	var out []model.WebhookSubscription
	for _, s := range subs {
		for _, e := range s.Events {
			if e == eventType {
				out = append(out, s)
				break
			}
		}
	}
	return out, nil
}

func (p *Postgres) EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	id := uuid.New().String()
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO webhook_deliveries (id, subscription_id, event_type, url, secret, payload, status, attempts, next_attempt_at)
		VALUES ($1,$2,$3,$4,$5,$6,'pending',0,now())`,
		id, subscriptionID, eventType, url, nullIfEmpty(secret), payload)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (p *Postgres) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, subscription_id, event_type, url, COALESCE(secret,''), payload, status, attempts
		FROM webhook_deliveries
		WHERE status='pending' AND next_attempt_at <= now()
		ORDER BY next_attempt_at LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []WebhookDelivery{}
	for rows.Next() {
		var d WebhookDelivery
		if err := rows.Scan(&d.ID, &d.SubscriptionID, &d.EventType, &d.URL, &d.Secret, &d.Payload, &d.Status, &d.Attempts); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	if success {
		_, err := p.db.ExecContext(ctx, `
			UPDATE webhook_deliveries SET status='delivered', attempts=attempts+1,
				last_error=NULL, response_code=$2, latency_ms=$3, delivered_at=now()
			WHERE id=$1`, id, responseCode, latencyMs)
		return err
	}
	_, err := p.db.ExecContext(ctx, `
		UPDATE webhook_deliveries SET attempts=attempts+1, next_attempt_at=$2,
			last_error=$3, response_code=$4, latency_ms=$5
		WHERE id=$1`, id, nextAttemptAt, nullIfEmpty(lastError), responseCode, latencyMs)
	return err
}

func (p *Postgres) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE webhook_deliveries SET status='failed', attempts=attempts+1,
			last_error=$2, response_code=$3, latency_ms=$4
		WHERE id=$1`, id, nullIfEmpty(lastError), responseCode, latencyMs)
	return err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// Capabilities and event lists are stored as comma-joined text.
func joinCaps(v []string) any {
	if len(v) == 0 {
		return nil
	}
	return strings.Join(v, ",")
}

func splitCaps(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
