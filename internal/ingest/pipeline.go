// Package ingest implements the location ingestion pipeline: validate,
// persist, cache, and republish one position report.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"fleettrack/internal/bus"
	"fleettrack/internal/cache"
	"fleettrack/internal/fault"
	"fleettrack/internal/geo"
	"fleettrack/internal/metrics"
	"fleettrack/internal/model"
	"fleettrack/internal/store"
)

// Pipeline runs the ordered steps for one position update. Each step's write
// is independent and idempotent under retry; a failure partway never requires
// rollback. A failure in the secondary order-broadcast step is logged and
// never escalated.
type Pipeline struct {
	Store  store.Store
	Cache  *cache.ActiveLocations
	Broker bus.Broker
	Log    *slog.Logger

	// now is swappable for tests.
	now func() time.Time
}

func New(s store.Store, c *cache.ActiveLocations, b bus.Broker, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{Store: s, Cache: c, Broker: b, Log: log, now: time.Now}
}

// Ingest validates and processes a single position report. On success it
// returns the persisted position. InvalidInput failures are reported only to
// the originating caller, never broadcast.
func (p *Pipeline) Ingest(ctx context.Context, upd model.LocationUpdate) (model.Position, error) {
	if err := validate(upd); err != nil {
		metrics.LocationUpdates.WithLabelValues("invalid").Inc()
		return model.Position{}, err
	}
	start := p.now()
	defer func() { metrics.IngestDuration.Observe(time.Since(start).Seconds()) }()

	now := p.now().UTC()
	pos := model.Position{
		AgentID:   upd.AgentID,
		Lat:       *upd.Lat,
		Lng:       *upd.Lng,
		Accuracy:  upd.Accuracy,
		Timestamp: now,
	}

	// 1. current-position record: full overwrite, last write wins
	if err := p.Store.UpsertPosition(ctx, pos); err != nil {
		metrics.LocationUpdates.WithLabelValues("store_error").Inc()
		return model.Position{}, fault.Wrap(fault.CodeStoreUnavailable, "upsert position", err)
	}

	// 2. immutable history record
	rec := model.PositionHistoryRecord{
		ID:         uuid.New().String(),
		AgentID:    pos.AgentID,
		Lat:        pos.Lat,
		Lng:        pos.Lng,
		Accuracy:   pos.Accuracy,
		RecordedAt: now,
	}
	if err := p.Store.AppendHistory(ctx, rec); err != nil {
		metrics.LocationUpdates.WithLabelValues("store_error").Inc()
		return model.Position{}, fault.Wrap(fault.CodeStoreUnavailable, "append history", err)
	}

	// 3. cache entry stamped with ingestion time, not the reported timestamp
	p.Cache.Set(pos, now)

	// 4. raw position stream
	p.publish(bus.AgentTopic(pos.AgentID), "agent", bus.Event{
		Type: "location-updated",
		Data: positionData(pos),
	})

	// 5. order-scoped fan-out when the agent has an active delivery
	p.publishOrderUpdate(ctx, pos)

	metrics.LocationUpdates.WithLabelValues("ok").Inc()
	return pos, nil
}

// publishOrderUpdate appends the order-tagged history copy and fans out the
// delivery event. Failures here leave the primary steps untouched.
func (p *Pipeline) publishOrderUpdate(ctx context.Context, pos model.Position) {
	ord, err := p.Store.FindActiveOrderForAgent(ctx, pos.AgentID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			p.Log.Warn("active order lookup failed", "agentId", pos.AgentID, "err", err)
		}
		return
	}
	tagged := model.PositionHistoryRecord{
		ID:         uuid.New().String(),
		AgentID:    pos.AgentID,
		Lat:        pos.Lat,
		Lng:        pos.Lng,
		Accuracy:   pos.Accuracy,
		OrderID:    ord.ID,
		RecordedAt: pos.Timestamp,
	}
	if err := p.Store.AppendHistory(ctx, tagged); err != nil {
		p.Log.Warn("order-tagged history append failed", "agentId", pos.AgentID, "orderId", ord.ID, "err", err)
	}
	data := positionData(pos)
	data["orderId"] = ord.ID
	p.publish(bus.OrderTopic(ord.ID), "order", bus.Event{
		Type: "delivery-location-updated",
		Data: data,
	})
}

func (p *Pipeline) publish(topic, family string, evt bus.Event) {
	p.Broker.Publish(topic, evt)
	metrics.Broadcasts.WithLabelValues(family, evt.Type).Inc()
}

func positionData(pos model.Position) map[string]any {
	d := map[string]any{
		"agentId": pos.AgentID,
		"lat":     pos.Lat,
		"lng":     pos.Lng,
		"ts":      pos.Timestamp.Format(time.RFC3339Nano),
	}
	if pos.Accuracy != nil {
		d["accuracy"] = *pos.Accuracy
	}
	return d
}

func validate(upd model.LocationUpdate) error {
	if upd.AgentID == "" {
		return fault.New(fault.CodeInvalidInput, "agentId is required")
	}
	if upd.Lat == nil || upd.Lng == nil {
		return fault.New(fault.CodeInvalidInput, "lat and lng are required")
	}
	if !geo.ValidLatitude(*upd.Lat) {
		return fault.Newf(fault.CodeInvalidInput, "latitude out of range: %v", *upd.Lat)
	}
	if !geo.ValidLongitude(*upd.Lng) {
		return fault.Newf(fault.CodeInvalidInput, "longitude out of range: %v", *upd.Lng)
	}
	if upd.Accuracy != nil && *upd.Accuracy < 0 {
		return fault.Newf(fault.CodeInvalidInput, "accuracy must be >= 0: %v", *upd.Accuracy)
	}
	return nil
}
