package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the API.
	Registry = prometheus.NewRegistry()

	// LocationUpdates counts ingested position reports by result.
	LocationUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "location_updates_total", Help: "Ingested location updates by result."},
		[]string{"result"},
	)
	// IngestDuration records end-to-end ingestion pipeline durations.
	IngestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "location_ingest_duration_seconds", Help: "Location ingestion duration in seconds.", Buckets: prometheus.DefBuckets},
	)
	// Broadcasts counts published events by topic family and event type.
	Broadcasts = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "broadcast_events_total", Help: "Broadcast events by topic family and type."},
		[]string{"family", "type"},
	)
	// WSConnections tracks currently open WebSocket connections.
	WSConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "ws_connections", Help: "Open WebSocket connections."},
	)
	// Matches counts nearest-agent matching attempts by result.
	Matches = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "order_matches_total", Help: "Order matching attempts by result."},
		[]string{"result"},
	)
	// OrderTransitions counts lifecycle transitions by target status.
	OrderTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "order_transitions_total", Help: "Order lifecycle transitions by target status."},
		[]string{"status"},
	)
	// WebhookDeliveries counts webhook delivery outcomes by event type and status.
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Webhook deliveries by event type and status."},
		[]string{"event_type", "status"},
	)
)

// RegisterDefault registers collectors on the package registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(LocationUpdates)
		Registry.MustRegister(IngestDuration)
		Registry.MustRegister(Broadcasts)
		Registry.MustRegister(WSConnections)
		Registry.MustRegister(Matches)
		Registry.MustRegister(OrderTransitions)
		Registry.MustRegister(WebhookDeliveries)
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once
