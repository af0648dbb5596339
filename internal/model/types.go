package model

import "time"

// GeoPoint is a WGS84 coordinate pair in decimal degrees.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Position is the latest reported location of a delivery agent. Each new
// report fully supersedes the previous one for that agent.
type Position struct {
	AgentID   string    `json:"agentId"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Accuracy  *float64  `json:"accuracy,omitempty"`
	Timestamp time.Time `json:"ts"`
}

// PositionHistoryRecord is an append-only history entry. OrderID is set on
// the second record written when the reporting agent has an active order.
type PositionHistoryRecord struct {
	ID         string    `json:"id"`
	AgentID    string    `json:"agentId"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	Accuracy   *float64  `json:"accuracy,omitempty"`
	OrderID    string    `json:"orderId,omitempty"`
	RecordedAt time.Time `json:"recordedAt"`
}

// LocationUpdate is the inbound wire shape for a position report. Lat/Lng are
// pointers so missing fields are distinguishable from zero values.
type LocationUpdate struct {
	AgentID  string   `json:"agentId"`
	Lat      *float64 `json:"lat"`
	Lng      *float64 `json:"lng"`
	Accuracy *float64 `json:"accuracy,omitempty"`
}

type OrderStatus string

const (
	StatusPending        OrderStatus = "pending"
	StatusAssigned       OrderStatus = "assigned"
	StatusAccepted       OrderStatus = "accepted"
	StatusOutForDelivery OrderStatus = "out_for_delivery"
	StatusDelivered      OrderStatus = "delivered"
	StatusCancelled      OrderStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s OrderStatus) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// Active reports whether s counts as an in-flight delivery for the
// active-order lookup during ingestion.
func (s OrderStatus) Active() bool {
	return s != "" && !s.Terminal()
}

// Order is the subset of the order record this service reads and transitions.
type Order struct {
	ID              string      `json:"id"`
	CustomerID      string      `json:"customerId"`
	Destination     GeoPoint    `json:"destination"`
	AssignedAgentID string      `json:"assignedAgentId,omitempty"`
	Status          OrderStatus `json:"status"`
	AssignedAt      *time.Time  `json:"assignedAt,omitempty"`
	AcceptedAt      *time.Time  `json:"acceptedAt,omitempty"`
	StartedAt       *time.Time  `json:"startedAt,omitempty"`
	DeliveredAt     *time.Time  `json:"deliveredAt,omitempty"`
	CancelledAt     *time.Time  `json:"cancelledAt,omitempty"`
	CreatedAt       time.Time   `json:"createdAt"`
}

// Agent is a delivery courier identity.
type Agent struct {
	ID              string   `json:"id"`
	Name            string   `json:"name,omitempty"`
	Capabilities    []string `json:"capabilities"`
	LocationSharing bool     `json:"locationSharing"`
}

// HasCapability reports whether the agent carries the named capability.
func (a Agent) HasCapability(c string) bool {
	for _, v := range a.Capabilities {
		if v == c {
			return true
		}
	}
	return false
}

// OrderSnapshot is the reply sent when a connection joins an order topic.
type OrderSnapshot struct {
	OrderID               string      `json:"orderId"`
	Status                OrderStatus `json:"status"`
	AssignedAgentID       string      `json:"assignedAgentId,omitempty"`
	EstimatedDeliveryTime *time.Time  `json:"estimatedDeliveryTime,omitempty"`
}

// WebhookSubscription registers an HTTPS consumer for order lifecycle events.
type WebhookSubscription struct {
	ID     string   `json:"id"`
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Secret string   `json:"secret,omitempty"`
}
