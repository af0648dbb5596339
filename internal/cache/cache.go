// Package cache holds the process-wide latest-position map used for
// low-latency dashboard reads. It is a presentation optimization only:
// matching always reads persisted positions, never this cache.
package cache

import (
	"sync"
	"time"

	"fleettrack/internal/model"
)

// Entry pairs a position with the server-side time it was cached. The cached
// timestamp is ingestion time, independent of the reported one.
type Entry struct {
	Position model.Position `json:"position"`
	CachedAt time.Time      `json:"cachedAt"`
}

// ActiveLocations maps agent id to last known position. Lifetime is process
// uptime; entries are evicted best-effort when the owning session disconnects.
type ActiveLocations struct {
	mu sync.Mutex
	m  map[string]Entry
}

func New() *ActiveLocations {
	return &ActiveLocations{m: map[string]Entry{}}
}

// Set overwrites the entry for the position's agent.
func (c *ActiveLocations) Set(pos model.Position, now time.Time) {
	if pos.AgentID == "" {
		return
	}
	c.mu.Lock()
	c.m[pos.AgentID] = Entry{Position: pos, CachedAt: now}
	c.mu.Unlock()
}

// Get returns the last cached position for the agent.
func (c *ActiveLocations) Get(agentID string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[agentID]
	return e, ok
}

// Remove drops the agent's entry, typically on disconnect.
func (c *ActiveLocations) Remove(agentID string) {
	c.mu.Lock()
	delete(c.m, agentID)
	c.mu.Unlock()
}

// Values returns a snapshot of all entries for active-deliveries queries.
func (c *ActiveLocations) Values() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, 0, len(c.m))
	for _, e := range c.m {
		out = append(out, e)
	}
	return out
}
