package bus

import (
	"sync"

	"github.com/google/uuid"

	"fleettrack/internal/fault"
)

// Session is the per-connection record bridging the transport to identity and
// subscriptions. It is owned by the Registry and looked up by opaque id;
// transport connection objects never carry ad hoc state themselves.
type Session struct {
	ID      string
	agentID string
	subs    map[string]chan Event // topic -> subscription channel
}

// AgentID returns the agent identity claimed by this session, if any.
func (s *Session) AgentID() string { return s.agentID }

// Registry owns all live sessions. Closing a session clears its topic
// memberships and fires the eviction callback with the session's agent
// identity so the active-location cache entry can be dropped.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	broker   Broker
	onEvict  func(agentID string)
}

func NewRegistry(broker Broker, onEvict func(agentID string)) *Registry {
	return &Registry{sessions: map[string]*Session{}, broker: broker, onEvict: onEvict}
}

// Open creates a new session with a fresh opaque id.
func (r *Registry) Open() *Session {
	s := &Session{ID: uuid.New().String(), subs: map[string]chan Event{}}
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
	return s
}

// SetAgent records the session's agent identity claim. The claim is set once
// on first tracking join and cannot be changed afterwards.
func (r *Registry) SetAgent(sessionID, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return fault.New(fault.CodeNotFound, "unknown session")
	}
	if s.agentID != "" && s.agentID != agentID {
		return fault.New(fault.CodeUnauthorized, "session already bound to another agent")
	}
	s.agentID = agentID
	return nil
}

// Subscribe adds the session to a topic and returns the event channel.
// Subscribing twice to the same topic returns the existing channel.
func (r *Registry) Subscribe(sessionID, topic string) (chan Event, error) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return nil, fault.New(fault.CodeNotFound, "unknown session")
	}
	if ch, ok := s.subs[topic]; ok {
		r.mu.Unlock()
		return ch, nil
	}
	r.mu.Unlock()

	ch := r.broker.Subscribe(topic)

	r.mu.Lock()
	if cur, ok := r.sessions[sessionID]; ok {
		cur.subs[topic] = ch
		r.mu.Unlock()
		return ch, nil
	}
	r.mu.Unlock()
	// session closed while subscribing
	r.broker.Unsubscribe(topic, ch)
	return nil, fault.New(fault.CodeNotFound, "session closed")
}

// Topics returns a snapshot of the session's current topic memberships.
func (r *Registry) Topics(sessionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(s.subs))
	for t := range s.subs {
		out = append(out, t)
	}
	return out
}

// Close removes all of the session's topic memberships, drops the session,
// and evicts the session's cache entry. Future publishes no longer reach the
// session; in-flight deliveries already enqueued may still land.
func (r *Registry) Close(sessionID string) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	for topic, ch := range s.subs {
		r.broker.Unsubscribe(topic, ch)
	}
	if s.agentID != "" && r.onEvict != nil {
		r.onEvict(s.agentID)
	}
}
