// Package api exposes the tracking and matching service over HTTP and
// WebSocket. Handlers are methods on Server; all domain logic lives in the
// ingest, match, and lifecycle packages.
package api

import (
	"log/slog"
	"net/http"
	"strings"

	"fleettrack/internal/auth"
	"fleettrack/internal/bus"
	"fleettrack/internal/cache"
	"fleettrack/internal/config"
	"fleettrack/internal/fault"
	"fleettrack/internal/ingest"
	"fleettrack/internal/lifecycle"
	"fleettrack/internal/match"
	"fleettrack/internal/model"
	"fleettrack/internal/store"
	"fleettrack/internal/webhooks"
)

type Server struct {
	Store     store.Store
	Cache     *cache.ActiveLocations
	Broker    bus.Broker
	Registry  *bus.Registry
	Pipeline  *ingest.Pipeline
	Matcher   *match.Matcher
	Lifecycle *lifecycle.Controller
	Pub       *webhooks.Publisher
	Auth      *auth.Verifier
	Log       *slog.Logger

	cfg config.Config
}

// NewServer wires the service from configuration. Without DATABASE_URL the
// store is in-memory; without REDIS_URL the broker is in-process.
func NewServer(cfg config.Config, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}

	var st store.Store
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		st = store.NewMemory()
	} else {
		pg, err := store.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := pg.MigrateDir("db/migrations"); err != nil {
			return nil, err
		}
		st = pg
	}

	var broker bus.Broker
	if cfg.RedisURL != "" {
		rb, err := bus.NewRedisBroker(cfg.RedisURL)
		if err != nil {
			log.Warn("redis broker unavailable, using in-memory broker", "err", err)
			broker = bus.NewMemoryBroker()
		} else {
			broker = rb
		}
	} else {
		broker = bus.NewMemoryBroker()
	}

	c := cache.New()
	pub := webhooks.NewPublisher(st, log)
	s := &Server{
		Store:     st,
		Cache:     c,
		Broker:    broker,
		Registry:  bus.NewRegistry(broker, c.Remove),
		Pipeline:  ingest.New(st, c, broker, log),
		Matcher:   match.New(st),
		Lifecycle: lifecycle.New(st, broker, pub, log),
		Pub:       pub,
		Auth:      auth.NewVerifier(cfg.Auth.Mode, cfg.Auth.HMACSecret, cfg.Auth.JWKSURL),
		Log:       log,
		cfg:       cfg,
	}
	return s, nil
}

// NewWebhookWorker creates the background delivery worker.
func (s *Server) NewWebhookWorker() *webhooks.Worker {
	return webhooks.NewWorker(s.Store, s.cfg.Webhooks.MaxAttempts, s.Log)
}

// identity resolves the caller from the Authorization header. Browser
// WebSocket clients cannot set headers, so the token query parameter is
// accepted as a fallback.
func (s *Server) identity(r *http.Request) (auth.Identity, error) {
	token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return auth.Identity{}, fault.New(fault.CodeUnauthenticated, "missing credentials")
	}
	id, err := s.Auth.ResolveIdentity(token)
	if err != nil {
		return auth.Identity{}, fault.Wrap(fault.CodeUnauthenticated, "invalid token", err)
	}
	return id, nil
}

// canViewOrder reports whether the identity may read or subscribe to the
// order. The assigned agent is authorized for its own order.
func canViewOrder(id auth.Identity, ord model.Order) bool {
	return id.IsAdmin() || id.ID == ord.CustomerID || (ord.AssignedAgentID != "" && id.ID == ord.AssignedAgentID)
}
