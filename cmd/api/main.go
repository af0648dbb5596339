package main

import (
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fleettrack/internal/api"
	"fleettrack/internal/config"
	"fleettrack/internal/metrics"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Error("load config", "err", err)
		os.Exit(1)
	}
	metrics.RegisterDefault()

	srv, err := api.NewServer(cfg, log)
	if err != nil {
		log.Error("init server", "err", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()

	// Orders
	mux.HandleFunc("/v1/orders", srv.OrdersHandler)
	mux.HandleFunc("/v1/orders/", srv.OrderByIDHandler) // includes /match and transitions

	// Agents
	mux.HandleFunc("/v1/agents/", srv.AgentsHandler)

	// Dashboards
	mux.HandleFunc("/v1/active-deliveries", srv.ActiveDeliveriesHandler)

	// Webhook admin
	mux.HandleFunc("/v1/webhooks", srv.WebhooksHandler)

	// Realtime
	mux.HandleFunc("/ws", srv.WSHandler)

	// Health and metrics
	mux.HandleFunc("/healthz", srv.HealthHandler)
	mux.HandleFunc("/readyz", srv.ReadyHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	worker := srv.NewWebhookWorker()
	worker.Start()
	defer worker.Stop()

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           logMiddleware(log, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Info("api listening", "addr", httpSrv.Addr)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("server error", "err", err)
		os.Exit(1)
	}
}

func logMiddleware(log *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Info("request", "remote", r.RemoteAddr, "method", r.Method, "path", r.URL.Path, "dur", time.Since(start).String())
	})
}
