package webhooks

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"time"

	"fleettrack/internal/metrics"
	"fleettrack/internal/store"
)

// Worker drains the delivery queue on a fixed tick. Each due delivery is
// POSTed once per cycle; non-2xx responses are rescheduled with exponential
// backoff until MaxAttempts, then marked failed.
type Worker struct {
	Store       store.Store
	HTTP        *http.Client
	Log         *slog.Logger
	MaxAttempts int

	stop chan struct{}
}

func NewWorker(s store.Store, maxAttempts int, log *slog.Logger) *Worker {
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		Store:       s,
		HTTP:        &http.Client{Timeout: 5 * time.Second},
		Log:         log,
		MaxAttempts: maxAttempts,
		stop:        make(chan struct{}),
	}
}

func (w *Worker) Start() {
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-w.stop:
				return
			case <-ticker.C:
				w.processOnce()
			}
		}
	}()
}

func (w *Worker) Stop() { close(w.stop) }

func (w *Worker) processOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	items, err := w.Store.FetchDueWebhookDeliveries(ctx, 50)
	if err != nil {
		w.Log.Warn("fetch due webhook deliveries failed", "err", err)
		return
	}
	for _, it := range items {
		w.deliver(ctx, it)
	}
}

func (w *Worker) deliver(ctx context.Context, it store.WebhookDelivery) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, it.URL, bytes.NewReader(it.Payload))
	if err != nil {
		_ = w.Store.FailWebhookDelivery(ctx, it.ID, err.Error(), 0, 0)
		metrics.WebhookDeliveries.WithLabelValues(it.EventType, "failed").Inc()
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", it.EventType)
	if it.Secret != "" {
		req.Header.Set("X-Signature", SignHMAC(it.Secret, it.Payload))
	}

	start := time.Now()
	resp, err := w.HTTP.Do(req)
	latency := int(time.Since(start).Milliseconds())
	code := 0
	success := false
	if err == nil && resp != nil {
		code = resp.StatusCode
		if resp.Body != nil {
			_ = resp.Body.Close()
		}
		success = code >= 200 && code < 300
	}
	lastErr := ""
	if !success && err != nil {
		lastErr = err.Error()
	}

	if success {
		_ = w.Store.MarkWebhookDelivery(ctx, it.ID, true, nil, "", code, latency)
		metrics.WebhookDeliveries.WithLabelValues(it.EventType, "ok").Inc()
		return
	}
	if it.Attempts+1 >= w.MaxAttempts {
		_ = w.Store.FailWebhookDelivery(ctx, it.ID, lastErr, code, latency)
		metrics.WebhookDeliveries.WithLabelValues(it.EventType, "failed").Inc()
		w.Log.Warn("webhook delivery exhausted", "deliveryId", it.ID, "url", it.URL, "attempts", it.Attempts+1)
		return
	}
	next := time.Now().Add(nextBackoff(it.Attempts))
	_ = w.Store.MarkWebhookDelivery(ctx, it.ID, false, &next, lastErr, code, latency)
	metrics.WebhookDeliveries.WithLabelValues(it.EventType, "retry").Inc()
}

func nextBackoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 10 {
		attempts = 10
	}
	d := time.Second * time.Duration(1<<attempts)
	if d > time.Hour {
		d = time.Hour
	}
	return d
}
