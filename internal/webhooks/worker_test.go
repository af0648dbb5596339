package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"fleettrack/internal/model"
	"fleettrack/internal/store"
)

func TestSignAndVerifyHMAC(t *testing.T) {
	body := []byte(`{"type":"order-assigned"}`)
	sig := SignHMAC("s3cret", body)
	if !VerifyHMAC("s3cret", body, sig) {
		t.Fatal("valid signature rejected")
	}
	if VerifyHMAC("other", body, sig) {
		t.Fatal("wrong secret accepted")
	}
	if VerifyHMAC("s3cret", []byte("tampered"), sig) {
		t.Fatal("tampered body accepted")
	}
	if VerifyHMAC("s3cret", body, "zz-not-hex") {
		t.Fatal("non-hex signature accepted")
	}
}

func TestNextBackoffDoublesAndCaps(t *testing.T) {
	if nextBackoff(0) != time.Second {
		t.Fatalf("attempt 0: %v", nextBackoff(0))
	}
	if nextBackoff(3) != 8*time.Second {
		t.Fatalf("attempt 3: %v", nextBackoff(3))
	}
	if nextBackoff(50) != time.Hour {
		t.Fatalf("large attempt not capped: %v", nextBackoff(50))
	}
}

func TestEmitEnqueuesPerMatchingSubscription(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	_, _ = m.CreateWebhookSubscription(ctx, model.WebhookSubscription{
		URL: "https://a.example/hook", Events: []string{"order-assigned"}, Secret: "sa",
	})
	_, _ = m.CreateWebhookSubscription(ctx, model.WebhookSubscription{
		URL: "https://b.example/hook", Events: []string{"delivery-completed"},
	})

	p := NewPublisher(m, nil)
	p.OrderTransition(ctx, model.Order{ID: "o1", Status: model.StatusAssigned, AssignedAgentID: "a1"}, "order-assigned")

	due, _ := m.FetchDueWebhookDeliveries(ctx, 10)
	if len(due) != 1 {
		t.Fatalf("want 1 enqueued delivery, got %d", len(due))
	}
	var payload struct {
		Type string `json:"type"`
		Data struct {
			OrderID string `json:"orderId"`
		} `json:"data"`
	}
	if err := json.Unmarshal(due[0].Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Type != "order-assigned" || payload.Data.OrderID != "o1" {
		t.Fatalf("payload = %s", due[0].Payload)
	}
}

func TestWorkerDeliversAndSigns(t *testing.T) {
	var mu sync.Mutex
	var gotSig, gotType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotSig = r.Header.Get("X-Signature")
		gotType = r.Header.Get("X-Event-Type")
		gotBody, _ = io.ReadAll(r.Body)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	m := store.NewMemory()
	ctx := context.Background()
	id, _ := m.EnqueueWebhook(ctx, "sub1", "order-assigned", srv.URL, "s3cret", []byte(`{"x":1}`))

	w := NewWorker(m, 3, nil)
	w.processOnce()

	mu.Lock()
	defer mu.Unlock()
	if gotType != "order-assigned" {
		t.Fatalf("event type header = %q", gotType)
	}
	if !VerifyHMAC("s3cret", gotBody, gotSig) {
		t.Fatalf("delivered signature does not verify: %q", gotSig)
	}
	if due, _ := m.FetchDueWebhookDeliveries(ctx, 10); len(due) != 0 {
		t.Fatalf("delivery %s still pending after success", id)
	}
}

func TestWorkerRetriesThenFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	m := store.NewMemory()
	ctx := context.Background()
	id, _ := m.EnqueueWebhook(ctx, "sub1", "order-cancelled", srv.URL, "", []byte(`{}`))

	w := NewWorker(m, 2, nil)

	// first attempt reschedules with backoff, so nothing is immediately due
	w.processOnce()
	if due, _ := m.FetchDueWebhookDeliveries(ctx, 10); len(due) != 0 {
		t.Fatalf("failed delivery due again immediately: %d", len(due))
	}

	// second attempt reaches MaxAttempts and the row is marked failed
	w.deliver(ctx, store.WebhookDelivery{
		ID: id, SubscriptionID: "sub1", EventType: "order-cancelled",
		URL: srv.URL, Payload: []byte(`{}`), Attempts: 1,
	})
	if due, _ := m.FetchDueWebhookDeliveries(ctx, 10); len(due) != 0 {
		t.Fatalf("exhausted delivery still pending")
	}
}
