// Package main runs a demo WebSocket client: it creates an order, connects an
// agent and a customer socket, matches the order, and streams location updates.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

type frame struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

func post(base, path, token string, body any) map[string]any {
	b, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPost, base+path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	log.Printf("POST %s -> %d %v", path, resp.StatusCode, out)
	return out
}

func put(base, path, token string, body any) {
	b, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPut, base+path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	log.Printf("PUT %s -> %d", path, resp.StatusCode)
}

func dial(port, token string) *websocket.Conn {
	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/ws", RawQuery: "token=" + url.QueryEscape(token)}
	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatal("dial:", err)
	}
	return c
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	base := fmt.Sprintf("http://localhost:%s", port)

	// dev-mode tokens: id:cap1,cap2
	adminTok := "ops:admin"
	agentTok := "agent-1:delivery"
	custTok := "cust-1:customer"

	// agent socket joins tracking and reports a position so matching can see it
	agentWS := dial(port, agentTok)
	defer func() { _ = agentWS.Close() }()
	_ = agentWS.WriteJSON(frame{Type: "join-tracking", Data: map[string]any{"agentId": "agent-1"}})
	_ = agentWS.WriteJSON(frame{Type: "location-update", Data: map[string]any{"agentId": "agent-1", "lat": 36.74, "lng": 3.06}})

	// register the agent so matching can consider it
	put(base, "/v1/agents/agent-1", adminTok, map[string]any{
		"id": "agent-1", "name": "Demo Agent", "capabilities": []string{"delivery"}, "locationSharing": true,
	})

	created := post(base, "/v1/orders", custTok, map[string]any{
		"destination": map[string]any{"lat": 36.7372, "lng": 3.0588},
	})
	orderID, _ := created["id"].(string)
	if orderID == "" {
		log.Fatal("no order id returned")
	}

	// customer socket watches the order
	custWS := dial(port, custTok)
	defer func() { _ = custWS.Close() }()
	_ = custWS.WriteJSON(frame{Type: "join-order-tracking", Data: map[string]any{"orderId": orderID}})
	go func() {
		for {
			var f frame
			if err := custWS.ReadJSON(&f); err != nil {
				return
			}
			log.Printf("customer <- %s %v", f.Type, f.Data)
		}
	}()

	post(base, "/v1/orders/"+orderID+"/match", adminTok, nil)

	// agent accepts and streams a few positions
	_ = agentWS.WriteJSON(frame{Type: "accept-order", Data: map[string]any{"orderId": orderID}})
	_ = agentWS.WriteJSON(frame{Type: "start-delivery", Data: map[string]any{"orderId": orderID}})
	for i := 0; i < 3; i++ {
		_ = agentWS.WriteJSON(frame{Type: "location-update", Data: map[string]any{
			"agentId": "agent-1", "lat": 36.74 - float64(i)*0.001, "lng": 3.06 - float64(i)*0.0005,
		}})
		time.Sleep(300 * time.Millisecond)
	}
	_ = agentWS.WriteJSON(frame{Type: "complete-delivery", Data: map[string]any{"orderId": orderID}})

	time.Sleep(2 * time.Second)
}
