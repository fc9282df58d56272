// Package main runs a demo WebSocket client for solve progress events.
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

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	base := fmt.Sprintf("http://localhost:%s", port)

	// Choose the plan id up front so we can subscribe before the solve starts
	planID := uuid.New().String()
	log.Printf("Plan ID: %s", planID)

	// Connect WS
	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/graphql/ws"}
	hdr := http.Header{}
	hdr.Set("X-Tenant-Id", "t_demo")
	hdr.Set("X-Role", "admin")
	c, _, err := websocket.DefaultDialer.Dial(u.String(), hdr)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	// connection_init
	if err := c.WriteJSON(wsMessage{Type: "connection_init"}); err != nil {
		log.Fatal(err)
	}
	// subscribe to solveProgress
	payload := map[string]any{
		"query":     "subscription($planId: ID!) { solveProgress(planId: $planId) }",
		"variables": map[string]any{"planId": planID},
	}
	pl, _ := json.Marshal(payload)
	if err := c.WriteJSON(wsMessage{Type: "subscribe", ID: "1", Payload: pl}); err != nil {
		log.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var m wsMessage
			if err := c.ReadJSON(&m); err != nil {
				log.Printf("read: %v", err)
				return
			}
			log.Printf("WS <- %s: %s", m.Type, string(m.Payload))
		}
	}()

	// Run one small solve: a single ride, one shuttle, three nodes
	body := []byte(fmt.Sprintf(`{
		"jobs": [{"pickup_node": 1, "dropoff_node": 2, "passengers": 1, "pickup_time": 30000}],
		"drivers": [{"id": "d1", "name": "Demo Driver", "start_idx": 0, "end_idx": 0, "capacity": 4, "shift_start": 28800, "shift_end": 64800}],
		"time_matrix": [[0, 600, 900], [600, 0, 480], [900, 480, 0]],
		"options": {"plan_id": "%s", "time_budget_ms": 2000}
	}`, planID))
	req, _ := http.NewRequest(http.MethodPost, base+"/v1/optimize", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-Id", "t_demo")
	req.Header.Set("X-Role", "admin")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	var optResp struct {
		Status    string `json:"status"`
		PlanID    string `json:"plan_id"`
		TotalCost int64  `json:"total_cost"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&optResp); err != nil {
		log.Fatal(err)
	}
	log.Printf("optimize -> status=%s plan=%s cost=%d", optResp.Status, optResp.PlanID, optResp.TotalCost)

	// Wait briefly to receive the completion event
	select {
	case <-time.After(2 * time.Second):
	case <-done:
	}
}
