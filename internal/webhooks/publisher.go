package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"shuttleplan/internal/store"
)

// Event types emitted when a dispatch plan finishes.
const (
	EventPlanCompleted  = "plan.completed"
	EventPlanInfeasible = "plan.infeasible"
)

type Publisher struct {
	Store store.Store
}

func NewPublisher(s store.Store) *Publisher {
	return &Publisher{Store: s}
}

// Emit queues an event for every subscription matching the tenant and event type.
func (p *Publisher) Emit(ctx context.Context, tenantID, eventType string, data any) {
	subs, err := p.Store.GetSubscriptionsForEvent(ctx, tenantID, eventType)
	if err != nil || len(subs) == 0 {
		return
	}
	payload := map[string]any{
		"id":        fmt.Sprintf("evt_%d", time.Now().UnixNano()),
		"type":      eventType,
		"tenant_id": tenantID,
		"ts":        time.Now().UTC().Format(time.RFC3339),
		"data":      data,
	}
	body, _ := json.Marshal(payload)
	for _, s := range subs {
		_, _ = p.Store.EnqueueWebhook(ctx, tenantID, s.ID, eventType, s.URL, s.Secret, body)
	}
}
