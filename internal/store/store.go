package store

import (
    "context"
    "errors"
    "time"

    "shuttleplan/internal/model"
)

// Store is the persistence interface used by the API server.
type Store interface {
    // Plans
    SavePlan(ctx context.Context, plan model.Plan) error
    GetPlan(ctx context.Context, tenantID, id string) (model.Plan, error)
    ListPlans(ctx context.Context, tenantID, status, cursor string, limit int) ([]model.Plan, string, error)

    // Solve metrics
    SaveSolveMetrics(ctx context.Context, tenantID string, m model.SolveMetrics) error
    GetSolveMetrics(ctx context.Context, tenantID, planID string) (model.SolveMetrics, error)

    // Optimizer config per tenant; a zero config means no overlay
    GetOptimizerConfig(ctx context.Context, tenantID string) (model.OptimizerConfig, error)
    SaveOptimizerConfig(ctx context.Context, tenantID string, cfg model.OptimizerConfig) error

    // Subscriptions
    CreateSubscription(ctx context.Context, tenantID string, req model.SubscriptionRequest) (model.Subscription, error)
    GetSubscriptionsForEvent(ctx context.Context, tenantID, eventType string) ([]model.Subscription, error)
    ListSubscriptions(ctx context.Context, tenantID, cursor string, limit int) ([]model.Subscription, string, error)
    DeleteSubscription(ctx context.Context, tenantID, id string) error

    // Webhook deliveries
    EnqueueWebhook(ctx context.Context, tenantID, subscriptionID, eventType, url, secret string, payload []byte) (string, error)
    FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error)
    MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error
    FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error
    ListWebhookDeliveries(ctx context.Context, tenantID, status, cursor string, limit int) ([]map[string]any, string, error)
    RetryWebhookDelivery(ctx context.Context, tenantID, id string) error
    WebhookMetrics(ctx context.Context, tenantID string, since time.Time, eventType, status string, codeMin, codeMax int, buckets []int) ([]map[string]any, error)
}

var ErrNotFound = errors.New("not found")
