package store

import (
    "context"
    "sort"
    "strings"
    "sync"
    "time"

    "github.com/google/uuid"
    "shuttleplan/internal/model"
)

// Memory is a simple in-memory store used when no DATABASE_URL is set.
type Memory struct {
    mu      sync.Mutex
    plans   map[string]model.Plan            // planId -> plan
    planIDs map[string][]string              // tenant -> plan ids in creation order
    metrics map[string]model.SolveMetrics    // planId -> metrics
    optCfg  map[string]model.OptimizerConfig // tenant -> overlay
    subs    map[string][]model.Subscription  // tenant -> subscriptions
    // Webhooks queue state
    deliveries         map[string]*memDelivery // id -> delivery state
    deliveriesByTenant map[string][]string     // tenant -> delivery ids
}

func NewMemory() *Memory {
    return &Memory{
        plans:   map[string]model.Plan{},
        planIDs: map[string][]string{},
        metrics: map[string]model.SolveMetrics{},
        optCfg:  map[string]model.OptimizerConfig{},
        subs:    map[string][]model.Subscription{},
        deliveries: map[string]*memDelivery{},
        deliveriesByTenant: map[string][]string{},
    }
}

// memDelivery augments WebhookDelivery with scheduling/metrics
type memDelivery struct {
    WebhookDelivery
    NextAttemptAt time.Time
    LastError     string
    ResponseCode  int
    LatencyMs     int
    DeliveredAt   *time.Time
    UpdatedAt     time.Time
}

// Plans

func (m *Memory) SavePlan(ctx context.Context, plan model.Plan) error {
    m.mu.Lock(); defer m.mu.Unlock()
    if _, exists := m.plans[plan.ID]; !exists {
        m.planIDs[plan.TenantID] = append(m.planIDs[plan.TenantID], plan.ID)
    }
    m.plans[plan.ID] = plan
    return nil
}

func (m *Memory) GetPlan(ctx context.Context, tenantID, id string) (model.Plan, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    p, ok := m.plans[id]
    if !ok || p.TenantID != tenantID { return model.Plan{}, ErrNotFound }
    return p, nil
}

// ListPlans returns plans newest first, without their routes. The cursor is
// the last plan id of the previous page.
func (m *Memory) ListPlans(ctx context.Context, tenantID, status, cursor string, limit int) ([]model.Plan, string, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    ids := m.planIDs[tenantID]
    if limit <= 0 || limit > 500 { limit = 100 }
    start := len(ids) - 1
    if cursor != "" {
        for i := len(ids) - 1; i >= 0; i-- {
            if ids[i] == cursor { start = i - 1; break }
        }
    }
    out := []model.Plan{}
    var last string
    for i := start; i >= 0 && len(out) < limit; i-- {
        p := m.plans[ids[i]]
        if status != "" && p.Status != status { continue }
        p.Routes = nil
        out = append(out, p)
        last = p.ID
    }
    next := ""
    if len(out) == limit { next = last }
    return out, next, nil
}

// Solve metrics

func (m *Memory) SaveSolveMetrics(ctx context.Context, tenantID string, sm model.SolveMetrics) error {
    m.mu.Lock(); defer m.mu.Unlock()
    m.metrics[sm.PlanID] = sm
    return nil
}

func (m *Memory) GetSolveMetrics(ctx context.Context, tenantID, planID string) (model.SolveMetrics, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    p, ok := m.plans[planID]
    if !ok || p.TenantID != tenantID { return model.SolveMetrics{}, ErrNotFound }
    sm, ok := m.metrics[planID]
    if !ok { return model.SolveMetrics{}, ErrNotFound }
    return sm, nil
}

// Optimizer config

func (m *Memory) GetOptimizerConfig(ctx context.Context, tenantID string) (model.OptimizerConfig, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    return m.optCfg[tenantID], nil
}

func (m *Memory) SaveOptimizerConfig(ctx context.Context, tenantID string, cfg model.OptimizerConfig) error {
    m.mu.Lock(); defer m.mu.Unlock()
    m.optCfg[tenantID] = cfg
    return nil
}

// Subscriptions

func (m *Memory) CreateSubscription(ctx context.Context, tenantID string, req model.SubscriptionRequest) (model.Subscription, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    s := model.Subscription{ID: uuid.New().String(), TenantID: tenantID, URL: req.URL, Events: req.Events, Secret: req.Secret}
    m.subs[tenantID] = append(m.subs[tenantID], s)
    return s, nil
}

func (m *Memory) GetSubscriptionsForEvent(ctx context.Context, tenantID, eventType string) ([]model.Subscription, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    var out []model.Subscription
    for _, s := range m.subs[tenantID] {
        for _, e := range s.Events { if e == eventType { out = append(out, s); break } }
    }
    return out, nil
}

func (m *Memory) ListSubscriptions(ctx context.Context, tenantID, cursor string, limit int) ([]model.Subscription, string, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    list := m.subs[tenantID]
    start := 0
    if cursor != "" {
        for i := range list { if list[i].ID == cursor { start = i + 1; break } }
    }
    if limit <= 0 { limit = 100 }
    end := start + limit
    if end > len(list) { end = len(list) }
    items := append([]model.Subscription(nil), list[start:end]...)
    next := ""
    if end < len(list) { next = list[end-1].ID }
    return items, next, nil
}

func (m *Memory) DeleteSubscription(ctx context.Context, tenantID, id string) error {
    m.mu.Lock(); defer m.mu.Unlock()
    arr := m.subs[tenantID]
    out := make([]model.Subscription, 0, len(arr))
    for _, s := range arr { if s.ID != id { out = append(out, s) } }
    m.subs[tenantID] = out
    return nil
}

// Webhook deliveries

func (m *Memory) EnqueueWebhook(ctx context.Context, tenantID, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    id := uuid.New().String()
    d := &memDelivery{WebhookDelivery: WebhookDelivery{ID: id, TenantID: tenantID, SubscriptionID: subscriptionID, EventType: eventType, URL: url, Secret: secret, Payload: payload, Status: "pending", Attempts: 0}, NextAttemptAt: time.Now(), UpdatedAt: time.Now()}
    m.deliveries[id] = d
    m.deliveriesByTenant[tenantID] = append(m.deliveriesByTenant[tenantID], id)
    return id, nil
}

func (m *Memory) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    now := time.Now()
    out := []WebhookDelivery{}
    for _, id := range m.iterDeliveryIDs() {
        d := m.deliveries[id]
        if d == nil { continue }
        if (d.Status == "pending" || d.Status == "retry") && !d.NextAttemptAt.After(now) {
            out = append(out, d.WebhookDelivery)
            if limit > 0 && len(out) >= limit { break }
        }
    }
    return out, nil
}

func (m *Memory) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
    m.mu.Lock(); defer m.mu.Unlock()
    d := m.deliveries[id]
    if d == nil { return nil }
    d.Attempts++
    d.ResponseCode = responseCode
    d.LatencyMs = latencyMs
    d.UpdatedAt = time.Now()
    if success {
        d.Status = "delivered"
        now := time.Now()
        d.DeliveredAt = &now
    } else {
        d.Status = "retry"
        d.LastError = lastError
        if nextAttemptAt != nil { d.NextAttemptAt = *nextAttemptAt } else { d.NextAttemptAt = time.Now().Add(1 * time.Minute) }
    }
    return nil
}

func (m *Memory) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
    m.mu.Lock(); defer m.mu.Unlock()
    d := m.deliveries[id]
    if d == nil { return nil }
    d.Status = "failed"
    d.LastError = lastError
    d.ResponseCode = responseCode
    d.LatencyMs = latencyMs
    d.UpdatedAt = time.Now()
    return nil
}

func (m *Memory) ListWebhookDeliveries(ctx context.Context, tenantID, status, cursor string, limit int) ([]map[string]any, string, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    if limit <= 0 || limit > 500 { limit = 100 }
    out := []map[string]any{}
    var last string
    skipping := cursor != ""
    for _, id := range m.deliveriesByTenant[tenantID] {
        if skipping {
            if id == cursor { skipping = false }
            continue
        }
        d := m.deliveries[id]
        if d == nil { continue }
        if status != "" && d.Status != status { continue }
        item := map[string]any{"id": d.ID, "event_type": d.EventType, "status": d.Status, "attempts": d.Attempts, "url": d.URL}
        if !d.NextAttemptAt.IsZero() { item["next_attempt_at"] = d.NextAttemptAt }
        if d.LastError != "" { item["last_error"] = d.LastError }
        out = append(out, item)
        last = d.ID
        if len(out) >= limit { break }
    }
    next := ""
    if len(out) == limit { next = last }
    return out, next, nil
}

func (m *Memory) RetryWebhookDelivery(ctx context.Context, tenantID, id string) error {
    m.mu.Lock(); defer m.mu.Unlock()
    d := m.deliveries[id]
    if d == nil || d.TenantID != tenantID { return ErrNotFound }
    d.Status = "pending"
    d.NextAttemptAt = time.Now()
    d.UpdatedAt = time.Now()
    return nil
}

func (m *Memory) WebhookMetrics(ctx context.Context, tenantID string, since time.Time, eventType, status string, codeMin, codeMax int, buckets []int) ([]map[string]any, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    if len(buckets) == 0 { buckets = []int{100, 500, 1000} }
    type agg struct {
        cnt int
        sum int
        b   []int
    }
    by := map[string]*agg{} // key: eventType|status
    for _, id := range m.deliveriesByTenant[tenantID] {
        d := m.deliveries[id]
        if d == nil { continue }
        if !since.IsZero() && d.UpdatedAt.Before(since) { continue }
        if eventType != "" && d.EventType != eventType { continue }
        if status != "" && d.Status != status { continue }
        if codeMin > 0 && d.ResponseCode < codeMin { continue }
        if codeMax > 0 && d.ResponseCode > codeMax { continue }
        key := d.EventType + "|" + d.Status
        a := by[key]
        if a == nil { a = &agg{b: make([]int, len(buckets)+1)}; by[key] = a }
        a.cnt++
        if d.LatencyMs > 0 { a.sum += d.LatencyMs }
        bi := len(buckets)
        for i, edge := range buckets {
            if d.LatencyMs < edge { bi = i; break }
        }
        a.b[bi]++
    }
    keys := make([]string, 0, len(by))
    for k := range by { keys = append(keys, k) }
    sort.Strings(keys)
    out := []map[string]any{}
    for _, k := range keys {
        a := by[k]
        sep := strings.IndexByte(k, '|')
        avg := 0
        if a.cnt > 0 { avg = a.sum / a.cnt }
        out = append(out, map[string]any{
            "event_type": k[:sep],
            "status": k[sep+1:],
            "count": a.cnt,
            "avg_latency_ms": avg,
            "bucket_edges": buckets,
            "bucket_counts": a.b,
        })
    }
    return out, nil
}

// helper: iterate delivery IDs by tenant order
func (m *Memory) iterDeliveryIDs() []string {
    ids := []string{}
    for _, lst := range m.deliveriesByTenant {
        ids = append(ids, lst...)
    }
    return ids
}
