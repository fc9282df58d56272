package store

import (
    "context"
    "crypto/sha256"
    "database/sql"
    "encoding/hex"
    "encoding/json"
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "sort"
    "strings"
    "time"

    "github.com/google/uuid"
    _ "github.com/jackc/pgx/v5/stdlib"

    "shuttleplan/internal/model"
)

type Postgres struct {
    db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
    db, err := sql.Open("pgx", dsn)
    if err != nil {
        return nil, err
    }
    if err := db.Ping(); err != nil {
        return nil, err
    }
    return &Postgres{db: db}, nil
}

// Ping reports whether the database connection is healthy.
func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// Migrate applies the .sql files under dir in lexical order.
func (p *Postgres) Migrate(ctx context.Context, dir string) error {
    entries, err := os.ReadDir(dir)
    if err != nil { return fmt.Errorf("read migrations: %w", err) }
    names := []string{}
    for _, e := range entries {
        if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") { names = append(names, e.Name()) }
    }
    sort.Strings(names)
    for _, name := range names {
        b, err := os.ReadFile(filepath.Join(dir, name))
        if err != nil { return err }
        if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
            return fmt.Errorf("migration %s: %w", name, err)
        }
    }
    return nil
}

// Plans

func (p *Postgres) SavePlan(ctx context.Context, plan model.Plan) error {
    routes, err := json.Marshal(plan.Routes)
    if err != nil { return err }
    _, err = p.db.ExecContext(ctx, `INSERT INTO plans (id, tenant_id, status, jobs, drivers, cost, detail, routes, elapsed_ms, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
        ON CONFLICT (id) DO UPDATE SET status=$3, jobs=$4, drivers=$5, cost=$6, detail=$7, routes=$8, elapsed_ms=$9, created_at=$10`,
        plan.ID, plan.TenantID, plan.Status, plan.Jobs, plan.Drivers, plan.Cost, nullIfEmpty(plan.Detail), routes, plan.ElapsedMs, plan.CreatedAt)
    return err
}

func (p *Postgres) GetPlan(ctx context.Context, tenantID, id string) (model.Plan, error) {
    var plan model.Plan
    var detail sql.NullString
    var routes []byte
    row := p.db.QueryRowContext(ctx, `SELECT id, tenant_id, status, jobs, drivers, cost, detail, routes, elapsed_ms, created_at
        FROM plans WHERE tenant_id=$1 AND id=$2`, tenantID, id)
    if err := row.Scan(&plan.ID, &plan.TenantID, &plan.Status, &plan.Jobs, &plan.Drivers, &plan.Cost, &detail, &routes, &plan.ElapsedMs, &plan.CreatedAt); err != nil {
        if errors.Is(err, sql.ErrNoRows) { return model.Plan{}, ErrNotFound }
        return model.Plan{}, err
    }
    plan.Detail = detail.String
    if len(routes) > 0 { _ = json.Unmarshal(routes, &plan.Routes) }
    return plan, nil
}

func (p *Postgres) ListPlans(ctx context.Context, tenantID, status, cursor string, limit int) ([]model.Plan, string, error) {
    if limit <= 0 || limit > 500 { limit = 100 }
    q := `SELECT id, tenant_id, status, jobs, drivers, cost, COALESCE(detail,''), elapsed_ms, created_at FROM plans WHERE tenant_id=$1`
    args := []any{tenantID}
    idx := 2
    if status != "" { q += ` AND status=$` + fmt.Sprint(idx); args = append(args, status); idx++ }
    if cursor != "" {
        q += ` AND created_at < (SELECT created_at FROM plans WHERE tenant_id=$1 AND id=$` + fmt.Sprint(idx) + `)`
        args = append(args, cursor)
        idx++
    }
    q += ` ORDER BY created_at DESC LIMIT $` + fmt.Sprint(idx)
    args = append(args, limit)
    rows, err := p.db.QueryContext(ctx, q, args...)
    if err != nil { return nil, "", err }
    defer rows.Close()
    out := []model.Plan{}
    var last string
    for rows.Next() {
        var plan model.Plan
        if err := rows.Scan(&plan.ID, &plan.TenantID, &plan.Status, &plan.Jobs, &plan.Drivers, &plan.Cost, &plan.Detail, &plan.ElapsedMs, &plan.CreatedAt); err != nil { return nil, "", err }
        out = append(out, plan)
        last = plan.ID
    }
    next := ""
    if len(out) == limit { next = last }
    return out, next, nil
}

// Solve metrics

func (p *Postgres) SaveSolveMetrics(ctx context.Context, tenantID string, m model.SolveMetrics) error {
    snaps, err := json.Marshal(m.Snapshots)
    if err != nil { return err }
    _, err = p.db.ExecContext(ctx, `INSERT INTO solve_metrics (plan_id, tenant_id, iterations, improvements, penalty_bumps, restarts, workers, initial_cost, best_cost, elapsed_ms, snapshots)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
        ON CONFLICT (plan_id) DO UPDATE SET iterations=$3, improvements=$4, penalty_bumps=$5, restarts=$6, workers=$7, initial_cost=$8, best_cost=$9, elapsed_ms=$10, snapshots=$11`,
        m.PlanID, tenantID, m.Iterations, m.Improvements, m.PenaltyBumps, m.Restarts, m.Workers, m.InitialCost, m.BestCost, m.ElapsedMs, snaps)
    return err
}

func (p *Postgres) GetSolveMetrics(ctx context.Context, tenantID, planID string) (model.SolveMetrics, error) {
    var m model.SolveMetrics
    var snaps []byte
    row := p.db.QueryRowContext(ctx, `SELECT plan_id, iterations, improvements, penalty_bumps, restarts, workers, initial_cost, best_cost, elapsed_ms, snapshots
        FROM solve_metrics WHERE tenant_id=$1 AND plan_id=$2`, tenantID, planID)
    if err := row.Scan(&m.PlanID, &m.Iterations, &m.Improvements, &m.PenaltyBumps, &m.Restarts, &m.Workers, &m.InitialCost, &m.BestCost, &m.ElapsedMs, &snaps); err != nil {
        if errors.Is(err, sql.ErrNoRows) { return model.SolveMetrics{}, ErrNotFound }
        return model.SolveMetrics{}, err
    }
    if len(snaps) > 0 { _ = json.Unmarshal(snaps, &m.Snapshots) }
    return m, nil
}

// Optimizer config

func (p *Postgres) GetOptimizerConfig(ctx context.Context, tenantID string) (model.OptimizerConfig, error) {
    row := p.db.QueryRowContext(ctx, `SELECT config FROM optimizer_config WHERE tenant_id=$1`, tenantID)
    var js []byte
    if err := row.Scan(&js); err != nil {
        if errors.Is(err, sql.ErrNoRows) { return model.OptimizerConfig{}, nil }
        return model.OptimizerConfig{}, err
    }
    var cfg model.OptimizerConfig
    if err := json.Unmarshal(js, &cfg); err != nil { return model.OptimizerConfig{}, err }
    return cfg, nil
}

func (p *Postgres) SaveOptimizerConfig(ctx context.Context, tenantID string, cfg model.OptimizerConfig) error {
    js, err := json.Marshal(cfg)
    if err != nil { return err }
    _, err = p.db.ExecContext(ctx, `INSERT INTO optimizer_config (tenant_id, config, updated_at) VALUES ($1, $2, now())
        ON CONFLICT (tenant_id) DO UPDATE SET config=$2, updated_at=now()`, tenantID, js)
    return err
}

// Subscriptions

func (p *Postgres) CreateSubscription(ctx context.Context, tenantID string, req model.SubscriptionRequest) (model.Subscription, error) {
    id := uuid.New().String()
    ev, _ := json.Marshal(req.Events)
    _, err := p.db.ExecContext(ctx, `INSERT INTO subscriptions (id, tenant_id, url, events, secret) VALUES ($1,$2,$3,$4,$5)`,
        id, tenantID, req.URL, ev, nullIfEmpty(req.Secret))
    if err != nil { return model.Subscription{}, err }
    return model.Subscription{ID: id, TenantID: tenantID, URL: req.URL, Events: req.Events, Secret: req.Secret}, nil
}

func (p *Postgres) GetSubscriptionsForEvent(ctx context.Context, tenantID, eventType string) ([]model.Subscription, error) {
    rows, err := p.db.QueryContext(ctx, `SELECT id, url, COALESCE(secret,''), events FROM subscriptions WHERE tenant_id=$1 AND events @> $2::jsonb`,
        tenantID, fmt.Sprintf("[%q]", eventType))
    if err != nil { return nil, err }
    defer rows.Close()
    out := []model.Subscription{}
    for rows.Next() {
        var s model.Subscription
        var ev []byte
        if err := rows.Scan(&s.ID, &s.URL, &s.Secret, &ev); err != nil { return nil, err }
        s.TenantID = tenantID
        _ = json.Unmarshal(ev, &s.Events)
        out = append(out, s)
    }
    return out, nil
}

func (p *Postgres) ListSubscriptions(ctx context.Context, tenantID, cursor string, limit int) ([]model.Subscription, string, error) {
    if limit <= 0 || limit > 500 { limit = 100 }
    var rows *sql.Rows
    var err error
    if cursor != "" {
        rows, err = p.db.QueryContext(ctx, `SELECT id, url, COALESCE(secret,''), events FROM subscriptions WHERE tenant_id=$1 AND id > $2 ORDER BY id LIMIT $3`, tenantID, cursor, limit)
    } else {
        rows, err = p.db.QueryContext(ctx, `SELECT id, url, COALESCE(secret,''), events FROM subscriptions WHERE tenant_id=$1 ORDER BY id LIMIT $2`, tenantID, limit)
    }
    if err != nil { return nil, "", err }
    defer rows.Close()
    out := []model.Subscription{}
    var last string
    for rows.Next() {
        var s model.Subscription
        var ev []byte
        if err := rows.Scan(&s.ID, &s.URL, &s.Secret, &ev); err != nil { return nil, "", err }
        s.TenantID = tenantID
        _ = json.Unmarshal(ev, &s.Events)
        out = append(out, s)
        last = s.ID
    }
    next := ""
    if len(out) == limit { next = last }
    return out, next, nil
}

func (p *Postgres) DeleteSubscription(ctx context.Context, tenantID, id string) error {
    _, err := p.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE tenant_id=$1 AND id=$2`, tenantID, id)
    return err
}

// Webhook deliveries

func (p *Postgres) EnqueueWebhook(ctx context.Context, tenantID, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
    id := uuid.New().String()
    dk := computeDedupKey(payload)
    _, err := p.db.ExecContext(ctx, `INSERT INTO webhook_deliveries (id, tenant_id, subscription_id, event_type, url, secret, payload, status, attempts, next_attempt_at, dedup_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7,'pending',0,now(),$8)
        ON CONFLICT (tenant_id, event_type, url, dedup_key) DO NOTHING`,
        id, tenantID, nullIfEmpty(subscriptionID), eventType, url, nullIfEmpty(secret), payload, dk)
    if err != nil { return "", err }
    return id, nil
}

func (p *Postgres) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
    rows, err := p.db.QueryContext(ctx, `SELECT id, tenant_id, COALESCE(subscription_id,''), event_type, url, COALESCE(secret,''), payload, status, attempts
        FROM webhook_deliveries WHERE status IN ('pending','retry') AND next_attempt_at <= now() ORDER BY next_attempt_at ASC LIMIT $1`, limit)
    if err != nil { return nil, err }
    defer rows.Close()
    out := []WebhookDelivery{}
    for rows.Next() {
        var d WebhookDelivery
        if err := rows.Scan(&d.ID, &d.TenantID, &d.SubscriptionID, &d.EventType, &d.URL, &d.Secret, &d.Payload, &d.Status, &d.Attempts); err != nil { return nil, err }
        out = append(out, d)
    }
    return out, nil
}

func (p *Postgres) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
    if !success {
        if nextAttemptAt == nil {
            t := time.Now().Add(1 * time.Minute)
            nextAttemptAt = &t
        }
        _, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='retry', last_error=$2, next_attempt_at=$3, updated_at=now(), response_code=$4, latency_ms=$5 WHERE id=$1`,
            id, nullIfEmpty(lastError), *nextAttemptAt, responseCode, latencyMs)
        return err
    }
    _, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='delivered', delivered_at=now(), updated_at=now(), response_code=$2, latency_ms=$3 WHERE id=$1`,
        id, responseCode, latencyMs)
    return err
}

func (p *Postgres) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
    _, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='failed', last_error=$2, updated_at=now(), response_code=$3, latency_ms=$4 WHERE id=$1`,
        id, nullIfEmpty(lastError), responseCode, latencyMs)
    return err
}

func (p *Postgres) ListWebhookDeliveries(ctx context.Context, tenantID, status, cursor string, limit int) ([]map[string]any, string, error) {
    if limit <= 0 || limit > 500 { limit = 100 }
    q := `SELECT id, event_type, status, attempts, next_attempt_at, COALESCE(last_error,''), url FROM webhook_deliveries WHERE tenant_id=$1`
    args := []any{tenantID}
    idx := 2
    if status != "" { q += ` AND status=$` + fmt.Sprint(idx); args = append(args, status); idx++ }
    if cursor != "" { q += ` AND id > $` + fmt.Sprint(idx); args = append(args, cursor); idx++ }
    q += ` ORDER BY id LIMIT $` + fmt.Sprint(idx)
    args = append(args, limit)
    rows, err := p.db.QueryContext(ctx, q, args...)
    if err != nil { return nil, "", err }
    defer rows.Close()
    out := []map[string]any{}
    var last string
    for rows.Next() {
        var id, typ, st, lastErr, url string
        var attempts int
        var nextAt sql.NullTime
        if err := rows.Scan(&id, &typ, &st, &attempts, &nextAt, &lastErr, &url); err != nil { return nil, "", err }
        m := map[string]any{"id": id, "event_type": typ, "status": st, "attempts": attempts, "url": url}
        if nextAt.Valid { m["next_attempt_at"] = nextAt.Time }
        if lastErr != "" { m["last_error"] = lastErr }
        out = append(out, m)
        last = id
    }
    next := ""
    if len(out) == limit { next = last }
    return out, next, nil
}

func (p *Postgres) RetryWebhookDelivery(ctx context.Context, tenantID, id string) error {
    res, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='pending', next_attempt_at=now(), updated_at=now() WHERE tenant_id=$1 AND id=$2`, tenantID, id)
    if err != nil { return err }
    if n, err := res.RowsAffected(); err == nil && n == 0 { return ErrNotFound }
    return nil
}

func (p *Postgres) WebhookMetrics(ctx context.Context, tenantID string, since time.Time, eventType, status string, codeMin, codeMax int, buckets []int) ([]map[string]any, error) {
    if len(buckets) == 0 { buckets = []int{100, 500, 1000} }
    sel := `SELECT event_type, status, COUNT(*), COALESCE(AVG(latency_ms),0)::bigint`
    for i, edge := range buckets {
        if i == 0 {
            sel += fmt.Sprintf(", SUM(CASE WHEN COALESCE(latency_ms,0) < %d THEN 1 ELSE 0 END)", edge)
        } else {
            sel += fmt.Sprintf(", SUM(CASE WHEN COALESCE(latency_ms,0) >= %d AND COALESCE(latency_ms,0) < %d THEN 1 ELSE 0 END)", buckets[i-1], edge)
        }
    }
    sel += fmt.Sprintf(", SUM(CASE WHEN COALESCE(latency_ms,0) >= %d THEN 1 ELSE 0 END)", buckets[len(buckets)-1])
    q := sel + ` FROM webhook_deliveries WHERE tenant_id=$1 AND updated_at >= $2`
    args := []any{tenantID, since}
    idx := 3
    if eventType != "" { q += ` AND event_type=$` + fmt.Sprint(idx); args = append(args, eventType); idx++ }
    if status != "" { q += ` AND status=$` + fmt.Sprint(idx); args = append(args, status); idx++ }
    if codeMin > 0 { q += ` AND COALESCE(response_code,0) >= $` + fmt.Sprint(idx); args = append(args, codeMin); idx++ }
    if codeMax > 0 { q += ` AND COALESCE(response_code,0) <= $` + fmt.Sprint(idx); args = append(args, codeMax); idx++ }
    q += ` GROUP BY event_type, status ORDER BY event_type, status`
    rows, err := p.db.QueryContext(ctx, q, args...)
    if err != nil { return nil, err }
    defer rows.Close()
    out := []map[string]any{}
    for rows.Next() {
        var et, st string
        var cnt, avg int64
        counts := make([]int64, len(buckets)+1)
        scan := []any{&et, &st, &cnt, &avg}
        for i := range counts { scan = append(scan, &counts[i]) }
        if err := rows.Scan(scan...); err != nil { return nil, err }
        out = append(out, map[string]any{
            "event_type": et,
            "status": st,
            "count": cnt,
            "avg_latency_ms": avg,
            "bucket_edges": buckets,
            "bucket_counts": counts,
        })
    }
    return out, nil
}

// computeDedupKey extracts the event id from the payload, or hashes the
// payload when no id is present.
func computeDedupKey(payload []byte) string {
    var m map[string]any
    if json.Unmarshal(payload, &m) == nil {
        if v, ok := m["id"].(string); ok && v != "" { return v }
    }
    sum := sha256.Sum256(payload)
    return hex.EncodeToString(sum[:8])
}

func nullIfEmpty(s string) any {
    if s == "" { return nil }
    return s
}
