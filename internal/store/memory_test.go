package store

import (
    "bytes"
    "context"
    "errors"
    "fmt"
    "testing"
    "time"

    "shuttleplan/internal/model"
)

var (
    _ Store = (*Memory)(nil)
    _ Store = (*Postgres)(nil)
)

func testPlan(id, tenant, status string, cost int64, at time.Time) model.Plan {
    return model.Plan{
        ID: id, TenantID: tenant, Status: status,
        Jobs: 2, Drivers: 1, Cost: cost, ElapsedMs: 12,
        Routes:    []model.DriverRoute{{DriverID: "d1", Route: []model.Stop{{Node: 0, ArrivalTime: 0}}}},
        CreatedAt: at,
    }
}

func TestMemoryPlanRoundTrip(t *testing.T) {
    m := NewMemory()
    ctx := context.Background()
    p := testPlan("p1", "t_demo", model.PlanSuccess, 100, time.Now())
    if err := m.SavePlan(ctx, p); err != nil { t.Fatalf("SavePlan: %v", err) }

    got, err := m.GetPlan(ctx, "t_demo", "p1")
    if err != nil { t.Fatalf("GetPlan: %v", err) }
    if got.Cost != 100 || len(got.Routes) != 1 { t.Fatalf("unexpected plan: %+v", got) }

    if _, err := m.GetPlan(ctx, "t_other", "p1"); !errors.Is(err, ErrNotFound) {
        t.Fatalf("cross-tenant read should fail, got %v", err)
    }
    if _, err := m.GetPlan(ctx, "t_demo", "nope"); !errors.Is(err, ErrNotFound) {
        t.Fatalf("missing plan should fail, got %v", err)
    }
}

func TestMemoryListPlansPagination(t *testing.T) {
    m := NewMemory()
    ctx := context.Background()
    base := time.Now()
    for i := 1; i <= 5; i++ {
        id := fmt.Sprintf("p%d", i)
        if err := m.SavePlan(ctx, testPlan(id, "t_demo", model.PlanSuccess, int64(i), base.Add(time.Duration(i)*time.Second))); err != nil {
            t.Fatal(err)
        }
    }

    page1, next, err := m.ListPlans(ctx, "t_demo", "", "", 2)
    if err != nil { t.Fatalf("ListPlans: %v", err) }
    if len(page1) != 2 || page1[0].ID != "p5" || page1[1].ID != "p4" {
        t.Fatalf("want [p5 p4], got %+v", page1)
    }
    if next != "p4" { t.Fatalf("want cursor p4, got %q", next) }
    if page1[0].Routes != nil { t.Fatalf("list should strip routes") }

    page2, next, err := m.ListPlans(ctx, "t_demo", "", next, 2)
    if err != nil { t.Fatal(err) }
    if len(page2) != 2 || page2[0].ID != "p3" || page2[1].ID != "p2" {
        t.Fatalf("want [p3 p2], got %+v", page2)
    }

    page3, next, err := m.ListPlans(ctx, "t_demo", "", next, 2)
    if err != nil { t.Fatal(err) }
    if len(page3) != 1 || page3[0].ID != "p1" || next != "" {
        t.Fatalf("want [p1] and no cursor, got %+v next=%q", page3, next)
    }
}

func TestMemoryListPlansStatusFilter(t *testing.T) {
    m := NewMemory()
    ctx := context.Background()
    now := time.Now()
    if err := m.SavePlan(ctx, testPlan("ok1", "t_demo", model.PlanSuccess, 1, now)); err != nil { t.Fatal(err) }
    bad := testPlan("bad1", "t_demo", model.PlanInfeasible, 0, now)
    bad.Detail = "2 of 3 jobs could not be scheduled"
    if err := m.SavePlan(ctx, bad); err != nil { t.Fatal(err) }

    got, _, err := m.ListPlans(ctx, "t_demo", model.PlanInfeasible, "", 10)
    if err != nil { t.Fatal(err) }
    if len(got) != 1 || got[0].ID != "bad1" { t.Fatalf("want [bad1], got %+v", got) }
}

func TestMemorySolveMetricsRequiresPlan(t *testing.T) {
    m := NewMemory()
    ctx := context.Background()
    sm := model.SolveMetrics{PlanID: "p1", Iterations: 10, BestCost: 42}
    if err := m.SaveSolveMetrics(ctx, "t_demo", sm); err != nil { t.Fatal(err) }

    if _, err := m.GetSolveMetrics(ctx, "t_demo", "p1"); !errors.Is(err, ErrNotFound) {
        t.Fatalf("metrics without a plan should be hidden, got %v", err)
    }

    if err := m.SavePlan(ctx, testPlan("p1", "t_demo", model.PlanSuccess, 42, time.Now())); err != nil { t.Fatal(err) }
    got, err := m.GetSolveMetrics(ctx, "t_demo", "p1")
    if err != nil { t.Fatalf("GetSolveMetrics: %v", err) }
    if got.Iterations != 10 || got.BestCost != 42 { t.Fatalf("unexpected metrics: %+v", got) }

    if _, err := m.GetSolveMetrics(ctx, "t_other", "p1"); !errors.Is(err, ErrNotFound) {
        t.Fatalf("cross-tenant metrics read should fail, got %v", err)
    }
}

func TestMemoryOptimizerConfigOverlay(t *testing.T) {
    m := NewMemory()
    ctx := context.Background()
    cfg, err := m.GetOptimizerConfig(ctx, "t_demo")
    if err != nil { t.Fatal(err) }
    if cfg != (model.OptimizerConfig{}) { t.Fatalf("expected zero overlay, got %+v", cfg) }

    want := model.OptimizerConfig{TimeBudgetMs: 5000, Workers: 2}
    if err := m.SaveOptimizerConfig(ctx, "t_demo", want); err != nil { t.Fatal(err) }
    cfg, err = m.GetOptimizerConfig(ctx, "t_demo")
    if err != nil { t.Fatal(err) }
    if cfg != want { t.Fatalf("want %+v, got %+v", want, cfg) }
}

func TestMemorySubscriptions(t *testing.T) {
    m := NewMemory()
    ctx := context.Background()
    s1, err := m.CreateSubscription(ctx, "t_demo", model.SubscriptionRequest{URL: "https://a.example/hook", Events: []string{"plan.completed"}, Secret: "s3cr3t"})
    if err != nil { t.Fatal(err) }
    if s1.ID == "" { t.Fatal("subscription id not assigned") }
    if _, err := m.CreateSubscription(ctx, "t_demo", model.SubscriptionRequest{URL: "https://b.example/hook", Events: []string{"plan.infeasible"}}); err != nil {
        t.Fatal(err)
    }

    hit, err := m.GetSubscriptionsForEvent(ctx, "t_demo", "plan.completed")
    if err != nil { t.Fatal(err) }
    if len(hit) != 1 || hit[0].URL != "https://a.example/hook" { t.Fatalf("want sub a only, got %+v", hit) }

    if got, _ := m.GetSubscriptionsForEvent(ctx, "t_other", "plan.completed"); len(got) != 0 {
        t.Fatalf("cross-tenant subscriptions leaked: %+v", got)
    }

    all, next, err := m.ListSubscriptions(ctx, "t_demo", "", 10)
    if err != nil { t.Fatal(err) }
    if len(all) != 2 || next != "" { t.Fatalf("want 2 subs, got %d next=%q", len(all), next) }

    if err := m.DeleteSubscription(ctx, "t_demo", s1.ID); err != nil { t.Fatal(err) }
    left, _, _ := m.ListSubscriptions(ctx, "t_demo", "", 10)
    if len(left) != 1 || left[0].URL != "https://b.example/hook" { t.Fatalf("delete failed: %+v", left) }
}

func TestMemoryWebhookQueueLifecycle(t *testing.T) {
    m := NewMemory()
    ctx := context.Background()
    payload := []byte(`{"id":"evt_1","type":"plan.completed","plan_id":"p1"}`)
    id, err := m.EnqueueWebhook(ctx, "t_demo", "sub1", "plan.completed", "https://a.example/hook", "s3cr3t", payload)
    if err != nil { t.Fatal(err) }

    due, err := m.FetchDueWebhookDeliveries(ctx, 10)
    if err != nil { t.Fatal(err) }
    if len(due) != 1 || due[0].ID != id || !bytes.Equal(due[0].Payload, payload) {
        t.Fatalf("expected fresh delivery due, got %+v", due)
    }

    // first attempt fails and reschedules in the past so it is due again
    past := time.Now().Add(-time.Second)
    if err := m.MarkWebhookDelivery(ctx, id, false, &past, "connection refused", 0, 15); err != nil { t.Fatal(err) }
    due, _ = m.FetchDueWebhookDeliveries(ctx, 10)
    if len(due) != 1 || due[0].Status != "retry" || due[0].Attempts != 1 {
        t.Fatalf("expected retry due, got %+v", due)
    }

    // second attempt succeeds
    if err := m.MarkWebhookDelivery(ctx, id, true, nil, "", 200, 40); err != nil { t.Fatal(err) }
    if due, _ = m.FetchDueWebhookDeliveries(ctx, 10); len(due) != 0 {
        t.Fatalf("delivered webhook should not be due, got %+v", due)
    }

    items, _, err := m.ListWebhookDeliveries(ctx, "t_demo", "delivered", "", 10)
    if err != nil { t.Fatal(err) }
    if len(items) != 1 || items[0]["attempts"] != 2 { t.Fatalf("unexpected list: %+v", items) }
}

func TestMemoryWebhookFailAndRetry(t *testing.T) {
    m := NewMemory()
    ctx := context.Background()
    id, err := m.EnqueueWebhook(ctx, "t_demo", "sub1", "plan.completed", "https://a.example/hook", "", []byte(`{"id":"evt_2"}`))
    if err != nil { t.Fatal(err) }

    if err := m.FailWebhookDelivery(ctx, id, "410 gone", 410, 22); err != nil { t.Fatal(err) }
    if due, _ := m.FetchDueWebhookDeliveries(ctx, 10); len(due) != 0 {
        t.Fatalf("failed webhook should not be due, got %+v", due)
    }
    items, _, _ := m.ListWebhookDeliveries(ctx, "t_demo", "failed", "", 10)
    if len(items) != 1 || items[0]["last_error"] != "410 gone" { t.Fatalf("unexpected failed list: %+v", items) }

    if err := m.RetryWebhookDelivery(ctx, "t_other", id); !errors.Is(err, ErrNotFound) {
        t.Fatalf("cross-tenant retry should fail, got %v", err)
    }
    if err := m.RetryWebhookDelivery(ctx, "t_demo", id); err != nil { t.Fatal(err) }
    due, _ := m.FetchDueWebhookDeliveries(ctx, 10)
    if len(due) != 1 || due[0].Status != "pending" { t.Fatalf("retried webhook should be due, got %+v", due) }
}

func TestMemoryWebhookMetricsAggregation(t *testing.T) {
    m := NewMemory()
    ctx := context.Background()
    a, err := m.EnqueueWebhook(ctx, "t_demo", "", "plan.completed", "https://a.example/hook", "", []byte(`{"id":"evt_a"}`))
    if err != nil { t.Fatal(err) }
    b, err := m.EnqueueWebhook(ctx, "t_demo", "", "plan.completed", "https://a.example/hook", "", []byte(`{"id":"evt_b"}`))
    if err != nil { t.Fatal(err) }
    if err := m.MarkWebhookDelivery(ctx, a, true, nil, "", 200, 50); err != nil { t.Fatal(err) }
    if err := m.MarkWebhookDelivery(ctx, b, true, nil, "", 200, 250); err != nil { t.Fatal(err) }

    rows, err := m.WebhookMetrics(ctx, "t_demo", time.Time{}, "", "", 0, 0, nil)
    if err != nil { t.Fatal(err) }
    if len(rows) != 1 { t.Fatalf("want one group, got %+v", rows) }
    r := rows[0]
    if r["event_type"] != "plan.completed" || r["status"] != "delivered" { t.Fatalf("unexpected group: %+v", r) }
    if r["count"] != 2 || r["avg_latency_ms"] != 150 { t.Fatalf("unexpected aggregates: %+v", r) }
    counts := r["bucket_counts"].([]int)
    // default edges 100/500/1000: 50 falls in the first bucket, 250 in the second
    if counts[0] != 1 || counts[1] != 1 || counts[2] != 0 || counts[3] != 0 {
        t.Fatalf("unexpected buckets: %v", counts)
    }
}
