package api

import (
    "bytes"
    "context"
    "encoding/json"
    "fmt"
    "net/http"
    "net/http/httptest"
    "strings"
    "testing"
    "time"

    "shuttleplan/internal/model"
)

func newTestServer(t *testing.T) *Server {
    t.Helper()
    s, err := NewServer(nil)
    if err != nil { t.Fatalf("NewServer: %v", err) }
    return s
}

// optimizeBody is a one-ride instance a single shuttle can serve: depot at
// node 0, pickup at 1, dropoff at 2, shift opening right before the
// requested pickup.
func optimizeBody(planID string) []byte {
    return []byte(fmt.Sprintf(`{
        "jobs": [{"pickup_node": 1, "dropoff_node": 2, "passengers": 1, "pickup_time": 30000}],
        "drivers": [{"id": "d1", "name": "Ada", "start_idx": 0, "end_idx": 0, "capacity": 4, "shift_start": 28800, "shift_end": 64800}],
        "time_matrix": [[0, 600, 900], [600, 0, 480], [900, 480, 0]],
        "options": {"plan_id": "%s", "time_budget_ms": 200}
    }`, planID))
}

func postOptimize(t *testing.T, s *Server, body []byte, role string) *httptest.ResponseRecorder {
    t.Helper()
    rr := httptest.NewRecorder()
    req := httptest.NewRequest(http.MethodPost, "/v1/optimize", bytes.NewReader(body))
    req.Header.Set("Content-Type", "application/json")
    req.Header.Set("X-Tenant-Id", "t_test")
    req.Header.Set("X-Role", role)
    s.OptimizeHandler(rr, req)
    return rr
}

func TestHealthReady(t *testing.T) {
    s := newTestServer(t)
    rr := httptest.NewRecorder()
    s.HealthHandler(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
    if rr.Code != 200 { t.Fatalf("health: got %d", rr.Code) }
    var hb struct{ Status string `json:"status"` }
    if err := json.Unmarshal(rr.Body.Bytes(), &hb); err != nil { t.Fatalf("decode health: %v", err) }
    if hb.Status != "running" { t.Fatalf("health status: got %q", hb.Status) }
    rr = httptest.NewRecorder()
    s.ReadyHandler(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
    if rr.Code != 200 { t.Fatalf("ready: got %d", rr.Code) }
}

func TestOptimizeRoundTrip(t *testing.T) {
    s := newTestServer(t)
    rr := postOptimize(t, s, optimizeBody("p-rt"), "admin")
    if rr.Code != 200 { t.Fatalf("optimize: %d body=%s", rr.Code, rr.Body.String()) }
    var ores struct {
        Status    string `json:"status"`
        PlanID    string `json:"plan_id"`
        TotalCost int64  `json:"total_cost"`
        Routes    []struct {
            DriverID string `json:"driver_id"`
            Route    []struct {
                Node        int   `json:"node"`
                ArrivalTime int64 `json:"arrival_time"`
            } `json:"route"`
        } `json:"routes"`
    }
    if err := json.Unmarshal(rr.Body.Bytes(), &ores); err != nil { t.Fatalf("decode optimize: %v", err) }
    if ores.Status != "success" { t.Fatalf("status: got %q", ores.Status) }
    if ores.PlanID != "p-rt" { t.Fatalf("plan_id: got %q", ores.PlanID) }
    // depot->pickup->dropoff->depot: 600+480+900
    if ores.TotalCost != 1980 { t.Fatalf("total_cost: got %d", ores.TotalCost) }
    if len(ores.Routes) != 1 { t.Fatalf("routes: got %d", len(ores.Routes)) }
    stops := ores.Routes[0].Route
    if len(stops) != 4 { t.Fatalf("stops: got %d", len(stops)) }
    if stops[1].Node != 1 || stops[1].ArrivalTime != 29400 { t.Fatalf("pickup stop: %+v", stops[1]) }
    if stops[2].Node != 2 || stops[2].ArrivalTime != 29880 { t.Fatalf("dropoff stop: %+v", stops[2]) }

    // stored plan
    rr = httptest.NewRecorder()
    req := httptest.NewRequest(http.MethodGet, "/v1/plans/p-rt", nil)
    req.Header.Set("X-Tenant-Id", "t_test")
    s.PlanByIDHandler(rr, req)
    if rr.Code != 200 { t.Fatalf("get plan: %d", rr.Code) }
    var plan struct {
        Status string `json:"status"`
        Cost   int64  `json:"cost"`
        Jobs   int    `json:"jobs"`
    }
    if err := json.Unmarshal(rr.Body.Bytes(), &plan); err != nil { t.Fatalf("decode plan: %v", err) }
    if plan.Status != "success" || plan.Cost != 1980 || plan.Jobs != 1 { t.Fatalf("stored plan: %+v", plan) }

    // search metrics
    rr = httptest.NewRecorder()
    req = httptest.NewRequest(http.MethodGet, "/v1/plans/p-rt/metrics", nil)
    req.Header.Set("X-Tenant-Id", "t_test")
    s.PlanByIDHandler(rr, req)
    if rr.Code != 200 { t.Fatalf("plan metrics: %d", rr.Code) }
    var met struct {
        PlanID   string `json:"plan_id"`
        BestCost int64  `json:"best_cost"`
        Workers  int    `json:"workers"`
    }
    if err := json.Unmarshal(rr.Body.Bytes(), &met); err != nil { t.Fatalf("decode metrics: %v", err) }
    if met.PlanID != "p-rt" || met.BestCost != 1980 || met.Workers < 1 { t.Fatalf("metrics: %+v", met) }

    // latest progress carries the terminal event
    rr = httptest.NewRecorder()
    req = httptest.NewRequest(http.MethodGet, "/v1/plans/p-rt/progress", nil)
    req.Header.Set("X-Tenant-Id", "t_test")
    s.PlanByIDHandler(rr, req)
    if rr.Code != 200 { t.Fatalf("plan progress: %d", rr.Code) }
    var prog struct {
        Done   bool   `json:"done"`
        Status string `json:"status"`
    }
    if err := json.Unmarshal(rr.Body.Bytes(), &prog); err != nil { t.Fatalf("decode progress: %v", err) }
    if !prog.Done || prog.Status != "success" { t.Fatalf("progress: %+v", prog) }

    // plan appears in the tenant listing
    rr = httptest.NewRecorder()
    req = httptest.NewRequest(http.MethodGet, "/v1/plans?limit=5", nil)
    req.Header.Set("X-Tenant-Id", "t_test")
    s.PlansHandler(rr, req)
    if rr.Code != 200 { t.Fatalf("plans list: %d", rr.Code) }
    var lst struct{ Items []struct{ ID string `json:"id"` } `json:"items"` }
    if err := json.Unmarshal(rr.Body.Bytes(), &lst); err != nil { t.Fatalf("decode plans: %v", err) }
    if len(lst.Items) == 0 { t.Fatalf("expected at least one plan") }
}

func TestOptimizeRejectsBadInput(t *testing.T) {
    s := newTestServer(t)
    // no matrix
    rr := postOptimize(t, s, []byte(`{"jobs":[],"drivers":[{"id":"d1","capacity":1}]}`), "admin")
    if rr.Code != 400 { t.Fatalf("missing matrix: got %d", rr.Code) }
    // out-of-range pickup node is the solver's call, still a 400
    rr = postOptimize(t, s, []byte(`{
        "jobs": [{"pickup_node": 7, "dropoff_node": 2, "passengers": 1, "pickup_time": 30000}],
        "drivers": [{"id": "d1", "capacity": 4, "shift_start": 28800, "shift_end": 64800}],
        "time_matrix": [[0, 600, 900], [600, 0, 480], [900, 480, 0]]
    }`), "admin")
    if rr.Code != 400 { t.Fatalf("bad pickup node: got %d", rr.Code) }
    var prob struct{ Detail string `json:"detail"` }
    if err := json.Unmarshal(rr.Body.Bytes(), &prob); err != nil { t.Fatalf("decode problem: %v", err) }
    if !strings.Contains(prob.Detail, "pickup_node") { t.Fatalf("detail: %q", prob.Detail) }
    // options outside bounds never reach the solver
    rr = postOptimize(t, s, []byte(`{
        "jobs": [],
        "drivers": [{"id": "d1", "capacity": 4}],
        "time_matrix": [[0]],
        "options": {"workers": 99}
    }`), "admin")
    if rr.Code != 400 { t.Fatalf("bad workers: got %d", rr.Code) }
}

func TestOptimizeInfeasible(t *testing.T) {
    s := newTestServer(t)
    // five passengers will never fit a one-seat shuttle
    rr := postOptimize(t, s, []byte(`{
        "jobs": [{"pickup_node": 1, "dropoff_node": 2, "passengers": 5, "pickup_time": 30000}],
        "drivers": [{"id": "d1", "capacity": 1, "shift_start": 28800, "shift_end": 64800}],
        "time_matrix": [[0, 600, 900], [600, 0, 480], [900, 480, 0]],
        "options": {"plan_id": "p-inf", "time_budget_ms": 200}
    }`), "admin")
    if rr.Code != 422 { t.Fatalf("infeasible: got %d body=%s", rr.Code, rr.Body.String()) }
    var prob struct {
        Title  string `json:"title"`
        Detail string `json:"detail"`
    }
    if err := json.Unmarshal(rr.Body.Bytes(), &prob); err != nil { t.Fatalf("decode problem: %v", err) }
    if !strings.Contains(prob.Detail, "cannot be placed") { t.Fatalf("detail should advise: %q", prob.Detail) }

    // the outcome is recorded as a plan
    rr2 := httptest.NewRecorder()
    req := httptest.NewRequest(http.MethodGet, "/v1/plans/p-inf", nil)
    req.Header.Set("X-Tenant-Id", "t_test")
    s.PlanByIDHandler(rr2, req)
    if rr2.Code != 200 { t.Fatalf("get infeasible plan: %d", rr2.Code) }
    var plan struct {
        Status string `json:"status"`
        Detail string `json:"detail"`
    }
    if err := json.Unmarshal(rr2.Body.Bytes(), &plan); err != nil { t.Fatalf("decode plan: %v", err) }
    if plan.Status != "infeasible" || plan.Detail == "" { t.Fatalf("stored outcome: %+v", plan) }
}

func TestOptimizeForbiddenForViewer(t *testing.T) {
    s := newTestServer(t)
    rr := postOptimize(t, s, optimizeBody("p-403"), "viewer")
    if rr.Code != 403 { t.Fatalf("viewer optimize: got %d", rr.Code) }
}

func TestOptimizerConfigOverlay(t *testing.T) {
    s := newTestServer(t)
    // set the tenant overlay
    body := []byte(`{"config":{"time_budget_ms":1234,"workers":2}}`)
    rr := httptest.NewRecorder()
    req := httptest.NewRequest(http.MethodPut, "/v1/admin/optimizer/config", bytes.NewReader(body))
    req.Header.Set("Content-Type", "application/json")
    req.Header.Set("X-Tenant-Id", "t_test")
    req.Header.Set("X-Role", "admin")
    s.AdminOptimizerConfigHandler(rr, req)
    if rr.Code != 200 { t.Fatalf("put config: %d body=%s", rr.Code, rr.Body.String()) }

    // the effective view reflects it
    rr = httptest.NewRecorder()
    req = httptest.NewRequest(http.MethodGet, "/v1/optimizer/config", nil)
    req.Header.Set("X-Tenant-Id", "t_test")
    s.OptimizerConfigHandler(rr, req)
    if rr.Code != 200 { t.Fatalf("get effective: %d", rr.Code) }
    var eff struct {
        Effective struct {
            TimeBudgetMs int `json:"time_budget_ms"`
            Workers      int `json:"workers"`
        } `json:"effective"`
    }
    if err := json.Unmarshal(rr.Body.Bytes(), &eff); err != nil { t.Fatalf("decode effective: %v", err) }
    if eff.Effective.TimeBudgetMs != 1234 || eff.Effective.Workers != 2 { t.Fatalf("effective: %+v", eff.Effective) }

    // request options win over the tenant overlay
    cfg, planID := s.solveConfig(context.Background(), "t_test", &model.SolveOptions{TimeBudgetMs: 500})
    if cfg.TimeBudget != 500*time.Millisecond { t.Fatalf("request budget: %v", cfg.TimeBudget) }
    if cfg.Workers != 2 { t.Fatalf("tenant workers: %d", cfg.Workers) }
    if planID == "" { t.Fatalf("expected generated plan id") }

    // out-of-range overlay is rejected
    rr = httptest.NewRecorder()
    req = httptest.NewRequest(http.MethodPut, "/v1/admin/optimizer/config", bytes.NewReader([]byte(`{"config":{"workers":99}}`)))
    req.Header.Set("Content-Type", "application/json")
    req.Header.Set("X-Tenant-Id", "t_test")
    req.Header.Set("X-Role", "admin")
    s.AdminOptimizerConfigHandler(rr, req)
    if rr.Code != 400 { t.Fatalf("bad overlay: got %d", rr.Code) }
}

func TestOptimizeEnqueuesWebhook(t *testing.T) {
    s := newTestServer(t)
    // Create subscription for plan.completed
    subBody := []byte(`{"url":"https://example.invalid/webhook","events":["plan.completed"],"secret":"shh"}`)
    rr := httptest.NewRecorder()
    req := httptest.NewRequest(http.MethodPost, "/v1/subscriptions", bytes.NewReader(subBody))
    req.Header.Set("Content-Type", "application/json")
    req.Header.Set("X-Tenant-Id", "t_test")
    req.Header.Set("X-Role", "admin")
    s.SubscriptionsHandler(rr, req)
    if rr.Code != http.StatusCreated { t.Fatalf("create sub: %d body=%s", rr.Code, rr.Body.String()) }
    var sub struct{ ID string `json:"id"` }
    if err := json.Unmarshal(rr.Body.Bytes(), &sub); err != nil { t.Fatalf("decode sub: %v", err) }

    // an unknown event type is rejected
    rr = httptest.NewRecorder()
    req = httptest.NewRequest(http.MethodPost, "/v1/subscriptions", bytes.NewReader([]byte(`{"url":"https://example.invalid/w","events":["plan.exploded"]}`)))
    req.Header.Set("Content-Type", "application/json")
    req.Header.Set("X-Tenant-Id", "t_test")
    req.Header.Set("X-Role", "admin")
    s.SubscriptionsHandler(rr, req)
    if rr.Code != 400 { t.Fatalf("bad event type: got %d", rr.Code) }

    // Solve; completion should enqueue a delivery
    rr = postOptimize(t, s, optimizeBody("p-wh"), "admin")
    if rr.Code != 200 { t.Fatalf("optimize: %d", rr.Code) }

    rr = httptest.NewRecorder()
    req = httptest.NewRequest(http.MethodGet, "/v1/admin/webhook-deliveries?limit=5", nil)
    req.Header.Set("X-Tenant-Id", "t_test")
    req.Header.Set("X-Role", "admin")
    s.WebhookDeliveriesHandler(rr, req)
    if rr.Code != 200 { t.Fatalf("deliveries: %d", rr.Code) }
    var dres struct{ Items []map[string]any `json:"items"` }
    if err := json.Unmarshal(rr.Body.Bytes(), &dres); err != nil { t.Fatalf("decode deliveries: %v", err) }
    if len(dres.Items) == 0 { t.Fatalf("expected at least one delivery") }

    // delete the subscription
    rr = httptest.NewRecorder()
    req = httptest.NewRequest(http.MethodDelete, "/v1/subscriptions/"+sub.ID, nil)
    req.Header.Set("X-Tenant-Id", "t_test")
    req.Header.Set("X-Role", "admin")
    s.SubscriptionByIDHandler(rr, req)
    if rr.Code != 204 { t.Fatalf("delete sub: %d", rr.Code) }
}

func TestGraphQLPlans(t *testing.T) {
    s := newTestServer(t)
    rr := postOptimize(t, s, optimizeBody("p-gql"), "admin")
    if rr.Code != 200 { t.Fatalf("optimize: %d", rr.Code) }

    body := []byte(`{"query":"query { plans }"}`)
    rr = httptest.NewRecorder()
    req := httptest.NewRequest(http.MethodPost, "/graphql", bytes.NewReader(body))
    req.Header.Set("Content-Type", "application/json")
    req.Header.Set("X-Tenant-Id", "t_test")
    s.GraphQLHTTPHandler(rr, req)
    if rr.Code != 200 { t.Fatalf("graphql plans: %d", rr.Code) }

    qb, _ := json.Marshal(map[string]any{
        "query":     "query($id: ID!) { plan(id: $id) }",
        "variables": map[string]any{"id": "p-gql"},
    })
    rr = httptest.NewRecorder()
    req = httptest.NewRequest(http.MethodPost, "/graphql", bytes.NewReader(qb))
    req.Header.Set("Content-Type", "application/json")
    req.Header.Set("X-Tenant-Id", "t_test")
    s.GraphQLHTTPHandler(rr, req)
    if rr.Code != 200 { t.Fatalf("graphql plan: %d", rr.Code) }
    var out struct {
        Data struct {
            Plan struct{ Status string `json:"status"` } `json:"plan"`
        } `json:"data"`
    }
    if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil { t.Fatalf("decode graphql: %v", err) }
    if out.Data.Plan.Status != "success" { t.Fatalf("graphql plan status: %q", out.Data.Plan.Status) }
}

func TestRateLimit(t *testing.T) {
    s := newTestServer(t)
    s.limits = newTenantLimiter(1, 1)
    h := s.RateLimit(s.HealthHandler)
    rr := httptest.NewRecorder()
    req := httptest.NewRequest(http.MethodGet, "/v1/optimize", nil)
    req.Header.Set("X-Tenant-Id", "t_burst")
    h(rr, req)
    if rr.Code != 200 { t.Fatalf("first request: %d", rr.Code) }
    rr = httptest.NewRecorder()
    h(rr, req)
    if rr.Code != http.StatusTooManyRequests { t.Fatalf("second request: %d", rr.Code) }
}

// sseRecorder is a minimal ResponseWriter that implements http.Flusher
// and captures writes for SSE tests.
type sseRecorder struct {
    hdr  http.Header
    buf  bytes.Buffer
    code int
}

func (r *sseRecorder) Header() http.Header { if r.hdr == nil { r.hdr = http.Header{} }; return r.hdr }
func (r *sseRecorder) WriteHeader(c int) { r.code = c }
func (r *sseRecorder) Write(p []byte) (int, error) { return r.buf.Write(p) }
func (r *sseRecorder) Flush() {}

func TestPlanEventsSSE(t *testing.T) {
    s := newTestServer(t)
    // Subscribing needs no stored plan: clients attach before submitting
    // the solve with a chosen plan id.
    pid := "p-sse"
    sseReq := httptest.NewRequest(http.MethodGet, "/v1/plans/"+pid+"/events/stream", nil)
    ctx, cancel := context.WithTimeout(context.Background(), time.Second)
    defer cancel()
    sseReq = sseReq.WithContext(ctx)
    sseReq.Header.Set("X-Tenant-Id", "t_test")
    sseReq.Header.Set("X-Role", "admin")

    rec := &sseRecorder{}
    done := make(chan struct{})
    go func() {
        s.PlanByIDHandler(rec, sseReq)
        close(done)
    }()

    // Give handler time to subscribe and send heartbeat
    time.Sleep(50 * time.Millisecond)
    s.Broker.Publish(pid, SSEEvent{Type: "solve.progress", Data: map[string]any{"plan_id": pid, "best_cost": 1980}})

    deadline := time.Now().Add(500 * time.Millisecond)
    for time.Now().Before(deadline) {
        if bytes.Contains(rec.buf.Bytes(), []byte("event: solve.progress")) {
            break
        }
        time.Sleep(10 * time.Millisecond)
    }
    if !bytes.Contains(rec.buf.Bytes(), []byte("event: heartbeat")) {
        t.Fatalf("SSE missing heartbeat. Body: %s", rec.buf.String())
    }
    if !bytes.Contains(rec.buf.Bytes(), []byte("event: solve.progress")) {
        t.Fatalf("SSE did not contain expected event. Body: %s", rec.buf.String())
    }
    // Ensure handler exits on context cancel
    cancel()
    select {
    case <-done:
    case <-time.After(200 * time.Millisecond):
        t.Fatal("handler did not exit after cancel")
    }
}
