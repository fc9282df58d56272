package api

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "net/http"
    "strings"
    "time"

    "github.com/google/uuid"

    "shuttleplan/internal/logging"
    "shuttleplan/internal/metrics"
    "shuttleplan/internal/model"
    "shuttleplan/internal/solver"
    "shuttleplan/internal/store"
    "shuttleplan/internal/webhooks"
)

// solveConfig resolves one run's settings: process defaults, overlaid with
// the tenant record, overlaid with the request options. Returns the config
// and the plan id (caller-chosen or a fresh UUID).
func (s *Server) solveConfig(ctx context.Context, tenant string, opts *model.SolveOptions) (solver.Config, string) {
    sc := s.Cfg.Solver
    cfg := solver.Config{
        TimeBudget:      sc.TimeBudget,
        PickupTolerance: sc.PickupTolerance,
        Workers:         sc.Workers,
        StaleLimit:      sc.StaleLimit,
        PenaltyReset:    sc.PenaltyReset,
    }
    if tc, err := s.Store.GetOptimizerConfig(ctx, tenant); err == nil {
        if tc.TimeBudgetMs > 0 { cfg.TimeBudget = time.Duration(tc.TimeBudgetMs) * time.Millisecond }
        if tc.PickupToleranceSec > 0 { cfg.PickupTolerance = tc.PickupToleranceSec }
        if tc.Workers > 0 { cfg.Workers = tc.Workers }
        if tc.StaleLimit > 0 { cfg.StaleLimit = tc.StaleLimit }
    }
    planID := ""
    if opts != nil {
        if opts.TimeBudgetMs > 0 { cfg.TimeBudget = time.Duration(opts.TimeBudgetMs) * time.Millisecond }
        if opts.PickupToleranceSec > 0 { cfg.PickupTolerance = opts.PickupToleranceSec }
        if opts.Workers > 0 { cfg.Workers = opts.Workers }
        planID = strings.TrimSpace(opts.PlanID)
    }
    if planID == "" { planID = uuid.New().String() }
    return cfg, planID
}

func progressData(evt model.ProgressEvent) map[string]any {
    d := map[string]any{
        "plan_id":    evt.PlanID,
        "iteration":  evt.Iteration,
        "best_cost":  evt.BestCost,
        "elapsed_ms": evt.ElapsedMs,
    }
    if evt.Done {
        d["done"] = true
        d["status"] = evt.Status
    }
    return d
}

// finishPlan records the terminal progress event and announces it on the
// plan's event channel.
func (s *Server) finishPlan(tenant, planID, status, eventType string, met solver.Metrics) {
    evt := model.ProgressEvent{
        PlanID:    planID,
        Iteration: met.Iterations,
        BestCost:  met.BestCost,
        ElapsedMs: met.ElapsedMs,
        Done:      true,
        Status:    status,
    }
    s.Progress.Upsert(tenant, evt)
    s.Broker.Publish(planID, SSEEvent{Type: eventType, Data: progressData(evt)})
}

// OptimizeHandler handles POST /v1/optimize: one full solve per request.
func (s *Server) OptimizeHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodPost {
        w.WriteHeader(http.StatusMethodNotAllowed)
        return
    }
    p := s.getPrincipal(r)
    if !p.CanDispatch() { writeProblem(w, 403, "Forbidden", "dispatcher or admin required", r.URL.Path); return }
    var req model.OptimizeRequest
    if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
        writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
        return
    }
    if err := validateOptimizeRequest(&req); err != nil {
        metrics.SolveRuns.WithLabelValues("invalid").Inc()
        writeProblem(w, http.StatusBadRequest, "Invalid dispatch request", err.Error(), r.URL.Path)
        return
    }

    cfg, planID := s.solveConfig(r.Context(), p.Tenant, req.Options)
    onProgress := func(pr solver.Progress) {
        evt := model.ProgressEvent{PlanID: planID, Iteration: pr.Iteration, BestCost: pr.BestCost, ElapsedMs: pr.ElapsedMs}
        s.Progress.Upsert(p.Tenant, evt)
        s.Broker.Publish(planID, SSEEvent{Type: "solve.progress", Data: progressData(evt)})
    }

    started := time.Now()
    sol, met, err := solver.Solve(req.Problem(), cfg, onProgress)
    metrics.SolveDuration.Observe(time.Since(started).Seconds())
    solver.RecordMetrics(p.Tenant, planID, met)

    if err != nil {
        var invalid *solver.InvalidInputError
        var infeasible *solver.InfeasibleError
        switch {
        case errors.As(err, &invalid):
            metrics.SolveRuns.WithLabelValues("invalid").Inc()
        case errors.As(err, &infeasible):
            metrics.SolveRuns.WithLabelValues("infeasible").Inc()
            plan := model.Plan{
                ID: planID, TenantID: p.Tenant, Status: model.PlanInfeasible,
                Jobs: len(req.Jobs), Drivers: len(req.Drivers),
                Detail: infeasible.Detail, ElapsedMs: met.ElapsedMs, CreatedAt: time.Now().UTC(),
            }
            _ = s.Store.SavePlan(r.Context(), plan)
            s.finishPlan(p.Tenant, planID, model.PlanInfeasible, "plan.infeasible", met)
            s.Pub.Emit(r.Context(), p.Tenant, webhooks.EventPlanInfeasible, map[string]any{
                "plan_id": planID, "detail": infeasible.Detail, "jobs": len(req.Jobs), "drivers": len(req.Drivers),
            })
        default:
            metrics.SolveRuns.WithLabelValues("fault").Inc()
            log := logging.Component("api")
            log.Error().Err(err).Str("plan_id", planID).Str("tenant", p.Tenant).Msg("optimize failed")
            plan := model.Plan{
                ID: planID, TenantID: p.Tenant, Status: model.PlanFailed,
                Jobs: len(req.Jobs), Drivers: len(req.Drivers),
                Detail: err.Error(), ElapsedMs: met.ElapsedMs, CreatedAt: time.Now().UTC(),
            }
            _ = s.Store.SavePlan(r.Context(), plan)
            s.finishPlan(p.Tenant, planID, model.PlanFailed, "plan.failed", met)
        }
        writeSolveProblem(w, err, r.URL.Path)
        return
    }

    metrics.SolveRuns.WithLabelValues("success").Inc()
    routes := model.RoutesFrom(sol)
    plan := model.Plan{
        ID: planID, TenantID: p.Tenant, Status: model.PlanSuccess,
        Jobs: len(req.Jobs), Drivers: len(req.Drivers),
        Cost: sol.Cost, Routes: routes, ElapsedMs: met.ElapsedMs, CreatedAt: time.Now().UTC(),
    }
    if err := s.Store.SavePlan(r.Context(), plan); err != nil {
        log := logging.Component("api")
        log.Error().Err(err).Str("plan_id", planID).Msg("plan save failed")
    }
    _ = s.Store.SaveSolveMetrics(r.Context(), p.Tenant, model.MetricsFrom(planID, met))
    s.finishPlan(p.Tenant, planID, model.PlanSuccess, "plan.completed", met)
    s.Pub.Emit(r.Context(), p.Tenant, webhooks.EventPlanCompleted, map[string]any{
        "plan_id": planID, "total_cost": sol.Cost, "routes": len(routes), "jobs": len(req.Jobs), "drivers": len(req.Drivers),
    })
    writeJSON(w, http.StatusOK, model.OptimizeResponse{Status: model.PlanSuccess, PlanID: planID, TotalCost: sol.Cost, Routes: routes})
}

// PlansHandler handles GET /v1/plans
func (s *Server) PlansHandler(w http.ResponseWriter, r *http.Request) {
    if r.URL.Path != "/v1/plans" { writeProblem(w, 404, "Not Found", "", r.URL.Path); return }
    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    p := s.getPrincipal(r)
    status := r.URL.Query().Get("status")
    cursor := r.URL.Query().Get("cursor")
    limit := 100
    if v := r.URL.Query().Get("limit"); v != "" { fmt.Sscanf(v, "%d", &limit) }
    items, next, err := s.Store.ListPlans(r.Context(), p.Tenant, status, cursor, limit)
    if err != nil { writeProblem(w, 500, "List plans failed", err.Error(), r.URL.Path); return }
    writeJSON(w, 200, map[string]any{"items": items, "nextCursor": next})
}

// PlanByIDHandler handles GET /v1/plans/{id} plus the /metrics, /progress,
// and /events/stream subresources.
func (s *Server) PlanByIDHandler(w http.ResponseWriter, r *http.Request) {
    path := r.URL.Path
    rest := strings.TrimPrefix(path, "/v1/plans/")
    if rest == path || rest == "" {
        writeProblem(w, http.StatusNotFound, "Not Found", "missing id", path)
        return
    }
    parts := strings.Split(rest, "/")
    id := parts[0]
    p := s.getPrincipal(r)
    if len(parts) == 3 && parts[1] == "events" && parts[2] == "stream" {
        // SSE for solve progress and plan completion
        if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
        flusher, ok := w.(http.Flusher)
        if !ok { writeProblem(w, 500, "Streaming unsupported", "", r.URL.Path); return }
        w.Header().Set("Content-Type", "text/event-stream")
        w.Header().Set("Cache-Control", "no-cache")
        w.Header().Set("Connection", "keep-alive")
        ch := s.Broker.Subscribe(id)
        defer s.Broker.Unsubscribe(id, ch)
        // initial heartbeat; if a run already reported progress, replay the
        // latest snapshot so late subscribers start with state
        fmt.Fprintf(w, "event: heartbeat\n")
        fmt.Fprintf(w, "data: {\"planId\":\"%s\",\"ts\":\"%s\"}\n\n", id, time.Now().Format(time.RFC3339))
        if evt, ok := s.Progress.Latest(p.Tenant, id); ok {
            b, _ := json.Marshal(progressData(evt))
            fmt.Fprintf(w, "event: solve.progress\n")
            fmt.Fprintf(w, "data: %s\n\n", string(b))
        }
        flusher.Flush()
        notify := r.Context().Done()
        for {
            select {
            case <-notify:
                return
            case evt := <-ch:
                b, _ := json.Marshal(evt.Data)
                fmt.Fprintf(w, "event: %s\n", evt.Type)
                fmt.Fprintf(w, "data: %s\n\n", string(b))
                flusher.Flush()
            case <-time.After(15 * time.Second):
                fmt.Fprintf(w, "event: heartbeat\n")
                fmt.Fprintf(w, "data: {\"planId\":\"%s\",\"ts\":\"%s\"}\n\n", id, time.Now().Format(time.RFC3339))
                flusher.Flush()
            }
        }
    }
    if len(parts) == 2 && parts[1] == "metrics" {
        if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
        sm, err := s.Store.GetSolveMetrics(r.Context(), p.Tenant, id)
        if err != nil {
            // fall back to the in-process record when the store has none
            if m, ok := solver.GetMetrics(p.Tenant, id); ok {
                sm = model.MetricsFrom(id, m)
            } else if errors.Is(err, store.ErrNotFound) {
                writeProblem(w, 404, "Plan metrics not found", "", r.URL.Path)
                return
            } else {
                writeProblem(w, 500, "Plan metrics failed", err.Error(), r.URL.Path)
                return
            }
        }
        if v := r.URL.Query().Get("includeSnapshots"); !(v == "1" || strings.EqualFold(v, "true")) {
            sm.Snapshots = nil
        }
        writeJSON(w, 200, sm)
        return
    }
    if len(parts) == 2 && parts[1] == "progress" {
        if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
        evt, ok := s.Progress.Latest(p.Tenant, id)
        if !ok { writeProblem(w, 404, "No progress recorded", "", r.URL.Path); return }
        writeJSON(w, 200, evt)
        return
    }
    if len(parts) != 1 {
        writeProblem(w, 404, "Not Found", "", r.URL.Path)
        return
    }
    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    plan, err := s.Store.GetPlan(r.Context(), p.Tenant, id)
    if err != nil {
        if errors.Is(err, store.ErrNotFound) { writeProblem(w, 404, "Plan not found", "", r.URL.Path); return }
        writeProblem(w, 500, "Get plan failed", err.Error(), r.URL.Path)
        return
    }
    writeJSON(w, 200, plan)
}

// OptimizerConfigHandler returns the effective solver tunables for the
// caller's tenant: process defaults overlaid with the tenant record.
func (s *Server) OptimizerConfigHandler(w http.ResponseWriter, r *http.Request) {
    if r.URL.Path != "/v1/optimizer/config" || r.Method != http.MethodGet { writeProblem(w, 404, "Not Found", "", r.URL.Path); return }
    p := s.getPrincipal(r)
    eff := model.OptimizerConfig{
        TimeBudgetMs:       int(s.Cfg.Solver.TimeBudget / time.Millisecond),
        PickupToleranceSec: s.Cfg.Solver.PickupTolerance,
        Workers:            s.Cfg.Solver.Workers,
        StaleLimit:         s.Cfg.Solver.StaleLimit,
    }
    if tc, err := s.Store.GetOptimizerConfig(r.Context(), p.Tenant); err == nil {
        if tc.TimeBudgetMs > 0 { eff.TimeBudgetMs = tc.TimeBudgetMs }
        if tc.PickupToleranceSec > 0 { eff.PickupToleranceSec = tc.PickupToleranceSec }
        if tc.Workers > 0 { eff.Workers = tc.Workers }
        if tc.StaleLimit > 0 { eff.StaleLimit = tc.StaleLimit }
    }
    writeJSON(w, 200, map[string]any{"effective": eff})
}

// AdminOptimizerConfigHandler gets or sets the tenant overlay.
func (s *Server) AdminOptimizerConfigHandler(w http.ResponseWriter, r *http.Request) {
    if r.URL.Path != "/v1/admin/optimizer/config" { writeProblem(w, 404, "Not Found", "", r.URL.Path); return }
    p := s.getPrincipal(r)
    if !p.IsAdmin() { writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path); return }
    switch r.Method {
    case http.MethodGet:
        cfg, err := s.Store.GetOptimizerConfig(r.Context(), p.Tenant)
        if err != nil { writeProblem(w, 500, "Get config failed", err.Error(), r.URL.Path); return }
        writeJSON(w, 200, map[string]any{"config": cfg})
    case http.MethodPut:
        var body struct {
            Config *model.OptimizerConfig `json:"config"`
        }
        if err := json.NewDecoder(r.Body).Decode(&body); err != nil { writeProblem(w, 400, "Invalid JSON", err.Error(), r.URL.Path); return }
        if body.Config == nil { writeProblem(w, 400, "Missing config", "", r.URL.Path); return }
        if err := validateOptimizerConfig(body.Config); err != nil { writeProblem(w, 400, "Invalid config", err.Error(), r.URL.Path); return }
        if err := s.Store.SaveOptimizerConfig(r.Context(), p.Tenant, *body.Config); err != nil { writeProblem(w, 500, "Save failed", err.Error(), r.URL.Path); return }
        writeJSON(w, 200, map[string]bool{"ok": true})
    default:
        w.WriteHeader(http.StatusMethodNotAllowed)
    }
}

// SubscriptionsHandler handles POST/GET /v1/subscriptions (admin).
func (s *Server) SubscriptionsHandler(w http.ResponseWriter, r *http.Request) {
    p := s.getPrincipal(r)
    if !p.IsAdmin() { writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path); return }
    switch r.Method {
    case http.MethodPost:
        var req model.SubscriptionRequest
        if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
            writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
            return
        }
        if err := validateSubscriptionRequest(&req); err != nil {
            writeProblem(w, http.StatusBadRequest, "Invalid subscription", err.Error(), r.URL.Path)
            return
        }
        sub, err := s.Store.CreateSubscription(r.Context(), p.Tenant, req)
        if err != nil {
            writeProblem(w, http.StatusInternalServerError, "Create subscription failed", err.Error(), r.URL.Path)
            return
        }
        writeJSON(w, http.StatusCreated, sub)
    case http.MethodGet:
        cursor := r.URL.Query().Get("cursor")
        limit := 100
        if v := r.URL.Query().Get("limit"); v != "" { fmt.Sscanf(v, "%d", &limit) }
        items, next, err := s.Store.ListSubscriptions(r.Context(), p.Tenant, cursor, limit)
        if err != nil { writeProblem(w, 500, "List subscriptions failed", err.Error(), r.URL.Path); return }
        writeJSON(w, 200, map[string]any{"items": items, "nextCursor": next})
    default:
        w.WriteHeader(http.StatusMethodNotAllowed)
    }
}

// SubscriptionByIDHandler handles DELETE /v1/subscriptions/{id} (admin).
func (s *Server) SubscriptionByIDHandler(w http.ResponseWriter, r *http.Request) {
    if !strings.HasPrefix(r.URL.Path, "/v1/subscriptions/") { writeProblem(w, 404, "Not Found", "", r.URL.Path); return }
    if r.Method != http.MethodDelete { w.WriteHeader(405); return }
    p := s.getPrincipal(r)
    if !p.IsAdmin() { writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path); return }
    id := strings.TrimPrefix(r.URL.Path, "/v1/subscriptions/")
    if err := s.Store.DeleteSubscription(r.Context(), p.Tenant, id); err != nil { writeProblem(w, 500, "Delete subscription failed", err.Error(), r.URL.Path); return }
    w.WriteHeader(204)
}

// WebhookDeliveriesHandler lists the delivery queue (admin).
func (s *Server) WebhookDeliveriesHandler(w http.ResponseWriter, r *http.Request) {
    if r.URL.Path != "/v1/admin/webhook-deliveries" { writeProblem(w, 404, "Not Found", "", r.URL.Path); return }
    p := s.getPrincipal(r)
    if !p.IsAdmin() { writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path); return }
    if r.Method != http.MethodGet { w.WriteHeader(405); return }
    status := r.URL.Query().Get("status")
    cursor := r.URL.Query().Get("cursor")
    limit := 100
    if v := r.URL.Query().Get("limit"); v != "" { fmt.Sscanf(v, "%d", &limit) }
    items, next, err := s.Store.ListWebhookDeliveries(r.Context(), p.Tenant, status, cursor, limit)
    if err != nil { writeProblem(w, 500, "List deliveries failed", err.Error(), r.URL.Path); return }
    writeJSON(w, 200, map[string]any{"items": items, "nextCursor": next})
}

// WebhookDeliveryRetryHandler revives one delivery (admin).
func (s *Server) WebhookDeliveryRetryHandler(w http.ResponseWriter, r *http.Request) {
    if !strings.HasPrefix(r.URL.Path, "/v1/admin/webhook-deliveries/") || !strings.HasSuffix(r.URL.Path, "/retry") { writeProblem(w, 404, "Not Found", "", r.URL.Path); return }
    if r.Method != http.MethodPost { w.WriteHeader(405); return }
    p := s.getPrincipal(r)
    if !p.IsAdmin() { writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path); return }
    id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v1/admin/webhook-deliveries/"), "/retry")
    if err := s.Store.RetryWebhookDelivery(r.Context(), p.Tenant, id); err != nil {
        if errors.Is(err, store.ErrNotFound) { writeProblem(w, 404, "Delivery not found", "", r.URL.Path); return }
        writeProblem(w, 500, "Retry delivery failed", err.Error(), r.URL.Path)
        return
    }
    writeJSON(w, 202, map[string]int{"accepted": 1})
}

// WebhookMetricsHandler aggregates delivery outcomes (admin).
func (s *Server) WebhookMetricsHandler(w http.ResponseWriter, r *http.Request) {
    if r.URL.Path != "/v1/admin/webhook-metrics" || r.Method != http.MethodGet { writeProblem(w, 404, "Not Found", "", r.URL.Path); return }
    p := s.getPrincipal(r)
    if !p.IsAdmin() { writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path); return }
    sinceHours := 24
    if v := r.URL.Query().Get("sinceHours"); v != "" { fmt.Sscanf(v, "%d", &sinceHours) }
    eventType := r.URL.Query().Get("eventType")
    status := r.URL.Query().Get("status")
    codeMin := 0; codeMax := 0
    if v := r.URL.Query().Get("responseCodeMin"); v != "" { fmt.Sscanf(v, "%d", &codeMin) }
    if v := r.URL.Query().Get("responseCodeMax"); v != "" { fmt.Sscanf(v, "%d", &codeMax) }
    if v := r.URL.Query().Get("codeClass"); v != "" && codeMin == 0 && codeMax == 0 {
        switch v {
        case "2xx": codeMin, codeMax = 200, 299
        case "3xx": codeMin, codeMax = 300, 399
        case "4xx": codeMin, codeMax = 400, 499
        case "5xx": codeMin, codeMax = 500, 599
        }
    }
    since := time.Now().Add(-time.Duration(sinceHours) * time.Hour)
    items, err := s.Store.WebhookMetrics(r.Context(), p.Tenant, since, eventType, status, codeMin, codeMax, nil)
    if err != nil { writeProblem(w, 500, "Metrics failed", err.Error(), r.URL.Path); return }
    writeJSON(w, 200, map[string]any{"items": items})
}

// Health
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
    writeJSON(w, 200, map[string]string{"status": "running"})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
    // Check DB connectivity when using the Postgres store
    type pinger interface{ Ping(ctx context.Context) error }
    if pg, ok := s.Store.(pinger); ok {
        ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
        defer cancel()
        if err := pg.Ping(ctx); err != nil { writeProblem(w, 503, "Not Ready", err.Error(), r.URL.Path); return }
    }
    writeJSON(w, 200, map[string]string{"status": "ready"})
}
