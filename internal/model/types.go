package model

import (
    "time"

    "shuttleplan/internal/solver"
)

// Wire types for the optimize API. Field names follow the dispatch feed
// format: snake_case, times as integer seconds of day.

type Job struct {
    PickupNode  int   `json:"pickup_node"`
    DropoffNode int   `json:"dropoff_node"`
    Passengers  int64 `json:"passengers"`
    PickupTime  int64 `json:"pickup_time"`
}

type Driver struct {
    ID         string `json:"id"`
    Name       string `json:"name"`
    Phone      string `json:"phone"`
    StartIdx   int    `json:"start_idx"`
    EndIdx     int    `json:"end_idx"`
    Capacity   int64  `json:"capacity"`
    ShiftStart int64  `json:"shift_start"`
    ShiftEnd   int64  `json:"shift_end"`
}

// SolveOptions tunes one run. Every field is optional; omitted fields fall
// back to the tenant overlay and then the process config.
type SolveOptions struct {
    PlanID             string `json:"plan_id,omitempty"`
    TimeBudgetMs       int    `json:"time_budget_ms,omitempty"`
    PickupToleranceSec int64  `json:"pickup_tolerance_sec,omitempty"`
    Workers            int    `json:"workers,omitempty"`
}

type OptimizeRequest struct {
    Jobs       []Job         `json:"jobs"`
    Drivers    []Driver      `json:"drivers"`
    TimeMatrix [][]int64     `json:"time_matrix"`
    Options    *SolveOptions `json:"options,omitempty"`
}

type Stop struct {
    Node        int   `json:"node"`
    ArrivalTime int64 `json:"arrival_time"`
}

type DriverRoute struct {
    DriverID    string `json:"driver_id"`
    DriverName  string `json:"driver_name"`
    DriverPhone string `json:"driver_phone"`
    Route       []Stop `json:"route"`
}

type OptimizeResponse struct {
    Status    string        `json:"status"`
    PlanID    string        `json:"plan_id,omitempty"`
    TotalCost int64         `json:"total_cost"`
    Routes    []DriverRoute `json:"routes"`
}

// Plan statuses
const (
    PlanSuccess    = "success"
    PlanInfeasible = "infeasible"
    PlanFailed     = "failed"
)

// Plan is one stored optimization result. Listings carry plans without
// their routes.
type Plan struct {
    ID        string        `json:"id"`
    TenantID  string        `json:"tenant_id"`
    Status    string        `json:"status"`
    Jobs      int           `json:"jobs"`
    Drivers   int           `json:"drivers"`
    Cost      int64         `json:"cost"`
    Detail    string        `json:"detail,omitempty"`
    Routes    []DriverRoute `json:"routes,omitempty"`
    ElapsedMs int64         `json:"elapsed_ms"`
    CreatedAt time.Time     `json:"created_at"`
}

// SolveMetrics is the per-plan search report exposed on the plans API.
type SolveMetrics struct {
    PlanID       string             `json:"plan_id"`
    Iterations   int                `json:"iterations"`
    Improvements int                `json:"improvements"`
    PenaltyBumps int                `json:"penalty_bumps"`
    Restarts     int                `json:"restarts"`
    Workers      int                `json:"workers"`
    InitialCost  int64              `json:"initial_cost"`
    BestCost     int64              `json:"best_cost"`
    ElapsedMs    int64              `json:"elapsed_ms"`
    Snapshots    []ProgressSnapshot `json:"snapshots,omitempty"`
}

type ProgressSnapshot struct {
    Iteration int   `json:"iteration"`
    BestCost  int64 `json:"best_cost"`
    ElapsedMs int64 `json:"elapsed_ms"`
}

// ProgressEvent is streamed to subscribers while a plan is being solved.
type ProgressEvent struct {
    PlanID    string `json:"plan_id"`
    Iteration int    `json:"iteration"`
    BestCost  int64  `json:"best_cost"`
    ElapsedMs int64  `json:"elapsed_ms"`
    Done      bool   `json:"done,omitempty"`
    Status    string `json:"status,omitempty"`
}

// OptimizerConfig is the per-tenant overlay over the process defaults.
// Zero fields inherit.
type OptimizerConfig struct {
    TimeBudgetMs       int   `json:"time_budget_ms,omitempty"`
    PickupToleranceSec int64 `json:"pickup_tolerance_sec,omitempty"`
    Workers            int   `json:"workers,omitempty"`
    StaleLimit         int   `json:"stale_limit,omitempty"`
}

// Webhook subscriptions
type SubscriptionRequest struct {
    URL    string   `json:"url"`
    Events []string `json:"events"`
    Secret string   `json:"secret"`
}

type Subscription struct {
    ID       string   `json:"id"`
    TenantID string   `json:"tenant_id"`
    URL      string   `json:"url"`
    Events   []string `json:"events"`
    Secret   string   `json:"secret,omitempty"`
}

// Problem converts the request into a solver instance. Wire validation
// happens at the API edge; the solver re-checks the structural rules.
func (r OptimizeRequest) Problem() solver.Problem {
    p := solver.Problem{
        Matrix:   solver.Matrix(r.TimeMatrix),
        Jobs:     make([]solver.Job, len(r.Jobs)),
        Vehicles: make([]solver.Vehicle, len(r.Drivers)),
    }
    for i, j := range r.Jobs {
        p.Jobs[i] = solver.Job{
            PickupNode:  j.PickupNode,
            DropoffNode: j.DropoffNode,
            Passengers:  j.Passengers,
            PickupTime:  j.PickupTime,
        }
    }
    for i, d := range r.Drivers {
        p.Vehicles[i] = solver.Vehicle{
            ID:         d.ID,
            Name:       d.Name,
            Phone:      d.Phone,
            StartNode:  d.StartIdx,
            EndNode:    d.EndIdx,
            Capacity:   d.Capacity,
            ShiftStart: d.ShiftStart,
            ShiftEnd:   d.ShiftEnd,
        }
    }
    return p
}

// RoutesFrom flattens a solution into wire routes, one per active driver.
func RoutesFrom(sol solver.Solution) []DriverRoute {
    out := make([]DriverRoute, 0, len(sol.Routes))
    for _, r := range sol.Routes {
        dr := DriverRoute{
            DriverID:    r.Vehicle.ID,
            DriverName:  r.Vehicle.Name,
            DriverPhone: r.Vehicle.Phone,
            Route:       make([]Stop, len(r.Stops)),
        }
        for i, s := range r.Stops {
            dr.Route[i] = Stop{Node: s.Node, ArrivalTime: s.Arrival}
        }
        out = append(out, dr)
    }
    return out
}

// MetricsFrom mirrors solver metrics onto the wire shape.
func MetricsFrom(planID string, m solver.Metrics) SolveMetrics {
    sm := SolveMetrics{
        PlanID:       planID,
        Iterations:   m.Iterations,
        Improvements: m.Improvements,
        PenaltyBumps: m.PenaltyBumps,
        Restarts:     m.Restarts,
        Workers:      m.Workers,
        InitialCost:  m.InitialCost,
        BestCost:     m.BestCost,
        ElapsedMs:    m.ElapsedMs,
    }
    for _, s := range m.Snapshots {
        sm.Snapshots = append(sm.Snapshots, ProgressSnapshot{
            Iteration: s.Iteration,
            BestCost:  s.BestCost,
            ElapsedMs: s.ElapsedMs,
        })
    }
    return sm
}
