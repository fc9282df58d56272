package api

import (
	"fmt"
	"shuttleplan/internal/model"
	"strings"
)

// validateOptimizeRequest checks the wire-only rules before the request
// reaches the solver. Structural rules about nodes, windows, and capacity
// live in the solver's own validation, which reports InvalidInputError.
func validateOptimizeRequest(req *model.OptimizeRequest) error {
	if len(req.TimeMatrix) == 0 {
		return fmt.Errorf("time_matrix is required")
	}
	if len(req.Drivers) == 0 {
		return fmt.Errorf("at least one driver is required")
	}
	seen := map[string]struct{}{}
	for i, d := range req.Drivers {
		id := strings.TrimSpace(d.ID)
		if id == "" {
			return fmt.Errorf("driver %d: id is required", i)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("driver %d: duplicate id %q", i, id)
		}
		seen[id] = struct{}{}
	}
	if req.Options != nil {
		o := req.Options
		if o.TimeBudgetMs < 0 {
			return fmt.Errorf("options.time_budget_ms must be >= 0")
		}
		if o.TimeBudgetMs > 300000 {
			return fmt.Errorf("options.time_budget_ms must be at most 300000")
		}
		if o.PickupToleranceSec < 0 {
			return fmt.Errorf("options.pickup_tolerance_sec must be >= 0")
		}
		if o.Workers < 0 || o.Workers > 16 {
			return fmt.Errorf("options.workers must be in [0,16]")
		}
		if len(o.PlanID) > 128 {
			return fmt.Errorf("options.plan_id must be at most 128 characters")
		}
		if strings.ContainsAny(o.PlanID, " \t\n/") {
			return fmt.Errorf("options.plan_id must not contain whitespace or slashes")
		}
	}
	return nil
}

// validateSubscriptionRequest checks a webhook subscription before it is
// stored.
func validateSubscriptionRequest(req *model.SubscriptionRequest) error {
	if !strings.HasPrefix(req.URL, "http://") && !strings.HasPrefix(req.URL, "https://") {
		return fmt.Errorf("url must be http(s)")
	}
	if len(req.Events) == 0 {
		return fmt.Errorf("at least one event is required")
	}
	for _, e := range req.Events {
		if e != "plan.completed" && e != "plan.infeasible" {
			return fmt.Errorf("unknown event type: %s (allowed: plan.completed, plan.infeasible)", e)
		}
	}
	return nil
}

// validateOptimizerConfig bounds the tenant overlay values.
func validateOptimizerConfig(cfg *model.OptimizerConfig) error {
	if cfg.TimeBudgetMs < 0 || cfg.TimeBudgetMs > 300000 {
		return fmt.Errorf("time_budget_ms must be in [0,300000]")
	}
	if cfg.PickupToleranceSec < 0 {
		return fmt.Errorf("pickup_tolerance_sec must be >= 0")
	}
	if cfg.Workers < 0 || cfg.Workers > 16 {
		return fmt.Errorf("workers must be in [0,16]")
	}
	if cfg.StaleLimit < 0 {
		return fmt.Errorf("stale_limit must be >= 0")
	}
	return nil
}
