package solver

import "sync"

type metricsKey struct {
	Tenant string
	PlanID string
}

var (
	metricsMu sync.Mutex
	byPlan    = map[metricsKey]Metrics{}
)

// RecordMetrics keeps the latest run metrics for a tenant's plan in
// process memory, the lookup fallback when no database is configured.
func RecordMetrics(tenant, planID string, m Metrics) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	byPlan[metricsKey{Tenant: tenant, PlanID: planID}] = m
}

// GetMetrics returns the recorded metrics for one plan.
func GetMetrics(tenant, planID string) (Metrics, bool) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	m, ok := byPlan[metricsKey{Tenant: tenant, PlanID: planID}]
	return m, ok
}
