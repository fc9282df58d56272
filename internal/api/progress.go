package api

import (
	"sync"

	"shuttleplan/internal/model"
)

// ProgressCache keeps the latest solve progress per tenant/plan so polling
// clients get an answer even when they miss the stream.
type ProgressCache struct {
	mu sync.Mutex
	// key: tenant|planId
	m map[string]model.ProgressEvent
}

// NewProgressCache constructs a ProgressCache.
func NewProgressCache() *ProgressCache { return &ProgressCache{m: map[string]model.ProgressEvent{}} }

func (c *ProgressCache) key(tenant, planID string) string {
	return tenant + "|" + planID
}

// Upsert stores the newest progress event for a plan.
func (c *ProgressCache) Upsert(tenant string, evt model.ProgressEvent) {
	if tenant == "" || evt.PlanID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[c.key(tenant, evt.PlanID)] = evt
}

// Latest returns the newest progress event for a plan, if any.
func (c *ProgressCache) Latest(tenant, planID string) (model.ProgressEvent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	evt, ok := c.m[c.key(tenant, planID)]
	return evt, ok
}
