package api

import (
    "net/http"
    "sync"

    "golang.org/x/time/rate"
)

// tenantLimiter hands out one token bucket per tenant. Buckets are created
// lazily and never expire; the tenant set is small in practice.
type tenantLimiter struct {
    mu    sync.Mutex
    rps   rate.Limit
    burst int
    m     map[string]*rate.Limiter
}

func newTenantLimiter(rps float64, burst int) *tenantLimiter {
    if rps <= 0 { rps = 20 }
    if burst <= 0 { burst = 40 }
    return &tenantLimiter{rps: rate.Limit(rps), burst: burst, m: map[string]*rate.Limiter{}}
}

func (l *tenantLimiter) allow(tenant string) bool {
    l.mu.Lock()
    lim, ok := l.m[tenant]
    if !ok {
        lim = rate.NewLimiter(l.rps, l.burst)
        l.m[tenant] = lim
    }
    l.mu.Unlock()
    return lim.Allow()
}

// RateLimit rejects requests over the per-tenant budget with 429.
func (s *Server) RateLimit(next http.HandlerFunc) http.HandlerFunc {
    return func(w http.ResponseWriter, r *http.Request) {
        p := s.getPrincipal(r)
        if !s.limits.allow(p.Tenant) {
            writeProblem(w, http.StatusTooManyRequests, "Rate limit exceeded", "too many requests for tenant; retry later", r.URL.Path)
            return
        }
        next(w, r)
    }
}
