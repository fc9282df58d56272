package main

import (
    "bufio"
    "fmt"
    "net"
    "net/http"
    "strconv"
    "strings"
    "time"

    "github.com/joho/godotenv"
    "github.com/prometheus/client_golang/prometheus/promhttp"

    "shuttleplan/internal/api"
    "shuttleplan/internal/config"
    "shuttleplan/internal/logging"
    "shuttleplan/internal/metrics"
)

func main() {
    _ = godotenv.Load()

    cfg, err := config.Load()
    if err != nil {
        logging.Get().Fatal().Err(err).Msg("failed to load config")
    }
    logging.Init(cfg.App.LogLevel, cfg.App.LogFormat)
    log := logging.Component("main")
    metrics.RegisterDefault()

    srvDeps, err := api.NewServer(cfg)
    if err != nil {
        log.Fatal().Err(err).Msg("failed to init server")
    }

    mux := http.NewServeMux()

    // Optimization
    mux.HandleFunc("/v1/optimize", srvDeps.RateLimit(srvDeps.OptimizeHandler))
    mux.HandleFunc("/v1/optimizer/config", srvDeps.OptimizerConfigHandler)
    mux.HandleFunc("/v1/admin/optimizer/config", srvDeps.AdminOptimizerConfigHandler)

    // Plans
    mux.HandleFunc("/v1/plans", srvDeps.PlansHandler)
    mux.HandleFunc("/v1/plans/", srvDeps.PlanByIDHandler) // includes /metrics, /progress, /events/stream

    // Subscriptions
    mux.HandleFunc("/v1/subscriptions", srvDeps.SubscriptionsHandler)
    mux.HandleFunc("/v1/subscriptions/", srvDeps.SubscriptionByIDHandler)

    // Health
    mux.HandleFunc("/healthz", srvDeps.HealthHandler)
    mux.HandleFunc("/readyz", srvDeps.ReadyHandler)

    // Admin
    mux.HandleFunc("/v1/admin/webhook-deliveries", srvDeps.WebhookDeliveriesHandler)
    mux.HandleFunc("/v1/admin/webhook-deliveries/", srvDeps.WebhookDeliveryRetryHandler)
    mux.HandleFunc("/v1/admin/webhook-metrics", srvDeps.WebhookMetricsHandler)

    // Observability and docs
    mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
    mux.HandleFunc("/debug/info", srvDeps.DebugJSON)
    mux.HandleFunc("/openapi.yaml", srvDeps.OpenAPIHandler)
    mux.HandleFunc("/docs", srvDeps.DocsHandler)
    mux.HandleFunc("/swagger", srvDeps.SwaggerHandler)

    // GraphQL query endpoint and WebSocket subscriptions
    mux.HandleFunc("/graphql", srvDeps.GraphQLHTTPHandler)
    mux.HandleFunc("/graphql/ws", srvDeps.GraphQLWSHandler)

    addr := fmt.Sprintf(":%d", cfg.App.Port)

    srv := &http.Server{
        Addr:              addr,
        Handler:           requestLog(mux),
        ReadHeaderTimeout: 5 * time.Second,
    }

    // Start webhook worker
    if srvDeps.Pub != nil {
        worker := srvDeps.NewWebhookWorker()
        worker.Start()
    }
    log.Info().Str("addr", addr).Str("env", cfg.App.Env).Msg("API listening")
    if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
        log.Fatal().Err(err).Msg("server error")
    }
}

// statusWriter records the response code and keeps streaming working:
// SSE needs Flush, the WebSocket upgrade needs Hijack.
type statusWriter struct {
    http.ResponseWriter
    status int
}

func (w *statusWriter) WriteHeader(code int) { w.status = code; w.ResponseWriter.WriteHeader(code) }

func (w *statusWriter) Write(b []byte) (int, error) {
    if w.status == 0 { w.status = http.StatusOK }
    return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Flush() {
    if f, ok := w.ResponseWriter.(http.Flusher); ok { f.Flush() }
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
    if h, ok := w.ResponseWriter.(http.Hijacker); ok { return h.Hijack() }
    return nil, nil, http.ErrNotSupported
}

// metricPath collapses ids so the per-path metric labels stay bounded.
func metricPath(p string) string {
    for _, pre := range []string{"/v1/plans/", "/v1/subscriptions/", "/v1/admin/webhook-deliveries/"} {
        if strings.HasPrefix(p, pre) {
            rest := strings.TrimPrefix(p, pre)
            if i := strings.IndexByte(rest, '/'); i >= 0 { return pre + ":id" + rest[i:] }
            return pre + ":id"
        }
    }
    return p
}

func requestLog(next http.Handler) http.Handler {
    log := logging.Component("http")
    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        start := time.Now()
        sw := &statusWriter{ResponseWriter: w}
        next.ServeHTTP(sw, r)
        if sw.status == 0 { sw.status = http.StatusOK }
        dur := time.Since(start)
        path := metricPath(r.URL.Path)
        status := strconv.Itoa(sw.status)
        metrics.HTTPRequests.WithLabelValues(r.Method, path, status).Inc()
        metrics.HTTPDuration.WithLabelValues(r.Method, path, status).Observe(dur.Seconds())
        log.Info().
            Str("method", r.Method).
            Str("path", r.URL.Path).
            Int("status", sw.status).
            Dur("duration", dur).
            Str("remote", r.RemoteAddr).
            Msg("request")
    })
}
