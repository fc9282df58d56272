package api

import (
    "context"
    "os"
    "strings"

    "shuttleplan/internal/auth"
    "shuttleplan/internal/config"
    "shuttleplan/internal/store"
    "shuttleplan/internal/webhooks"
)

type Server struct {
    Cfg      *config.Config
    Store    store.Store
    Pub      *webhooks.Publisher
    Auth     *auth.Verifier
    Broker   EventBroker
    Progress *ProgressCache
    limits   *tenantLimiter
}

// NewServer creates a Server. Without a database URL it uses the in-memory store.
func NewServer(cfg *config.Config) (*Server, error) {
    if cfg == nil {
        c, err := config.Load()
        if err != nil {
            return nil, err
        }
        cfg = c
    }
    var s store.Store
    if strings.TrimSpace(cfg.Database.URL) == "" {
        s = store.NewMemory()
    } else {
        sp, err := store.NewPostgres(cfg.Database.URL)
        if err != nil {
            return nil, err
        }
        if os.Getenv("DB_MIGRATE") != "false" {
            if err := sp.Migrate(context.Background(), "db/migrations"); err != nil {
                return nil, err
            }
        }
        s = sp
    }
    var broker EventBroker
    if cfg.Redis.URL != "" {
        if rb, err := NewRedisBroker(cfg.Redis.URL); err == nil { broker = rb } else { broker = NewBroker() }
    } else {
        broker = NewBroker()
    }
    return &Server{
        Cfg:      cfg,
        Store:    s,
        Pub:      webhooks.NewPublisher(s),
        Auth:     auth.NewVerifierFromEnv(),
        Broker:   broker,
        Progress: NewProgressCache(),
        limits:   newTenantLimiter(cfg.API.RateRPS, cfg.API.RateBurst),
    }, nil
}

// NewWebhookWorker creates a background worker for webhook deliveries.
func (s *Server) NewWebhookWorker() *webhooks.Worker {
    return webhooks.NewWorker(s.Store, s.Cfg.Webhooks.MaxAttempts, s.Cfg.Webhooks.Interval)
}
