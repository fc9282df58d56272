package api

import (
    "encoding/json"
    "net/http"
    "os"
    "time"

    "shuttleplan/internal/buildinfo"
)

func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
    info := map[string]any{
        "build": buildinfo.Info(),
        "time":  time.Now().UTC().Format(time.RFC3339),
        "config": map[string]any{
            "PORT": os.Getenv("PORT"),
            "APP_ENV": os.Getenv("APP_ENV"),
            "AUTH_MODE": os.Getenv("AUTH_MODE"),
            "SOLVE_TIME_BUDGET": os.Getenv("SOLVE_TIME_BUDGET"),
            "PICKUP_TOLERANCE_SEC": os.Getenv("PICKUP_TOLERANCE_SEC"),
            "SOLVE_WORKERS": os.Getenv("SOLVE_WORKERS"),
            "RATE_LIMIT_RPS": os.Getenv("RATE_LIMIT_RPS"),
            "RATE_LIMIT_BURST": os.Getenv("RATE_LIMIT_BURST"),
            "WEBHOOK_MAX_ATTEMPTS": os.Getenv("WEBHOOK_MAX_ATTEMPTS"),
            "HAS_DATABASE_URL": os.Getenv("DATABASE_URL") != "",
            "HAS_REDIS_URL": os.Getenv("REDIS_URL") != "",
        },
    }
    w.Header().Set("Content-Type", "application/json")
    _ = json.NewEncoder(w).Encode(info)
}
