// Package config loads the process configuration. Precedence is built-in
// defaults, then an optional CONFIG_FILE yaml document, then environment
// variables. The loaded Config is treated as immutable; per-tenant and
// per-request tuning happens above this layer.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	App      AppConfig      `yaml:"app"`
	Solver   SolverConfig   `yaml:"solver"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	API      APIConfig      `yaml:"api"`
	Webhooks WebhookConfig  `yaml:"webhooks"`
}

type AppConfig struct {
	Name      string `yaml:"name"`
	Env       string `yaml:"env"`
	Port      int    `yaml:"port"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// SolverConfig carries the process-wide solve defaults. Tenant overlays
// and request options may narrow these per run.
type SolverConfig struct {
	TimeBudget      time.Duration `yaml:"time_budget"`
	PickupTolerance int64         `yaml:"pickup_tolerance_sec"`
	Workers         int           `yaml:"workers"`
	StaleLimit      int           `yaml:"stale_limit"`
	PenaltyReset    int           `yaml:"penalty_reset"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

type APIConfig struct {
	RateRPS   float64 `yaml:"rate_rps"`
	RateBurst int     `yaml:"rate_burst"`
}

type WebhookConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Interval    time.Duration `yaml:"interval"`
}

func defaults() *Config {
	return &Config{
		App: AppConfig{
			Name:      "shuttleplan",
			Env:       "development",
			Port:      8080,
			LogLevel:  "info",
			LogFormat: "json",
		},
		Solver: SolverConfig{
			TimeBudget:      30 * time.Second,
			PickupTolerance: 900,
			Workers:         1,
			StaleLimit:      2000,
			PenaltyReset:    40,
		},
		API: APIConfig{
			RateRPS:   20,
			RateBurst: 40,
		},
		Webhooks: WebhookConfig{
			MaxAttempts: 10,
			Interval:    time.Second,
		},
	}
}

// Load builds the configuration from defaults, CONFIG_FILE, and the
// environment, in that order.
func Load() (*Config, error) {
	cfg := defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides whatever the file layer produced. Passing the current
// value as the fallback makes every variable optional.
func (c *Config) applyEnv() {
	c.App.Name = getEnv("APP_NAME", c.App.Name)
	c.App.Env = getEnv("APP_ENV", c.App.Env)
	c.App.Port = getEnvInt("PORT", c.App.Port)
	c.App.LogLevel = getEnv("LOG_LEVEL", c.App.LogLevel)
	c.App.LogFormat = getEnv("LOG_FORMAT", c.App.LogFormat)

	c.Solver.TimeBudget = getEnvDuration("SOLVE_TIME_BUDGET", c.Solver.TimeBudget)
	c.Solver.PickupTolerance = getEnvInt64("PICKUP_TOLERANCE_SEC", c.Solver.PickupTolerance)
	c.Solver.Workers = getEnvInt("SOLVE_WORKERS", c.Solver.Workers)
	c.Solver.StaleLimit = getEnvInt("SOLVE_STALE_LIMIT", c.Solver.StaleLimit)
	c.Solver.PenaltyReset = getEnvInt("SOLVE_PENALTY_RESET", c.Solver.PenaltyReset)

	c.Database.URL = getEnv("DATABASE_URL", c.Database.URL)
	c.Redis.URL = getEnv("REDIS_URL", c.Redis.URL)

	c.API.RateRPS = getEnvFloat("RATE_LIMIT_RPS", c.API.RateRPS)
	c.API.RateBurst = getEnvInt("RATE_LIMIT_BURST", c.API.RateBurst)

	c.Webhooks.MaxAttempts = getEnvInt("WEBHOOK_MAX_ATTEMPTS", c.Webhooks.MaxAttempts)
	c.Webhooks.Interval = getEnvDuration("WEBHOOK_INTERVAL", c.Webhooks.Interval)
}

func (c *Config) validate() error {
	if c.App.Port <= 0 || c.App.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.App.Port)
	}
	if c.Solver.TimeBudget <= 0 {
		return fmt.Errorf("config: solve time budget must be positive")
	}
	if c.Solver.PickupTolerance <= 0 {
		return fmt.Errorf("config: pickup tolerance must be positive")
	}
	if c.Solver.Workers < 0 {
		return fmt.Errorf("config: workers must not be negative")
	}
	return nil
}

func (c *Config) IsDevelopment() bool { return c.App.Env == "development" }
func (c *Config) IsProduction() bool  { return c.App.Env == "production" }

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
