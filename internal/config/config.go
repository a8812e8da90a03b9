// Package config содержит логику чтения конфигурации сервиса бонусного реестра.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	defaultRunAddress    = "localhost:8080"
	defaultAuditSchedule = "@every 1h"
	defaultRateLimitRPS  = 20
)

// Config содержит параметры конфигурации сервиса бонусного реестра.
type Config struct {
	RunAddress       string        `env:"RUN_ADDRESS"`
	DatabaseURI      string        `env:"DATABASE_URI"`
	RedisAddr        string        `env:"REDIS_ADDR"`
	NotifyWebhookURL string        `env:"NOTIFY_WEBHOOK_URL"`
	NotifyChannel    string        `env:"NOTIFY_CHANNEL" envDefault:"bonus-ledger.notifications"`
	AuthSecret       string        `env:"AUTH_SECRET"`
	AuditSchedule    string        `env:"RECONCILE_SCHEDULE"`
	RateLimitRPS     float64       `env:"RATE_LIMIT_RPS"`
	SettingsCacheTTL time.Duration `env:"SETTINGS_CACHE_TTL" envDefault:"30s"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Значения из окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	fromEnv := *cfg

	flag.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.RedisAddr, "r", "", "redis address for settings cache and notifications")
	flag.StringVar(&cfg.NotifyWebhookURL, "n", "", "notification webhook URL")
	flag.StringVar(&cfg.AuthSecret, "s", "", "token signing secret")
	flag.StringVar(&cfg.AuditSchedule, "c", defaultAuditSchedule, "reconciliation audit cron schedule")
	flag.Float64Var(&cfg.RateLimitRPS, "l", defaultRateLimitRPS, "per-client request rate limit, 0 disables")

	flag.Parse()

	if fromEnv.RunAddress != "" {
		cfg.RunAddress = fromEnv.RunAddress
	}
	if fromEnv.DatabaseURI != "" {
		cfg.DatabaseURI = fromEnv.DatabaseURI
	}
	if fromEnv.RedisAddr != "" {
		cfg.RedisAddr = fromEnv.RedisAddr
	}
	if fromEnv.NotifyWebhookURL != "" {
		cfg.NotifyWebhookURL = fromEnv.NotifyWebhookURL
	}
	if fromEnv.AuthSecret != "" {
		cfg.AuthSecret = fromEnv.AuthSecret
	}
	if fromEnv.AuditSchedule != "" {
		cfg.AuditSchedule = fromEnv.AuditSchedule
	}
	if fromEnv.RateLimitRPS != 0 {
		cfg.RateLimitRPS = fromEnv.RateLimitRPS
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = defaultRunAddress
	}
	if cfg.AuditSchedule == "" {
		cfg.AuditSchedule = defaultAuditSchedule
	}

	return cfg, nil
}
