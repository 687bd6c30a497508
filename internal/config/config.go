// Package config содержит логику чтения конфигурации сервиса биллинга.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса биллинга консультаций.
type Config struct {
	RunAddress      string        `env:"RUN_ADDRESS"`
	DatabaseURI     string        `env:"DATABASE_URI"`
	ProfileAddress  string        `env:"PROFILE_SERVICE_ADDRESS"`
	NotifierAddress string        `env:"NOTIFIER_ADDRESS"`
	MeterInterval   time.Duration `env:"METER_INTERVAL"`
	WarningWindow   time.Duration `env:"LOW_BALANCE_WARNING_WINDOW"`
	RequestedTTL    time.Duration `env:"REQUESTED_SESSION_TTL"`
	AuthSecret      string        `env:"AUTH_SECRET"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Значения из окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envProfileAddress := cfg.ProfileAddress
	envNotifierAddress := cfg.NotifierAddress
	envMeterInterval := cfg.MeterInterval
	envWarningWindow := cfg.WarningWindow
	envRequestedTTL := cfg.RequestedTTL
	envAuthSecret := cfg.AuthSecret

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.ProfileAddress, "p", "", "profile service address")
	flag.StringVar(&cfg.NotifierAddress, "n", "", "notifier service address")
	flag.DurationVar(&cfg.MeterInterval, "i", time.Second, "metering sweep interval")
	flag.DurationVar(&cfg.WarningWindow, "w", 2*time.Minute, "low balance warning window")
	flag.DurationVar(&cfg.RequestedTTL, "t", 2*time.Minute, "grace period for unconfirmed sessions")
	flag.StringVar(&cfg.AuthSecret, "s", "consultbilling-secret", "secret for auth cookies")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envProfileAddress != "" {
		cfg.ProfileAddress = envProfileAddress
	}
	if envNotifierAddress != "" {
		cfg.NotifierAddress = envNotifierAddress
	}
	if envMeterInterval != 0 {
		cfg.MeterInterval = envMeterInterval
	}
	if envWarningWindow != 0 {
		cfg.WarningWindow = envWarningWindow
	}
	if envRequestedTTL != 0 {
		cfg.RequestedTTL = envRequestedTTL
	}
	if envAuthSecret != "" {
		cfg.AuthSecret = envAuthSecret
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.MeterInterval <= 0 {
		cfg.MeterInterval = time.Second
	}
	if cfg.WarningWindow <= 0 {
		cfg.WarningWindow = 2 * time.Minute
	}
	if cfg.RequestedTTL <= 0 {
		cfg.RequestedTTL = 2 * time.Minute
	}

	return cfg, nil
}
