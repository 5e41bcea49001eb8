package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"failsafe-dispatch/internal/failsafe"
)

type Env string

const (
	EnvProd Env = "prod"
	EnvDev  Env = "dev"
)

func (e Env) IsValid() bool {
	switch e {
	case EnvProd, EnvDev:
		return true
	}
	return false
}

type GeoBackend string

const (
	GeoBackendSQL   GeoBackend = "sql"
	GeoBackendRedis GeoBackend = "redis"
)

func (g GeoBackend) IsValid() bool {
	switch g {
	case GeoBackendSQL, GeoBackendRedis:
		return true
	}
	return false
}

type Config struct {
	APIServerHost         string        `env:"API_SERVER_HOST"`
	APIServerPort         string        `env:"API_SERVER_PORT" envDefault:"8080"`
	Env                   Env           `env:"ENV" envDefault:"prod"`
	DatabaseDriver        string        `env:"DATABASE_DRIVER" envDefault:"sqlite"`
	DatabaseDSN           string        `env:"DATABASE_DSN" envDefault:"failsafe.db"`
	RedisHost             string        `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort             string        `env:"REDIS_PORT" envDefault:"6379"`
	RedisHeartbeatChannel string        `env:"REDIS_HEARTBEAT_CHANNEL" envDefault:"failsafe:heartbeats"`
	RedisOversightChannel string        `env:"REDIS_OVERSIGHT_CHANNEL" envDefault:"failsafe:oversight"`
	GeoIndexBackend       GeoBackend    `env:"GEO_INDEX_BACKEND" envDefault:"sql"`
	InitialRadiusMeters   float64       `env:"INITIAL_RADIUS_METERS" envDefault:"5000"`
	EscalatedRadiusMeters float64       `env:"ESCALATED_RADIUS_METERS" envDefault:"10000"`
	FreshnessWindow       time.Duration `env:"FRESHNESS_WINDOW" envDefault:"60s"`
	EscalationTimeout     time.Duration `env:"ESCALATION_TIMEOUT" envDefault:"30s"`
	EscalationMaxAttempts int           `env:"ESCALATION_MAX_ATTEMPTS" envDefault:"3"`
	EscalationBackoff     time.Duration `env:"ESCALATION_RETRY_BACKOFF" envDefault:"500ms"`
	ShutdownTimeout       time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

func New() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if !c.Env.IsValid() {
		return fmt.Errorf("invalid env variable (must be 'prod' or 'dev')")
	}
	if c.DatabaseDriver != "sqlite" && c.DatabaseDriver != "postgres" {
		return fmt.Errorf("invalid DATABASE_DRIVER %q (must be 'sqlite' or 'postgres')", c.DatabaseDriver)
	}
	if !c.GeoIndexBackend.IsValid() {
		return fmt.Errorf("invalid GEO_INDEX_BACKEND %q (must be 'sql' or 'redis')", c.GeoIndexBackend)
	}
	if c.InitialRadiusMeters <= 0 {
		return fmt.Errorf("INITIAL_RADIUS_METERS must be positive")
	}
	if c.EscalatedRadiusMeters <= c.InitialRadiusMeters {
		return fmt.Errorf("ESCALATED_RADIUS_METERS must be greater than INITIAL_RADIUS_METERS")
	}
	if c.FreshnessWindow <= 0 || c.EscalationTimeout <= 0 {
		return fmt.Errorf("FRESHNESS_WINDOW and ESCALATION_TIMEOUT must be positive")
	}
	if c.EscalationMaxAttempts < 1 {
		return fmt.Errorf("ESCALATION_MAX_ATTEMPTS must be at least 1")
	}
	return nil
}

// DispatchOptions maps the configuration onto the dispatch engine options.
func (c *Config) DispatchOptions() failsafe.Options {
	opts := failsafe.DefaultOptions()
	opts.InitialRadius = c.InitialRadiusMeters
	opts.EscalatedRadius = c.EscalatedRadiusMeters
	opts.Freshness = c.FreshnessWindow
	opts.EscalationTimeout = c.EscalationTimeout
	opts.MaxAttempts = c.EscalationMaxAttempts
	opts.RetryBackoff = c.EscalationBackoff
	return opts
}
