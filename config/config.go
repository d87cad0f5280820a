package config

import (
	"fmt"
	"log/slog"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

type Config struct {
	Env      string `env:"ENV" envDefault:"local" validate:"required,oneof=local staging production"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`

	DatabaseDSN  string `env:"DATABASE_DSN,required" validate:"required"`
	PartitionKey string `env:"PARTITION_KEY" envDefault:"default" validate:"required"`
	TablePrefix  string `env:"TABLE_PREFIX"`

	MaxPayloadKiB int `env:"MAX_PAYLOAD_KIB" envDefault:"16" validate:"min=1,max=1024"`

	RescuerIntervalMin int  `env:"RESCUER_INTERVAL_MIN" envDefault:"30" validate:"min=1,max=1440"`
	StaleHorizonMin    int  `env:"STALE_HORIZON_MIN" envDefault:"60" validate:"min=1,max=10080"`
	RescuerBatchSize   int  `env:"RESCUER_BATCH_SIZE" envDefault:"100" validate:"min=1,max=1000"`
	RescuerRunOnStart  bool `env:"RESCUER_RUN_ON_START" envDefault:"false"`
	RescuerDisabled    bool `env:"RESCUER_DISABLED" envDefault:"false"`

	LeaderHeartbeatSec int `env:"LEADER_HEARTBEAT_SEC" envDefault:"10" validate:"min=1,max=60"`
	LeaderLeaseSec     int `env:"LEADER_LEASE_SEC" envDefault:"30" validate:"min=5,max=300"`

	MetricsPort string `env:"METRICS_PORT" envDefault:"9090"`
}

func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
