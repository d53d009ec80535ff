// Package config loads the process configuration from the environment.
package config

import (
	"errors"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/Flo-63/gratulo-sub000/pkg/db"
	"github.com/Flo-63/gratulo-sub000/pkg/logger"
	"github.com/Flo-63/gratulo-sub000/pkg/mailer/resend"
	"github.com/Flo-63/gratulo-sub000/pkg/redis"
)

var ErrFailedToLoad = errors.New("config: failed to load environment")

// Config is the full process configuration.
type Config struct {
	Logger logger.Config
	DB     db.Config
	Redis  redis.Config
	Resend resend.Config

	HTTP  HTTPConfig
	Queue QueueConfig

	// Timezone the scheduler computes logical dates in.
	Timezone string `env:"TIMEZONE" envDefault:"Europe/Berlin"`
}

// HTTPConfig holds the management API server settings.
type HTTPConfig struct {
	Addr            string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"10s"`
	WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"15s"`
}

// QueueConfig holds the delivery queue consumer settings.
type QueueConfig struct {
	ConsumerInterval time.Duration `env:"QUEUE_CONSUMER_INTERVAL" envDefault:"2m"`
	MaxBatch         int           `env:"QUEUE_MAX_BATCH" envDefault:"50"`
	RateLimit        int64         `env:"QUEUE_RATE_LIMIT" envDefault:"40"`
	RateWindow       time.Duration `env:"QUEUE_RATE_WINDOW" envDefault:"1m"`
}

// Load parses the environment into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, errors.Join(ErrFailedToLoad, err)
	}
	return cfg, nil
}
