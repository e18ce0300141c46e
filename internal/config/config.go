package config

import (
	"context"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config holds runtime configuration for the runboard API service.
type Config struct {
	Addr           string        `env:"ADDR,default=:8080"`
	DBDSN          string        `env:"DB_DSN,required"`
	NATSURL        string        `env:"NATS_URL"`
	RegistryPath   string        `env:"TASK_REGISTRY,default=tasks.yaml"`
	OTLPEndpoint   string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	AllowedOrigins []string      `env:"CORS_ALLOWED_ORIGINS,default=http://localhost:5173"`
	SyncWindow     time.Duration `env:"RUN_SYNC_WINDOW,default=1s"`
	LiveWindow     time.Duration `env:"STREAM_LIVE_WINDOW,default=30s"`
	PingInterval   time.Duration `env:"STREAM_PING_INTERVAL,default=15s"`
	MaxLogDelay    time.Duration `env:"STREAM_MAX_LOG_DELAY,default=5s"`
}

// Load returns a Config populated from environment variables.
func Load(ctx context.Context) (Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
