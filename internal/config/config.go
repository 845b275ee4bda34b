// Package config loads process configuration from the environment. Policy
// knobs (limits, quotas, timings) live here and are injected into the core;
// the core itself never decides policy.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	ListenAddr  string `env:"LISTEN_ADDR" envDefault:":8080"`
	DatabaseURL string `env:"DATABASE_URL"`

	QuestionMaxLen  int `env:"QUESTION_MAX_LEN" envDefault:"280"`
	SubmissionQuota int `env:"SUBMISSION_QUOTA" envDefault:"5"`

	OutboundQueueCap int           `env:"OUTBOUND_QUEUE_CAP" envDefault:"32"`
	RoomGrace        time.Duration `env:"ROOM_GRACE" envDefault:"30s"`
	SnapshotTimeout  time.Duration `env:"SNAPSHOT_TIMEOUT" envDefault:"5s"`

	StoreRetryAttempts int           `env:"STORE_RETRY_ATTEMPTS" envDefault:"3"`
	StoreRetryBackoff  time.Duration `env:"STORE_RETRY_BACKOFF" envDefault:"100ms"`
}

// Load reads .env if present, then the environment. DatabaseURL may be empty;
// the server then runs on the in-memory store.
func Load() (Config, error) {
	_ = godotenv.Load()

	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if c.OutboundQueueCap < 1 {
		return Config{}, fmt.Errorf("OUTBOUND_QUEUE_CAP must be at least 1, got %d", c.OutboundQueueCap)
	}
	return c, nil
}
