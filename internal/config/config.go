// Copyright 2025 The Everflow Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	env "github.com/caarlos0/env/v11"
)

// Mode selects debug (human logs) or release (JSON + OTLP) behavior.
type Mode string

const (
	ModeDebug   Mode = "debug"
	ModeRelease Mode = "release"
)

// Config holds the complete server configuration.
type Config struct {
	Service string       `json:"service_name" env:"APP_NAME" envDefault:"everflow"`
	Version string       `json:"version"      env:"VERSION"  envDefault:"v0.1.0"`
	Mode    Mode         `json:"mode"         env:"MODE"     envDefault:"debug"`
	NATS    NATSConfig   `json:"nats"         envPrefix:"NATS_"`
	Worker  WorkerConfig `json:"worker"       envPrefix:"WORKER_"`
	Logger  LoggerConfig `json:"logger"       envPrefix:"LOG_"`
}

// WorkerConfig bounds task dispatch.
type WorkerConfig struct {
	// Concurrency caps the number of tasks progressed at once.
	Concurrency int `json:"concurrency" env:"CONCURRENCY" envDefault:"64"`

	// DrainTimeout bounds how long shutdown waits for in-flight
	// executions to reach their next suspension point.
	DrainTimeout time.Duration `json:"drain_timeout" env:"DRAIN_TIMEOUT" envDefault:"30s"`
}

// LoggerConfig mirrors the logger package options.
type LoggerConfig struct {
	Level        string `env:"LEVEL"         envDefault:"info"` // debug|info|warn|error
	OTELExporter string `env:"OTEL_EXPORTER" envDefault:"none"` // none|otlp-http|otlp-grpc
}

func Load() (*Config, error) {
	cfg := Config{
		NATS: NATSConfig{
			Host:          DefaultNATSHost,
			Port:          DefaultNATSPort,
			MaxReconnects: DefaultMaxReconnects,
			ReconnectWait: DefaultReconnectWait,
			DrainTimeout:  DefaultDrainTimeout,
			PingInterval:  DefaultPingInterval,
			MaxPingsOut:   DefaultMaxPingsOut,
			ClientName:    "everflow",
		},
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, err
	}

	if cfg.NATS.URL == "" {
		cfg.NATS.URL = fmt.Sprintf("nats://%s:%s", cfg.NATS.Host, cfg.NATS.Port)
	}

	return &cfg, nil
}

func (c *Config) ServiceName() string { return c.Service }
func (c *Config) GetVersion() string  { return c.Version }

func (c *Config) LogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.Logger.Level)) {
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
