// Pelorus - Multi-Source Position Tracking and Fusion
// Copyright 2026 Pelorus Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pelorus-nav/pelorus

// Package config provides layered configuration for Pelorus via Koanf v2.
//
// Precedence (highest wins): environment variables > config file > defaults.
package config

import (
	"time"
)

// Config is the root configuration for the Pelorus server.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Logging   LoggingConfig   `koanf:"logging"`
	Database  DatabaseConfig  `koanf:"database"`
	NATS      NATSConfig      `koanf:"nats"`
	Sources   []SourceConfig  `koanf:"sources"`
	Fusion    FusionConfig    `koanf:"fusion"`
	Quality   QualityConfig   `koanf:"quality"`
	Breaker   BreakerConfig   `koanf:"breaker"`
	Batch     BatchConfig     `koanf:"batch"`
	DLQ       DLQConfig       `koanf:"dlq"`
	Connector ConnectorConfig `koanf:"connector"`
}

// ServerConfig holds the admin HTTP server settings.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port" validate:"gte=1,lte=65535"`
	Timeout         time.Duration `koanf:"timeout"`
	RateLimitReqs   int           `koanf:"rate_limit_reqs"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
	CORSOrigins     []string      `koanf:"cors_origins"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// DatabaseConfig holds DuckDB settings.
type DatabaseConfig struct {
	Path      string `koanf:"path" validate:"required"`
	MaxMemory string `koanf:"max_memory"`
	Threads   int    `koanf:"threads"`
}

// NATSConfig holds the publish bus settings.
type NATSConfig struct {
	Enabled        bool          `koanf:"enabled"`
	URL            string        `koanf:"url"`
	EmbeddedServer bool          `koanf:"embedded"`
	StoreDir       string        `koanf:"store_dir"`
	MaxMemory      int64         `koanf:"max_memory"`
	MaxStore       int64         `koanf:"max_store"`
	StreamName     string        `koanf:"stream_name"`
	MaxReconnects  int           `koanf:"max_reconnects"`
	ReconnectWait  time.Duration `koanf:"reconnect_wait"`
}

// SourceConfig describes one external position feed.
type SourceConfig struct {
	// Name is the unique source tag attached to every report from this feed.
	Name string `koanf:"name" validate:"required"`

	// URL is the websocket endpoint of the live stream.
	URL string `koanf:"url" validate:"required"`

	// Class is the object class this feed reports: vessel or aircraft.
	Class string `koanf:"class" validate:"oneof=vessel aircraft"`

	// BaselineWeight is the configured trust baseline in [floor, ceiling].
	BaselineWeight float64 `koanf:"baseline_weight" validate:"gte=0,lte=1"`

	// Primary marks the default feed for its class. The merger treats
	// primary and extra sources uniformly once tagged.
	Primary bool `koanf:"primary"`

	Enabled bool `koanf:"enabled"`

	// ReadRatePerSecond caps how many messages per second the connector
	// consumes from this feed. 0 means unlimited.
	ReadRatePerSecond float64 `koanf:"read_rate_per_second"`
}

// FusionConfig controls windowing and candidate scoring.
type FusionConfig struct {
	WindowSize      time.Duration `koanf:"window_size" validate:"gt=0"`
	AllowedLateness time.Duration `koanf:"allowed_lateness" validate:"gte=0"`

	// RecencyHorizon is the report age at which the recency factor reaches zero.
	RecencyHorizon time.Duration `koanf:"recency_horizon" validate:"gt=0"`

	// Scoring weights. Tuned constants, deliberately configurable.
	RecencyWeight      float64 `koanf:"recency_weight" validate:"gte=0,lte=1"`
	TrustWeight        float64 `koanf:"trust_weight" validate:"gte=0,lte=1"`
	PlausibilityWeight float64 `koanf:"plausibility_weight" validate:"gte=0,lte=1"`
}

// QualityConfig controls the source quality tracker.
type QualityConfig struct {
	WeightFloor   float64 `koanf:"weight_floor" validate:"gte=0,lte=1"`
	WeightCeiling float64 `koanf:"weight_ceiling" validate:"gte=0,lte=1"`

	// ErrorRateThreshold is the rolling error rate above which a source
	// is demoted.
	ErrorRateThreshold float64 `koanf:"error_rate_threshold" validate:"gt=0,lte=1"`

	// DemotionWindow is the detection window over which the error rate is
	// measured. Cooldown is separately configurable on purpose.
	DemotionWindow time.Duration `koanf:"demotion_window" validate:"gt=0"`

	// Cooldown is how long a demoted source must stay clean before its
	// weight recovers toward baseline.
	Cooldown time.Duration `koanf:"cooldown" validate:"gt=0"`

	// OutcomeWindowSize bounds the rolling outcome history per source.
	OutcomeWindowSize int `koanf:"outcome_window_size" validate:"gt=0"`
}

// BreakerConfig controls the persistence gateway circuit breakers.
type BreakerConfig struct {
	FailureThreshold int           `koanf:"failure_threshold" validate:"gt=0"`
	SuccessThreshold int           `koanf:"success_threshold" validate:"gt=0"`
	ResetTimeout     time.Duration `koanf:"reset_timeout" validate:"gt=0"`
}

// BatchConfig controls the batch writer.
type BatchConfig struct {
	Size          int           `koanf:"size" validate:"gt=0"`
	FlushInterval time.Duration `koanf:"flush_interval" validate:"gt=0"`
}

// DLQConfig controls the dead letter queue.
type DLQConfig struct {
	MaxRetries     int           `koanf:"max_retries" validate:"gt=0"`
	SweepInterval  time.Duration `koanf:"sweep_interval" validate:"gt=0"`
	InitialBackoff time.Duration `koanf:"initial_backoff" validate:"gt=0"`
	MaxBackoff     time.Duration `koanf:"max_backoff"`
	JitterFraction float64       `koanf:"jitter_fraction" validate:"gte=0,lte=1"`
	MaxEntries     int           `koanf:"max_entries" validate:"gt=0"`

	// DeadRetention is how long dead entries are kept for operator review
	// before the sweeper ages them out. 0 disables automatic cleanup.
	DeadRetention time.Duration `koanf:"dead_retention" validate:"gte=0"`
}

// ConnectorConfig controls stream connector reconnection behavior.
type ConnectorConfig struct {
	MaxReconnectionAttempts int           `koanf:"max_reconnection_attempts" validate:"gt=0"`
	ReconnectWait           time.Duration `koanf:"reconnect_wait" validate:"gt=0"`
	HandshakeTimeout        time.Duration `koanf:"handshake_timeout"`
	ReadTimeout             time.Duration `koanf:"read_timeout"`
}

// defaultConfig returns a Config with production defaults. Defaults are
// applied first, then overridden by the config file and environment.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8460,
			Timeout:         30 * time.Second,
			RateLimitReqs:   100,
			RateLimitWindow: time.Minute,
			CORSOrigins:     []string{"*"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
		Database: DatabaseConfig{
			Path:      "/data/pelorus.duckdb",
			MaxMemory: "2GB",
			Threads:   0, // 0 = use runtime.NumCPU()
		},
		NATS: NATSConfig{
			Enabled:        true,
			URL:            "nats://127.0.0.1:4222",
			EmbeddedServer: true,
			StoreDir:       "/data/nats/jetstream",
			MaxMemory:      1 << 30,  // 1GB
			MaxStore:       10 << 30, // 10GB
			StreamName:     "POSITIONS",
			MaxReconnects:  10,
			ReconnectWait:  2 * time.Second,
		},
		Sources: nil, // must be configured; empty means nothing to ingest
		Fusion: FusionConfig{
			WindowSize:         30 * time.Second,
			AllowedLateness:    10 * time.Second,
			RecencyHorizon:     10 * time.Minute,
			RecencyWeight:      0.5,
			TrustWeight:        0.3,
			PlausibilityWeight: 0.2,
		},
		Quality: QualityConfig{
			WeightFloor:        0.1,
			WeightCeiling:      1.0,
			ErrorRateThreshold: 0.5,
			DemotionWindow:     2 * time.Minute,
			Cooldown:           5 * time.Minute,
			OutcomeWindowSize:  100,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 3,
			ResetTimeout:     30 * time.Second,
		},
		Batch: BatchConfig{
			Size:          200,
			FlushInterval: 2 * time.Second,
		},
		DLQ: DLQConfig{
			MaxRetries:     5,
			SweepInterval:  2 * time.Minute,
			InitialBackoff: 5 * time.Second,
			MaxBackoff:     10 * time.Minute,
			JitterFraction: 0.1,
			MaxEntries:     10000,
			DeadRetention:  7 * 24 * time.Hour,
		},
		Connector: ConnectorConfig{
			MaxReconnectionAttempts: 10,
			ReconnectWait:           5 * time.Second,
			HandshakeTimeout:        10 * time.Second,
			ReadTimeout:             90 * time.Second,
		},
	}
}
