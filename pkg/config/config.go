// Package config loads the coordination substrate's configuration surface
// from environment variables (optionally backed by a .env file
// for local development), adapted from the host platform's pkg/config.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"

	"github.com/r3e-network/agent-sentinel/pkg/runtimeenv"
)

// SentinelConfig mirrors the credit sentinel's configuration surface
//.
type SentinelConfig struct {
	GlobalHardCap       int     `env:"GLOBAL_HARD_CAP"`
	CheckpointInterval  int     `env:"CHECKPOINT_INTERVAL"`
	DefaultWallTimeMS   int     `env:"DEFAULT_WALL_TIME_MS"`
	WarnThreshold       float64 `env:"WARN_THRESHOLD"`
	ThrottleThreshold   float64 `env:"THROTTLE_THRESHOLD"`
}

// RuntimeConfig mirrors the agent runtime's configuration surface.
type RuntimeConfig struct {
	CancellationGraceMS int `env:"CANCELLATION_GRACE_MS"`
	MaxRestarts         int `env:"MAX_RESTARTS"`
}

// BusConfig selects and configures the message bus implementation.
type BusConfig struct {
	Mode             string `env:"BUS_MODE"`
	BrokerBootstrap  string `env:"BROKER_BOOTSTRAP"`
	PolarityThreshold float64 `env:"POLARITY_THRESHOLD"`
}

// AuditConfig selects the sentinel's audit trail sink.
type AuditConfig struct {
	Sink string `env:"AUDIT_SINK"`
}

// DatabaseConfig configures the optional Postgres-backed snapshot store.
type DatabaseConfig struct {
	SnapshotDSN string `env:"SNAPSHOT_DATABASE_DSN"`
}

// LoggingConfig controls the logrus-based service logger.
type LoggingConfig struct {
	Level  string `env:"LOG_LEVEL"`
	Format string `env:"LOG_FORMAT"`
}

// Config is the top-level configuration structure for cmd/orchestrator.
type Config struct {
	Sentinel SentinelConfig
	Runtime  RuntimeConfig
	Bus      BusConfig
	Audit    AuditConfig
	Database DatabaseConfig
	Logging  LoggingConfig
}

// New returns a Config populated with its documented defaults.
func New() *Config {
	return &Config{
		Sentinel: SentinelConfig{
			GlobalHardCap:      1_000_000,
			CheckpointInterval: 50,
			DefaultWallTimeMS:  45_000,
			WarnThreshold:      0.80,
			ThrottleThreshold:  0.95,
		},
		Runtime: RuntimeConfig{
			CancellationGraceMS: 5_000,
			MaxRestarts:         3,
		},
		Bus: BusConfig{
			Mode:              "mock",
			PolarityThreshold: -0.5,
		},
		Audit: AuditConfig{
			Sink: "csv:audit.csv",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads a .env file if present, then decodes environment overrides onto
// the defaults and validates the result.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()
	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	// envdecode leaves zero-valued floats alone when the var is unset, but an
	// explicit "0" should still be honored; ParseEnvFloat distinguishes
	// "unset" from "set to 0" so the documented default only applies to the
	// former.
	if _, ok := runtimeenv.ParseEnvFloat("POLARITY_THRESHOLD"); !ok {
		cfg.Bus.PolarityThreshold = -0.5
	}

	return cfg, cfg.Validate()
}

// Validate enforces the invariants the config surface requires; violations
// are ErrCodeConfiguration-class (fatal at startup, exit code 3).
func (c *Config) Validate() error {
	if c.Sentinel.GlobalHardCap <= 0 {
		return fmt.Errorf("config: GLOBAL_HARD_CAP must be positive, got %d", c.Sentinel.GlobalHardCap)
	}
	if c.Sentinel.CheckpointInterval <= 0 {
		return fmt.Errorf("config: CHECKPOINT_INTERVAL must be positive, got %d", c.Sentinel.CheckpointInterval)
	}
	if c.Sentinel.WarnThreshold <= 0 || c.Sentinel.WarnThreshold >= 1 {
		return fmt.Errorf("config: WARN_THRESHOLD must be in (0,1), got %v", c.Sentinel.WarnThreshold)
	}
	if c.Sentinel.ThrottleThreshold <= c.Sentinel.WarnThreshold || c.Sentinel.ThrottleThreshold >= 1 {
		return fmt.Errorf("config: THROTTLE_THRESHOLD must be in (WARN_THRESHOLD,1), got %v", c.Sentinel.ThrottleThreshold)
	}
	switch c.Bus.Mode {
	case "mock", "broker":
	default:
		return fmt.Errorf("config: BUS_MODE must be 'mock' or 'broker', got %q", c.Bus.Mode)
	}
	if c.Bus.Mode == "broker" && strings.TrimSpace(c.Bus.BrokerBootstrap) == "" {
		return fmt.Errorf("config: BROKER_BOOTSTRAP is required when BUS_MODE=broker")
	}
	if !strings.HasPrefix(c.Audit.Sink, "csv:") && !strings.HasPrefix(c.Audit.Sink, "topic:") {
		return fmt.Errorf("config: AUDIT_SINK must be 'csv:<path>' or 'topic:<name>', got %q", c.Audit.Sink)
	}
	if c.Bus.PolarityThreshold < -1 || c.Bus.PolarityThreshold > 1 {
		return fmt.Errorf("config: POLARITY_THRESHOLD must be in [-1,1], got %v", c.Bus.PolarityThreshold)
	}
	return nil
}

// ParseBoolValue parses common truthy env-var spellings; unrecognized values are false.
func ParseBoolValue(raw string) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return v
}
