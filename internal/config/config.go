// Package config loads the coordinator's YAML configuration file, with
// environment-variable overrides and XDG-compliant default paths.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration object.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Session   SessionConfig   `yaml:"session"`
	Transport TransportConfig `yaml:"transport"`
	Sync      SyncConfig      `yaml:"sync"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Backend   BackendConfig   `yaml:"backend"`
}

// ServerConfig controls the HTTP/WebSocket listener.
type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	MetricsPort    int           `yaml:"metrics_port"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`
}

// SessionConfig controls SessionRegistry behavior.
type SessionConfig struct {
	DefaultMaxMembers int           `yaml:"default_max_members"`
	IdleTTL           time.Duration `yaml:"idle_ttl"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	EmptyGraceTTL     time.Duration `yaml:"empty_grace_ttl"`
}

// TransportConfig controls the TransportEngine tick loop.
type TransportConfig struct {
	TickPeriod time.Duration `yaml:"tick_period"`
	MinTempo   int           `yaml:"min_tempo_bpm"`
	MaxTempo   int           `yaml:"max_tempo_bpm"`
}

// SyncConfig controls the clock-sync/latency-probe protocol.
type SyncConfig struct {
	ProbeCount        int           `yaml:"probe_count"`
	ProbeInterval     time.Duration `yaml:"probe_interval"`
	DriftThresholdMs  int64         `yaml:"drift_threshold_ms"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
}

// RateLimitConfig holds the per-event-kind token bucket defaults.
type RateLimitConfig struct {
	PositionSyncRate  float64 `yaml:"position_sync_rate"`
	PositionSyncBurst int     `yaml:"position_sync_burst"`
	TempoChangeRate   float64 `yaml:"tempo_change_rate"`
	TempoChangeBurst  int     `yaml:"tempo_change_burst"`
	JoinRate          float64 `yaml:"join_rate"`
	JoinBurst         int     `yaml:"join_burst"`
	ViolationLimit    int     `yaml:"violation_limit"`
}

// BackendConfig selects and configures the Store backend.
type BackendConfig struct {
	// Kind is "redis" or "memory". Empty means "try redis, fall back to memory".
	Kind                string        `yaml:"kind"`
	RedisAddr           string        `yaml:"redis_addr"`
	RedisPassword       string        `yaml:"redis_password"`
	RedisDB             int           `yaml:"redis_db"`
	ReconnectInterval   time.Duration `yaml:"reconnect_interval"`
	ReconnectMaxRetries int           `yaml:"reconnect_max_retries"`
}

// Load reads a YAML config file at path, applying environment overrides on
// top of the parsed values.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// LoadOrDefault loads config from path, or returns the default config (with
// env overrides applied) if the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		applyEnvOverrides(cfg)
		return cfg, nil
	}
	return Load(path)
}

// Default returns the coordinator's default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			MetricsPort:  9090,
			DrainTimeout: 2 * time.Second,
		},
		Session: SessionConfig{
			DefaultMaxMembers: 8,
			IdleTTL:           30 * time.Minute,
			SweepInterval:     5 * time.Minute,
			EmptyGraceTTL:     60 * time.Second,
		},
		Transport: TransportConfig{
			TickPeriod: 100 * time.Millisecond,
			MinTempo:   40,
			MaxTempo:   300,
		},
		Sync: SyncConfig{
			ProbeCount:        5,
			ProbeInterval:     30 * time.Second,
			DriftThresholdMs:  25,
			HeartbeatInterval: 15 * time.Second,
			HeartbeatTimeout:  45 * time.Second,
		},
		RateLimit: RateLimitConfig{
			PositionSyncRate:  50,
			PositionSyncBurst: 10,
			TempoChangeRate:   5,
			TempoChangeBurst:  2,
			JoinRate:          2,
			JoinBurst:         1,
			ViolationLimit:    10,
		},
		Backend: BackendConfig{
			Kind:                "",
			RedisAddr:           "127.0.0.1:6379",
			ReconnectInterval:   5 * time.Second,
			ReconnectMaxRetries: 12,
		},
	}
}

// applyEnvOverrides lets operators override the handful of values that are
// typically deployment-specific (port, backend address/credentials)
// without editing the YAML file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("COORDINATOR_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = n
		}
	}
	if v := os.Getenv("COORDINATOR_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("COORDINATOR_BACKEND"); v != "" {
		cfg.Backend.Kind = v
	}
	if v := os.Getenv("COORDINATOR_REDIS_ADDR"); v != "" {
		cfg.Backend.RedisAddr = v
	}
	if v := os.Getenv("COORDINATOR_REDIS_PASSWORD"); v != "" {
		cfg.Backend.RedisPassword = v
	}
	if v := os.Getenv("COORDINATOR_MAX_MEMBERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Session.DefaultMaxMembers = n
		}
	}
}

func defaultConfigDir() string {
	if value := os.Getenv("XDG_CONFIG_HOME"); value != "" {
		return value
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(homeDir, ".config")
}

// DefaultConfigPath returns the default XDG-compliant config file path.
func DefaultConfigPath() string {
	return filepath.Join(defaultConfigDir(), "session-coordinator", "config.yaml")
}

// Diff compares two configs and returns human-readable descriptions of what
// changed, for the subset of fields that are safe to apply at runtime
// without restarting the listener (rate limits, session/transport/sync
// timings). Server.Port and Backend.Kind changes require a restart and are
// intentionally not reported here.
func Diff(old, new *Config) []string {
	var changes []string

	if old.Session.DefaultMaxMembers != new.Session.DefaultMaxMembers {
		changes = append(changes, fmt.Sprintf("session.default_max_members: %d -> %d", old.Session.DefaultMaxMembers, new.Session.DefaultMaxMembers))
	}
	if old.Session.IdleTTL != new.Session.IdleTTL {
		changes = append(changes, fmt.Sprintf("session.idle_ttl: %s -> %s", old.Session.IdleTTL, new.Session.IdleTTL))
	}
	if old.Transport.TickPeriod != new.Transport.TickPeriod {
		changes = append(changes, fmt.Sprintf("transport.tick_period: %s -> %s", old.Transport.TickPeriod, new.Transport.TickPeriod))
	}
	if old.Sync.DriftThresholdMs != new.Sync.DriftThresholdMs {
		changes = append(changes, fmt.Sprintf("sync.drift_threshold_ms: %d -> %d", old.Sync.DriftThresholdMs, new.Sync.DriftThresholdMs))
	}
	if old.RateLimit != new.RateLimit {
		changes = append(changes, "rate_limit: configuration changed")
	}

	return changes
}
