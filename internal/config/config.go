package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const (
	envPrefix         = "RELAY_"
	configPathEnv     = "RELAY_CONFIG_PATH"
	defaultConfigPath = "relay.yaml"
)

type Config struct {
	ListenAddr  string `koanf:"listen_addr"`
	DatabaseURL string `koanf:"database_url"`
	JWTSecret   string `koanf:"jwt_secret"`

	LinkProvider  string `koanf:"link_provider"`
	LinkURL       string `koanf:"link_url"`
	LinkSharedKey string `koanf:"link_shared_key"`

	RedisURL            string `koanf:"redis_url"`
	RedisChannelPattern string `koanf:"redis_channel_pattern"`

	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
	StreamBuffer      int           `koanf:"stream_buffer"`
	DrainTimeout      time.Duration `koanf:"drain_timeout"`

	IdleThreshold    time.Duration `koanf:"idle_threshold"`
	CountdownSeconds int           `koanf:"countdown_seconds"`
	MonitorTick      time.Duration `koanf:"monitor_tick"`

	CommandTimeout          time.Duration `koanf:"command_timeout"`
	CommandRatePerSecond    float64       `koanf:"command_rate_per_second"`
	CommandBurst            int           `koanf:"command_burst"`
	SubscribeLimitPerMinute int           `koanf:"subscribe_limit_per_minute"`

	BreakerFailureThreshold int           `koanf:"breaker_failure_threshold"`
	BreakerOpenTimeout      time.Duration `koanf:"breaker_open_timeout"`

	SessionRetention  time.Duration `koanf:"session_retention"`
	StaleSessionAfter time.Duration `koanf:"stale_session_after"`

	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`
	LogFile   string `koanf:"log_file"`
}

func Defaults() Config {
	return Config{
		ListenAddr:              ":8080",
		LinkProvider:            "fake",
		RedisChannelPattern:     "rustplus:events:*",
		HeartbeatInterval:       30 * time.Second,
		StreamBuffer:            64,
		DrainTimeout:            2 * time.Second,
		IdleThreshold:           10 * time.Minute,
		CountdownSeconds:        10,
		MonitorTick:             time.Second,
		CommandTimeout:          5 * time.Second,
		CommandRatePerSecond:    2,
		CommandBurst:            5,
		SubscribeLimitPerMinute: 30,
		BreakerFailureThreshold: 5,
		BreakerOpenTimeout:      30 * time.Second,
		SessionRetention:        7 * 24 * time.Hour,
		StaleSessionAfter:       24 * time.Hour,
		LogLevel:                "info",
		LogFormat:               "json",
	}
}

// Load layers struct defaults, an optional YAML file and RELAY_* environment
// variables, in that order of increasing precedence.
func Load() (Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}
	if path := configFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// envKey maps RELAY_HEARTBEAT_INTERVAL to heartbeat_interval.
func envKey(s string) string {
	return strings.ToLower(strings.TrimPrefix(s, envPrefix))
}

func configFile() string {
	if p := os.Getenv(configPathEnv); p != "" {
		return p
	}
	if _, err := os.Stat(defaultConfigPath); err == nil {
		return defaultConfigPath
	}
	return ""
}

func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("RELAY_DATABASE_URL is required")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("RELAY_JWT_SECRET is required")
	}
	if c.LinkProvider != "fake" && c.LinkProvider != "ws" {
		return fmt.Errorf("RELAY_LINK_PROVIDER must be one of fake|ws")
	}
	if c.LinkProvider == "ws" && c.LinkURL == "" {
		return fmt.Errorf("RELAY_LINK_URL is required for ws link provider")
	}

	durations := []struct {
		env string
		v   time.Duration
	}{
		{"RELAY_HEARTBEAT_INTERVAL", c.HeartbeatInterval},
		{"RELAY_DRAIN_TIMEOUT", c.DrainTimeout},
		{"RELAY_IDLE_THRESHOLD", c.IdleThreshold},
		{"RELAY_MONITOR_TICK", c.MonitorTick},
		{"RELAY_COMMAND_TIMEOUT", c.CommandTimeout},
		{"RELAY_BREAKER_OPEN_TIMEOUT", c.BreakerOpenTimeout},
		{"RELAY_SESSION_RETENTION", c.SessionRetention},
		{"RELAY_STALE_SESSION_AFTER", c.StaleSessionAfter},
	}
	for _, d := range durations {
		if d.v <= 0 {
			return fmt.Errorf("%s must be positive", d.env)
		}
	}

	counts := []struct {
		env string
		v   int
	}{
		{"RELAY_STREAM_BUFFER", c.StreamBuffer},
		{"RELAY_COUNTDOWN_SECONDS", c.CountdownSeconds},
		{"RELAY_COMMAND_BURST", c.CommandBurst},
		{"RELAY_SUBSCRIBE_LIMIT_PER_MINUTE", c.SubscribeLimitPerMinute},
		{"RELAY_BREAKER_FAILURE_THRESHOLD", c.BreakerFailureThreshold},
	}
	for _, n := range counts {
		if n.v <= 0 {
			return fmt.Errorf("%s must be positive", n.env)
		}
	}
	if c.CommandRatePerSecond <= 0 {
		return fmt.Errorf("RELAY_COMMAND_RATE_PER_SECOND must be positive")
	}
	return nil
}
