// Package config loads unity-cache settings from the environment.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix is prepended to every variable name.
const EnvPrefix = "UNITY_CACHE_"

// Config holds settings read from UNITY_CACHE_* variables. The CLI uses
// them as flag defaults, so flags take precedence.
type Config struct {
	Address        string        `env:"ADDRESS" envDefault:"0.0.0.0:8126"`
	StoragePath    string        `env:"STORAGE_PATH" envDefault:".cache_fs"`
	StorageMode    string        `env:"STORAGE_MODE" envDefault:"fs"`
	Compression    string        `env:"COMPRESSION" envDefault:"none"`
	MaxStreamSize  int64         `env:"MAX_STREAM_SIZE" envDefault:"268435456"`
	ReadTimeout    time.Duration `env:"READ_TIMEOUT" envDefault:"30s"`
	IdleTimeout    time.Duration `env:"IDLE_TIMEOUT" envDefault:"0s"`
	MaxConnections int           `env:"MAX_CONNECTIONS" envDefault:"0"`
	OpsAddress     string        `env:"OPS_ADDRESS"`
	OpsAuthToken   string        `env:"OPS_AUTH_TOKEN"`
	MetricsEnabled bool          `env:"METRICS_ENABLED" envDefault:"false"`
	OTLPEndpoint   string        `env:"OTLP_ENDPOINT"`
	LogLevel       string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat      string        `env:"LOG_FORMAT" envDefault:"text"`
}

// Load reads the configuration from the process environment.
func Load() (Config, error) {
	return parse(env.Options{Prefix: EnvPrefix})
}

// LoadFrom reads the configuration from the given variables instead of
// the process environment.
func LoadFrom(environ map[string]string) (Config, error) {
	return parse(env.Options{Prefix: EnvPrefix, Environment: environ})
}

func parse(opts env.Options) (Config, error) {
	cfg, err := env.ParseAsWithOptions[Config](opts)
	if err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if _, err := ParseLevel(cfg.LogLevel); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Vars returns the configuration as kong interpolation variables, keyed
// by the flag names that use them as defaults.
func (c Config) Vars() map[string]string {
	return map[string]string{
		"address":         c.Address,
		"storage_path":    c.StoragePath,
		"storage_mode":    c.StorageMode,
		"compression":     c.Compression,
		"max_stream_size": fmt.Sprint(c.MaxStreamSize),
		"read_timeout":    c.ReadTimeout.String(),
		"idle_timeout":    c.IdleTimeout.String(),
		"max_connections": fmt.Sprint(c.MaxConnections),
		"ops_address":     c.OpsAddress,
		"ops_auth_token":  c.OpsAuthToken,
		"metrics_enabled": fmt.Sprint(c.MetricsEnabled),
		"otlp_endpoint":   c.OTLPEndpoint,
		"log_level":       c.LogLevel,
		"log_format":      c.LogFormat,
	}
}

// ParseLevel converts a level name into a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level: %s", s)
	}
}
