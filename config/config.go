// Package config loads flowd settings from a YAML file and the environment.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the configuration for the flow server.
type Config struct {
	Database struct {
		URL      string `mapstructure:"url"`
		MaxConns int32  `mapstructure:"max_conns"`
	} `mapstructure:"database"`
	Server struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"server"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
	Trigger struct {
		DebounceWindow time.Duration `mapstructure:"debounce_window"`
		PurgeAfter     time.Duration `mapstructure:"purge_after"`
	} `mapstructure:"trigger"`
	Events struct {
		Retention time.Duration `mapstructure:"retention"`
	} `mapstructure:"events"`
}

// Load reads the configuration from path, if non-empty, and the environment.
// Environment variables use the FLOW_ prefix with underscores for dots
// (FLOW_SERVER_ADDR); DATABASE_URL is honoured as well.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("FLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("database.url", "FLOW_DATABASE_URL", "DATABASE_URL"); err != nil {
		return nil, fmt.Errorf("config: bind env: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("server.addr", ":3000")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("trigger.debounce_window", 1500*time.Millisecond)
	v.SetDefault("trigger.purge_after", 60*time.Second)
	v.SetDefault("events.retention", 10*time.Minute)
}

// NewLogger builds a logger writing to w at the given level ("debug", "info",
// "warn", "error") in "text" or "json" format. Unknown levels mean info.
func NewLogger(level, format string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
