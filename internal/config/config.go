// Package config loads process configuration from an optional config file
// and STAGEHAND_* environment variables, and builds the process logger.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	defaultListenAddr     = ":8080"
	defaultDBPath         = "stagehand.db"
	defaultLogLevel       = "info"
	defaultLogFormat      = "json"
	defaultInputCacheSize = 1024

	envPrefix = "STAGEHAND"
)

// Config holds application configuration.
type Config struct {
	ListenAddr                 string        `mapstructure:"listen_addr"`
	DBPath                     string        `mapstructure:"db_path"`
	LogLevel                   string        `mapstructure:"log_level"`
	LogFormat                  string        `mapstructure:"log_format"`
	StrictVersions             bool          `mapstructure:"strict_versions"`
	RaiseInstrumentationErrors bool          `mapstructure:"raise_instrumentation_errors"`
	InputCacheSize             int           `mapstructure:"input_cache_size"`
	RunTimeout                 time.Duration `mapstructure:"run_timeout"`
	AllowedOrigins             []string      `mapstructure:"allowed_origins"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", defaultListenAddr)
	v.SetDefault("db_path", defaultDBPath)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("log_format", defaultLogFormat)
	v.SetDefault("strict_versions", true)
	v.SetDefault("raise_instrumentation_errors", false)
	v.SetDefault("input_cache_size", defaultInputCacheSize)
	v.SetDefault("run_timeout", time.Duration(0))
	v.SetDefault("allowed_origins", []string{"*"})
}

// Load reads configuration with sensible defaults. Values come from, in
// increasing priority: defaults, the config file at path (skipped when path
// is empty), and STAGEHAND_<KEY> environment variables.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.InputCacheSize <= 0 {
		cfg.InputCacheSize = defaultInputCacheSize
	}
	return cfg, nil
}

// ParseLogLevel maps a level name to a slog level, defaulting to info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured logger writing to w at the given level.
// format "text" selects the text handler; anything else is JSON.
func NewLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
