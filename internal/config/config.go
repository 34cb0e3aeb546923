package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/javanstorm/virtmanager/internal/logging"
)

// Config holds the daemon settings.
type Config struct {
	// SocketPath is the Unix socket the RPC server listens on.
	SocketPath string `mapstructure:"socket_path"`

	// SocketMode is the permission mode applied to the socket file.
	SocketMode uint32 `mapstructure:"socket_mode"`

	// LogLevel is the minimum level logged ("debug", "info", "warn", "error").
	LogLevel string `mapstructure:"log_level"`

	// LogDevelopment switches to human-readable console logs.
	LogDevelopment bool `mapstructure:"log_development"`

	// MetricsAddr is the listen address for /metrics; empty disables it.
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	socketPath := "/tmp/virtmanager.sock"
	if paths, err := GetPaths(); err == nil {
		socketPath = paths.SocketPath()
	}

	return &Config{
		SocketPath:     socketPath,
		SocketMode:     0o666,
		LogLevel:       "info",
		LogDevelopment: false,
		MetricsAddr:    "",
	}
}

// Logging returns the logger settings derived from the config.
func (c *Config) Logging() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = c.LogLevel
	cfg.Development = c.LogDevelopment
	return cfg
}

// Load reads configuration from an explicit file (if non-empty), the
// default search paths, VIRTMANAGER_* environment variables and defaults.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	defaults := DefaultConfig()
	v.SetDefault("socket_path", defaults.SocketPath)
	v.SetDefault("socket_mode", defaults.SocketMode)
	v.SetDefault("log_level", defaults.LogLevel)
	v.SetDefault("log_development", defaults.LogDevelopment)
	v.SetDefault("metrics_addr", defaults.MetricsAddr)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if paths, err := GetPaths(); err == nil {
			v.AddConfigPath(paths.ConfigDir)
			v.AddConfigPath(paths.DataDir)
		}
	}

	// Environment variable support: VIRTMANAGER_SOCKET_PATH, VIRTMANAGER_LOG_LEVEL, etc.
	v.SetEnvPrefix("VIRTMANAGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.SocketPath == "" {
		return nil, errors.New("config: socket_path must not be empty")
	}
	return cfg, nil
}
