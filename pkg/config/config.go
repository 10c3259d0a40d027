// Package config defines the marketd configuration, populated from a TOML
// file and then optionally overridden by MARKETD_* environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the root configuration structure.
type Config struct {
	Server   ServerConfig `toml:"server"`
	DB       DBConfig     `toml:"db"`
	LogLevel string       `toml:"log_level"`
}

// ServerConfig holds the HTTP listener parameters.
type ServerConfig struct {
	Port           int      `toml:"port"`
	CORSOrigins    []string `toml:"cors_origins"`
	RateLimitRPS   float64  `toml:"rate_limit_rps"`
	RateLimitBurst int      `toml:"rate_limit_burst"`
}

// DBConfig holds the sqlite database location and the migrations source URL.
type DBConfig struct {
	Path           string `toml:"path"`
	MigrationsPath string `toml:"migrations_path"`
}

// Default returns the configuration used when no file and no overrides are
// present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           8780,
			CORSOrigins:    []string{"*"},
			RateLimitRPS:   20,
			RateLimitBurst: 40,
		},
		DB: DBConfig{
			Path:           "marketd.db",
			MigrationsPath: "file://pkg/marketstore/migrations",
		},
		LogLevel: "info",
	}
}

// Load reads the TOML file at path (skipped when path is empty) on top of
// the defaults, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("decode config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("MARKETD_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Server.Port = n
		}
	}
	if v := os.Getenv("MARKETD_CORS_ORIGINS"); v != "" {
		c.Server.CORSOrigins = strings.Split(v, ",")
	}
	if v := os.Getenv("MARKETD_DB_PATH"); v != "" {
		c.DB.Path = v
	}
	if v := os.Getenv("MARKETD_DB_MIGRATIONS"); v != "" {
		c.DB.MigrationsPath = v
	}
	if v := os.Getenv("MARKETD_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.DB.Path == "" {
		return fmt.Errorf("db path must not be empty")
	}
	if c.DB.MigrationsPath == "" {
		return fmt.Errorf("db migrations path must not be empty")
	}
	return nil
}
