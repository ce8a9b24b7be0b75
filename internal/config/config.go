// Package config loads the YAML configuration with env-var overrides and
// watches the file for hot-reloadable keys.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the process configuration. Zero config must be runnable; every
// field has a default.
type Config struct {
	Host      string         `yaml:"host"`
	Port      int            `yaml:"port"`
	Database  DatabaseConfig `yaml:"database"`
	Logging   LoggingConfig  `yaml:"logging"`
	Upstream  UpstreamConfig `yaml:"upstream"`
	Bootstrap bool           `yaml:"bootstrap"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	ToFile bool   `yaml:"to_file"`
}

// UpstreamConfig overrides provider base URLs and the non-streaming timeout.
type UpstreamConfig struct {
	OpenAIBaseURL  string `yaml:"openai_base_url"`
	GeminiBaseURL  string `yaml:"gemini_base_url"`
	ClaudeBaseURL  string `yaml:"claude_base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Default returns the zero-config defaults.
func Default() *Config {
	return &Config{
		Host: "0.0.0.0",
		Port: 8081,
		Database: DatabaseConfig{
			Path: "./data/anygate.db",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Upstream: UpstreamConfig{
			TimeoutSeconds: 60,
		},
		Bootstrap: true,
	}
}

// Load reads the config file (missing file is fine) and applies env-var
// overrides. A .env file is honored when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Run on defaults.
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("ANYGATE_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("ANYGATE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Port = port
		}
	}
	if v := os.Getenv("ANYGATE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("ANYGATE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("ANYGATE_LOG_TO_FILE"); v != "" {
		cfg.Logging.ToFile = isTrue(v)
	}
	if v := os.Getenv("ANYGATE_BOOTSTRAP"); v != "" {
		cfg.Bootstrap = isTrue(v)
	}
	if v := os.Getenv("ANYGATE_OPENAI_BASE_URL"); v != "" {
		cfg.Upstream.OpenAIBaseURL = v
	}
	if v := os.Getenv("ANYGATE_GEMINI_BASE_URL"); v != "" {
		cfg.Upstream.GeminiBaseURL = v
	}
	if v := os.Getenv("ANYGATE_CLAUDE_BASE_URL"); v != "" {
		cfg.Upstream.ClaudeBaseURL = v
	}
}

func isTrue(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
