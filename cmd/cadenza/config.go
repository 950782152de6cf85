package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/urfave/cli/v3"
)

const memoryDBPath = ":memory:"

// Config holds all cadenza server configuration.
// Priority: flags > env vars > settings.json > defaults.
type Config struct {
	DBPath         string `json:"db_path"`
	DefinitionsDir string `json:"definitions_dir"`
	LogLevel       string `json:"log_level"`
	LogFormat      string `json:"log_format"`
	PoolSize       int    `json:"pool_size"`
	MetricsAddr    string `json:"metrics_addr"`
	ExpressionLang string `json:"expression_lang"`
}

func defaultConfig() Config {
	return Config{
		DBPath:         filepath.Join(cadenzaDir(), "cadenza.db"),
		DefinitionsDir: filepath.Join(cadenzaDir(), "workflows"),
		LogLevel:       "info",
		LogFormat:      "text",
		PoolSize:       10,
		ExpressionLang: "jq",
	}
}

func cadenzaDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cadenza"
	}
	return filepath.Join(home, ".cadenza")
}

func settingsPath() string {
	return filepath.Join(cadenzaDir(), "settings.json")
}

func loadConfig() (Config, error) {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", settingsPath(), err)
		}
	}

	// Layer 3: env vars override.
	if v := os.Getenv("CADENZA_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("CADENZA_DEFINITIONS_DIR"); v != "" {
		cfg.DefinitionsDir = v
	}
	if v := os.Getenv("CADENZA_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CADENZA_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("CADENZA_POOL_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("CADENZA_POOL_SIZE: %w", err)
		}
		cfg.PoolSize = n
	}
	if v := os.Getenv("CADENZA_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("CADENZA_EXPRESSION_LANG"); v != "" {
		cfg.ExpressionLang = v
	}

	return cfg, nil
}

// applyFlags overrides cfg with the flags set explicitly on cmd.
func (c *Config) applyFlags(cmd *cli.Command) {
	if cmd.IsSet("db-path") {
		c.DBPath = cmd.String("db-path")
	}
	if cmd.IsSet("definitions-dir") {
		c.DefinitionsDir = cmd.String("definitions-dir")
	}
	if cmd.IsSet("log-level") {
		c.LogLevel = cmd.String("log-level")
	}
	if cmd.IsSet("log-format") {
		c.LogFormat = cmd.String("log-format")
	}
	if cmd.IsSet("pool-size") {
		c.PoolSize = int(cmd.Int("pool-size"))
	}
	if cmd.IsSet("metrics-addr") {
		c.MetricsAddr = cmd.String("metrics-addr")
	}
	if cmd.IsSet("expression-lang") {
		c.ExpressionLang = cmd.String("expression-lang")
	}
}

func (c Config) validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.PoolSize <= 0 {
		return fmt.Errorf("pool_size must be positive, got %d", c.PoolSize)
	}
	return nil
}

func (c Config) inMemory() bool {
	return c.DBPath == memoryDBPath
}

// dsn returns the libSQL data source for DBPath. A plain file path gets the
// file: scheme; URLs are passed through.
func (c Config) dsn() string {
	if strings.HasPrefix(c.DBPath, "file:") || strings.Contains(c.DBPath, "://") {
		return c.DBPath
	}
	return "file:" + c.DBPath
}
