package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Store backends
const (
	StorePebble   = "pebble"
	StoreFiles    = "files"
	StorePostgres = "postgres"
)

// Config holds all agent configuration
type Config struct {
	Enabled             bool          `yaml:"enabled"`
	ServerURL           string        `yaml:"server_url"`
	APIKey              string        `yaml:"api_key"`
	ProcessInterval     time.Duration `yaml:"process_interval"`
	StartDelay          time.Duration `yaml:"start_delay"`
	BatchSize           int           `yaml:"batch_size"`
	Store               string        `yaml:"store"`
	StorePath           string        `yaml:"store_path"`
	DatabaseURL         string        `yaml:"database_url"`
	LeaseTimeout        time.Duration `yaml:"lease_timeout"`
	SubmitTimeout       time.Duration `yaml:"submit_timeout"`
	Compress            bool          `yaml:"compress"`
	Port                int           `yaml:"port"`
	LogLevel            string        `yaml:"log_level"`
	DBConnectionTimeout time.Duration `yaml:"db_connection_timeout"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Enabled:             true,
		ProcessInterval:     10 * time.Second,
		StartDelay:          10 * time.Second,
		BatchSize:           50,
		Store:               StorePebble,
		StorePath:           "./data/queue",
		LeaseTimeout:        5 * time.Minute,
		SubmitTimeout:       30 * time.Second,
		Compress:            true,
		Port:                8088,
		LogLevel:            "info",
		DBConnectionTimeout: 5 * time.Second,
	}
}

// helper: read env var as int seconds → convert to duration
func getEnvAsDuration(name string, defaultVal time.Duration) time.Duration {
	if value, exists := os.LookupEnv(name); exists {
		if i, err := strconv.Atoi(value); err == nil {
			return time.Duration(i) * time.Second
		}
	}
	return defaultVal
}

func getEnvAsInt(name string, defaultVal int) int {
	if value, exists := os.LookupEnv(name); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultVal
}

// Only "true" or "false" (case-insensitive) are recognised; anything else
// keeps the default.
func getEnvAsBool(name string, defaultVal bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(name))) {
	case "true":
		return true
	case "false":
		return false
	default:
		return defaultVal
	}
}

func getEnv(name, defaultVal string) string {
	if value, exists := os.LookupEnv(name); exists {
		return value
	}
	return defaultVal
}

// LoadConfig reads .env (if present), then the YAML file named by
// EVENTQUEUE_CONFIG (if set), then environment overrides.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path := os.Getenv("EVENTQUEUE_CONFIG"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	cfg.Enabled = getEnvAsBool("EVENTQUEUE_ENABLED", cfg.Enabled)
	cfg.ServerURL = getEnv("EVENTQUEUE_SERVER_URL", cfg.ServerURL)
	cfg.APIKey = getEnv("EVENTQUEUE_API_KEY", cfg.APIKey)
	cfg.ProcessInterval = getEnvAsDuration("EVENTQUEUE_PROCESS_INTERVAL", cfg.ProcessInterval)
	cfg.StartDelay = getEnvAsDuration("EVENTQUEUE_START_DELAY", cfg.StartDelay)
	cfg.BatchSize = getEnvAsInt("EVENTQUEUE_BATCH_SIZE", cfg.BatchSize)
	cfg.Store = strings.ToLower(getEnv("EVENTQUEUE_STORE", cfg.Store))
	cfg.StorePath = getEnv("EVENTQUEUE_STORE_PATH", cfg.StorePath)
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.LeaseTimeout = getEnvAsDuration("EVENTQUEUE_LEASE_TIMEOUT", cfg.LeaseTimeout)
	cfg.SubmitTimeout = getEnvAsDuration("EVENTQUEUE_SUBMIT_TIMEOUT", cfg.SubmitTimeout)
	cfg.Compress = getEnvAsBool("EVENTQUEUE_COMPRESS", cfg.Compress)
	cfg.Port = getEnvAsInt("PORT", cfg.Port)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.DBConnectionTimeout = getEnvAsDuration("DB_CONNECTION_TIMEOUT", cfg.DBConnectionTimeout)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Validate checks the fields the agent cannot start without.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return errors.New("EVENTQUEUE_SERVER_URL is required")
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid EVENTQUEUE_SERVER_URL: %q", c.ServerURL)
	}
	if c.APIKey == "" {
		return errors.New("EVENTQUEUE_API_KEY is required")
	}
	switch c.Store {
	case StorePebble, StoreFiles:
		if c.StorePath == "" {
			return errors.New("EVENTQUEUE_STORE_PATH is required")
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres store")
		}
	default:
		return fmt.Errorf("invalid EVENTQUEUE_STORE: %q", c.Store)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT: %d", c.Port)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("invalid EVENTQUEUE_BATCH_SIZE: %d", c.BatchSize)
	}
	if c.ProcessInterval <= 0 {
		return fmt.Errorf("invalid EVENTQUEUE_PROCESS_INTERVAL: %s", c.ProcessInterval)
	}
	if c.StartDelay < 0 {
		return fmt.Errorf("invalid EVENTQUEUE_START_DELAY: %s", c.StartDelay)
	}
	return nil
}
