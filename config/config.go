// config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Store       StoreConfig       `yaml:"store"`
	Confessions ConfessionsConfig `yaml:"confessions"`
	Messages    MessagesConfig    `yaml:"messages"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Log         LogConfig         `yaml:"log"`
}

type ServerConfig struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	BaseURL string `yaml:"base_url"`
}

type StoreConfig struct {
	Type   string       `yaml:"type"`
	SQLite SQLiteConfig `yaml:"sqlite"`
	Redis  RedisConfig  `yaml:"redis"`
}

type SQLiteConfig struct {
	// Path defaults to the per-user data directory when empty.
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type ConfessionsConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

type MessagesConfig struct {
	DefaultExpiry time.Duration `yaml:"default_expiry"`
	MaxExpiry     time.Duration `yaml:"max_expiry"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type RateLimitConfig struct {
	Enabled        bool `yaml:"enabled"`
	RequestsPerMin int  `yaml:"requests_per_min"`
	RevealPerMin   int  `yaml:"reveal_per_min"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:    "127.0.0.1",
			Port:    8080,
			BaseURL: "http://localhost:8080",
		},
		Store: StoreConfig{
			Type: "sqlite",
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				DB:     0,
				Prefix: "whisperbox:",
			},
		},
		Confessions: ConfessionsConfig{
			TTL: 24 * time.Hour,
		},
		Messages: MessagesConfig{
			DefaultExpiry: 24 * time.Hour,
			MaxExpiry:     168 * time.Hour,
			SweepInterval: time.Minute,
		},
		RateLimit: RateLimitConfig{
			Enabled:        true,
			RequestsPerMin: 100,
			RevealPerMin:   20,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, err
		}
	}

	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // File not found is OK, use defaults
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

func (c *Config) loadFromEnv() {
	// Server
	if v := os.Getenv("HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("BASE_URL"); v != "" {
		c.Server.BaseURL = v
	}

	if v := os.Getenv("STORE_TYPE"); v != "" {
		c.Store.Type = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		c.Store.SQLite.Path = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Store.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Store.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Store.Redis.DB = db
		}
	}
	if v := os.Getenv("REDIS_PREFIX"); v != "" {
		c.Store.Redis.Prefix = v
	}

	envDuration("CONFESSION_TTL", &c.Confessions.TTL)
	envDuration("DEFAULT_EXPIRY", &c.Messages.DefaultExpiry)
	envDuration("MAX_EXPIRY", &c.Messages.MaxExpiry)
	envDuration("SWEEP_INTERVAL", &c.Messages.SweepInterval)

	if v := os.Getenv("RATE_LIMIT_ENABLED"); v != "" {
		c.RateLimit.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("RATE_LIMIT_REQUESTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RateLimit.RequestsPerMin = n
		}
	}
	if v := os.Getenv("RATE_LIMIT_REVEAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RateLimit.RevealPerMin = n
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
}

func envDuration(name string, dst *time.Duration) {
	if v := os.Getenv(name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	if c.Server.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}

	switch c.Store.Type {
	case "memory", "sqlite":
	case "redis":
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("redis addr is required when store type is 'redis'")
		}
	default:
		return fmt.Errorf("invalid store type: %s (must be 'memory', 'sqlite' or 'redis')", c.Store.Type)
	}

	if c.Confessions.TTL <= 0 {
		return fmt.Errorf("confessions ttl must be positive")
	}

	if c.Messages.DefaultExpiry <= 0 {
		return fmt.Errorf("default_expiry must be positive")
	}

	if c.Messages.MaxExpiry < c.Messages.DefaultExpiry {
		return fmt.Errorf("max_expiry must be >= default_expiry")
	}

	if c.Messages.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be positive")
	}

	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerMin < 1 || c.RateLimit.RevealPerMin < 1) {
		return fmt.Errorf("rate limits must be at least 1 request per minute when enabled")
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format: %s (must be 'text' or 'json')", c.Log.Format)
	}

	return nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// MessageURL returns the shareable link for a secret message id.
func (c *Config) MessageURL(id string) string {
	return c.Server.BaseURL + "/view/" + id
}
