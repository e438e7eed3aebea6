/*
Package config loads cultivationd configuration.

SOURCES (later wins):
  1. Built-in defaults
  2. YAML file (optional)
  3. Environment:
       CULTIVATION_HTTP_ADDR    server.addr
       CULTIVATION_DB_DRIVER    database.driver
       CULTIVATION_DB_DSN       database.dsn
       DATABASE_URL             database.dsn, driver=postgres (unless the two above are set)
       CULTIVATION_REDIS_ADDR   redis.addr
       CULTIVATION_NATS_URL     nats.url
       CULTIVATION_LOG_LEVEL    log.level

EXAMPLE:
  server:
    addr: ":8080"
    cors_origins: ["https://ops.example.com"]
  database:
    driver: postgres
    dsn: postgres://localhost/cultivation?sslmode=disable
    lock_timeout: 5s
  redis:
    addr: localhost:6379
  nats:
    url: nats://localhost:4222
  log:
    level: info
    format: json
  quota:
    max_attempts: 5
    initial_backoff: 10ms
  sites:
    greenhouse-1:
      template: default
    greenhouse-2:
      template: ./templates/gh2.yaml
*/
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/warp/cultivation-engine/factory"
)

type Config struct {
	Server   ServerConfig          `yaml:"server"`
	Database DatabaseConfig        `yaml:"database"`
	Redis    RedisConfig           `yaml:"redis"`
	NATS     NATSConfig            `yaml:"nats"`
	Log      LogConfig             `yaml:"log"`
	Quota    QuotaConfig           `yaml:"quota"`
	Sites    map[string]SiteConfig `yaml:"sites"`

	// dir is where relative template paths are resolved from.
	dir string
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORSOrigins     []string      `yaml:"cors_origins"`
}

type DatabaseConfig struct {
	// Driver is memory, sqlite or postgres.
	Driver       string        `yaml:"driver"`
	DSN          string        `yaml:"dsn"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	LockTimeout  time.Duration `yaml:"lock_timeout"`
}

// RedisConfig enables the cross-process quota lock when Addr is set.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	LockTTL  time.Duration `yaml:"lock_ttl"`
	LockWait time.Duration `yaml:"lock_wait"`
}

// NATSConfig enables event publishing when URL is set.
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type QuotaConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// SiteConfig names the template bootstrap applies to a site: "default" or a
// path to a YAML/JSON template file.
type SiteConfig struct {
	Template string `yaml:"template"`
}

// Default returns the configuration used when nothing else is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			CORSOrigins:     []string{"*"},
		},
		Database: DatabaseConfig{
			Driver:       "sqlite",
			DSN:          "cultivation.db",
			MaxOpenConns: 10,
			LockTimeout:  5 * time.Second,
		},
		Redis: RedisConfig{
			LockTTL:  10 * time.Second,
			LockWait: 5 * time.Second,
		},
		NATS: NATSConfig{SubjectPrefix: "cultivation"},
		Log:  LogConfig{Level: "info", Format: "json"},
		Quota: QuotaConfig{
			MaxAttempts:    5,
			InitialBackoff: 10 * time.Millisecond,
			MaxBackoff:     250 * time.Millisecond,
		},
		dir: ".",
	}
}

// Load reads path (skipped when empty), then applies environment overrides
// and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		cfg.dir = filepath.Dir(path)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	set := func(dst *string, key string) bool {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
			return true
		}
		return false
	}
	set(&c.Server.Addr, "CULTIVATION_HTTP_ADDR")
	driverSet := set(&c.Database.Driver, "CULTIVATION_DB_DRIVER")
	dsnSet := set(&c.Database.DSN, "CULTIVATION_DB_DSN")
	if url := os.Getenv("DATABASE_URL"); url != "" && !dsnSet {
		c.Database.DSN = url
		if !driverSet {
			c.Database.Driver = "postgres"
		}
	}
	set(&c.Redis.Addr, "CULTIVATION_REDIS_ADDR")
	set(&c.NATS.URL, "CULTIVATION_NATS_URL")
	set(&c.Log.Level, "CULTIVATION_LOG_LEVEL")
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "memory":
	case "sqlite", "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for driver %s", c.Database.Driver)
		}
	default:
		return fmt.Errorf("database.driver must be memory, sqlite or postgres, got %q", c.Database.Driver)
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		return fmt.Errorf("log.format must be json or console, got %q", c.Log.Format)
	}
	if c.Quota.MaxAttempts < 1 {
		return errors.New("quota.max_attempts must be >= 1")
	}
	for id, s := range c.Sites {
		if s.Template == "" {
			return fmt.Errorf("sites.%s.template is required", id)
		}
	}
	return nil
}

// Logger builds the process logger.
func (c LogConfig) Logger(w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(c.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	if c.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// Template loads the template configured for a site.
func (c *Config) Template(site string) (*factory.SiteTemplate, error) {
	s, ok := c.Sites[site]
	if !ok {
		return nil, fmt.Errorf("site %s is not configured", site)
	}
	if s.Template == "default" {
		return factory.DefaultTemplate(), nil
	}
	path := s.Template
	if !filepath.IsAbs(path) {
		path = filepath.Join(c.dir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("site %s: %w", site, err)
	}
	t, err := factory.ParseTemplate(data)
	if err != nil {
		return nil, fmt.Errorf("site %s: %w", site, err)
	}
	return t, nil
}
