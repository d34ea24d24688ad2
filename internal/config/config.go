package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kjstillabower/cargoal/internal/db"
	"github.com/kjstillabower/cargoal/internal/server"
)

// Config holds application configuration loaded from .env, YAML and env.
type Config struct {
	Env string

	Addr         string        `validate:"required,hostname_port"`
	ReadTimeout  time.Duration `validate:"gt=0"`
	WriteTimeout time.Duration `validate:"gt=0"`
	MaxBodySize  int64         `validate:"gt=0"`

	TemplateDirs      []string `validate:"min=1,dive,required"`
	StaticDir         string   `validate:"required"`
	MaxStaticFileSize int64    `validate:"gt=0"`

	RateLimitRPS   int `validate:"gte=0"`
	RateLimitBurst int `validate:"gte=0"`

	MetricsPath string `validate:"omitempty,startswith=/"`
	HealthPath  string `validate:"omitempty,startswith=/"`

	RequestTimeout  time.Duration `validate:"gte=0"`
	ShutdownTimeout time.Duration `validate:"gt=0"`
	InFlightTimeout time.Duration `validate:"gt=0"`

	// Database is nil when no database URL is configured.
	Database *db.Config
}

type fileConfig struct {
	Server struct {
		Addr         string `yaml:"addr"`
		ReadTimeout  string `yaml:"read_timeout"`
		WriteTimeout string `yaml:"write_timeout"`
		MaxBodySize  int64  `yaml:"max_body_size"`
	} `yaml:"server"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Templates struct {
		Dirs []string `yaml:"dirs"`
	} `yaml:"templates"`

	Static struct {
		Dir         string `yaml:"dir"`
		MaxFileSize int64  `yaml:"max_file_size"`
	} `yaml:"static"`

	Reliability struct {
		RateLimitRPS   int `yaml:"rate_limit_rps"`
		RateLimitBurst int `yaml:"rate_limit_burst"`
	} `yaml:"reliability"`

	Observability struct {
		MetricsPath *string `yaml:"metrics_path"`
		HealthPath  *string `yaml:"health_path"`
	} `yaml:"observability"`

	Shutdown struct {
		Timeout         string `yaml:"timeout"`
		InFlightTimeout string `yaml:"inflight_timeout"`
	} `yaml:"shutdown"`

	Database struct {
		Type           string `yaml:"type"`
		URL            string `yaml:"url"`
		MaxConnections int    `yaml:"max_connections"`
		Timeout        string `yaml:"timeout"`
	} `yaml:"database"`
}

// Load reads .env, then config/{ENV_NAME}.yaml (default dev), then applies
// environment overrides. The YAML file is optional for the dev environment
// only. Call from project root.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	if err := godotenv.Load(filepath.Join(cwd, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	var fc fileConfig
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	case os.IsNotExist(err) && env == "dev":
	case os.IsNotExist(err):
		return nil, fmt.Errorf("config file not found: %s", configPath)
	default:
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{Env: env}

	cfg.Addr = firstNonEmpty(os.Getenv("ADDR"), fc.Server.Addr, server.DefaultAddr)
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		host, _, err := net.SplitHostPort(cfg.Addr)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q: %w", cfg.Addr, err)
		}
		cfg.Addr = net.JoinHostPort(host, port)
	}
	cfg.ReadTimeout = parseDuration(fc.Server.ReadTimeout, 10*time.Second)
	cfg.WriteTimeout = parseDuration(fc.Server.WriteTimeout, 10*time.Second)
	cfg.MaxBodySize = fc.Server.MaxBodySize
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = server.DefaultMaxBodySize
	}

	cfg.TemplateDirs = fc.Templates.Dirs
	if v := os.Getenv("TEMPLATE_DIRS"); v != "" {
		cfg.TemplateDirs = splitList(v)
	}
	if len(cfg.TemplateDirs) == 0 {
		cfg.TemplateDirs = append([]string(nil), server.DefaultTemplateDirs...)
	}
	cfg.StaticDir = firstNonEmpty(os.Getenv("STATIC_DIR"), fc.Static.Dir, server.DefaultStaticDir)
	cfg.MaxStaticFileSize = fc.Static.MaxFileSize
	if v, err := strconv.ParseInt(os.Getenv("MAX_STATIC_FILE_SIZE"), 10, 64); err == nil && v > 0 {
		cfg.MaxStaticFileSize = v
	}
	if cfg.MaxStaticFileSize <= 0 {
		cfg.MaxStaticFileSize = 5 << 20
	}

	cfg.RateLimitRPS = fc.Reliability.RateLimitRPS
	if v, err := strconv.Atoi(os.Getenv("RATE_LIMIT_RPS")); err == nil {
		cfg.RateLimitRPS = v
	}
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = cfg.RateLimitRPS
	}

	cfg.MetricsPath = "/metrics"
	if p := fc.Observability.MetricsPath; p != nil {
		cfg.MetricsPath = *p
	}
	cfg.HealthPath = "/healthz"
	if p := fc.Observability.HealthPath; p != nil {
		cfg.HealthPath = *p
	}

	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 5*time.Second)
	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)
	cfg.InFlightTimeout = parseDuration(fc.Shutdown.InFlightTimeout, 10*time.Second)

	if os.Getenv("DATABASE_URL") != "" {
		dbCfg, err := db.ConfigFromEnv()
		if err != nil {
			return nil, err
		}
		cfg.Database = &dbCfg
	} else if fc.Database.URL != "" {
		typ, ok := db.ParseType(firstNonEmpty(fc.Database.Type, db.Postgres.String()))
		if !ok {
			return nil, fmt.Errorf("database.type must be postgres, mysql or sqlite, got %q", fc.Database.Type)
		}
		cfg.Database = &db.Config{
			Type:           typ,
			URL:            fc.Database.URL,
			MaxConnections: fc.Database.MaxConnections,
			Timeout:        parseDurationOrZero(fc.Database.Timeout, 0),
		}
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ServerOptions converts the configuration into server options.
func (c *Config) ServerOptions() server.Options {
	return server.Options{
		Addr:              c.Addr,
		TemplateDirs:      c.TemplateDirs,
		StaticDir:         c.StaticDir,
		MaxStaticFileSize: c.MaxStaticFileSize,
		MaxBodySize:       c.MaxBodySize,
		RateLimitRPS:      c.RateLimitRPS,
		RateLimitBurst:    c.RateLimitBurst,
		MetricsPath:       c.MetricsPath,
		HealthPath:        c.HealthPath,
		ReadTimeout:       c.ReadTimeout,
		WriteTimeout:      c.WriteTimeout,
		RequestTimeout:    c.RequestTimeout,
		ShutdownTimeout:   c.ShutdownTimeout,
		InFlightTimeout:   c.InFlightTimeout,
	}
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Returns zero or negative durations as-is (caller should handle fallback).
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

var structValidator = validator.New()

// validate performs post-load validation of configuration values, including
// the nested database config.
func validate(cfg *Config) error {
	if err := structValidator.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
