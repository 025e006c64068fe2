// Package config loads daemon configuration from YAML with environment
// overrides. Missing values fall back to production defaults, so an empty
// file (or none at all) yields a runnable configuration.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	apperrors "github.com/goliatone/go-errors"

	roadside "github.com/goliatone/go-roadside"
	"github.com/goliatone/go-roadside/orchestrator"
)

// Config is the full daemon configuration.
type Config struct {
	Database  Database
	Bus       BusConfig
	Logging   Logging
	Lifecycle orchestrator.Params
}

// Database selects the durable store backing records, executions, tokens,
// and the effect ledger.
type Database struct {
	// Path is the sqlite file. ":memory:" keeps everything in-process.
	Path string
}

// BusConfig tunes the in-process event bus redelivery behaviour.
type BusConfig struct {
	RedeliveryInterval time.Duration
	MaxRedeliveries    int
}

// Logging selects the log output shape.
type Logging struct {
	Level string
	JSON  bool
}

// fileConfig is the YAML shape. Durations are strings ("45m", "2h") parsed
// with time.ParseDuration; pointers distinguish absent from zero.
type fileConfig struct {
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	Bus struct {
		RedeliveryInterval string `yaml:"redelivery_interval"`
		MaxRedeliveries    *int   `yaml:"max_redeliveries"`
	} `yaml:"bus"`
	Logging struct {
		Level string `yaml:"level"`
		JSON  *bool  `yaml:"json"`
	} `yaml:"logging"`
	Lifecycle struct {
		BaseRadiusMiles    *float64 `yaml:"base_radius_miles"`
		RadiusFactor       *float64 `yaml:"radius_factor"`
		MaxAttempts        *int     `yaml:"max_attempts"`
		VendorResponsePoll string   `yaml:"vendor_response_poll"`
		ArrivalPoll        string   `yaml:"arrival_poll"`
		ArrivalTimeout     string   `yaml:"arrival_timeout"`
		WorkTimeout        string   `yaml:"work_timeout"`
		PaymentTimeout     string   `yaml:"payment_timeout"`
	} `yaml:"lifecycle"`
}

// Default returns the configuration used when nothing is provided.
func Default() Config {
	return Config{
		Database: Database{Path: "roadside.db"},
		Bus: BusConfig{
			RedeliveryInterval: time.Second,
			MaxRedeliveries:    5,
		},
		Logging:   Logging{Level: "info", JSON: true},
		Lifecycle: orchestrator.DefaultParams(),
	}
}

// Load reads the YAML file at path, applies ROADSIDE_* environment
// overrides, and validates the result. An empty path loads defaults plus
// environment only.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, roadside.WrapError(roadside.ErrTransientInfra, "read config file", err,
				map[string]any{"path": path})
		}
		var fc fileConfig
		if err := yaml.Unmarshal(raw, &fc); err != nil {
			return Config{}, apperrors.Wrap(err, apperrors.CategoryValidation, "parse config file").
				WithMetadata(map[string]any{"path": path})
		}
		if err := cfg.merge(fc); err != nil {
			return Config{}, err
		}
	}
	cfg.applyEnv(os.Getenv)
	cfg.Lifecycle = cfg.Lifecycle.Normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// merge overlays file values onto the defaults.
func (c *Config) merge(fc fileConfig) error {
	if fc.Database.Path != "" {
		c.Database.Path = fc.Database.Path
	}
	if fc.Bus.MaxRedeliveries != nil {
		c.Bus.MaxRedeliveries = *fc.Bus.MaxRedeliveries
	}
	if fc.Logging.Level != "" {
		c.Logging.Level = strings.ToLower(fc.Logging.Level)
	}
	if fc.Logging.JSON != nil {
		c.Logging.JSON = *fc.Logging.JSON
	}
	if fc.Lifecycle.BaseRadiusMiles != nil {
		c.Lifecycle.BaseRadiusMiles = *fc.Lifecycle.BaseRadiusMiles
	}
	if fc.Lifecycle.RadiusFactor != nil {
		c.Lifecycle.RadiusFactor = *fc.Lifecycle.RadiusFactor
	}
	if fc.Lifecycle.MaxAttempts != nil {
		c.Lifecycle.MaxAttempts = *fc.Lifecycle.MaxAttempts
	}
	durations := []struct {
		raw string
		dst *time.Duration
	}{
		{fc.Bus.RedeliveryInterval, &c.Bus.RedeliveryInterval},
		{fc.Lifecycle.VendorResponsePoll, &c.Lifecycle.VendorResponsePoll},
		{fc.Lifecycle.ArrivalPoll, &c.Lifecycle.ArrivalPoll},
		{fc.Lifecycle.ArrivalTimeout, &c.Lifecycle.ArrivalTimeout},
		{fc.Lifecycle.WorkTimeout, &c.Lifecycle.WorkTimeout},
		{fc.Lifecycle.PaymentTimeout, &c.Lifecycle.PaymentTimeout},
	}
	for _, f := range durations {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return apperrors.Wrap(err, apperrors.CategoryValidation, "parse config duration").
				WithMetadata(map[string]any{"value": f.raw})
		}
		*f.dst = d
	}
	return nil
}

// applyEnv overrides fields from ROADSIDE_* variables. Unparseable values
// are ignored; the file or default wins.
func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv("ROADSIDE_DB_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := getenv("ROADSIDE_LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := getenv("ROADSIDE_LOG_JSON"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Logging.JSON = b
		}
	}
	if v := getenv("ROADSIDE_BASE_RADIUS_MILES"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Lifecycle.BaseRadiusMiles = f
		}
	}
	if v := getenv("ROADSIDE_RADIUS_FACTOR"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Lifecycle.RadiusFactor = f
		}
	}
	if v := getenv("ROADSIDE_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Lifecycle.MaxAttempts = n
		}
	}
	for env, dst := range map[string]*time.Duration{
		"ROADSIDE_VENDOR_RESPONSE_POLL": &c.Lifecycle.VendorResponsePoll,
		"ROADSIDE_ARRIVAL_POLL":         &c.Lifecycle.ArrivalPoll,
		"ROADSIDE_ARRIVAL_TIMEOUT":      &c.Lifecycle.ArrivalTimeout,
		"ROADSIDE_WORK_TIMEOUT":         &c.Lifecycle.WorkTimeout,
		"ROADSIDE_PAYMENT_TIMEOUT":      &c.Lifecycle.PaymentTimeout,
		"ROADSIDE_BUS_REDELIVERY":       &c.Bus.RedeliveryInterval,
	} {
		if v := getenv(env); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}
}

// Validate rejects configurations the daemon cannot run with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Database.Path) == "" {
		return apperrors.New("database path is required", apperrors.CategoryValidation)
	}
	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return apperrors.New("unknown log level", apperrors.CategoryValidation).
			WithMetadata(map[string]any{"level": c.Logging.Level})
	}
	if c.Lifecycle.ArrivalPoll > c.Lifecycle.ArrivalTimeout {
		return apperrors.New("arrival poll interval exceeds arrival timeout", apperrors.CategoryValidation)
	}
	if c.Bus.MaxRedeliveries < 0 {
		return apperrors.New("max redeliveries cannot be negative", apperrors.CategoryValidation)
	}
	return nil
}
