package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the settings required to boot the drift engine.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Cache     CacheConfig     `yaml:"cache"`
	Logging   LoggingConfig   `yaml:"logging"`
	Detection DetectionConfig `yaml:"detection"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// ServerConfig controls the operational HTTP listener.
type ServerConfig struct {
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// DatabaseConfig configures the Postgres claim/signal store.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
	ConnMaxIdleTime time.Duration `yaml:"connMaxIdleTime"`
	QueryTimeout    time.Duration `yaml:"queryTimeout"`
}

// CacheConfig controls the Redis-backed suppression/aggregate cache.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	TLS          bool          `yaml:"tls"`
	AggregateTTL time.Duration `yaml:"aggregateTTL"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// DetectionConfig holds the statistical knobs of the drift engine. All
// thresholds are fixed at load time; scoring itself never consults the
// wall clock, so identical inputs always classify identically.
type DetectionConfig struct {
	WindowDays    int   `yaml:"windowDays"`
	MinSampleSize int64 `yaml:"minSampleSize"`

	// Rate metrics flag when |current - baseline| exceeds
	// max(rateAbsoluteFloor, rateZMultiplier * pooled standard error).
	RateAbsoluteFloor float64 `yaml:"rateAbsoluteFloor"`
	RateZMultiplier   float64 `yaml:"rateZMultiplier"`

	// Timing metrics flag when the mean days-to-decision shifts beyond
	// delaySpreadMultiplier baseline standard deviations, or
	// delayAbsoluteDays when no spread is available.
	DelaySpreadMultiplier float64 `yaml:"delaySpreadMultiplier"`
	DelayAbsoluteDays     float64 `yaml:"delayAbsoluteDays"`

	// SeverityUpdateEpsilon is the minimum severity change that rewrites an
	// existing signal in place.
	SeverityUpdateEpsilon float64 `yaml:"severityUpdateEpsilon"`

	// BaselineAlpha weights the EWMA baseline update:
	// new = alpha*current + (1-alpha)*old. 1.0 means previous-window
	// replacement.
	BaselineAlpha float64 `yaml:"baselineAlpha"`

	Cooldown      time.Duration `yaml:"cooldown"`
	OverridesPath string        `yaml:"overridesPath"`
}

// SchedulerConfig controls recurring per-tenant detection runs.
type SchedulerConfig struct {
	Interval          time.Duration `yaml:"interval"`
	TenantConcurrency int           `yaml:"tenantConcurrency"`
	RunTimeout        time.Duration `yaml:"runTimeout"`
	RunsPerSecond     float64       `yaml:"runsPerSecond"`
	Burst             int           `yaml:"burst"`
	MaxRetries        int           `yaml:"maxRetries"`
	RetryBackoff      time.Duration `yaml:"retryBackoff"`
	// Tenants pins the tenant set; empty means every tenant present in the
	// claim store.
	Tenants []string `yaml:"tenants"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CLAIMWATCH_DRIFT_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
			QueryTimeout:    30 * time.Second,
		},
		Cache: CacheConfig{
			Enabled:      false,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
			AggregateTTL: 30 * time.Minute,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Detection: DetectionConfig{
			WindowDays:            7,
			MinSampleSize:         10,
			RateAbsoluteFloor:     0.05,
			RateZMultiplier:       2.0,
			DelaySpreadMultiplier: 3.0,
			DelayAbsoluteDays:     7,
			SeverityUpdateEpsilon: 0.1,
			BaselineAlpha:         0.3,
			Cooldown:              time.Hour,
		},
		Scheduler: SchedulerConfig{
			Interval:          time.Hour,
			TenantConcurrency: 4,
			RunTimeout:        10 * time.Minute,
			RunsPerSecond:     1,
			Burst:             2,
			MaxRetries:        3,
			RetryBackoff:      30 * time.Second,
		},
	}
}

func validate(cfg *Config) error {
	d := cfg.Detection
	if d.WindowDays <= 0 {
		return fmt.Errorf("detection.windowDays must be positive, got %d", d.WindowDays)
	}
	if d.MinSampleSize < 1 {
		return fmt.Errorf("detection.minSampleSize must be at least 1, got %d", d.MinSampleSize)
	}
	if d.RateAbsoluteFloor <= 0 || d.RateAbsoluteFloor >= 1 {
		return fmt.Errorf("detection.rateAbsoluteFloor must be in (0, 1), got %g", d.RateAbsoluteFloor)
	}
	if d.BaselineAlpha <= 0 || d.BaselineAlpha > 1 {
		return fmt.Errorf("detection.baselineAlpha must be in (0, 1], got %g", d.BaselineAlpha)
	}
	if d.Cooldown <= 0 {
		return fmt.Errorf("detection.cooldown must be positive, got %s", d.Cooldown)
	}
	if cfg.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be positive, got %s", cfg.Scheduler.Interval)
	}
	if cfg.Scheduler.TenantConcurrency < 1 {
		return fmt.Errorf("scheduler.tenantConcurrency must be at least 1, got %d", cfg.Scheduler.TenantConcurrency)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CLAIMWATCH_DRIFT_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("CLAIMWATCH_DRIFT_PG_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("CLAIMWATCH_DRIFT_PG_MAX_OPEN_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Database.MaxOpenConns = n
		}
	}
	if v := os.Getenv("CLAIMWATCH_DRIFT_PG_QUERY_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Database.QueryTimeout = d
		}
	}
	if v := os.Getenv("CLAIMWATCH_DRIFT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CLAIMWATCH_DRIFT_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("CLAIMWATCH_DRIFT_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("CLAIMWATCH_DRIFT_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("CLAIMWATCH_DRIFT_CACHE_USERNAME"); v != "" {
		cfg.Cache.Username = v
	}
	if v := os.Getenv("CLAIMWATCH_DRIFT_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("CLAIMWATCH_DRIFT_CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = db
		}
	}
	if v := os.Getenv("CLAIMWATCH_DRIFT_CACHE_TLS"); strings.EqualFold(v, "true") || v == "1" {
		cfg.Cache.TLS = true
	}
	if v := os.Getenv("CLAIMWATCH_DRIFT_COOLDOWN"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Detection.Cooldown = d
		}
	}
	if v := os.Getenv("CLAIMWATCH_DRIFT_OVERRIDES_PATH"); v != "" {
		cfg.Detection.OverridesPath = v
	}
	if v := os.Getenv("CLAIMWATCH_DRIFT_SCHEDULE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Scheduler.Interval = d
		}
	}
	if v := os.Getenv("CLAIMWATCH_DRIFT_RUN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Scheduler.RunTimeout = d
		}
	}
	if v := os.Getenv("CLAIMWATCH_DRIFT_TENANTS"); v != "" {
		parts := strings.Split(v, ",")
		tenants := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				tenants = append(tenants, p)
			}
		}
		cfg.Scheduler.Tenants = tenants
	}
}
