// Package config loads capkernel configuration from YAML with environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/capkernel/pkg/audit/archive"
	"github.com/Mindburn-Labs/capkernel/pkg/execctx"
	"github.com/Mindburn-Labs/capkernel/pkg/forecast"
	"github.com/Mindburn-Labs/capkernel/pkg/gateway"
	"github.com/Mindburn-Labs/capkernel/pkg/memdomain"
	"github.com/Mindburn-Labs/capkernel/pkg/observability"
	"github.com/Mindburn-Labs/capkernel/pkg/sched"
	"github.com/Mindburn-Labs/capkernel/pkg/topology"
)

// SupportedVersions is the constraint a config file's version must satisfy.
const SupportedVersions = "^1"

// Limiter backends.
const (
	LimiterNone   = "none"
	LimiterMemory = "memory"
	LimiterRedis  = "redis"
)

// Config is the full capkernel configuration.
type Config struct {
	Version   string               `yaml:"version"`
	LogLevel  string               `yaml:"log_level"`
	LogFormat string               `yaml:"log_format"`
	Gateway   GatewayConfig        `yaml:"gateway"`
	Audit     AuditConfig          `yaml:"audit"`
	Context   ContextConfig        `yaml:"context"`
	Scheduler SchedulerConfig      `yaml:"scheduler"`
	Telemetry observability.Config `yaml:"telemetry"`
}

type GatewayConfig struct {
	MaxParamBytes int           `yaml:"max_param_bytes"`
	Limiter       LimiterConfig `yaml:"limiter"`
}

// LimiterConfig selects admission control. Keys are token fingerprints.
type LimiterConfig struct {
	Backend       string  `yaml:"backend"` // none | memory | redis
	RPS           float64 `yaml:"rps"`
	Burst         int     `yaml:"burst"`
	RedisAddr     string  `yaml:"redis_addr"`
	RedisPassword string  `yaml:"redis_password"`
	RedisDB       int     `yaml:"redis_db"`
	Prefix        string  `yaml:"prefix"`
}

// AuditConfig configures where audit records go. The hash-chained memory sink is
// always present; Driver adds a SQL sink next to it.
type AuditConfig struct {
	Driver         string              `yaml:"driver"` // "", sqlite, postgres
	DSN            string              `yaml:"dsn"`
	Stdout         bool                `yaml:"stdout"`
	ArchiveEnabled bool                `yaml:"archive_enabled"`
	Archive        archive.StoreConfig `yaml:"archive"`
}

type ContextConfig struct {
	Classes  map[string]execctx.Limits `yaml:"classes"`  // class name -> base limits
	Ceilings map[string]string         `yaml:"ceilings"` // owner -> class name
	Rules    []execctx.CELRule         `yaml:"rules"`
	Quotas   memdomain.Quotas          `yaml:"quotas"`
}

type SchedulerConfig struct {
	Weights       sched.Weights            `yaml:"weights"`
	Tuning        sched.Tuning             `yaml:"tuning"`
	Cores         []topology.Core          `yaml:"cores"`
	QueueCapacity int                      `yaml:"queue_capacity"`
	EWMAAlpha     float64                  `yaml:"ewma_alpha"`
	Breaker       forecast.BreakerSettings `yaml:"breaker"`
}

// Default returns a configuration that validates as is.
func Default() *Config {
	return &Config{
		Version:   "1.0.0",
		LogLevel:  "info",
		LogFormat: "text",
		Gateway: GatewayConfig{
			MaxParamBytes: gateway.DefaultMaxParamBytes,
			Limiter:       LimiterConfig{Backend: LimiterMemory, RPS: 100, Burst: 20},
		},
		Audit: AuditConfig{
			Archive: archive.StoreConfig{Type: archive.StoreTypeFS, Dir: "./audit-archive"},
		},
		Context: ContextConfig{
			Quotas: memdomain.Quotas{Small: 64, Medium: 16, Large: 4},
		},
		Scheduler: SchedulerConfig{
			Weights: sched.Weights{Performance: 0.4, Energy: 0.3, Thermal: 0.2, Fairness: 0.1},
			Tuning:  sched.DefaultTuning(),
			Cores: []topology.Core{
				{ID: 0, Tags: []string{"big"}, Capacity: 2, Power: 4, ThermalLimit: 0.9},
				{ID: 1, Tags: []string{"big"}, Capacity: 2, Power: 4, ThermalLimit: 0.9},
				{ID: 2, Tags: []string{"little"}, Capacity: 1, Power: 1, ThermalLimit: 1},
				{ID: 3, Tags: []string{"little"}, Capacity: 1, Power: 1, ThermalLimit: 1},
			},
			QueueCapacity: 256,
			EWMAAlpha:     0.3,
			Breaker:       forecast.BreakerSettings{FailureThreshold: 5, OpenTimeout: 10 * time.Second, HalfOpenRequests: 1},
		},
		Telemetry: *observability.DefaultConfig(),
	}
}

// Load reads path over the defaults, applies environment overrides from the process
// environment and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, nil)
}

// LoadWithEnv is Load with an explicit environment. A nil environ means os.Environ.
func LoadWithEnv(path string, environ map[string]string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(environ); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// overrides lists the settings the environment may change.
type overrides struct {
	LogLevel         string        `env:"CAPK_LOG_LEVEL"`
	LogFormat        string        `env:"CAPK_LOG_FORMAT"`
	Limiter          string        `env:"CAPK_LIMITER"`
	LimiterRPS       float64       `env:"CAPK_LIMITER_RPS"`
	LimiterBurst     int           `env:"CAPK_LIMITER_BURST"`
	RedisAddr        string        `env:"CAPK_REDIS_ADDR"`
	RedisPassword    string        `env:"CAPK_REDIS_PASSWORD"`
	AuditDriver      string        `env:"CAPK_AUDIT_DRIVER"`
	AuditDSN         string        `env:"CAPK_AUDIT_DSN"`
	ArchiveType      string        `env:"CAPK_ARCHIVE_TYPE"`
	ArchiveBucket    string        `env:"CAPK_ARCHIVE_BUCKET"`
	ArchiveRegion    string        `env:"CAPK_ARCHIVE_REGION"`
	ArchiveEndpoint  string        `env:"CAPK_ARCHIVE_ENDPOINT"`
	Weights          sched.Weights `envPrefix:"CAPK_WEIGHT_"`
	ForecastTimeout  time.Duration `env:"CAPK_FORECAST_TIMEOUT"`
	TelemetryEnabled bool          `env:"CAPK_TELEMETRY_ENABLED"`
	OTLPEndpoint     string        `env:"CAPK_OTLP_ENDPOINT"`
}

// ApplyEnv overlays CAPK_* variables onto c. Unset variables leave c unchanged.
func (c *Config) ApplyEnv(environ map[string]string) error {
	o := overrides{
		LogLevel:         c.LogLevel,
		LogFormat:        c.LogFormat,
		Limiter:          c.Gateway.Limiter.Backend,
		LimiterRPS:       c.Gateway.Limiter.RPS,
		LimiterBurst:     c.Gateway.Limiter.Burst,
		RedisAddr:        c.Gateway.Limiter.RedisAddr,
		RedisPassword:    c.Gateway.Limiter.RedisPassword,
		AuditDriver:      c.Audit.Driver,
		AuditDSN:         c.Audit.DSN,
		ArchiveType:      string(c.Audit.Archive.Type),
		ArchiveBucket:    c.Audit.Archive.Bucket,
		ArchiveRegion:    c.Audit.Archive.Region,
		ArchiveEndpoint:  c.Audit.Archive.Endpoint,
		Weights:          c.Scheduler.Weights,
		ForecastTimeout:  c.Scheduler.Tuning.ForecastTimeout,
		TelemetryEnabled: c.Telemetry.Enabled,
		OTLPEndpoint:     c.Telemetry.OTLPEndpoint,
	}
	if err := env.ParseWithOptions(&o, env.Options{Environment: environ}); err != nil {
		return fmt.Errorf("config: parse env: %w", err)
	}

	c.LogLevel = o.LogLevel
	c.LogFormat = o.LogFormat
	c.Gateway.Limiter.Backend = o.Limiter
	c.Gateway.Limiter.RPS = o.LimiterRPS
	c.Gateway.Limiter.Burst = o.LimiterBurst
	c.Gateway.Limiter.RedisAddr = o.RedisAddr
	c.Gateway.Limiter.RedisPassword = o.RedisPassword
	c.Audit.Driver = o.AuditDriver
	c.Audit.DSN = o.AuditDSN
	c.Audit.Archive.Type = archive.StoreType(o.ArchiveType)
	c.Audit.Archive.Bucket = o.ArchiveBucket
	c.Audit.Archive.Region = o.ArchiveRegion
	c.Audit.Archive.Endpoint = o.ArchiveEndpoint
	c.Scheduler.Weights = o.Weights
	c.Scheduler.Tuning.ForecastTimeout = o.ForecastTimeout
	c.Telemetry.Enabled = o.TelemetryEnabled
	c.Telemetry.OTLPEndpoint = o.OTLPEndpoint
	return nil
}

var ErrInvalidConfig = errors.New("config: invalid")

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if err := checkVersion(c.Version); err != nil {
		errs = append(errs, err)
	}
	if _, err := observability.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		add("log_format %q: want text or json", c.LogFormat)
	}

	if c.Gateway.MaxParamBytes < 0 {
		add("gateway.max_param_bytes must not be negative")
	}
	switch l := c.Gateway.Limiter; l.Backend {
	case "", LimiterNone:
	case LimiterMemory, LimiterRedis:
		if l.RPS <= 0 || l.Burst <= 0 {
			add("gateway.limiter: rps and burst must be positive")
		}
		if l.Backend == LimiterRedis && l.RedisAddr == "" {
			add("gateway.limiter: redis backend needs redis_addr")
		}
	default:
		add("gateway.limiter.backend %q: want none, memory or redis", l.Backend)
	}

	switch c.Audit.Driver {
	case "":
	case "sqlite", "postgres":
		if c.Audit.DSN == "" {
			add("audit: driver %s needs a dsn", c.Audit.Driver)
		}
	default:
		add("audit.driver %q: want sqlite or postgres", c.Audit.Driver)
	}
	if c.Audit.ArchiveEnabled {
		switch c.Audit.Archive.Type {
		case "", archive.StoreTypeFS:
		case archive.StoreTypeS3, archive.StoreTypeGCS:
			if c.Audit.Archive.Bucket == "" {
				add("audit.archive: %s store needs a bucket", c.Audit.Archive.Type)
			}
		default:
			add("audit.archive.type %q: want fs, s3 or gcs", c.Audit.Archive.Type)
		}
	}

	if _, err := c.ClassTable(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.CeilingMap(); err != nil {
		errs = append(errs, err)
	}
	if _, err := execctx.NewCELPolicy(c.Context.Rules); err != nil {
		errs = append(errs, err)
	}
	q := c.Context.Quotas
	if q.Small < 0 || q.Medium < 0 || q.Large < 0 || q.Small+q.Medium+q.Large == 0 {
		add("context.quotas: need non-negative quotas with at least one class enabled")
	}

	s := c.Scheduler
	if err := s.Weights.Validate(); err != nil {
		errs = append(errs, err)
	}
	if _, err := topology.NewStatic(s.Cores); err != nil {
		errs = append(errs, err)
	}
	if s.QueueCapacity <= 0 {
		add("scheduler.queue_capacity must be positive")
	}
	if s.EWMAAlpha <= 0 || s.EWMAAlpha > 1 {
		add("scheduler.ewma_alpha %v: want (0,1]", s.EWMAAlpha)
	}
	if s.Tuning.ForecastTimeout < 0 || s.Tuning.TieTolerance < 0 || s.Tuning.EnergyReference <= 0 {
		add("scheduler.tuning: forecast_timeout and tie_tolerance must be non-negative, energy_reference positive")
	}
	if m := s.Tuning.Migration; m.TransferBandwidth <= 0 || m.CacheWarmup < 0 {
		add("scheduler.tuning.migration: transfer_bandwidth must be positive")
	}

	if r := c.Telemetry.SampleRate; r < 0 || r > 1 {
		add("telemetry.sample_rate %v: want [0,1]", r)
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

func checkVersion(v string) error {
	if v == "" {
		return errors.New("version is required")
	}
	ver, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("version %q: %w", v, err)
	}
	constraint, err := semver.NewConstraint(SupportedVersions)
	if err != nil {
		return err
	}
	if !constraint.Check(ver) {
		return fmt.Errorf("version %s does not satisfy %s", ver, SupportedVersions)
	}
	return nil
}

// ClassTable resolves the configured class limits over the defaults.
func (c *Config) ClassTable() (execctx.ClassTable, error) {
	table := execctx.DefaultClassTable()
	for name, limits := range c.Context.Classes {
		class, err := execctx.ParseSchedulingClass(name)
		if err != nil {
			return nil, fmt.Errorf("context.classes: %w", err)
		}
		table[class] = limits
	}
	return table, nil
}

// CeilingMap resolves per-owner class ceilings.
func (c *Config) CeilingMap() (map[string]execctx.SchedulingClass, error) {
	out := make(map[string]execctx.SchedulingClass, len(c.Context.Ceilings))
	for owner, name := range c.Context.Ceilings {
		class, err := execctx.ParseSchedulingClass(name)
		if err != nil {
			return nil, fmt.Errorf("context.ceilings[%s]: %w", owner, err)
		}
		out[owner] = class
	}
	return out, nil
}
