// ============================================================================
// wikigraph Configuration
// ============================================================================
//
// Package: internal/config
// File: config.go
// Function: YAML configuration of the coordinator
//
// Sections:
//   redis     - broker connection
//   analysis  - dimensions, sample size, closeness retention, explore mode
//   monitor   - lost-job grace periods
//   submitter - AIAD bulk submission window
//   mutex     - leadership renewal period
//   replay    - append-only log to rebuild distance aggregates from
//   snapshot  - report file and backups
//   metrics   - Prometheus endpoint
//   health    - gRPC health endpoint
//   log       - level and JSON log file
//
// Durations are Go duration strings ("1s", "30m"). Load starts from Default,
// overlays the file, then validates; every problem is reported at once.
// ============================================================================

package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/wikigraph/internal/broker/redisbroker"
	"github.com/ChuLiYu/wikigraph/internal/controller"
	"github.com/ChuLiYu/wikigraph/internal/leader"
	"github.com/ChuLiYu/wikigraph/internal/monitor"
	"github.com/ChuLiYu/wikigraph/pkg/types"
)

// Config is the complete coordinator configuration.
type Config struct {
	Redis     RedisConfig     `yaml:"redis"`
	Analysis  AnalysisConfig  `yaml:"analysis"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Submitter SubmitterConfig `yaml:"submitter"`
	Mutex     MutexConfig     `yaml:"mutex"`
	Replay    ReplayConfig    `yaml:"replay"`
	Snapshot  SnapshotConfig  `yaml:"snapshot"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Health    HealthConfig    `yaml:"health"`
	Log       LogConfig       `yaml:"log"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type AnalysisConfig struct {
	// Dimensions by name: "articles", "categories".
	Dimensions  []string `yaml:"dimensions"`
	Sample      int64    `yaml:"sample"`
	KeepClosest int      `yaml:"keep_closest"`
	Seed        int64    `yaml:"seed"`
	Explore     bool     `yaml:"explore"`

	NameBatch       int `yaml:"name_batch"`
	InfoConcurrency int `yaml:"info_concurrency"`
}

type MonitorConfig struct {
	DefaultGrace  time.Duration            `yaml:"default_grace"`
	GraceByPrefix map[string]time.Duration `yaml:"grace_by_prefix"`
	PopTimeout    time.Duration            `yaml:"pop_timeout"`
}

type SubmitterConfig struct {
	InitialBulk int           `yaml:"initial_bulk"`
	Granularity int           `yaml:"granularity"`
	MinBulk     int           `yaml:"min_bulk"`
	LowWater    int           `yaml:"low_water"`
	Interval    time.Duration `yaml:"interval"`
}

type MutexConfig struct {
	Period time.Duration `yaml:"period"`
}

type ReplayConfig struct {
	// Log is the path of an append-only command log; empty disables replay.
	Log string `yaml:"log"`
}

type SnapshotConfig struct {
	Path        string `yaml:"path"`
	KeepBackups int    `yaml:"keep_backups"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	// File receives a JSON copy of every record; empty logs to stderr only.
	File string `yaml:"file"`
}

// Default returns the production settings.
func Default() *Config {
	ctrl := controller.DefaultConfig()
	return &Config{
		Redis: RedisConfig{Addr: "localhost:6379"},
		Analysis: AnalysisConfig{
			Dimensions:      []string{"articles", "categories"},
			KeepClosest:     100,
			NameBatch:       ctrl.NameBatch,
			InfoConcurrency: ctrl.InfoConcurrency,
		},
		Monitor: MonitorConfig{
			DefaultGrace: monitor.DefaultGrace,
			GraceByPrefix: map[string]time.Duration{
				"aS": 30 * time.Second,
				"cS": 30 * time.Second,
				"aR": 30 * time.Second,
				"cR": 30 * time.Second,
			},
			PopTimeout: monitor.DefaultPopTimeout,
		},
		Submitter: SubmitterConfig{
			InitialBulk: ctrl.Submitter.InitialBulk,
			Granularity: ctrl.Submitter.Granularity,
			LowWater:    ctrl.Submitter.LowWater,
			Interval:    ctrl.Submitter.Interval,
		},
		Mutex:    MutexConfig{Period: leader.DefaultPeriod},
		Snapshot: SnapshotConfig{Path: "data/report.json", KeepBackups: 3},
		Metrics:  MetricsConfig{Addr: ":9090"},
		Health:   HealthConfig{Addr: ":50051"},
		Log:      LogConfig{Level: "info"},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var err error
	if c.Redis.Addr == "" {
		err = multierror.Append(err, fmt.Errorf("redis.addr has not been specified"))
	}
	if _, dErr := c.Dimensions(); dErr != nil {
		err = multierror.Append(err, dErr)
	}
	if c.Analysis.Sample < 0 {
		err = multierror.Append(err, fmt.Errorf("analysis.sample must not be negative"))
	}
	if c.Analysis.KeepClosest <= 0 {
		err = multierror.Append(err, fmt.Errorf("analysis.keep_closest must be positive"))
	}
	if c.Analysis.NameBatch <= 0 {
		err = multierror.Append(err, fmt.Errorf("analysis.name_batch must be positive"))
	}
	if c.Analysis.InfoConcurrency <= 0 {
		err = multierror.Append(err, fmt.Errorf("analysis.info_concurrency must be positive"))
	}
	if c.Monitor.DefaultGrace <= 0 {
		err = multierror.Append(err, fmt.Errorf("monitor.default_grace must be positive"))
	}
	for prefix, grace := range c.Monitor.GraceByPrefix {
		if prefix == "" || grace <= 0 {
			err = multierror.Append(err, fmt.Errorf("monitor.grace_by_prefix: invalid entry %q: %s", prefix, grace))
		}
	}
	if c.Monitor.PopTimeout <= 0 {
		err = multierror.Append(err, fmt.Errorf("monitor.pop_timeout must be positive"))
	}
	if c.Submitter.InitialBulk <= 0 {
		err = multierror.Append(err, fmt.Errorf("submitter.initial_bulk must be positive"))
	}
	if c.Submitter.Granularity <= 0 {
		err = multierror.Append(err, fmt.Errorf("submitter.granularity must be positive"))
	}
	if c.Submitter.MinBulk < 0 {
		err = multierror.Append(err, fmt.Errorf("submitter.min_bulk must not be negative"))
	}
	if c.Submitter.LowWater <= 0 {
		err = multierror.Append(err, fmt.Errorf("submitter.low_water must be positive"))
	}
	if c.Submitter.Interval <= 0 {
		err = multierror.Append(err, fmt.Errorf("submitter.interval must be positive"))
	}
	if c.Mutex.Period <= 0 {
		err = multierror.Append(err, fmt.Errorf("mutex.period must be positive"))
	}
	if c.Snapshot.KeepBackups < 0 {
		err = multierror.Append(err, fmt.Errorf("snapshot.keep_backups must not be negative"))
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		err = multierror.Append(err, fmt.Errorf("metrics.addr has not been specified"))
	}
	if c.Health.Enabled && c.Health.Addr == "" {
		err = multierror.Append(err, fmt.Errorf("health.addr has not been specified"))
	}
	if _, lErr := c.Level(); lErr != nil {
		err = multierror.Append(err, lErr)
	}
	return err
}

// Dimensions parses analysis.dimensions.
func (c *Config) Dimensions() ([]types.Dimension, error) {
	if len(c.Analysis.Dimensions) == 0 {
		return nil, fmt.Errorf("analysis.dimensions must name at least one dimension")
	}
	dims := make([]types.Dimension, 0, len(c.Analysis.Dimensions))
	seen := make(map[types.Dimension]bool)
	for _, name := range c.Analysis.Dimensions {
		dim, err := types.ParseDimension(name)
		if err != nil {
			return nil, fmt.Errorf("analysis.dimensions: %w", err)
		}
		if seen[dim] {
			return nil, fmt.Errorf("analysis.dimensions: %s listed twice", dim)
		}
		seen[dim] = true
		dims = append(dims, dim)
	}
	return dims, nil
}

// Level parses log.level.
func (c *Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(c.Log.Level))); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return lvl, nil
}

func (c *Config) RedisOptions() redisbroker.Config {
	return redisbroker.Config{
		Addr:     c.Redis.Addr,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
		PoolSize: c.Redis.PoolSize,
	}
}

func (c *Config) ControllerConfig() controller.Config {
	return controller.Config{
		Explore: c.Analysis.Explore,
		Submitter: controller.SubmitterConfig{
			InitialBulk: c.Submitter.InitialBulk,
			Granularity: c.Submitter.Granularity,
			MinBulk:     c.Submitter.MinBulk,
			LowWater:    c.Submitter.LowWater,
			Interval:    c.Submitter.Interval,
		},
		NameBatch:       c.Analysis.NameBatch,
		InfoConcurrency: c.Analysis.InfoConcurrency,
	}
}

func (c *Config) MonitorConfig() monitor.Config {
	grace := make(map[string]time.Duration, len(c.Monitor.GraceByPrefix))
	for prefix, d := range c.Monitor.GraceByPrefix {
		grace[prefix] = d
	}
	return monitor.Config{
		DefaultGrace:  c.Monitor.DefaultGrace,
		GraceByPrefix: grace,
		PopTimeout:    c.Monitor.PopTimeout,
	}
}

func (c *Config) LeaderConfig() leader.Config {
	return leader.Config{Period: c.Mutex.Period}
}
