// Package config handles TOML (or YAML) configuration for Overwatch.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// DefaultRegions are scanned when none are configured.
var DefaultRegions = []string{"ap-south-1", "ap-south-2", "ap-southeast-1", "ap-northeast-1"}

// Config is the root configuration structure.
type Config struct {
	Storage StorageConfig `toml:"storage" yaml:"storage"`
	Scanner ScannerConfig `toml:"scanner" yaml:"scanner"`
	Reaper  ReaperConfig  `toml:"reaper" yaml:"reaper"`
	Binding BindingConfig `toml:"binding" yaml:"binding"`
	AWS     AWSConfig     `toml:"aws" yaml:"aws"`
	API     APIConfig     `toml:"api" yaml:"api"`
	Metrics ServeMetrics  `toml:"metrics" yaml:"metrics"`
	OTEL    OTELConfig    `toml:"otel" yaml:"otel"`
	Log     LogConfig     `toml:"log" yaml:"log"`
	Query   QueryConfig   `toml:"query" yaml:"query"`
	Notify  NotifyConfig  `toml:"notify" yaml:"notify"`
}

// StorageConfig holds bbolt settings.
type StorageConfig struct {
	Path            string        `toml:"path" yaml:"path"`
	JournalDir      string        `toml:"journal_dir" yaml:"journal_dir"`
	TombstoneTTLStr string        `toml:"tombstone_ttl" yaml:"tombstone_ttl"`
	TombstoneTTL    time.Duration `toml:"-" yaml:"-"`
}

// ScannerConfig holds scanner settings.
type ScannerConfig struct {
	Provider    string        `toml:"provider" yaml:"provider"` // "aws" or "memory"
	TimeoutStr  string        `toml:"timeout" yaml:"timeout"`
	Timeout     time.Duration `toml:"-" yaml:"-"`
	IntervalStr string        `toml:"interval" yaml:"interval"` // "0" disables periodic scans
	Interval    time.Duration `toml:"-" yaml:"-"`
}

// ReaperConfig holds reaper settings.
type ReaperConfig struct {
	IntervalStr string        `toml:"interval" yaml:"interval"` // "0" disables periodic reaping
	Interval    time.Duration `toml:"-" yaml:"-"`
	Concurrency int           `toml:"concurrency" yaml:"concurrency"`
	PolicyFile  string        `toml:"policy_file" yaml:"policy_file"`
}

// BindingConfig holds account binding settings.
type BindingConfig struct {
	ChallengeTTLStr string        `toml:"challenge_ttl" yaml:"challenge_ttl"`
	ChallengeTTL    time.Duration `toml:"-" yaml:"-"`
}

// AWSConfig holds AWS provider settings.
type AWSConfig struct {
	Regions      []string `toml:"regions" yaml:"regions"`
	Profile      string   `toml:"profile" yaml:"profile"`
	PrincipalARN string   `toml:"principal_arn" yaml:"principal_arn"` // principal users must trust
	SessionName  string   `toml:"session_name" yaml:"session_name"`
}

// APIConfig holds HTTP API settings.
type APIConfig struct {
	Addr string `toml:"addr" yaml:"addr"`
}

// ServeMetrics holds the Prometheus endpoint settings.
type ServeMetrics struct {
	Addr string `toml:"addr" yaml:"addr"`
}

// OTELConfig holds OpenTelemetry settings.
type OTELConfig struct {
	Endpoint    string        `toml:"endpoint" yaml:"endpoint"`
	Insecure    bool          `toml:"insecure" yaml:"insecure"`
	ServiceName string        `toml:"service_name" yaml:"service_name"`
	Traces      TracesConfig  `toml:"traces" yaml:"traces"`
	Metrics     MetricsConfig `toml:"metrics" yaml:"metrics"`
}

// TracesConfig holds tracing settings.
type TracesConfig struct {
	Enabled    bool    `toml:"enabled" yaml:"enabled"`
	SampleRate float64 `toml:"sample_rate" yaml:"sample_rate"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled bool `toml:"enabled" yaml:"enabled"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"` // "json" or "console"
}

// QueryConfig holds query engine settings.
type QueryConfig struct {
	Timezone string         `toml:"timezone" yaml:"timezone"`
	Location *time.Location `toml:"-" yaml:"-"`
}

// NotifyConfig holds SNS notification settings. An empty topic disables notifications.
type NotifyConfig struct {
	TopicARN string `toml:"topic_arn" yaml:"topic_arn"`
}

// Region returns the region encoded in the topic ARN.
func (n NotifyConfig) Region() string {
	parts := strings.Split(n.TopicARN, ":")
	if len(parts) < 6 {
		return ""
	}
	return parts[3]
}

// Load reads and parses a config file. Files ending in .yaml or .yml are YAML, others TOML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = toml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := finish(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	if err := finish(cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return cfg
}

func finish(cfg *Config) error {
	applyDefaults(cfg)
	if err := parseDurations(cfg); err != nil {
		return err
	}
	loc, err := time.LoadLocation(cfg.Query.Timezone)
	if err != nil {
		return fmt.Errorf("query: timezone %q: %w", cfg.Query.Timezone, err)
	}
	cfg.Query.Location = loc
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "overwatch.db"
	}
	if cfg.Storage.JournalDir == "" {
		cfg.Storage.JournalDir = "journal"
	}
	if cfg.Storage.TombstoneTTLStr == "" {
		cfg.Storage.TombstoneTTLStr = "168h"
	}
	if cfg.Scanner.Provider == "" {
		cfg.Scanner.Provider = "aws"
	}
	if cfg.Scanner.TimeoutStr == "" {
		cfg.Scanner.TimeoutStr = "30s"
	}
	if cfg.Scanner.IntervalStr == "" {
		cfg.Scanner.IntervalStr = "1h"
	}
	if cfg.Reaper.IntervalStr == "" {
		cfg.Reaper.IntervalStr = "24h"
	}
	if cfg.Reaper.Concurrency == 0 {
		cfg.Reaper.Concurrency = 4
	}
	if cfg.Binding.ChallengeTTLStr == "" {
		cfg.Binding.ChallengeTTLStr = "24h"
	}
	if len(cfg.AWS.Regions) == 0 {
		cfg.AWS.Regions = append([]string(nil), DefaultRegions...)
	}
	if cfg.AWS.SessionName == "" {
		cfg.AWS.SessionName = "overwatch"
	}
	if cfg.API.Addr == "" {
		cfg.API.Addr = ":8080"
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9090"
	}
	if cfg.OTEL.ServiceName == "" {
		cfg.OTEL.ServiceName = "overwatch"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Query.Timezone == "" {
		cfg.Query.Timezone = "UTC"
	}
}

func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		src  string
		dst  *time.Duration
	}{
		{"storage.tombstone_ttl", cfg.Storage.TombstoneTTLStr, &cfg.Storage.TombstoneTTL},
		{"scanner.timeout", cfg.Scanner.TimeoutStr, &cfg.Scanner.Timeout},
		{"scanner.interval", cfg.Scanner.IntervalStr, &cfg.Scanner.Interval},
		{"reaper.interval", cfg.Reaper.IntervalStr, &cfg.Reaper.Interval},
		{"binding.challenge_ttl", cfg.Binding.ChallengeTTLStr, &cfg.Binding.ChallengeTTL},
	}
	for _, f := range fields {
		d, err := time.ParseDuration(f.src)
		if err != nil {
			return fmt.Errorf("parse %s %q: %w", f.name, f.src, err)
		}
		*f.dst = d
	}
	return nil
}

// Validate checks the configuration is valid.
func (c *Config) Validate() error {
	if c.Scanner.Provider != "aws" && c.Scanner.Provider != "memory" {
		return fmt.Errorf("scanner: provider must be aws or memory (got %q)", c.Scanner.Provider)
	}
	if c.Scanner.Timeout <= 0 {
		return fmt.Errorf("scanner: timeout must be positive")
	}
	if c.Scanner.Interval < 0 || c.Reaper.Interval < 0 {
		return fmt.Errorf("intervals must not be negative")
	}
	if c.Reaper.Concurrency < 1 {
		return fmt.Errorf("reaper: concurrency must be at least 1 (got %d)", c.Reaper.Concurrency)
	}
	if c.Binding.ChallengeTTL <= 0 {
		return fmt.Errorf("binding: challenge_ttl must be positive")
	}
	if c.Scanner.Provider == "aws" && len(c.AWS.Regions) == 0 {
		return fmt.Errorf("aws: at least one region required")
	}
	if c.OTEL.Traces.SampleRate < 0.0 || c.OTEL.Traces.SampleRate > 1.0 {
		return fmt.Errorf("otel: traces.sample_rate must be between 0.0 and 1.0 (got %v)", c.OTEL.Traces.SampleRate)
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		return fmt.Errorf("log: format must be json or console (got %q)", c.Log.Format)
	}
	if c.Notify.TopicARN != "" && (!strings.HasPrefix(c.Notify.TopicARN, "arn:") || !strings.Contains(c.Notify.TopicARN, ":sns:") || c.Notify.Region() == "") {
		return fmt.Errorf("notify: topic_arn must be an SNS topic ARN (got %q)", c.Notify.TopicARN)
	}
	return nil
}
