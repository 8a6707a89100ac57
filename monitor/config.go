package monitor

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/dataspy/monitor/internal/fetch"
	"github.com/hazyhaar/dataspy/monitor/internal/scheduler"
)

// Config configures the monitor service.
type Config struct {
	// Fetch settings
	Fetch fetch.Config

	// Scheduler settings
	Scheduler scheduler.Config

	// SnapshotDir holds the latest normalized content per task,
	// used to build diff summaries.
	SnapshotDir string

	// WebhookURL, when set, receives a JSON POST for each detected change.
	WebhookURL string

	// WebhookTimeout bounds one webhook delivery. Default: 10s.
	WebhookTimeout time.Duration
}

func (c *Config) defaults() {
	if c.Fetch.Timeout <= 0 {
		c.Fetch.Timeout = 30 * time.Second
	}
	if c.Fetch.MaxBytes <= 0 {
		c.Fetch.MaxBytes = 10 * 1024 * 1024
	}
	if c.Fetch.UserAgent == "" {
		c.Fetch.UserAgent = "dataspy/1.0"
	}
	if c.Scheduler.TickInterval <= 0 {
		c.Scheduler.TickInterval = time.Second
	}
	if c.Scheduler.Concurrency <= 0 {
		c.Scheduler.Concurrency = 4
	}
	if c.Scheduler.CheckTimeout <= 0 {
		c.Scheduler.CheckTimeout = 30 * time.Second
	}
	if c.SnapshotDir == "" {
		c.SnapshotDir = "snapshots"
	}
	if c.WebhookTimeout <= 0 {
		c.WebhookTimeout = 10 * time.Second
	}
}

func defaultConfig() *Config {
	c := &Config{}
	c.defaults()
	return c
}

// fileConfig is the on-disk YAML form. Durations are whole seconds.
type fileConfig struct {
	FetchTimeoutSec   int    `yaml:"fetch_timeout_sec"`
	MaxBytes          int64  `yaml:"max_bytes"`
	UserAgent         string `yaml:"user_agent"`
	TickIntervalSec   int    `yaml:"tick_interval_sec"`
	Concurrency       int    `yaml:"concurrency"`
	CheckTimeoutSec   int    `yaml:"check_timeout_sec"`
	SnapshotDir       string `yaml:"snapshot_dir"`
	WebhookURL        string `yaml:"webhook_url"`
	WebhookTimeoutSec int    `yaml:"webhook_timeout_sec"`
}

// LoadConfigFile reads a YAML config file. Missing keys keep their
// defaults.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg := &Config{
		Fetch: fetch.Config{
			Timeout:   time.Duration(fc.FetchTimeoutSec) * time.Second,
			MaxBytes:  fc.MaxBytes,
			UserAgent: fc.UserAgent,
		},
		Scheduler: scheduler.Config{
			TickInterval: time.Duration(fc.TickIntervalSec) * time.Second,
			Concurrency:  fc.Concurrency,
			CheckTimeout: time.Duration(fc.CheckTimeoutSec) * time.Second,
		},
		SnapshotDir:    fc.SnapshotDir,
		WebhookURL:     fc.WebhookURL,
		WebhookTimeout: time.Duration(fc.WebhookTimeoutSec) * time.Second,
	}
	cfg.defaults()
	return cfg, nil
}
