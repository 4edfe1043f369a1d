// Package config loads and watches the daemon's YAML configuration.
//
// All duration fields are Go duration strings ("500ms", "30s", "15m").
// Unknown keys are rejected so typos fail loudly at startup.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"

	"assistbot/internal/notifier"
	"assistbot/internal/scheduler"
	"assistbot/internal/store"
	"assistbot/pkg/logx"
)

type Config struct {
	Telegram  TelegramConfig  `yaml:"telegram"`
	Logging   LoggingConfig   `yaml:"logging"`
	Database  DatabaseConfig  `yaml:"database"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Notifier  NotifierConfig  `yaml:"notifier"`
	Redis     RedisConfig     `yaml:"redis"`
	Ops       OpsConfig       `yaml:"ops"`
}

type TelegramConfig struct {
	Token       string `yaml:"token"`
	PollTimeout string `yaml:"poll_timeout"`
}

type LoggingConfig struct {
	Level   string     `yaml:"level"`
	Console bool       `yaml:"console"`
	File    FileConfig `yaml:"file"`
}

type FileConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type DatabaseConfig struct {
	Path        string `yaml:"path"`
	BusyTimeout string `yaml:"busy_timeout"`
}

type SchedulerConfig struct {
	PollInterval   string                 `yaml:"poll_interval"`
	Workers        int                    `yaml:"workers"`
	QueueSize      int                    `yaml:"queue_size"`
	HandlerTimeout string                 `yaml:"handler_timeout"`
	Retry          RetryConfig            `yaml:"retry"`
	RetryByType    map[string]RetryConfig `yaml:"retry_by_type"`
}

type RetryConfig struct {
	MaxAttempts int    `yaml:"max_attempts"`
	Base        string `yaml:"base"`
	MaxDelay    string `yaml:"max_delay"`
}

type NotifierConfig struct {
	Workers       int    `yaml:"workers"`
	QueueSize     int    `yaml:"queue_size"`
	RatePerSec    int    `yaml:"rate_per_sec"`
	RetryMax      int    `yaml:"retry_max"`
	RetryBase     string `yaml:"retry_base"`
	RetryMaxDelay string `yaml:"retry_max_delay"`
	DedupWindow   string `yaml:"dedup_window"`
}

// RedisConfig is optional; a non-empty addr turns on cross-process task
// leases.
type RedisConfig struct {
	Addr        string `yaml:"addr"`
	LeasePrefix string `yaml:"lease_prefix"`
}

type OpsConfig struct {
	Enabled            bool   `yaml:"enabled"`
	Addr               string `yaml:"addr"`
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute"`
}

// Load reads, strictly decodes, and validates the config file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parse(b)
}

func parse(b []byte) (*Config, error) {
	dec := yaml.NewDecoder(strings.NewReader(string(b)))
	dec.KnownFields(true)
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		// Token may come from the environment instead of the file.
		if os.Getenv("TELEGRAM_BOT_TOKEN") == "" {
			return errors.New("config: telegram.token (or TELEGRAM_BOT_TOKEN) is required")
		}
		c.Telegram.Token = os.Getenv("TELEGRAM_BOT_TOKEN")
	}
	if strings.TrimSpace(c.Database.Path) == "" {
		return errors.New("config: database.path is required")
	}
	if c.Ops.Enabled && strings.TrimSpace(c.Ops.Addr) == "" {
		return errors.New("config: ops.addr is required when ops.enabled")
	}
	// Parse every duration once so bad values fail at load, not at use.
	if _, err := c.SchedulerConfig(); err != nil {
		return err
	}
	if _, err := c.NotifierConfig(); err != nil {
		return err
	}
	if _, err := c.StoreConfig(); err != nil {
		return err
	}
	return nil
}

func (c *Config) LogxConfig() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File: logx.FileConfig{
			Enabled: c.Logging.File.Enabled,
			Path:    c.Logging.File.Path,
		},
	}
}

func (c *Config) StoreConfig() (store.Config, error) {
	busy, err := ParseDurationField("database.busy_timeout", c.Database.BusyTimeout)
	if err != nil {
		return store.Config{}, err
	}
	return store.Config{Path: c.Database.Path, BusyTimeout: busy}, nil
}

func (c *Config) SchedulerConfig() (scheduler.Config, error) {
	poll, err := ParseDurationField("scheduler.poll_interval", c.Scheduler.PollInterval)
	if err != nil {
		return scheduler.Config{}, err
	}
	timeout, err := ParseDurationField("scheduler.handler_timeout", c.Scheduler.HandlerTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	retry, err := c.Scheduler.Retry.policy("scheduler.retry")
	if err != nil {
		return scheduler.Config{}, err
	}
	var byType map[string]scheduler.Policy
	if len(c.Scheduler.RetryByType) > 0 {
		byType = make(map[string]scheduler.Policy, len(c.Scheduler.RetryByType))
		for typ, rc := range c.Scheduler.RetryByType {
			p, err := rc.policy("scheduler.retry_by_type." + typ)
			if err != nil {
				return scheduler.Config{}, err
			}
			byType[typ] = p
		}
	}
	return scheduler.Config{
		PollInterval:   poll,
		Workers:        c.Scheduler.Workers,
		QueueSize:      c.Scheduler.QueueSize,
		HandlerTimeout: timeout,
		Retry:          retry,
		RetryByType:    byType,
	}, nil
}

func (rc RetryConfig) policy(path string) (scheduler.Policy, error) {
	base, err := ParseDurationField(path+".base", rc.Base)
	if err != nil {
		return scheduler.Policy{}, err
	}
	maxDelay, err := ParseDurationField(path+".max_delay", rc.MaxDelay)
	if err != nil {
		return scheduler.Policy{}, err
	}
	return scheduler.Policy{MaxAttempts: rc.MaxAttempts, Base: base, MaxDelay: maxDelay}, nil
}

func (c *Config) NotifierConfig() (notifier.Config, error) {
	base, err := ParseDurationField("notifier.retry_base", c.Notifier.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	maxDelay, err := ParseDurationField("notifier.retry_max_delay", c.Notifier.RetryMaxDelay)
	if err != nil {
		return notifier.Config{}, err
	}
	dedup, err := ParseDurationField("notifier.dedup_window", c.Notifier.DedupWindow)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Workers:       c.Notifier.Workers,
		QueueSize:     c.Notifier.QueueSize,
		RatePerSec:    c.Notifier.RatePerSec,
		RetryMax:      c.Notifier.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		DedupWindow:   dedup,
	}, nil
}

func (c *Config) TelegramPollTimeout() (time.Duration, error) {
	return ParseDurationField("telegram.poll_timeout", c.Telegram.PollTimeout)
}
