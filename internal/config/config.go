// Package config loads retentiond settings from YAML and environment overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"github.com/robfig/cron/v3"

	"github.com/stellarlinkco/retentiond/internal/scoring"
)

const (
	DefaultModel             = "claude-sonnet-4-5-20250929"
	DefaultMaxTokens         = 512
	DefaultTemperature       = 0.7
	DefaultGenerationTimeout = 30 * time.Second
	DefaultCron              = "0 0 10,18 * * *"
	DefaultStartupDelay      = 2 * time.Minute
	DefaultActionDelay       = 3 * time.Second
	DefaultTimezone          = "UTC"
	DefaultMetricsAddr       = "127.0.0.1:9464"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"

	envPrefix = "RETENTIOND_"
)

// CronParser accepts the six-field expressions used by the scheduler.
var CronParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type Config struct {
	Database DatabaseConfig `koanf:"database"`
	Provider ProviderConfig `koanf:"provider"`
	Channels ChannelsConfig `koanf:"channels"`
	Schedule ScheduleConfig `koanf:"schedule"`
	Scoring  scoring.Tuning `koanf:"scoring"`
	Metrics  MetricsConfig  `koanf:"metrics"`
	Log      LogConfig      `koanf:"log"`
}

type DatabaseConfig struct {
	Path string `koanf:"path"`
}

type ProviderConfig struct {
	Type        string        `koanf:"type"` // "anthropic" (default) or "openai"
	APIKey      string        `koanf:"api_key"`
	BaseURL     string        `koanf:"base_url"`
	Model       string        `koanf:"model"`
	MaxTokens   int           `koanf:"max_tokens"`
	Temperature float64       `koanf:"temperature"`
	Timeout     time.Duration `koanf:"timeout"`
}

type ChannelsConfig struct {
	WhatsApp WhatsAppConfig `koanf:"whatsapp"`
	Telegram TelegramConfig `koanf:"telegram"`
}

type WhatsAppConfig struct {
	Enabled   bool   `koanf:"enabled"`
	StorePath string `koanf:"store_path"`
}

type TelegramConfig struct {
	Enabled bool `koanf:"enabled"`
	// Bots maps a tenant channel ID to the bot token that serves it.
	Bots  map[string]string `koanf:"bots"`
	Proxy string            `koanf:"proxy"`
}

// ScheduleConfig drives the periodic cycle. A negative StartupDelay skips the
// run that otherwise follows boot.
type ScheduleConfig struct {
	Enabled      bool          `koanf:"enabled"`
	Cron         string        `koanf:"cron"`
	StartupDelay time.Duration `koanf:"startup_delay"`
	ActionDelay  time.Duration `koanf:"action_delay"`
	Timezone     string        `koanf:"timezone"`
}

type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // "json" or "console"
}

func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{Path: filepath.Join(ConfigDir(), "retention.db")},
		Provider: ProviderConfig{
			Model:       DefaultModel,
			MaxTokens:   DefaultMaxTokens,
			Temperature: DefaultTemperature,
			Timeout:     DefaultGenerationTimeout,
		},
		Channels: ChannelsConfig{
			WhatsApp: WhatsAppConfig{
				Enabled:   true,
				StorePath: filepath.Join(ConfigDir(), "whatsapp-store.db"),
			},
		},
		Schedule: ScheduleConfig{
			Enabled:      true,
			Cron:         DefaultCron,
			StartupDelay: DefaultStartupDelay,
			ActionDelay:  DefaultActionDelay,
			Timezone:     DefaultTimezone,
		},
		Scoring: scoring.DefaultTuning(),
		Metrics: MetricsConfig{Enabled: true, Addr: DefaultMetricsAddr},
		Log:     LogConfig{Level: DefaultLogLevel, Format: DefaultLogFormat},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".retentiond")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// LoadConfig reads the default config file.
func LoadConfig() (*Config, error) {
	return Load(ConfigPath())
}

// Load layers the YAML file at path and RETENTIOND_* variables over the defaults.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := DefaultConfig()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	applyProviderEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// envKey maps RETENTIOND_SECTION_FIELD_NAME to section.field_name.
// Channel settings carry one more level: RETENTIOND_CHANNELS_TELEGRAM_PROXY.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, envPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	if parts[0] == "channels" {
		sub := strings.SplitN(parts[1], "_", 2)
		if len(sub) == 2 {
			return "channels." + sub[0] + "." + sub[1]
		}
	}
	return parts[0] + "." + parts[1]
}

// applyProviderEnv honors the provider SDK variables when nothing more specific is set.
func applyProviderEnv(cfg *Config) {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
		if cfg.Provider.Type == "" {
			cfg.Provider.Type = "openai"
		}
	}
	if url := os.Getenv("ANTHROPIC_BASE_URL"); url != "" && cfg.Provider.BaseURL == "" {
		cfg.Provider.BaseURL = url
	}
}

func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Database.Path) == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	switch c.Provider.Type {
	case "", "anthropic", "openai":
	default:
		errs = append(errs, fmt.Errorf("provider.type %q is not supported", c.Provider.Type))
	}
	if _, err := CronParser.Parse(c.Schedule.Cron); err != nil {
		errs = append(errs, fmt.Errorf("schedule.cron %q: %w", c.Schedule.Cron, err))
	}
	if c.Schedule.ActionDelay < 0 {
		errs = append(errs, errors.New("schedule.action_delay must not be negative"))
	}
	if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("schedule.timezone %q: %w", c.Schedule.Timezone, err))
	}
	if err := c.Scoring.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("scoring: %w", err))
	}
	if c.Channels.Telegram.Enabled && len(c.Channels.Telegram.Bots) == 0 {
		errs = append(errs, errors.New("channels.telegram.bots is required when telegram is enabled"))
	}
	return errors.Join(errs...)
}

// Location returns the default timezone for tenants without their own.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// SaveConfig writes cfg as YAML to the default path.
func SaveConfig(cfg *Config) error {
	return Save(cfg, ConfigPath())
}

func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	m, err := cfg.toMap()
	if err != nil {
		return err
	}
	data, err := yaml.Parser().Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

func (c *Config) toMap() (map[string]interface{}, error) {
	// Tuning already carries json tags matching its koanf keys.
	raw, err := json.Marshal(c.Scoring)
	if err != nil {
		return nil, fmt.Errorf("marshal scoring: %w", err)
	}
	var tuning map[string]interface{}
	if err := json.Unmarshal(raw, &tuning); err != nil {
		return nil, fmt.Errorf("decode scoring: %w", err)
	}

	bots := map[string]interface{}{}
	for id, token := range c.Channels.Telegram.Bots {
		bots[id] = token
	}

	return map[string]interface{}{
		"database": map[string]interface{}{"path": c.Database.Path},
		"provider": map[string]interface{}{
			"type":        c.Provider.Type,
			"api_key":     c.Provider.APIKey,
			"base_url":    c.Provider.BaseURL,
			"model":       c.Provider.Model,
			"max_tokens":  c.Provider.MaxTokens,
			"temperature": c.Provider.Temperature,
			"timeout":     c.Provider.Timeout.String(),
		},
		"channels": map[string]interface{}{
			"whatsapp": map[string]interface{}{
				"enabled":    c.Channels.WhatsApp.Enabled,
				"store_path": c.Channels.WhatsApp.StorePath,
			},
			"telegram": map[string]interface{}{
				"enabled": c.Channels.Telegram.Enabled,
				"bots":    bots,
				"proxy":   c.Channels.Telegram.Proxy,
			},
		},
		"schedule": map[string]interface{}{
			"enabled":       c.Schedule.Enabled,
			"cron":          c.Schedule.Cron,
			"startup_delay": c.Schedule.StartupDelay.String(),
			"action_delay":  c.Schedule.ActionDelay.String(),
			"timezone":      c.Schedule.Timezone,
		},
		"scoring": tuning,
		"metrics": map[string]interface{}{"enabled": c.Metrics.Enabled, "addr": c.Metrics.Addr},
		"log":     map[string]interface{}{"level": c.Log.Level, "format": c.Log.Format},
	}, nil
}
