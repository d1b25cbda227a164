package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App      AppConfig       `yaml:"app"`
	Database DatabaseConfig  `yaml:"database"`
	Redis    RedisConfig     `yaml:"redis"`
	Logging  LoggingConfig   `yaml:"logging"`
	Sync     SyncConfig      `yaml:"sync"`
	Workers  WorkerConfig    `yaml:"workers"`
	Webhook  WebhookConfig   `yaml:"webhook"`
	Google   GoogleConfig    `yaml:"google"`
	Assist   AssistConfig    `yaml:"assist"`
	Routing  RoutingConfig   `yaml:"routing"`
	Exports  ExportConfig    `yaml:"exports"`
	Accounts []AccountConfig `yaml:"accounts"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type SyncConfig struct {
	PubsubTopic             string `yaml:"pubsub_topic"`
	FallbackIntervalMinutes int    `yaml:"fallback_interval_minutes"`
	FullSyncIntervalHours   int    `yaml:"full_sync_interval_hours"`
	FullSyncDays            int    `yaml:"full_sync_days"`
	WatchRenewalHours       int    `yaml:"watch_renewal_hours"`
}

type WorkerConfig struct {
	Concurrency         int `yaml:"concurrency"`
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
	StalledGraceMinutes int `yaml:"stalled_grace_minutes"`
	RetentionDays       int `yaml:"retention_days"`
}

type WebhookConfig struct {
	Enabled   bool    `yaml:"enabled"`
	Port      int     `yaml:"port"`
	RateRPS   float64 `yaml:"rate_rps"`
	RateBurst int     `yaml:"rate_burst"`
}

type GoogleConfig struct {
	CredentialsFile string `yaml:"credentials_file"`
	TokenDir        string `yaml:"token_dir"`
}

type AssistConfig struct {
	Endpoint       string  `yaml:"endpoint"`
	APIKey         string  `yaml:"api_key"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	RPS            float64 `yaml:"rps"`
	Burst          int     `yaml:"burst"`
}

type RoutingConfig struct {
	RulesFile string `yaml:"rules_file"`
}

type ExportConfig struct {
	Path string `yaml:"path"`
}

type AccountConfig struct {
	Email       string `yaml:"email"`
	DisplayName string `yaml:"display_name"`
}

func Load(configPath string) (*Config, error) {
	// .env is optional; real environment always wins over it.
	if err := godotenv.Load(".env"); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	// Expand ${VAR} placeholders before parsing.
	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}

	if c.Workers.Concurrency < 1 {
		return errors.New("workers concurrency must be at least 1")
	}

	return ValidateAccounts(c.Accounts)
}

func ValidateAccounts(accounts []AccountConfig) error {
	// Duplicate mailboxes would double every triage pass.
	seen := make(map[string]bool)
	for _, a := range accounts {
		if a.Email == "" {
			return errors.New("account with empty email")
		}
		if seen[a.Email] {
			return fmt.Errorf("duplicate account email found: %s", a.Email)
		}
		seen[a.Email] = true
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "inboxpilot"
	}
	if c.Webhook.Enabled && c.Webhook.Port == 0 {
		c.Webhook.Port = 8080
	}
	if c.Webhook.RateRPS == 0 {
		c.Webhook.RateRPS = 10
	}
	if c.Webhook.RateBurst == 0 {
		c.Webhook.RateBurst = 20
	}

	// Worker defaults
	if c.Workers.Concurrency == 0 {
		c.Workers.Concurrency = 3
	}
	if c.Workers.PollIntervalSeconds == 0 {
		c.Workers.PollIntervalSeconds = 2
	}
	if c.Workers.StalledGraceMinutes == 0 {
		c.Workers.StalledGraceMinutes = 10
	}
	if c.Workers.RetentionDays == 0 {
		c.Workers.RetentionDays = 7
	}

	// Sync cadence defaults
	if c.Sync.FallbackIntervalMinutes == 0 {
		c.Sync.FallbackIntervalMinutes = 15
	}
	if c.Sync.FullSyncIntervalHours == 0 {
		c.Sync.FullSyncIntervalHours = 12
	}
	if c.Sync.FullSyncDays == 0 {
		c.Sync.FullSyncDays = 3
	}
	if c.Sync.WatchRenewalHours == 0 {
		c.Sync.WatchRenewalHours = 24
	}

	if c.Assist.RPS == 0 {
		c.Assist.RPS = 1
	}
	if c.Assist.Burst == 0 {
		c.Assist.Burst = 2
	}
	if c.Assist.TimeoutSeconds == 0 {
		c.Assist.TimeoutSeconds = 120
	}
	if c.Routing.RulesFile == "" {
		c.Routing.RulesFile = "configs/routing.yaml"
	}
	if c.Exports.Path == "" {
		c.Exports.Path = "exports"
	}
}
