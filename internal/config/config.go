package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	ManifestURL     string        `envconfig:"MANIFEST_URL" default:"https://da.vtcm.link/other/tmpFileList"`
	ManifestToken   string        `envconfig:"MANIFEST_TOKEN"`
	ManifestTimeout time.Duration `envconfig:"MANIFEST_TIMEOUT" default:"10s"`
	DownloadTimeout time.Duration `envconfig:"DOWNLOAD_TIMEOUT" default:"30s"`
	UserAgent       string        `envconfig:"USER_AGENT" default:"TMP-Update-Tool/1.0.0"`

	// TargetDir falls back to the launcher's install path when empty.
	TargetDir          string `envconfig:"TARGET_DIR"`
	LauncherConfigPath string `envconfig:"LAUNCHER_CONFIG_PATH"`
	PrivilegeProbeDir  string `envconfig:"PRIVILEGE_PROBE_DIR"`

	MaxParallel    int           `envconfig:"MAX_PARALLEL" default:"1"`
	MaxRetries     int           `envconfig:"MAX_RETRIES" default:"0"`
	RunOnce        bool          `envconfig:"RUN_ONCE" default:"true"`
	UpdateInterval time.Duration `envconfig:"UPDATE_INTERVAL" default:"1h"`

	LogLevel          string `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`
	DBPath            string `envconfig:"DB_PATH" default:"sync_history.db"`

	Telemetry struct {
		Enabled      bool          `split_words:"true" default:"true"`
		ServiceName  string        `split_words:"true" default:"manifest_syncer"`
		OTLPEndpoint string        `envconfig:"OTLP_ENDPOINT"`
		OTLPInterval time.Duration `envconfig:"OTLP_INTERVAL" default:"30s"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9091"`
		Username        string        `split_words:"true"`
		Password        string        `split_words:"true"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.ManifestURL == "" {
		return fmt.Errorf("MANIFEST_URL must not be empty")
	}

	if c.MaxParallel < 1 {
		return fmt.Errorf("MAX_PARALLEL must be at least 1, got %d", c.MaxParallel)
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES must not be negative, got %d", c.MaxRetries)
	}

	if !c.RunOnce && c.UpdateInterval <= 0 {
		return fmt.Errorf("UPDATE_INTERVAL must be positive when RUN_ONCE is false")
	}

	return nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
