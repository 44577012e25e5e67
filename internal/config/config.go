package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	// HTTP
	ListenAddr string `mapstructure:"listen-addr"`

	// Database paths
	RegistryPath string `mapstructure:"registry-path"`
	FSMDBPath    string `mapstructure:"fsm-db-path"`

	// Catalog
	CatalogPath string `mapstructure:"catalog-path"`

	// Docker
	DockerNetwork    string `mapstructure:"docker-network"`
	AdvertiseAddr    string `mapstructure:"advertise-addr"`
	StopGraceSeconds int    `mapstructure:"stop-grace-seconds"`

	// Attachments (optional; disabled when the bucket is empty)
	AttachmentBucket  string `mapstructure:"attachment-bucket"`
	AttachmentRegion  string `mapstructure:"attachment-region"`
	MaxAttachmentSize int64  `mapstructure:"max-attachment-size"`

	// Working directory
	WorkDir string `mapstructure:"work-dir"`

	// Operation timeouts per class
	CreateTimeout time.Duration `mapstructure:"create-timeout"`
	StopTimeout   time.Duration `mapstructure:"stop-timeout"`
	ProbeTimeout  time.Duration `mapstructure:"probe-timeout"`

	// Reaper
	ReapInterval time.Duration `mapstructure:"reap-interval"`
	OrphanGrace  time.Duration `mapstructure:"orphan-grace"`
	StrikeLimit  int           `mapstructure:"strike-limit"`

	// Lifecycle
	DefaultTimeBudget time.Duration `mapstructure:"default-time-budget"`
	CASRetries        int           `mapstructure:"cas-retries"`
	FSMMaxRetries     int           `mapstructure:"fsm-max-retries"`
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	// Set defaults
	viper.SetDefault("listen-addr", ":8380")
	viper.SetDefault("registry-path", ".artifacts/registry.db")
	viper.SetDefault("fsm-db-path", ".artifacts/fsm.db")
	viper.SetDefault("catalog-path", "labs.yaml")
	viper.SetDefault("docker-network", "")
	viper.SetDefault("advertise-addr", "127.0.0.1")
	viper.SetDefault("stop-grace-seconds", 5)
	viper.SetDefault("attachment-bucket", "")
	viper.SetDefault("attachment-region", "us-east-1")
	viper.SetDefault("max-attachment-size", int64(256*1024*1024))
	viper.SetDefault("work-dir", "/tmp/labd")
	viper.SetDefault("create-timeout", 30*time.Second)
	viper.SetDefault("stop-timeout", 10*time.Second)
	viper.SetDefault("probe-timeout", 5*time.Second)
	viper.SetDefault("reap-interval", 30*time.Second)
	viper.SetDefault("orphan-grace", 90*time.Second)
	viper.SetDefault("strike-limit", 2)
	viper.SetDefault("default-time-budget", time.Hour)
	viper.SetDefault("cas-retries", 3)
	viper.SetDefault("fsm-max-retries", 3)

	// Environment variables (will be LABD_LISTEN_ADDR, etc.)
	viper.SetEnvPrefix("LABD")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Config file (optional)
	viper.SetConfigName("labd")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.labd")

	// Read config file (ignore if not found)
	_ = viper.ReadInConfig()

	// Unmarshal into config struct
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen-addr cannot be empty")
	}
	if c.RegistryPath == "" {
		return fmt.Errorf("registry-path cannot be empty")
	}
	if c.FSMDBPath == "" {
		return fmt.Errorf("fsm-db-path cannot be empty")
	}
	if c.CatalogPath == "" {
		return fmt.Errorf("catalog-path cannot be empty")
	}
	if c.CreateTimeout <= 0 || c.StopTimeout <= 0 || c.ProbeTimeout <= 0 {
		return fmt.Errorf("operation timeouts must be positive")
	}
	if c.ReapInterval <= 0 {
		return fmt.Errorf("reap-interval must be positive")
	}
	if c.OrphanGrace <= 0 {
		return fmt.Errorf("orphan-grace must be positive")
	}
	if c.StrikeLimit < 1 {
		return fmt.Errorf("strike-limit must be at least 1")
	}
	if c.DefaultTimeBudget <= 0 {
		return fmt.Errorf("default-time-budget must be positive")
	}
	if c.FSMMaxRetries < 0 {
		return fmt.Errorf("fsm-max-retries must be non-negative")
	}
	return nil
}
