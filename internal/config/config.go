// Package config provides configuration management for the orchestrator.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

const (
	// defaultRemoteURL is the remote document store used when neither the
	// config file nor POCKETBASE_URL names one.
	defaultRemoteURL = "http://127.0.0.1:8090"
	// defaultAuthCollection is the remote auth collection.
	defaultAuthCollection = "users"
	// defaultStoragePath is the local store file under the working directory.
	defaultStoragePath = "data/bot_app.db"

	defaultTickInterval    = "1s"
	defaultSyncDelay       = "500ms"
	defaultMetricsInterval = "1s"
	defaultErrorSleep      = "5s"
	defaultTokenRefresh    = "168h" // 7 days
	defaultPruneEvery      = 100
	defaultProcessedCap    = 1000
)

// Config represents the complete application configuration.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Remote    RemoteConfig    `yaml:"remote"`
	Storage   StorageConfig   `yaml:"storage"`
	Trading   TradingConfig   `yaml:"trading"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Accounts  []AccountConfig `yaml:"accounts"`
}

// LoggingConfig defines log output settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// RemoteConfig defines the remote document store connection.
type RemoteConfig struct {
	URL            string `yaml:"url"`
	AuthCollection string `yaml:"auth_collection"`
	Identity       string `yaml:"identity"`
	Password       string `yaml:"password"`
	TokenRefresh   string `yaml:"token_refresh"`
}

// StorageConfig defines the local store.
type StorageConfig struct {
	Driver string `yaml:"driver"` // sqlite | postgres
	Path   string `yaml:"path"`   // sqlite file path
	DSN    string `yaml:"dsn"`    // postgres DSN
}

// TradingConfig defines loop timing and event bookkeeping.
type TradingConfig struct {
	TickInterval    string `yaml:"tick_interval"`
	SyncDelay       string `yaml:"sync_delay"`
	MetricsInterval string `yaml:"metrics_interval"`
	ErrorSleep      string `yaml:"error_sleep"`
	PruneEvery      int    `yaml:"prune_every"`
	ProcessedCap    int    `yaml:"processed_cap"`
}

// DashboardConfig defines the status HTTP server.
type DashboardConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

// AccountConfig binds one remote account to one broker terminal session.
type AccountConfig struct {
	ID     string       `yaml:"id"` // remote account record id
	Name   string       `yaml:"name"`
	Broker BrokerConfig `yaml:"broker"`
}

// BrokerConfig defines one terminal bridge connection.
type BrokerConfig struct {
	BridgeURL      string `yaml:"bridge_url"`
	TerminalPath   string `yaml:"terminal_path"`
	Login          int64  `yaml:"login"`
	Password       string `yaml:"password"`
	Server         string `yaml:"server"`
	CircuitBreaker bool   `yaml:"circuit_breaker"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	config.normalize()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// normalize fills defaults and applies environment overrides.
func (c *Config) normalize() {
	if url := os.Getenv("POCKETBASE_URL"); url != "" {
		c.Remote.URL = url
	}
	if c.Remote.URL == "" {
		c.Remote.URL = defaultRemoteURL
	}
	if c.Remote.AuthCollection == "" {
		c.Remote.AuthCollection = defaultAuthCollection
	}
	if c.Remote.TokenRefresh == "" {
		c.Remote.TokenRefresh = defaultTokenRefresh
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = defaultStoragePath
	}
	if c.Trading.TickInterval == "" {
		c.Trading.TickInterval = defaultTickInterval
	}
	if c.Trading.SyncDelay == "" {
		c.Trading.SyncDelay = defaultSyncDelay
	}
	if c.Trading.MetricsInterval == "" {
		c.Trading.MetricsInterval = defaultMetricsInterval
	}
	if c.Trading.ErrorSleep == "" {
		c.Trading.ErrorSleep = defaultErrorSleep
	}
	if c.Trading.PruneEvery == 0 {
		c.Trading.PruneEvery = defaultPruneEvery
	}
	if c.Trading.ProcessedCap == 0 {
		c.Trading.ProcessedCap = defaultProcessedCap
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be 'text' or 'json'")
	}

	if c.Remote.Identity == "" {
		return fmt.Errorf("remote.identity is required")
	}
	if c.Remote.Password == "" {
		return fmt.Errorf("remote.password is required")
	}

	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the sqlite driver")
		}
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("storage.driver must be 'sqlite' or 'postgres'")
	}

	if len(c.Accounts) == 0 {
		return fmt.Errorf("at least one account is required")
	}
	seen := make(map[string]bool, len(c.Accounts))
	for i, acct := range c.Accounts {
		if acct.ID == "" {
			return fmt.Errorf("accounts[%d].id is required", i)
		}
		if seen[acct.ID] {
			return fmt.Errorf("accounts[%d].id %q is duplicated", i, acct.ID)
		}
		seen[acct.ID] = true
		if acct.Broker.BridgeURL == "" {
			return fmt.Errorf("accounts[%d].broker.bridge_url is required", i)
		}
	}

	for name, val := range map[string]string{
		"trading.tick_interval":    c.Trading.TickInterval,
		"trading.sync_delay":       c.Trading.SyncDelay,
		"trading.metrics_interval": c.Trading.MetricsInterval,
		"trading.error_sleep":      c.Trading.ErrorSleep,
		"remote.token_refresh":     c.Remote.TokenRefresh,
	} {
		if _, err := time.ParseDuration(val); err != nil {
			return fmt.Errorf("%s invalid: %w", name, err)
		}
	}

	if c.Dashboard.Enabled && (c.Dashboard.Port <= 0 || c.Dashboard.Port > 65535) {
		return fmt.Errorf("dashboard.port must be a valid TCP port")
	}

	return nil
}

// TickInterval returns the strategy loop period.
func (c *Config) TickInterval() time.Duration {
	return durationOr(c.Trading.TickInterval, time.Second)
}

// SyncDelay returns the reconciliation intra-loop delay.
func (c *Config) SyncDelay() time.Duration {
	return durationOr(c.Trading.SyncDelay, 500*time.Millisecond)
}

// MetricsInterval returns the account metrics publish period.
func (c *Config) MetricsInterval() time.Duration {
	return durationOr(c.Trading.MetricsInterval, time.Second)
}

// ErrorSleep returns the pause after a failed reconciliation iteration.
func (c *Config) ErrorSleep() time.Duration {
	return durationOr(c.Trading.ErrorSleep, 5*time.Second)
}

// TokenRefresh returns the remote session refresh period.
func (c *Config) TokenRefresh() time.Duration {
	return durationOr(c.Remote.TokenRefresh, 7*24*time.Hour)
}

func durationOr(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
