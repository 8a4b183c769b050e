package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const validYAML = `
logging:
  level: debug
remote:
  url: https://pb.example.com
  identity: bots@example.com
  password: secret
storage:
  driver: sqlite
  path: data/test.db
accounts:
  - id: acct-1
    name: demo
    broker:
      bridge_url: http://127.0.0.1:8228
      login: 100123
      server: Demo-Server
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("Expected config to load successfully, got error: %v", err)
	}

	if cfg.Remote.URL != "https://pb.example.com" {
		t.Errorf("remote url = %q", cfg.Remote.URL)
	}
	if cfg.Remote.AuthCollection != "users" {
		t.Errorf("auth collection should default to users, got %q", cfg.Remote.AuthCollection)
	}
	if cfg.TickInterval() != time.Second {
		t.Errorf("tick interval should default to 1s, got %v", cfg.TickInterval())
	}
	if cfg.SyncDelay() != 500*time.Millisecond {
		t.Errorf("sync delay should default to 500ms, got %v", cfg.SyncDelay())
	}
	if cfg.TokenRefresh() != 168*time.Hour {
		t.Errorf("token refresh should default to 7 days, got %v", cfg.TokenRefresh())
	}
	if cfg.Trading.ProcessedCap != 1000 {
		t.Errorf("processed cap should default to 1000, got %d", cfg.Trading.ProcessedCap)
	}
	if cfg.Trading.PruneEvery != 100 {
		t.Errorf("prune interval should default to 100, got %d", cfg.Trading.PruneEvery)
	}
}

func TestLoad_InvalidPath(t *testing.T) {
	_, err := Load("nonexistent.yaml")
	if err == nil {
		t.Error("Expected error when loading nonexistent config file, got nil")
	}
}

func TestLoad_UnknownFieldRejected(t *testing.T) {
	_, err := Load(writeConfig(t, validYAML+"\nunknown_toplevel: true\n"))
	if err == nil {
		t.Error("Expected unknown fields to be rejected")
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("POCKETBASE_URL", "https://override.example.com")
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Remote.URL != "https://override.example.com" {
		t.Errorf("POCKETBASE_URL should override remote.url, got %q", cfg.Remote.URL)
	}
}

func TestValidate_Errors(t *testing.T) {
	base := func() *Config {
		c := &Config{
			Remote:  RemoteConfig{Identity: "bots@example.com", Password: "secret"},
			Storage: StorageConfig{Driver: "sqlite", Path: "data/test.db"},
			Accounts: []AccountConfig{
				{ID: "acct-1", Broker: BrokerConfig{BridgeURL: "http://127.0.0.1:8228"}},
			},
		}
		c.normalize()
		return c
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing identity", func(c *Config) { c.Remote.Identity = "" }},
		{"missing password", func(c *Config) { c.Remote.Password = "" }},
		{"bad driver", func(c *Config) { c.Storage.Driver = "oracle" }},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = "postgres"; c.Storage.DSN = "" }},
		{"no accounts", func(c *Config) { c.Accounts = nil }},
		{"account without id", func(c *Config) { c.Accounts[0].ID = "" }},
		{"account without bridge", func(c *Config) { c.Accounts[0].Broker.BridgeURL = "" }},
		{"duplicate account id", func(c *Config) {
			c.Accounts = append(c.Accounts, c.Accounts[0])
		}},
		{"bad tick interval", func(c *Config) { c.Trading.TickInterval = "soon" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"dashboard bad port", func(c *Config) { c.Dashboard.Enabled = true; c.Dashboard.Port = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			if err := c.Validate(); err == nil {
				t.Errorf("expected validation error for %s", tt.name)
			}
		})
	}

	if err := base().Validate(); err != nil {
		t.Errorf("base config should validate, got %v", err)
	}
}
