package main

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dryousufmesalm/bot-app-sub002/internal/config"
	"github.com/dryousufmesalm/bot-app-sub002/internal/models"
	"github.com/dryousufmesalm/bot-app-sub002/internal/storage"
)

func TestBuildLogger(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.LoggingConfig
		level   logrus.Level
		json    bool
		wantErr bool
	}{
		{name: "debug text", cfg: config.LoggingConfig{Level: "debug", Format: "text"}, level: logrus.DebugLevel},
		{name: "info json", cfg: config.LoggingConfig{Level: "info", Format: "json"}, level: logrus.InfoLevel, json: true},
		{name: "default format", cfg: config.LoggingConfig{Level: "warn"}, level: logrus.WarnLevel},
		{name: "bad level", cfg: config.LoggingConfig{Level: "chatty"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := buildLogger(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.level, logger.GetLevel())
			if tt.json {
				assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)
			} else {
				assert.IsType(t, &logrus.TextFormatter{}, logger.Formatter)
			}
		})
	}
}

func TestOpenStore(t *testing.T) {
	dir := t.TempDir()

	store, err := openStore(config.StorageConfig{
		Driver: storage.DriverSQLite,
		Path:   filepath.Join(dir, "data", "bot.db"),
	})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, err = openStore(config.StorageConfig{Driver: "oracle"})
	assert.ErrorIs(t, err, storage.ErrUnknownDriver)
}

func TestSupervisorConfig(t *testing.T) {
	cfg := &config.Config{
		Remote: config.RemoteConfig{TokenRefresh: "24h"},
		Trading: config.TradingConfig{
			TickInterval:    "250ms",
			SyncDelay:       "100ms",
			MetricsInterval: "2s",
			ErrorSleep:      "3s",
			PruneEvery:      50,
			ProcessedCap:    500,
		},
	}

	got := supervisorConfig(cfg)

	assert.Equal(t, 250*time.Millisecond, got.TickInterval)
	assert.Equal(t, 250*time.Millisecond, got.EventInterval)
	assert.Equal(t, 2*time.Second, got.MetricsInterval)
	assert.Equal(t, 2*time.Second, got.SymbolInterval)
	assert.Equal(t, 24*time.Hour, got.TokenMaxAge)
	assert.Equal(t, 500, got.ProcessedCap)
	assert.Equal(t, 50, got.PruneEvery)
	assert.Equal(t, 100*time.Millisecond, got.Reconcile.SyncDelay)
	assert.Equal(t, 3*time.Second, got.Reconcile.ErrorSleep)
}

func TestMockPaths(t *testing.T) {
	bots := []models.Bot{
		{ID: "b1", Symbol: "EURUSD"},
		{ID: "b2", Symbol: "GBPUSD"},
		{ID: "b3", Symbol: "EURUSD"},
		{ID: "b4"},
	}

	paths := mockPaths(bots)
	require.Len(t, paths, 2)
	assert.Equal(t, "EURUSD", paths[0].Symbol)
	assert.Equal(t, "GBPUSD", paths[1].Symbol)
	assert.NotEqual(t, paths[0].Seed, paths[1].Seed)

	fallback := mockPaths(nil)
	require.Len(t, fallback, 1)
	assert.Equal(t, "EURUSD", fallback[0].Symbol)
}
