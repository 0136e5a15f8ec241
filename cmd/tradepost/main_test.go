package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tradepost "github.com/tradepost/tradepost-go"
)

func TestSetConfigValue(t *testing.T) {
	tests := []struct {
		key, value string
		wantErr    bool
		check      func(t *testing.T, cfg *Config)
	}{
		{key: "default.token", value: "tp_live_abc", check: func(t *testing.T, cfg *Config) {
			assert.Equal(t, "tp_live_abc", cfg.Default.Token)
		}},
		{key: "default.email", value: "me@example.com", check: func(t *testing.T, cfg *Config) {
			assert.Equal(t, "me@example.com", cfg.Default.Email)
		}},
		{key: "store.backend", value: "sqlite", check: func(t *testing.T, cfg *Config) {
			assert.Equal(t, "sqlite", cfg.Store.Backend)
		}},
		{key: "store.backend", value: "mysql", wantErr: true},
		{key: "realtime.transport", value: "sse", check: func(t *testing.T, cfg *Config) {
			assert.Equal(t, "sse", cfg.Realtime.Transport)
		}},
		{key: "realtime.transport", value: "carrier-pigeon", wantErr: true},
		{key: "chat.poll_interval", value: "15s", check: func(t *testing.T, cfg *Config) {
			assert.Equal(t, "15s", cfg.Chat.PollInterval)
		}},
		{key: "chat.poll_interval", value: "often", wantErr: true},
		{key: "toast.ttl", value: "-1s", wantErr: true},
		{key: "log.level", value: "debug", check: func(t *testing.T, cfg *Config) {
			assert.Equal(t, "debug", cfg.Log.Level)
		}},
		{key: "token", value: "x", wantErr: true},
		{key: "default.nope", value: "x", wantErr: true},
		{key: "nope.field", value: "x", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			cfg := &Config{}
			err := setConfigValue(cfg, tt.key, tt.value)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestParseDuration(t *testing.T) {
	d, err := parseDuration("", 7*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 7*time.Second, d)

	d, err = parseDuration("250ms", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)

	_, err = parseDuration("0s", time.Second)
	assert.Error(t, err)
	_, err = parseDuration("soon", time.Second)
	assert.Error(t, err)
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "****", maskKey("short"))
	assert.Equal(t, "tp_l...wxyz", maskKey("tp_live_0123456789wxyz"))
}

func TestConfigFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg, err := loadConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, &Config{}, cfg)

	require.NoError(t, setConfigValue(cfg, "default.token", "tp_live_abc"))
	require.NoError(t, setConfigValue(cfg, "default.user_id", "u-1"))
	require.NoError(t, setConfigValue(cfg, "realtime.transport", "redis"))
	require.NoError(t, setConfigValue(cfg, "realtime.redis_url", "redis://localhost:6379/0"))
	require.NoError(t, saveConfigFile(path, cfg))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := loadConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestLoadConfigFile_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[default\ntoken = "), 0o600))

	_, err := loadConfigFile(path)
	assert.ErrorContains(t, err, "cannot parse config")
}

func TestOpenStore_Memory(t *testing.T) {
	store, err := openStore(&Config{Store: ConfigStore{Backend: "memory"}})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, err = openStore(&Config{Store: ConfigStore{Backend: "etcd"}})
	assert.Error(t, err)
}

func TestOpenStore_SQLitePath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feed.db")
	store, err := openStore(&Config{Store: ConfigStore{Backend: "sqlite", Path: path}})
	require.NoError(t, err)
	require.NoError(t, store.Set("k", []byte("v")))
	require.NoError(t, store.Close())

	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestNewEngine_RecordsServedMetrics(t *testing.T) {
	a := &app{
		cfg:   &Config{},
		log:   zerolog.Nop(),
		store: tradepost.NewMemoryStore(),
		bus:   tradepost.NewDispatcher(),
	}
	stop := a.serveMetrics("127.0.0.1:0")
	defer stop()
	require.NotNil(t, a.metrics)

	engine, err := a.newEngine(context.Background(), false)
	require.NoError(t, err)
	defer engine.Close()

	engine.AddNotification(tradepost.Notification{ID: "n1", Title: "hello"})
	engine.AddNotification(tradepost.Notification{ID: "n1", Title: "hello"})

	assert.Equal(t, 1.0, testutil.ToFloat64(a.metrics.NotificationsAdded.WithLabelValues("local")))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.metrics.NotificationsDuplicate))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.metrics.NotificationsUnread))
}
