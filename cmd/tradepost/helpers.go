package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	tradepost "github.com/tradepost/tradepost-go"
)

const defaultWebhookAddr = ":8787"

// app bundles the services a command needs. Commands call close when done.
type app struct {
	cfg    *Config
	log    zerolog.Logger
	client *tradepost.Client
	store  tradepost.Store
	bus    *tradepost.Dispatcher
	redis  *redis.Client

	// metrics is set by commands that serve /metrics.
	metrics *tradepost.Metrics
}

func newApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	log := newLogger(cfg)

	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	var opts []tradepost.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, tradepost.WithBaseURL(cfg.Default.BaseURL))
	}

	return &app{
		cfg:    cfg,
		log:    log,
		client: tradepost.NewClient(cfg.Default.Token, opts...),
		store:  store,
		bus:    tradepost.NewDispatcher(tradepost.WithDispatcherLogger(log)),
	}, nil
}

func (a *app) close() {
	if a.redis != nil {
		a.redis.Close()
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn().Err(err).Msg("closing store")
	}
}

func newLogger(cfg *Config) zerolog.Logger {
	level := cfg.Log.Level
	if logLevelFlag != "" {
		level = logLevelFlag
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.WarnLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(lvl).
		With().Timestamp().
		Logger()
}

// parseDuration parses a config duration; empty means def.
func parseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive, got %s", s)
	}
	return d, nil
}

func openStore(cfg *Config) (tradepost.Store, error) {
	path := cfg.Store.Path
	defaultPath := func(name string) (string, error) {
		if path != "" {
			return path, nil
		}
		dir, err := configDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(dir, name), nil
	}

	switch cfg.Store.Backend {
	case "memory":
		return tradepost.NewMemoryStore(), nil
	case "sqlite":
		p, err := defaultPath("tradepost.db")
		if err != nil {
			return nil, err
		}
		return tradepost.OpenSQLiteStore(p)
	case "", "pebble":
		p, err := defaultPath("data")
		if err != nil {
			return nil, err
		}
		return tradepost.OpenPebbleStore(p)
	default:
		return nil, fmt.Errorf("unknown store backend %q (valid: memory, pebble, sqlite)", cfg.Store.Backend)
	}
}

func (a *app) requireEmail() (string, error) {
	if a.cfg.Default.Email == "" {
		return "", fmt.Errorf("no account email. Run 'tradepost config set default.email <email>' first")
	}
	return a.cfg.Default.Email, nil
}

func (a *app) requireUserID() (string, error) {
	if a.cfg.Default.UserID == "" {
		return "", fmt.Errorf("no user id. Run 'tradepost config set default.user_id <id>' first")
	}
	return a.cfg.Default.UserID, nil
}

func (a *app) redisClient(ctx context.Context) (*redis.Client, error) {
	if a.redis != nil {
		return a.redis, nil
	}
	if a.cfg.Realtime.RedisURL == "" {
		return nil, fmt.Errorf("realtime.redis_url is not set")
	}
	rc, err := tradepost.NewRedisClient(ctx, tradepost.RedisConfig{URL: a.cfg.Realtime.RedisURL})
	if err != nil {
		return nil, err
	}
	a.redis = rc
	return rc, nil
}

// newEngine builds the notification engine. Remote persistence goes to Redis
// when that is the configured transport, else to the REST backend when a
// token and user id are set.
func (a *app) newEngine(ctx context.Context, withRemote bool) (*tradepost.NotificationEngine, error) {
	ttl, err := parseDuration(a.cfg.Toast.TTL, tradepost.DefaultToastTTL)
	if err != nil {
		return nil, err
	}
	opts := []tradepost.EngineOption{
		tradepost.WithEngineLogger(a.log),
		tradepost.WithToastTTL(ttl),
	}
	if a.metrics != nil {
		opts = append(opts, tradepost.WithEngineMetrics(a.metrics))
	}

	if withRemote && a.cfg.Default.UserID != "" {
		switch {
		case a.cfg.Realtime.Transport == "redis":
			rc, err := a.redisClient(ctx)
			if err != nil {
				return nil, err
			}
			opts = append(opts, tradepost.WithRemote(tradepost.NewRedisRemote(rc, a.cfg.Default.UserID, 0)))
		case a.cfg.Default.Token != "":
			opts = append(opts, tradepost.WithRemote(a.client.Notifications(a.cfg.Default.UserID)))
		}
	}
	return tradepost.NewNotificationEngine(a.store, a.bus, opts...), nil
}

// remoteAdapter returns the configured push channel, or nil for "none".
func (a *app) remoteAdapter(ctx context.Context) (tradepost.RemoteSyncAdapter, error) {
	switch a.cfg.Realtime.Transport {
	case "", "none":
		return nil, nil
	case "ws", "sse":
		transport := tradepost.TransportWebSocket
		if a.cfg.Realtime.Transport == "sse" {
			transport = tradepost.TransportSSE
		}
		return a.client.RealtimeFeed(tradepost.RealtimeConfig{
			Transport:     transport,
			AutoReconnect: true,
			Logger:        &a.log,
		}), nil
	case "redis":
		rc, err := a.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		return tradepost.NewRedisFeed(rc, a.log), nil
	case "webhook":
		addr := a.cfg.Realtime.WebhookAddr
		if addr == "" {
			addr = defaultWebhookAddr
		}
		feed, err := tradepost.NewWebhookFeed(a.cfg.Realtime.WebhookSecret,
			tradepost.WithWebhookAddr(addr),
			tradepost.WithWebhookLogger(a.log))
		if err != nil {
			return nil, err
		}
		return feed, nil
	default:
		return nil, fmt.Errorf("unknown realtime transport %q", a.cfg.Realtime.Transport)
	}
}

// serveMetrics registers the client collectors on a fresh registry, serves
// them on addr and returns a stop function.
func (a *app) serveMetrics(addr string) func() {
	reg := prometheus.NewRegistry()
	a.metrics = tradepost.NewMetrics(reg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error().Err(err).Str("addr", addr).Msg("metrics server")
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

// maskKey shows the first and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
