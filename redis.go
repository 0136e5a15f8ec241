package tradepost

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig configures the Redis feed and remote.
type RedisConfig struct {
	URL          string
	MaxRetries   int
	RetryBackoff time.Duration
	PoolSize     int
	MinIdleConns int
}

// NewRedisClient parses cfg.URL, applies pool settings and pings the server.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if cfg.MaxRetries > 0 {
		opts.MaxRetries = cfg.MaxRetries
	}
	if cfg.RetryBackoff > 0 {
		opts.MinRetryBackoff = cfg.RetryBackoff
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.MinIdleConns > 0 {
		opts.MinIdleConns = cfg.MinIdleConns
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

func redisChannel(userID string) string {
	return "notifications:" + userID
}

func redisListKey(userID string) string {
	return "notifications:" + userID + ":list"
}

// ============================================================================
// RedisFeed
// ============================================================================

// RedisFeed delivers envelopes published on notifications:<userId>.
type RedisFeed struct {
	client *redis.Client
	log    zerolog.Logger
}

// NewRedisFeed wraps an existing client.
func NewRedisFeed(client *redis.Client, log zerolog.Logger) *RedisFeed {
	return &RedisFeed{client: client, log: log}
}

// Run subscribes and blocks until ctx is done or the subscription fails.
func (f *RedisFeed) Run(ctx context.Context, userID string, deliver func(RemoteRecord)) error {
	pubsub := f.client.Subscribe(ctx, redisChannel(userID))
	defer pubsub.Close()

	// Wait for the subscription confirmation so publishes after Run starts
	// are not lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("redis subscribe: %w", err)
	}
	f.log.Info().Str("channel", redisChannel(userID)).Msg("redis feed subscribed")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("redis subscription closed")
			}
			f.handleMessage(msg.Payload, deliver)
		}
	}
}

func (f *RedisFeed) handleMessage(payload string, deliver func(RemoteRecord)) {
	rec, ok, err := decodeEnvelope([]byte(payload))
	if err != nil {
		f.log.Warn().Err(err).Msg("dropping malformed redis message")
		return
	}
	if ok {
		deliver(rec)
	}
}

// ============================================================================
// RedisRemote
// ============================================================================

// RedisRemote is a NotificationRemote that keeps a per-user list and
// publishes each saved notification to the user's feed channel.
type RedisRemote struct {
	client *redis.Client
	userID string
	maxLen int64
}

// NewRedisRemote stores at most maxLen entries per user; 0 keeps 500.
func NewRedisRemote(client *redis.Client, userID string, maxLen int64) *RedisRemote {
	if maxLen <= 0 {
		maxLen = 500
	}
	return &RedisRemote{client: client, userID: userID, maxLen: maxLen}
}

// SaveNotification implements NotificationRemote.
func (r *RedisRemote) SaveNotification(ctx context.Context, n Notification) error {
	payload, err := EncodeEnvelope(RemoteRecord{Kind: RecordNotification, Notification: n})
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, redisListKey(r.userID), payload)
		p.LTrim(ctx, redisListKey(r.userID), 0, r.maxLen-1)
		p.Publish(ctx, redisChannel(r.userID), payload)
		return nil
	})
	if err != nil {
		return &NetworkError{Op: "redis save notification", Err: err}
	}
	return nil
}

// List returns the stored notifications, newest first.
func (r *RedisRemote) List(ctx context.Context) ([]Notification, error) {
	raw, err := r.client.LRange(ctx, redisListKey(r.userID), 0, -1).Result()
	if err != nil {
		return nil, &NetworkError{Op: "redis list notifications", Err: err}
	}
	out := make([]Notification, 0, len(raw))
	for _, s := range raw {
		rec, ok, err := decodeEnvelope([]byte(s))
		if err != nil || !ok {
			continue
		}
		out = append(out, rec.Notification)
	}
	return out, nil
}
