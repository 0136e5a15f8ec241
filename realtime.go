package tradepost

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeTransport selects the push channel used by a RealtimeFeed.
type RealtimeTransport string

const (
	TransportWebSocket RealtimeTransport = "ws"
	TransportSSE       RealtimeTransport = "sse"
)

// RealtimeConfig configures a RealtimeFeed.
type RealtimeConfig struct {
	Token                string
	Transport            RealtimeTransport
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	StaleTimeout         time.Duration
	HTTPClient           *http.Client
	Logger               *zerolog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.Transport == "" {
		c.Transport = TransportWebSocket
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.StaleTimeout == 0 {
		c.StaleTimeout = 45 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// RealtimeFeed
// ============================================================================

// RealtimeFeed is a RemoteSyncAdapter over WebSocket or SSE with
// auto-reconnect and heartbeat.
type RealtimeFeed struct {
	baseURL string
	config  RealtimeConfig
	log     zerolog.Logger
	backoff *Backoff

	mu    sync.Mutex
	state RealtimeState
}

// NewRealtimeFeed creates a feed against baseURL. Call Run to connect.
func NewRealtimeFeed(baseURL string, config RealtimeConfig) *RealtimeFeed {
	config.defaults()
	log := zerolog.Nop()
	if config.Logger != nil {
		log = *config.Logger
	}
	return &RealtimeFeed{
		baseURL: strings.TrimRight(baseURL, "/"),
		config:  config,
		log:     log.With().Str("transport", string(config.Transport)).Logger(),
		backoff: NewBackoff(config.ReconnectBaseDelay, config.ReconnectMaxDelay, config.MaxReconnectAttempts),
		state:   StateDisconnected,
	}
}

// RealtimeFeed creates a feed bound to the client's base URL and token.
func (c *Client) RealtimeFeed(config RealtimeConfig) *RealtimeFeed {
	if config.Token == "" {
		config.Token = c.token
	}
	if config.HTTPClient == nil {
		// Streams are long-lived, so the REST client's timeout must not apply.
		config.HTTPClient = &http.Client{Transport: c.httpClient.Transport}
	}
	return NewRealtimeFeed(c.baseURL, config)
}

// State returns the current connection state.
func (f *RealtimeFeed) State() RealtimeState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *RealtimeFeed) setState(s RealtimeState) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

// Run connects and delivers records until ctx is done. Disconnects are
// retried with backoff when AutoReconnect is set.
func (f *RealtimeFeed) Run(ctx context.Context, userID string, deliver func(RemoteRecord)) error {
	defer f.setState(StateDisconnected)
	for {
		f.setState(StateConnecting)
		var err error
		switch f.config.Transport {
		case TransportSSE:
			err = f.runSSE(ctx, userID, deliver)
		default:
			err = f.runWS(ctx, userID, deliver)
		}
		if ctx.Err() != nil {
			return nil
		}
		f.log.Warn().Err(err).Msg("realtime feed disconnected")

		if !f.config.AutoReconnect || !f.backoff.ShouldRetry() {
			return err
		}
		delay := f.backoff.Next()
		f.setState(StateReconnecting)
		f.log.Info().Int("attempt", f.backoff.Attempt()).Dur("delay", delay).Msg("realtime feed reconnecting")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func (f *RealtimeFeed) streamURL(scheme, path, userID string) string {
	base := f.baseURL
	if scheme == "ws" {
		base = strings.Replace(base, "https://", "wss://", 1)
		base = strings.Replace(base, "http://", "ws://", 1)
	}
	q := url.Values{}
	if f.config.Token != "" {
		q.Set("token", f.config.Token)
	}
	if userID != "" {
		q.Set("user_id", userID)
	}
	if enc := q.Encode(); enc != "" {
		return base + path + "?" + enc
	}
	return base + path
}

func (f *RealtimeFeed) handleFrame(data []byte, deliver func(RemoteRecord)) {
	rec, ok, err := decodeEnvelope(data)
	if err != nil {
		f.log.Warn().Err(err).Msg("dropping malformed realtime frame")
		return
	}
	if ok {
		deliver(rec)
	}
}

// ── WebSocket ─────────────────────────────────────────────

func (f *RealtimeFeed) runWS(ctx context.Context, userID string, deliver func(RemoteRecord)) error {
	conn, _, err := websocket.Dial(ctx, f.streamURL("ws", "/ws", userID), &websocket.DialOptions{
		HTTPClient: f.config.HTTPClient,
	})
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "client disconnect")
	conn.SetReadLimit(1 << 20)

	// First frame must be "authenticated".
	_, data, err := conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("read auth message: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "authenticated" {
		return fmt.Errorf("expected 'authenticated', got '%s'", env.Type)
	}

	f.setState(StateConnected)
	f.backoff.MarkConnected()
	f.log.Info().Str("user_id", userID).Msg("realtime feed connected")

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go f.heartbeatWS(connCtx, conn)

	for {
		_, data, err := conn.Read(connCtx)
		if err != nil {
			return err
		}
		f.handleFrame(data, deliver)
	}
}

func (f *RealtimeFeed) heartbeatWS(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(f.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

// ── SSE ───────────────────────────────────────────────────

func (f *RealtimeFeed) runSSE(ctx context.Context, userID string, deliver func(RemoteRecord)) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(connCtx, http.MethodGet, f.streamURL("http", "/sse", userID), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := f.config.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("SSE connect: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("SSE HTTP %d", resp.StatusCode)
	}

	f.setState(StateConnected)
	f.backoff.MarkConnected()
	f.log.Info().Str("user_id", userID).Msg("realtime feed connected")

	var mu sync.Mutex
	lastData := time.Now()
	go func() {
		ticker := time.NewTicker(f.config.StaleTimeout / 3)
		defer ticker.Stop()
		for {
			select {
			case <-connCtx.Done():
				return
			case <-ticker.C:
				mu.Lock()
				stale := time.Since(lastData) > f.config.StaleTimeout
				mu.Unlock()
				if stale {
					f.log.Warn().Msg("SSE stream stale, closing")
					cancel()
					return
				}
			}
		}
	}()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()

		mu.Lock()
		lastData = time.Now()
		mu.Unlock()

		if strings.HasPrefix(line, ":") {
			continue // heartbeat comment
		}
		if strings.HasPrefix(line, "data:") {
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			f.handleFrame([]byte(payload), deliver)
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return errors.New("stream ended")
}
