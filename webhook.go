package tradepost

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// WebhookSignatureHeader carries the hex HMAC-SHA256 of the request body.
const WebhookSignatureHeader = "X-Tradepost-Signature"

const maxWebhookBody = 1 << 20

// ============================================================================
// Standalone Functions
// ============================================================================

// VerifyWebhookSignature verifies a webhook signature using HMAC-SHA256.
// Uses constant-time comparison to prevent timing attacks.
func VerifyWebhookSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	expected := SignWebhookBody(body, secret)
	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// SignWebhookBody returns the hex signature of body for secret.
func SignWebhookBody(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

// ParseWebhookPayload parses a raw webhook body into a record.
func ParseWebhookPayload(body string) (RemoteRecord, error) {
	rec, ok, err := decodeEnvelope([]byte(body))
	if err != nil {
		return RemoteRecord{}, err
	}
	if !ok {
		var env Envelope
		_ = json.Unmarshal([]byte(body), &env)
		return RemoteRecord{}, fmt.Errorf("unknown webhook event: %q", env.Type)
	}
	return rec, nil
}

// ============================================================================
// WebhookFeed
// ============================================================================

// WebhookFeed is a RemoteSyncAdapter fed by signed inbound HTTP posts.
// Requests received while no Run is active are rejected with 503.
type WebhookFeed struct {
	secret string
	addr   string
	log    zerolog.Logger

	mu      sync.Mutex
	deliver func(RemoteRecord)
}

// WebhookOption configures a WebhookFeed.
type WebhookOption func(*WebhookFeed)

// WithWebhookAddr makes Run serve the handler on addr.
func WithWebhookAddr(addr string) WebhookOption {
	return func(w *WebhookFeed) { w.addr = addr }
}

// WithWebhookLogger sets the feed logger.
func WithWebhookLogger(l zerolog.Logger) WebhookOption {
	return func(w *WebhookFeed) { w.log = l }
}

// NewWebhookFeed creates a webhook feed.
func NewWebhookFeed(secret string, opts ...WebhookOption) (*WebhookFeed, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	w := &WebhookFeed{secret: secret, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Verify verifies an HMAC-SHA256 signature.
func (w *WebhookFeed) Verify(body, signature string) bool {
	return VerifyWebhookSignature(body, signature, w.secret)
}

// Handle processes a webhook request (verify + parse + deliver).
// Returns the status code and response body for the caller to write.
func (w *WebhookFeed) Handle(body, signature string) (int, any) {
	if !w.Verify(body, signature) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	rec, err := ParseWebhookPayload(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	w.mu.Lock()
	deliver := w.deliver
	w.mu.Unlock()
	if deliver == nil {
		return http.StatusServiceUnavailable, map[string]string{"error": "Feed not running"}
	}

	deliver(rec)
	w.log.Debug().Str("notification_id", rec.Notification.ID).Str("kind", string(rec.Kind)).Msg("webhook delivered")
	return http.StatusOK, map[string]bool{"ok": true}
}

// HTTPHandler returns an http.Handler that processes webhook requests.
//
// Example:
//
//	feed, _ := tradepost.NewWebhookFeed("secret")
//	http.Handle("/webhook", feed.HTTPHandler())
//	engine.AttachRemote(ctx, feed, userID)
func (w *WebhookFeed) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
			return
		}

		defer r.Body.Close()
		bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
		if err != nil {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
			return
		}
		if len(bodyBytes) > maxWebhookBody {
			writeJSON(rw, http.StatusRequestEntityTooLarge, map[string]string{"error": "Body too large"})
			return
		}

		statusCode, data := w.Handle(string(bodyBytes), r.Header.Get(WebhookSignatureHeader))
		writeJSON(rw, statusCode, data)
	})
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}

// Run accepts deliveries until ctx is done. When an address was configured
// it also serves the handler there. userID is not used for filtering; the
// sender posts to a per-user endpoint.
func (w *WebhookFeed) Run(ctx context.Context, userID string, deliver func(RemoteRecord)) error {
	w.mu.Lock()
	if w.deliver != nil {
		w.mu.Unlock()
		return fmt.Errorf("webhook feed already running")
	}
	w.deliver = deliver
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.deliver = nil
		w.mu.Unlock()
	}()

	if w.addr == "" {
		<-ctx.Done()
		return nil
	}

	srv := &http.Server{
		Addr:              w.addr,
		Handler:           w.HTTPHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	w.log.Info().Str("addr", w.addr).Str("user_id", userID).Msg("webhook feed listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
