// Package tradepost is the client core of the Tradepost marketplace: a
// local-first notification feed and a polling product-chat synchronizer.
//
// Everything is constructed explicitly at the application's composition root:
//
//	client := tradepost.NewClient(token, tradepost.WithBaseURL("https://api.tradepost.example"))
//	store, _ := tradepost.OpenPebbleStore("~/.tradepost/data")
//	bus := tradepost.NewDispatcher()
//
//	engine := tradepost.NewNotificationEngine(store, bus,
//		tradepost.WithRemote(client.Notifications(userID)))
//	defer engine.Close()
//
//	chat := tradepost.NewChatSynchronizer(client.Chat(), store, bus)
//	defer chat.Close()
//	chat.Open(ctx, tradepost.ChatOpenOptions{ProductID: "42", Role: tradepost.RoleBuyer, ...})
package tradepost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// ============================================================================
// Environment
// ============================================================================

const (
	DefaultBaseURL = "https://api.tradepost.example"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the marketplace REST backend.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client

	mu             sync.Mutex
	purchaseStatus map[string]*PurchaseStatus
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a new backend client. token may be empty.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		purchaseStatus: make(map[string]*PurchaseStatus),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken sets or updates the bearer token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured backend URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Chat returns the chat endpoints bound to this client.
func (c *Client) Chat() *ChatClient {
	return &ChatClient{client: c}
}

// Notifications returns the remote notification store for a user.
func (c *Client) Notifications(userID string) *NotificationsClient {
	return &NotificationsClient{client: c, userID: userID}
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			if v == "" {
				continue
			}
			params.Set(k, v)
		}
		if enc := params.Encode(); enc != "" {
			u += "?" + enc
		}
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, &NetworkError{Op: method + " " + path, Err: err}
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Op: method + " " + path, Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode >= 300 {
		return nil, &NetworkError{Op: method + " " + path, Status: resp.StatusCode, Err: parseAPIError(resp.StatusCode, data)}
	}
	return data, nil
}

func parseAPIError(status int, data []byte) *APIError {
	var envelope struct {
		Error *APIError `json:"error"`
	}
	if json.Unmarshal(data, &envelope) == nil && envelope.Error != nil && envelope.Error.Message != "" {
		return envelope.Error
	}
	var flat APIError
	if json.Unmarshal(data, &flat) == nil && flat.Message != "" {
		return &flat
	}
	return &APIError{Code: fmt.Sprintf("HTTP_%d", status), Message: http.StatusText(status)}
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Chat endpoints
// ============================================================================

// ChatClient implements ChatAPI over REST.
type ChatClient struct{ client *Client }

// FetchMessages retrieves the thread for productID as seen by email, scoped
// to withUser when it is set.
func (ch *ChatClient) FetchMessages(ctx context.Context, productID, email, withUser string) (*ChatSnapshot, error) {
	path := "/products/" + url.PathEscape(productID) + "/chat/messages"
	data, err := ch.client.doRequest(ctx, http.MethodGet, path, nil, map[string]string{
		"email":     email,
		"with_user": withUser,
	})
	if err != nil {
		return nil, err
	}
	snap, err := decodeJSON[ChatSnapshot](data)
	if err != nil {
		return nil, &NetworkError{Op: "GET " + path, Err: err}
	}
	return snap, nil
}

// SendMessage posts a message into the product thread.
func (ch *ChatClient) SendMessage(ctx context.Context, productID string, req SendMessageRequest) error {
	path := "/products/" + url.PathEscape(productID) + "/chat/messages"
	_, err := ch.client.doRequest(ctx, http.MethodPost, path, req, nil)
	return err
}

// ============================================================================
// Notification endpoints
// ============================================================================

// NotificationsClient implements NotificationRemote over REST.
type NotificationsClient struct {
	client *Client
	userID string
}

// SaveNotification persists n on the backend.
func (nc *NotificationsClient) SaveNotification(ctx context.Context, n Notification) error {
	_, err := nc.client.doRequest(ctx, http.MethodPost, "/users/"+url.PathEscape(nc.userID)+"/notifications", n, nil)
	return err
}

// List returns the backend copy of the user's notifications.
func (nc *NotificationsClient) List(ctx context.Context) ([]Notification, error) {
	data, err := nc.client.doRequest(ctx, http.MethodGet, "/users/"+url.PathEscape(nc.userID)+"/notifications", nil, nil)
	if err != nil {
		return nil, err
	}
	list, err := decodeJSON[[]Notification](data)
	if err != nil {
		return nil, err
	}
	return *list, nil
}

// ============================================================================
// Purchase status (read-only pass-through)
// ============================================================================

// PurchaseStatus fetches the purchase status computed by the backend and
// caches the latest value per product. A response older than the cached one
// (by UpdatedAt) does not replace it, so overlapping fetches cannot roll the
// cache back.
func (c *Client) PurchaseStatus(ctx context.Context, productID string) (*PurchaseStatus, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/products/"+url.PathEscape(productID)+"/purchase-status", nil, nil)
	if err != nil {
		return nil, err
	}
	st, err := decodeJSON[PurchaseStatus](data)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev := c.purchaseStatus[productID]; prev != nil && st.UpdatedAt.Before(prev.UpdatedAt) {
		return prev, nil
	}
	c.purchaseStatus[productID] = st
	return st, nil
}

// CachedPurchaseStatus returns the last fetched status for productID, or nil.
func (c *Client) CachedPurchaseStatus(productID string) *PurchaseStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.purchaseStatus[productID]
}
