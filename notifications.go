package tradepost

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const defaultRemoteTimeout = 10 * time.Second

// NotificationRemote is the optional backend copy of the feed.
type NotificationRemote interface {
	SaveNotification(ctx context.Context, n Notification) error
}

// ============================================================================
// Options
// ============================================================================

// EngineOption configures a NotificationEngine.
type EngineOption func(*NotificationEngine)

// WithRemote enables best-effort remote persistence of local inserts.
func WithRemote(r NotificationRemote) EngineOption {
	return func(e *NotificationEngine) { e.remote = r }
}

// WithEngineLogger sets the engine logger.
func WithEngineLogger(l zerolog.Logger) EngineOption {
	return func(e *NotificationEngine) { e.log = l }
}

// WithToastTTL overrides DefaultToastTTL.
func WithToastTTL(ttl time.Duration) EngineOption {
	return func(e *NotificationEngine) { e.toastTTL = ttl }
}

// WithEngineMetrics records engine activity on m.
func WithEngineMetrics(m *Metrics) EngineOption {
	return func(e *NotificationEngine) { e.metrics = m }
}

// WithRemoteTimeout bounds each remote persistence call.
func WithRemoteTimeout(d time.Duration) EngineOption {
	return func(e *NotificationEngine) { e.remoteTimeout = d }
}

// AddOption tunes a single AddNotification call.
type AddOption func(*addConfig)

type addConfig struct {
	persistRemote bool
	origin        string
}

// WithoutRemotePersist skips remote persistence, for records that already
// exist remotely.
func WithoutRemotePersist() AddOption {
	return func(c *addConfig) {
		c.persistRemote = false
		c.origin = "remote"
	}
}

// ============================================================================
// NotificationEngine
// ============================================================================

// NotificationEngine owns the notification feed: dedup by id, read state,
// unread count, and the toast queue. It is the only writer of the
// "notifications" and "news" store keys.
type NotificationEngine struct {
	store   Store
	bus     *Dispatcher
	remote  NotificationRemote
	log     zerolog.Logger
	metrics *Metrics

	toastTTL      time.Duration
	remoteTimeout time.Duration
	toasts        *ToastQueue
	now           func() time.Time

	mu     sync.Mutex
	items  []Notification // newest first
	seen   map[string]struct{}
	news   []Notification
	unread int
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNotificationEngine loads the persisted feed from store. A missing or
// corrupt feed starts empty.
func NewNotificationEngine(store Store, bus *Dispatcher, opts ...EngineOption) *NotificationEngine {
	e := &NotificationEngine{
		store:         store,
		bus:           bus,
		log:           zerolog.Nop(),
		toastTTL:      DefaultToastTTL,
		remoteTimeout: defaultRemoteTimeout,
		now:           time.Now,
		seen:          make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.toasts = newToastQueue(e.toastTTL, bus)

	for _, n := range loadJSON[[]Notification](store, KeyNotifications, e.log) {
		if n.ID == "" {
			continue
		}
		if _, dup := e.seen[n.ID]; dup {
			continue
		}
		e.seen[n.ID] = struct{}{}
		e.items = append(e.items, n)
	}
	e.news = loadJSON[[]Notification](store, KeyNews, e.log)
	e.unread = e.countUnreadLocked()
	e.metrics.unread(e.unread)
	return e
}

// Toasts exposes the toast queue for UI rendering.
func (e *NotificationEngine) Toasts() *ToastQueue {
	return e.toasts
}

// AddNotification inserts draft into the feed. An empty id is assigned; an
// id that is already known makes the call a no-op returning the stored entry
// and false.
func (e *NotificationEngine) AddNotification(draft Notification, opts ...AddOption) (Notification, bool) {
	cfg := addConfig{persistRemote: true, origin: "local"}
	for _, opt := range opts {
		opt(&cfg)
	}

	if draft.ID == "" {
		draft.ID = uuid.NewString()
	}
	if draft.CreatedAt.IsZero() {
		draft.CreatedAt = e.now().UTC()
	}
	if draft.Type == "" {
		draft.Type = TypeSystem
	}
	if draft.Icon == "" {
		draft.Icon = iconFor(draft.Type)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return Notification{}, false
	}
	if _, dup := e.seen[draft.ID]; dup {
		existing, _ := e.findLocked(draft.ID)
		e.mu.Unlock()
		e.metrics.notificationDuplicate()
		e.log.Debug().Str("notification_id", draft.ID).Str("origin", cfg.origin).Msg("duplicate notification ignored")
		return existing, false
	}
	e.items = append([]Notification{draft}, e.items...)
	e.seen[draft.ID] = struct{}{}
	_ = saveJSON(e.store, KeyNotifications, e.items, e.log)
	e.unread = e.countUnreadLocked()
	unread := e.unread
	// Added under mu so Close, which sets closed under mu, waits for it.
	persist := cfg.persistRemote && e.remote != nil
	if persist {
		e.wg.Add(1)
	}
	e.mu.Unlock()

	if persist {
		e.persistRemote(draft)
	}
	if !draft.IsRead {
		e.toasts.push(draft)
	}

	e.metrics.notificationAdded(cfg.origin)
	e.metrics.unread(unread)
	e.log.Info().
		Str("notification_id", draft.ID).
		Str("type", string(draft.Type)).
		Str("origin", cfg.origin).
		Msg("notification added")

	e.bus.Publish(Event{Type: EventNotificationAdded, Payload: draft})
	e.bus.Publish(Event{Type: EventUnreadCount, Payload: unread})
	return draft, true
}

// persistRemote runs the remote save; the caller has already done wg.Add.
func (e *NotificationEngine) persistRemote(n Notification) {
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(e.ctx, e.remoteTimeout)
		defer cancel()
		if err := e.remote.SaveNotification(ctx, n); err != nil {
			e.log.Warn().Err(err).Str("notification_id", n.ID).Msg("remote notification persist failed")
		}
	}()
}

// MarkAsRead flips one notification to read. Unknown ids and entries that
// are already read are no-ops.
func (e *NotificationEngine) MarkAsRead(id string) bool {
	e.mu.Lock()
	idx := -1
	for i := range e.items {
		if e.items[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 || e.items[idx].IsRead {
		e.mu.Unlock()
		return false
	}
	e.items[idx].IsRead = true
	e.unread = e.countUnreadLocked()
	unread := e.unread
	_ = saveJSON(e.store, KeyNotifications, e.items, e.log)
	e.mu.Unlock()

	e.metrics.unread(unread)
	e.bus.Publish(Event{Type: EventNotificationRead, Payload: []string{id}})
	e.bus.Publish(Event{Type: EventUnreadCount, Payload: unread})
	return true
}

// MarkAllAsRead flips every unread notification and returns how many changed.
func (e *NotificationEngine) MarkAllAsRead() int {
	e.mu.Lock()
	var flipped []string
	for i := range e.items {
		if !e.items[i].IsRead {
			e.items[i].IsRead = true
			flipped = append(flipped, e.items[i].ID)
		}
	}
	if len(flipped) == 0 {
		e.mu.Unlock()
		return 0
	}
	e.unread = e.countUnreadLocked()
	unread := e.unread
	_ = saveJSON(e.store, KeyNotifications, e.items, e.log)
	e.mu.Unlock()

	e.metrics.unread(unread)
	e.bus.Publish(Event{Type: EventNotificationRead, Payload: flipped})
	e.bus.Publish(Event{Type: EventUnreadCount, Payload: unread})
	return len(flipped)
}

// ClickToast marks the toast's notification read, removes the toast, and
// returns the navigation target.
func (e *NotificationEngine) ClickToast(toastID string) (string, bool) {
	entry, ok := e.toasts.Get(toastID)
	if !ok {
		return "", false
	}
	e.MarkAsRead(entry.NotificationID)
	e.toasts.Dismiss(toastID)
	return entry.Target(), true
}

// Notifications returns a copy of the feed, newest first.
func (e *NotificationEngine) Notifications() []Notification {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Notification(nil), e.items...)
}

// Notification returns the entry with id.
func (e *NotificationEngine) Notification(id string) (Notification, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.findLocked(id)
}

// UnreadCount returns the number of unread entries.
func (e *NotificationEngine) UnreadCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.unread
}

// News returns the news records received from remote feeds, newest first.
func (e *NotificationEngine) News() []Notification {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Notification(nil), e.news...)
}

func (e *NotificationEngine) findLocked(id string) (Notification, bool) {
	for _, n := range e.items {
		if n.ID == id {
			return n, true
		}
	}
	return Notification{}, false
}

func (e *NotificationEngine) countUnreadLocked() int {
	count := 0
	for _, n := range e.items {
		if !n.IsRead {
			count++
		}
	}
	return count
}

// ============================================================================
// Remote ingestion
// ============================================================================

// Ingest routes a record delivered by a remote feed through the same
// insertion path as local actions.
func (e *NotificationEngine) Ingest(rec RemoteRecord) (Notification, bool) {
	n := rec.Notification
	if rec.Kind == RecordNews {
		if !n.Type.Valid() {
			n.Type = TypeSystem
		}
		e.appendNews(n)
	}
	return e.AddNotification(n, WithoutRemotePersist())
}

func (e *NotificationEngine) appendNews(n Notification) {
	if n.ID == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, existing := range e.news {
		if existing.ID == n.ID {
			return
		}
	}
	e.news = append([]Notification{n}, e.news...)
	_ = saveJSON(e.store, KeyNews, e.news, e.log)
}

// AttachRemote runs adapter in the background, feeding its records to
// Ingest until ctx is done or the engine is closed.
func (e *NotificationEngine) AttachRemote(ctx context.Context, adapter RemoteSyncAdapter, userID string) {
	if adapter == nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		go func() {
			select {
			case <-e.ctx.Done():
				cancel()
			case <-runCtx.Done():
			}
		}()
		err := adapter.Run(runCtx, userID, func(rec RemoteRecord) { e.Ingest(rec) })
		if err != nil && runCtx.Err() == nil {
			e.log.Error().Err(err).Str("user_id", userID).Msg("remote feed stopped")
		}
	}()
}

// Close stops toast timers and remote feeds and waits for in-flight remote
// persistence.
func (e *NotificationEngine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	e.toasts.close()
	e.wg.Wait()
}

// ============================================================================
// Domain builders
// ============================================================================

func iconFor(t NotificationType) string {
	switch t {
	case TypeListingComplete:
		return "📦"
	case TypeItemSold:
		return "💰"
	case TypePurchaseComplete:
		return "🛍️"
	case TypeNewMessage:
		return "💬"
	case TypeReviewReceived:
		return "⭐"
	default:
		return "🔔"
	}
}

func productLink(productID, suffix string) string {
	if productID == "" {
		return ""
	}
	return "/products/" + productID + suffix
}

func dataOf(v map[string]any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

const previewLimit = 60

func preview(s string) string {
	if utf8.RuneCountInString(s) <= previewLimit {
		return s
	}
	r := []rune(s)
	return string(r[:previewLimit]) + "…"
}

// NotifyListingComplete reports that the user's listing went live.
func (e *NotificationEngine) NotifyListingComplete(productName, productID string) (Notification, bool) {
	return e.AddNotification(Notification{
		Type:    TypeListingComplete,
		Title:   "Listing published",
		Message: fmt.Sprintf("'%s' is now listed for sale.", productName),
		Link:    productLink(productID, ""),
		Data:    dataOf(map[string]any{"product_id": productID, "product_name": productName}),
	})
}

// NotifyItemSold tells the seller that buyerName bought the item.
func (e *NotificationEngine) NotifyItemSold(productName, buyerName, productID string) (Notification, bool) {
	return e.AddNotification(Notification{
		Type:    TypeItemSold,
		Title:   "Item sold",
		Message: fmt.Sprintf("%s bought '%s'.", buyerName, productName),
		Link:    productLink(productID, "/transaction"),
		Data:    dataOf(map[string]any{"product_id": productID, "product_name": productName, "buyer_name": buyerName}),
	})
}

// NotifyPurchaseComplete confirms the user's purchase.
func (e *NotificationEngine) NotifyPurchaseComplete(productName, productID string) (Notification, bool) {
	return e.AddNotification(Notification{
		Type:    TypePurchaseComplete,
		Title:   "Purchase complete",
		Message: fmt.Sprintf("You bought '%s'.", productName),
		Link:    productLink(productID, "/transaction"),
		Data:    dataOf(map[string]any{"product_id": productID, "product_name": productName}),
	})
}

// NotifyNewMessage reports an incoming chat message; text is truncated to a
// preview.
func (e *NotificationEngine) NotifyNewMessage(senderName, productName, productID, text string) (Notification, bool) {
	return e.AddNotification(Notification{
		Type:    TypeNewMessage,
		Title:   fmt.Sprintf("New message from %s", senderName),
		Message: fmt.Sprintf("%s: %s", productName, preview(text)),
		Link:    productLink(productID, "/chat"),
		Data:    dataOf(map[string]any{"product_id": productID, "product_name": productName, "sender_name": senderName}),
	})
}

// NotifyReviewReceived reports a review; rating is clamped to 1..5.
func (e *NotificationEngine) NotifyReviewReceived(reviewerName string, rating int, productID string) (Notification, bool) {
	if rating < 1 {
		rating = 1
	}
	if rating > 5 {
		rating = 5
	}
	return e.AddNotification(Notification{
		Type:    TypeReviewReceived,
		Title:   "New review",
		Message: fmt.Sprintf("%s left you a %d-star review.", reviewerName, rating),
		Link:    productLink(productID, "/reviews"),
		Data:    dataOf(map[string]any{"product_id": productID, "reviewer_name": reviewerName, "rating": rating}),
	})
}

// NotifySystem adds a plain system message.
func (e *NotificationEngine) NotifySystem(title, message string) (Notification, bool) {
	return e.AddNotification(Notification{
		Type:    TypeSystem,
		Title:   title,
		Message: message,
	})
}
