package tradepost

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultToastTTL is how long a toast stays visible without interaction.
const DefaultToastTTL = 5 * time.Second

// FeedPath is the navigation target of a toast without its own link.
const FeedPath = "/notifications"

// ToastEntry is a time-limited UI entry spawned by a new notification.
type ToastEntry struct {
	ID             string
	NotificationID string
	Title          string
	Message        string
	Icon           string
	Link           string
	CreatedAt      time.Time
	TTL            time.Duration
}

// ExpiresAt returns when the entry removes itself.
func (t ToastEntry) ExpiresAt() time.Time {
	return t.CreatedAt.Add(t.TTL)
}

// Target is where clicking the toast navigates.
func (t ToastEntry) Target() string {
	if t.Link != "" {
		return t.Link
	}
	return FeedPath
}

// ToastQueue holds the stack of active toasts. Entries remove themselves on
// expiry or on Dismiss; there is no dedup across entries.
type ToastQueue struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries []ToastEntry
	timers  map[string]*time.Timer
	bus     *Dispatcher
	now     func() time.Time
	closed  bool
}

func newToastQueue(ttl time.Duration, bus *Dispatcher) *ToastQueue {
	if ttl <= 0 {
		ttl = DefaultToastTTL
	}
	return &ToastQueue{
		ttl:    ttl,
		timers: make(map[string]*time.Timer),
		bus:    bus,
		now:    time.Now,
	}
}

// push spawns a toast for n.
func (q *ToastQueue) push(n Notification) (ToastEntry, bool) {
	entry := ToastEntry{
		ID:             uuid.NewString(),
		NotificationID: n.ID,
		Title:          n.Title,
		Message:        n.Message,
		Icon:           n.Icon,
		Link:           n.Link,
		CreatedAt:      q.now(),
		TTL:            q.ttl,
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ToastEntry{}, false
	}
	q.entries = append(q.entries, entry)
	q.timers[entry.ID] = time.AfterFunc(q.ttl, func() { q.remove(entry.ID) })
	q.mu.Unlock()

	q.bus.Publish(Event{Type: EventToastAdded, Payload: entry})
	return entry, true
}

// Get returns the entry with id while it is still queued.
func (q *ToastQueue) Get(id string) (ToastEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if e.ID == id {
			return e, true
		}
	}
	return ToastEntry{}, false
}

// Dismiss removes the entry before its TTL.
func (q *ToastQueue) Dismiss(id string) bool {
	return q.remove(id)
}

func (q *ToastQueue) remove(id string) bool {
	q.mu.Lock()
	var removed *ToastEntry
	for i, e := range q.entries {
		if e.ID == id {
			e := e
			removed = &e
			q.entries = append(q.entries[:i:i], q.entries[i+1:]...)
			break
		}
	}
	if t, ok := q.timers[id]; ok {
		t.Stop()
		delete(q.timers, id)
	}
	q.mu.Unlock()

	if removed == nil {
		return false
	}
	q.bus.Publish(Event{Type: EventToastRemoved, Payload: *removed})
	return true
}

// Active returns the unexpired entries, oldest first.
func (q *ToastQueue) Active() []ToastEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	out := make([]ToastEntry, 0, len(q.entries))
	for _, e := range q.entries {
		if now.Before(e.ExpiresAt()) {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of queued entries, expired or not.
func (q *ToastQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// close stops every pending timer and drops the entries.
func (q *ToastQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	for id, t := range q.timers {
		t.Stop()
		delete(q.timers, id)
	}
	q.entries = nil
}
