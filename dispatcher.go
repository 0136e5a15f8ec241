package tradepost

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// ============================================================================
// Event Types
// ============================================================================

// EventType names a state change published on the Dispatcher.
type EventType string

const (
	EventNotificationAdded EventType = "notification.added"
	EventNotificationRead  EventType = "notification.read"
	EventUnreadCount       EventType = "notifications.unread_count"
	EventToastAdded        EventType = "toast.added"
	EventToastRemoved      EventType = "toast.removed"
	EventChatUpdated       EventType = "chat.updated"
)

// Event is a single fan-out unit. Payload type depends on Type:
//
//	notification.added         Notification
//	notification.read          []string (ids flipped)
//	notifications.unread_count int
//	toast.added/toast.removed  ToastEntry
//	chat.updated               ChatState
type Event struct {
	Type    EventType
	Payload any
}

// Observer receives published events.
type Observer func(Event)

// ============================================================================
// Dispatcher
// ============================================================================

// Dispatcher is an in-process publish/subscribe hub. Fan-out is synchronous,
// in subscription order; a panicking observer is logged and skipped.
type Dispatcher struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []*Subscription
	log    zerolog.Logger
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	id   uint64
	fn   Observer
	d    *Dispatcher
	once sync.Once
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger used for observer failures.
func WithDispatcherLogger(l zerolog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.log = l }
}

// NewDispatcher creates an empty hub.
func NewDispatcher(opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{log: zerolog.Nop()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Subscribe registers fn. Callers must Unsubscribe on teardown, or use
// SubscribeContext.
func (d *Dispatcher) Subscribe(fn Observer) *Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	sub := &Subscription{id: d.nextID, fn: fn, d: d}
	d.subs = append(d.subs, sub)
	return sub
}

// SubscribeContext registers fn until ctx is done.
func (d *Dispatcher) SubscribeContext(ctx context.Context, fn Observer) *Subscription {
	sub := d.Subscribe(fn)
	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
	}()
	return sub
}

// Unsubscribe removes sub. Removing an unknown or already removed
// subscription is a no-op.
func (d *Dispatcher) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, s := range d.subs {
		if s.id == sub.id {
			d.subs = append(d.subs[:i:i], d.subs[i+1:]...)
			return
		}
	}
}

// Unsubscribe removes the subscription from its dispatcher. Idempotent.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() { s.d.Unsubscribe(s) })
}

// Len returns the number of live subscriptions.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs)
}

// Publish delivers ev to every subscriber registered at call time.
func (d *Dispatcher) Publish(ev Event) {
	if d == nil {
		return
	}
	d.mu.RLock()
	subs := append([]*Subscription(nil), d.subs...)
	d.mu.RUnlock()

	for _, s := range subs {
		d.deliver(s, ev)
	}
}

func (d *Dispatcher) deliver(s *Subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().
				Str("event", string(ev.Type)).
				Uint64("subscription", s.id).
				Err(fmt.Errorf("observer panic: %v", r)).
				Msg("observer failed")
		}
	}()
	s.fn(ev)
}
