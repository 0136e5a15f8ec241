package tradepost

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToastQueue_StacksWithoutDedup(t *testing.T) {
	q := newToastQueue(time.Minute, NewDispatcher())
	defer q.close()

	a, ok := q.push(Notification{ID: "n1", Title: "one"})
	require.True(t, ok)
	b, ok := q.push(Notification{ID: "n1", Title: "one"})
	require.True(t, ok)

	assert.NotEqual(t, a.ID, b.ID)
	assert.Len(t, q.Active(), 2)
}

func TestToastQueue_Dismiss(t *testing.T) {
	bus := NewDispatcher()
	events := &eventLog{}
	bus.Subscribe(events.observe)
	q := newToastQueue(time.Minute, bus)
	defer q.close()

	entry, _ := q.push(Notification{ID: "n1"})
	assert.True(t, q.Dismiss(entry.ID))
	assert.False(t, q.Dismiss(entry.ID))
	assert.Equal(t, 0, q.Len())

	removed := events.ofType(EventToastRemoved)
	require.Len(t, removed, 1)
	assert.Equal(t, entry.ID, removed[0].Payload.(ToastEntry).ID)
}

func TestToastQueue_Expiry(t *testing.T) {
	q := newToastQueue(20*time.Millisecond, NewDispatcher())
	defer q.close()

	entry, _ := q.push(Notification{ID: "n1"})
	assert.Equal(t, entry.CreatedAt.Add(20*time.Millisecond), entry.ExpiresAt())
	require.Eventually(t, func() bool { return q.Len() == 0 }, time.Second, 5*time.Millisecond)
	_, ok := q.Get(entry.ID)
	assert.False(t, ok)
}

func TestToastQueue_ActiveHidesExpired(t *testing.T) {
	q := newToastQueue(time.Minute, NewDispatcher())
	defer q.close()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }

	q.push(Notification{ID: "n1"})
	assert.Len(t, q.Active(), 1)

	now = now.Add(2 * time.Minute)
	assert.Empty(t, q.Active())
	assert.Equal(t, 1, q.Len(), "timer has not fired yet")
}

func TestToastQueue_Closed(t *testing.T) {
	q := newToastQueue(time.Minute, NewDispatcher())
	q.push(Notification{ID: "n1"})
	q.close()

	assert.Equal(t, 0, q.Len())
	_, ok := q.push(Notification{ID: "n2"})
	assert.False(t, ok)
}

func TestToastEntry_Target(t *testing.T) {
	assert.Equal(t, "/products/1", ToastEntry{Link: "/products/1"}.Target())
	assert.Equal(t, FeedPath, ToastEntry{}.Target())
}
