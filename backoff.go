package tradepost

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes bounded exponential delays with jitter. It is used by the
// realtime feeds to reconnect and by the chat poll loop after failures.
type Backoff struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int // 0 means unlimited

	attempt     int
	connectedAt time.Time
}

// NewBackoff returns a Backoff with defaults for zero values.
func NewBackoff(base, max time.Duration, maxAttempts int) *Backoff {
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	return &Backoff{BaseDelay: base, MaxDelay: max, MaxAttempts: maxAttempts}
}

// ShouldRetry reports whether another attempt is allowed.
func (b *Backoff) ShouldRetry() bool {
	return b.MaxAttempts == 0 || b.attempt < b.MaxAttempts
}

// MarkConnected records a successful connection; a connection that stays
// up for a minute resets the attempt count on the next failure.
func (b *Backoff) MarkConnected() {
	b.connectedAt = time.Now()
}

// Attempt returns the number of delays handed out since the last reset.
func (b *Backoff) Attempt() int {
	return b.attempt
}

// Next returns the delay before the next attempt.
func (b *Backoff) Next() time.Duration {
	if !b.connectedAt.IsZero() && time.Since(b.connectedAt) > 60*time.Second {
		b.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(b.BaseDelay) * 0.5)
	exp := math.Min(float64(b.attempt), 30)
	delay := time.Duration(math.Min(
		float64(b.BaseDelay)*math.Pow(2, exp)+float64(jitter),
		float64(b.MaxDelay),
	))
	b.attempt++
	return delay
}

// Reset clears the attempt count.
func (b *Backoff) Reset() {
	b.attempt = 0
	b.connectedAt = time.Time{}
}
