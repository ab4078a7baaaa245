package tunnel

import (
	"context"
	"math/rand"
	"time"
)

// Backoff is the reconnect schedule of a client. Delays grow from Initial by
// Multiplier per failed attempt up to Max, and each delay is spread by
// +/-Jitter. A Backoff is not safe for concurrent use.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter is the relative spread, 0.2 means +/-20%.
	Jitter float64

	attempt int
	// random returns a value in [0, 1); tests pin it.
	random func() float64
}

// NewReconnectBackoff returns the schedule clients use between session
// attempts.
func NewReconnectBackoff(initial, max time.Duration) *Backoff {
	return &Backoff{
		Initial:    initial,
		Max:        max,
		Multiplier: 2.0,
		Jitter:     0.2,
	}
}

func (b *Backoff) normalize() {
	if b.Initial <= 0 {
		b.Initial = time.Second
	}
	if b.Max < b.Initial {
		b.Max = b.Initial
	}
	if b.Multiplier < 1 {
		b.Multiplier = 2.0
	}
	if b.random == nil {
		b.random = rand.Float64
	}
}

// Next returns the delay before the next attempt and counts the attempt.
func (b *Backoff) Next() time.Duration {
	b.normalize()

	delay := float64(b.Initial)
	for i := 0; i < b.attempt && delay < float64(b.Max); i++ {
		delay *= b.Multiplier
	}
	if delay > float64(b.Max) {
		delay = float64(b.Max)
	}
	if b.Jitter > 0 {
		delay *= 1 + (b.random()*2-1)*b.Jitter
	}
	b.attempt++

	switch d := time.Duration(delay); {
	case d > b.Max:
		return b.Max
	case d <= 0:
		return b.Initial
	default:
		return d
	}
}

// Reset starts the schedule over after a successful attempt.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempt returns the number of delays handed out since the last Reset.
func (b *Backoff) Attempt() int {
	return b.attempt
}

// Wait sleeps for the next delay and returns it. It returns early with
// ctx.Err() when ctx is done.
func (b *Backoff) Wait(ctx context.Context) (time.Duration, error) {
	delay := b.Next()
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return delay, nil
	case <-ctx.Done():
		return delay, ctx.Err()
	}
}
