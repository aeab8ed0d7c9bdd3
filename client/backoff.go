package client

import "time"

// BackoffStrategy paces retries of failed backend requests. Strategies are
// not safe for concurrent use; each request owns its own instance.
type BackoffStrategy interface {
	// Backoff records one more failed attempt
	Backoff()
	// BackoffWait returns how long to wait before the next attempt
	BackoffWait() time.Duration
	// Reset clears the failure history
	Reset()
}

// StaticBackoff waits a fixed interval between attempts
type StaticBackoff struct {
	interval time.Duration
}

func NewStaticBackoff(interval time.Duration) *StaticBackoff {
	return &StaticBackoff{interval: interval}
}

func (b *StaticBackoff) Backoff() {}

func (b *StaticBackoff) BackoffWait() time.Duration {
	return b.interval
}

func (b *StaticBackoff) Reset() {}

// IncrementalBackoff grows the wait by a fixed step per consecutive failure,
// capped at a maximum
type IncrementalBackoff struct {
	stepInterval time.Duration
	maxDuration  time.Duration
	stepCount    int
}

func NewIncrementalBackoff(stepInterval, maxDuration time.Duration) *IncrementalBackoff {
	return &IncrementalBackoff{
		stepInterval: stepInterval,
		maxDuration:  maxDuration,
	}
}

func (b *IncrementalBackoff) Backoff() {
	b.stepCount++
}

func (b *IncrementalBackoff) BackoffWait() time.Duration {
	dur := b.stepInterval * time.Duration(b.stepCount)
	if dur > b.maxDuration {
		return b.maxDuration
	}
	return dur
}

func (b *IncrementalBackoff) Reset() {
	b.stepCount = 0
}
