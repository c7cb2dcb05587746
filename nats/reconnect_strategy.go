package nats

import (
	"math"
	"sync"
	"time"
)

// ReconnectDelayStrategy decides how long the session waits before the next
// reconnect attempt against a given broker URL. Reset is called after a
// successful handshake.
type ReconnectDelayStrategy interface {
	ConnectWaitDuration(uri string) time.Duration
	Reset()
}

// FixedDelayStrategy waits the same duration before every attempt.
type FixedDelayStrategy struct {
	Delay time.Duration
}

// NewFixedDelayStrategy returns a new FixedDelayStrategy.
func NewFixedDelayStrategy(delay time.Duration) *FixedDelayStrategy {
	if delay < 0 {
		delay = 0
	}
	return &FixedDelayStrategy{Delay: delay}
}

// ConnectWaitDuration returns the configured delay.
func (strategy *FixedDelayStrategy) ConnectWaitDuration(uri string) time.Duration {
	if strategy == nil {
		return 0
	}
	return strategy.Delay
}

// Reset is a no-op for a fixed delay.
func (strategy *FixedDelayStrategy) Reset() {}

// ExponentialDelayStrategy grows the delay per URL by Factor on every attempt
// up to MaxDelay.
type ExponentialDelayStrategy struct {
	lock      sync.Mutex
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Factor    float64
	attempts  map[string]uint32
}

// NewExponentialDelayStrategy returns a new ExponentialDelayStrategy.
func NewExponentialDelayStrategy(baseDelay time.Duration, maxDelay time.Duration, factor float64) *ExponentialDelayStrategy {
	if baseDelay < 0 {
		baseDelay = 0
	}
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if factor < 1 {
		factor = 2
	}
	return &ExponentialDelayStrategy{
		BaseDelay: baseDelay,
		MaxDelay:  maxDelay,
		Factor:    factor,
		attempts:  make(map[string]uint32),
	}
}

// ConnectWaitDuration returns the backoff for the next attempt against uri
// and records the attempt.
func (strategy *ExponentialDelayStrategy) ConnectWaitDuration(uri string) time.Duration {
	if strategy == nil {
		return 0
	}

	strategy.lock.Lock()
	defer strategy.lock.Unlock()

	if uri == "" {
		uri = "_default"
	}
	attempt := strategy.attempts[uri]
	strategy.attempts[uri] = attempt + 1

	delay := strategy.BaseDelay
	if attempt > 0 && delay > 0 {
		grown := float64(delay) * math.Pow(strategy.Factor, float64(attempt))
		if grown > float64(strategy.MaxDelay) {
			grown = float64(strategy.MaxDelay)
		}
		delay = time.Duration(grown)
	}
	if delay > strategy.MaxDelay {
		delay = strategy.MaxDelay
	}
	return delay
}

// Reset clears per-URL attempt history.
func (strategy *ExponentialDelayStrategy) Reset() {
	if strategy == nil {
		return
	}
	strategy.lock.Lock()
	strategy.attempts = make(map[string]uint32)
	strategy.lock.Unlock()
}
