// Package ratelimit provides admission control applied before calling a
// remote speech-to-text provider. Two interchangeable strategies are
// offered: adaptive backoff driven by upstream rate-limit responses, and a
// time-boxed sliding window of permits.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Limiter is the admission-control surface consumed by the queue workers.
type Limiter interface {
	// Wait blocks until the limiter admits a request or ctx is done.
	Wait(ctx context.Context) error
	// OnRateLimited records an upstream rate-limit response.
	OnRateLimited()
	// OnSuccess records a successful upstream call.
	OnSuccess()
}

// New builds a limiter for the configured strategy, "adaptive" or "window".
func New(strategy string, permits int, window time.Duration, logger *zap.Logger) (Limiter, error) {
	switch strategy {
	case "adaptive", "":
		return NewAdaptiveBackoff(logger), nil
	case "window":
		return NewSlidingWindow(permits, window, logger), nil
	default:
		return nil, fmt.Errorf("unknown rate limit strategy %q", strategy)
	}
}

const (
	backoffFloor = 5 * time.Second
	backoffCap   = 60 * time.Second
)

// AdaptiveBackoff tracks a single delay value. Every upstream rate-limit
// response doubles it (floor 5s, cap 60s); any success resets it to zero.
// Callers wait the current delay before issuing a request.
type AdaptiveBackoff struct {
	mu     sync.Mutex
	delay  time.Duration
	logger *zap.Logger
}

// NewAdaptiveBackoff creates a backoff limiter with no initial delay.
func NewAdaptiveBackoff(logger *zap.Logger) *AdaptiveBackoff {
	return &AdaptiveBackoff{logger: logger}
}

// Delay returns the wait currently demanded before the next request.
func (a *AdaptiveBackoff) Delay() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.delay
}

// OnRateLimited doubles the delay from the floor up to the cap.
func (a *AdaptiveBackoff) OnRateLimited() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.delay == 0 {
		a.delay = backoffFloor
	} else {
		a.delay *= 2
		if a.delay > backoffCap {
			a.delay = backoffCap
		}
	}

	a.logger.Warn("Provider rate limited, backing off",
		zap.Duration("delay", a.delay))
}

// OnSuccess resets the delay to zero.
func (a *AdaptiveBackoff) OnSuccess() {
	a.mu.Lock()
	a.delay = 0
	a.mu.Unlock()
}

// Wait sleeps for the current delay, honoring context cancellation.
func (a *AdaptiveBackoff) Wait(ctx context.Context) error {
	delay := a.Delay()
	if delay == 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SlidingWindow admits at most N requests per rolling window. A permit is
// released exactly one window after acquisition regardless of whether the
// call has finished, capping burst admission independent of call latency.
type SlidingWindow struct {
	permits chan struct{}
	window  time.Duration
	logger  *zap.Logger
}

// NewSlidingWindow creates a window limiter with n permits per window.
func NewSlidingWindow(n int, window time.Duration, logger *zap.Logger) *SlidingWindow {
	if n <= 0 {
		n = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	s := &SlidingWindow{
		permits: make(chan struct{}, n),
		window:  window,
		logger:  logger,
	}
	for i := 0; i < n; i++ {
		s.permits <- struct{}{}
	}
	return s
}

// TryAcquire takes a permit without blocking. The permit returns to the
// pool after one window elapses.
func (s *SlidingWindow) TryAcquire() bool {
	select {
	case <-s.permits:
		time.AfterFunc(s.window, func() {
			s.permits <- struct{}{}
		})
		return true
	default:
		return false
	}
}

// Available reports the number of unclaimed permits.
func (s *SlidingWindow) Available() int {
	return len(s.permits)
}

// Wait blocks until a permit is granted or ctx is done.
func (s *SlidingWindow) Wait(ctx context.Context) error {
	select {
	case <-s.permits:
		time.AfterFunc(s.window, func() {
			s.permits <- struct{}{}
		})
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnRateLimited is a no-op; window capacity is fixed by configuration.
func (s *SlidingWindow) OnRateLimited() {}

// OnSuccess is a no-op; permits are time-boxed, not completion-boxed.
func (s *SlidingWindow) OnSuccess() {}
