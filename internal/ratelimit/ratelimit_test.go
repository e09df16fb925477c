package ratelimit

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestAdaptiveBackoffDoubling(t *testing.T) {
	a := NewAdaptiveBackoff(zap.NewNop())

	if a.Delay() != 0 {
		t.Errorf("Expected zero initial delay, got %v", a.Delay())
	}

	// Three consecutive rate-limit signals: 5s, 10s, 20s.
	want := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}
	for i, w := range want {
		a.OnRateLimited()
		if a.Delay() != w {
			t.Errorf("After %d signals expected delay %v, got %v", i+1, w, a.Delay())
		}
	}

	a.OnSuccess()
	if a.Delay() != 0 {
		t.Errorf("Expected delay reset to 0 after success, got %v", a.Delay())
	}
}

func TestAdaptiveBackoffCap(t *testing.T) {
	a := NewAdaptiveBackoff(zap.NewNop())

	for i := 0; i < 10; i++ {
		a.OnRateLimited()
	}

	if a.Delay() != 60*time.Second {
		t.Errorf("Expected delay capped at 60s, got %v", a.Delay())
	}
}

func TestAdaptiveBackoffWaitZeroDelay(t *testing.T) {
	a := NewAdaptiveBackoff(zap.NewNop())

	start := time.Now()
	if err := a.Wait(context.Background()); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Error("Wait with zero delay should return immediately")
	}
}

func TestAdaptiveBackoffWaitCancellation(t *testing.T) {
	a := NewAdaptiveBackoff(zap.NewNop())
	a.OnRateLimited() // 5s delay

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := a.Wait(ctx); err == nil {
		t.Error("Expected context error from cancelled Wait")
	}
}

func TestSlidingWindowAdmission(t *testing.T) {
	s := NewSlidingWindow(3, time.Minute, zap.NewNop())

	for i := 0; i < 3; i++ {
		if !s.TryAcquire() {
			t.Fatalf("Acquire %d should succeed within window capacity", i+1)
		}
	}

	if s.TryAcquire() {
		t.Error("Fourth acquire should fail with 3 permits per window")
	}
}

func TestSlidingWindowTimeBoxedRelease(t *testing.T) {
	s := NewSlidingWindow(1, 30*time.Millisecond, zap.NewNop())

	if !s.TryAcquire() {
		t.Fatal("First acquire should succeed")
	}
	if s.TryAcquire() {
		t.Fatal("Second acquire should fail while permit is held")
	}

	// The permit comes back after the window elapses, with no release call.
	time.Sleep(60 * time.Millisecond)
	if !s.TryAcquire() {
		t.Error("Permit should be auto-released after the window")
	}
}

func TestSlidingWindowWait(t *testing.T) {
	s := NewSlidingWindow(1, 30*time.Millisecond, zap.NewNop())

	if err := s.Wait(context.Background()); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	// Second Wait blocks until the timed release.
	start := time.Now()
	if err := s.Wait(context.Background()); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Error("Second Wait should have blocked until the window released the permit")
	}
}

func TestNewStrategySelection(t *testing.T) {
	logger := zap.NewNop()

	if _, err := New("adaptive", 0, 0, logger); err != nil {
		t.Errorf("adaptive strategy should construct: %v", err)
	}
	if _, err := New("window", 10, time.Minute, logger); err != nil {
		t.Errorf("window strategy should construct: %v", err)
	}
	if _, err := New("bogus", 0, 0, logger); err == nil {
		t.Error("Expected error for unknown strategy")
	}
}
