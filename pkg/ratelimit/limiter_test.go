package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestAllowConsumesBurst(t *testing.T) {
	limiter := NewRateLimiter(1, 3)

	for i := 0; i < 3; i++ {
		if !limiter.Allow() {
			t.Fatalf("expected token %d to be available", i+1)
		}
	}

	if limiter.Allow() {
		t.Error("bucket should be empty after burst consumed")
	}
}

func TestTokensRefillOverTime(t *testing.T) {
	limiter := NewRateLimiter(100, 1)

	if !limiter.Allow() {
		t.Fatal("first token should be available")
	}
	if limiter.Allow() {
		t.Fatal("bucket should be empty")
	}

	// 100 токенов/сек: через 20мс должен появиться хотя бы один
	time.Sleep(20 * time.Millisecond)

	if !limiter.Allow() {
		t.Error("token should have refilled")
	}
}

func TestWaitRespectsContext(t *testing.T) {
	limiter := NewRateLimiter(0.1, 1) // пополнение раз в 10 секунд
	limiter.Allow()                   // опустошаем ведро

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := limiter.Wait(ctx)
	if err == nil {
		t.Error("expected context deadline error")
	}
}

func TestDefaultsApplied(t *testing.T) {
	limiter := NewRateLimiter(-5, 0)
	if limiter.Rate() <= 0 {
		t.Error("rate default not applied")
	}
	if limiter.Tokens() <= 0 {
		t.Error("bucket should start full")
	}
}
