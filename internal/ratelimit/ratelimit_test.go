package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"pgregory.net/rapid"
)

func TestLimiterAllowsUpToLimit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	limiter := NewLimiter(NewMemoryStore(ctx), Rule{Name: "login", Limit: 5, Window: 15 * time.Minute})

	for i := 0; i < 5; i++ {
		if _, err := limiter.Allow(ctx, "10.0.0.1"); err != nil {
			t.Fatalf("request %d unexpectedly limited: %v", i+1, err)
		}
	}

	retryAfter, err := limiter.Allow(ctx, "10.0.0.1")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited on request 6, got %v", err)
	}
	if retryAfter < time.Second || retryAfter > 15*time.Minute {
		t.Errorf("implausible retry-after %v", retryAfter)
	}
}

func TestLimiterIsolatesIdentifiers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	limiter := NewLimiter(NewMemoryStore(ctx), Rule{Name: "login", Limit: 1, Window: time.Minute})

	if _, err := limiter.Allow(ctx, "10.0.0.1"); err != nil {
		t.Fatal(err)
	}
	if _, err := limiter.Allow(ctx, "10.0.0.1"); !errors.Is(err, ErrRateLimited) {
		t.Fatal("expected first identifier to be limited")
	}
	if _, err := limiter.Allow(ctx, "10.0.0.2"); err != nil {
		t.Errorf("second identifier must not share the counter: %v", err)
	}
}

func TestLimiterIsolatesRules(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore(ctx)
	hourly := NewLimiter(store, Rule{Name: "global_hourly", Limit: 2, Window: time.Hour})
	login := NewLimiter(store, Rule{Name: "login", Limit: 2, Window: 15 * time.Minute})

	if _, err := hourly.Allow(ctx, "10.0.0.1"); err != nil {
		t.Fatal(err)
	}
	if _, err := hourly.Allow(ctx, "10.0.0.1"); err != nil {
		t.Fatal(err)
	}
	// The global counter is exhausted; the login counter is untouched.
	if _, err := login.Allow(ctx, "10.0.0.1"); err != nil {
		t.Errorf("rules must keep separate counters: %v", err)
	}
}

func TestLimiterFirstTrippedRuleWins(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	limiter := NewLimiter(NewMemoryStore(ctx),
		Rule{Name: "hourly", Limit: 2, Window: time.Hour},
		Rule{Name: "daily", Limit: 10, Window: 24 * time.Hour},
	)

	limiter.Allow(ctx, "10.0.0.1")
	limiter.Allow(ctx, "10.0.0.1")

	retryAfter, err := limiter.Allow(ctx, "10.0.0.1")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatal("expected the hourly rule to trip")
	}
	if retryAfter > time.Hour {
		t.Errorf("retry-after %v should come from the hourly window", retryAfter)
	}
}

func TestMemoryStoreWindowResets(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore(ctx)

	count, _, err := store.Incr(ctx, "k", 50*time.Millisecond)
	if err != nil || count != 1 {
		t.Fatalf("expected count 1, got %d (%v)", count, err)
	}
	count, _, _ = store.Incr(ctx, "k", 50*time.Millisecond)
	if count != 2 {
		t.Fatalf("expected count 2, got %d", count)
	}

	time.Sleep(60 * time.Millisecond)
	count, _, _ = store.Incr(ctx, "k", 50*time.Millisecond)
	if count != 1 {
		t.Errorf("expected a fresh window after expiry, got %d", count)
	}
}

func TestLimiterCountsExactly(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		limit := rapid.IntRange(1, 50).Draw(t, "limit")
		requests := rapid.IntRange(1, 100).Draw(t, "requests")

		limiter := NewLimiter(NewMemoryStore(ctx), Rule{Name: "r", Limit: limit, Window: time.Hour})

		allowed := 0
		for i := 0; i < requests; i++ {
			if _, err := limiter.Allow(ctx, "client"); err == nil {
				allowed++
			}
		}

		want := requests
		if want > limit {
			want = limit
		}
		if allowed != want {
			t.Errorf("limit %d, requests %d: allowed %d, want %d", limit, requests, allowed, want)
		}
	})
}

func TestMemoryStoreConcurrentCounting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore(ctx)

	const workers = 8
	const perWorker = 50
	done := make(chan struct{})
	for i := 0; i < workers; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < perWorker; j++ {
				store.Incr(ctx, "shared", time.Hour)
			}
		}()
	}
	for i := 0; i < workers; i++ {
		<-done
	}

	count, _, err := store.Incr(ctx, "shared", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if count != workers*perWorker+1 {
		t.Errorf("expected %d, got %d", workers*perWorker+1, count)
	}
}

func BenchmarkMemoryStoreIncr(b *testing.B) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore(ctx)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		store.Incr(ctx, fmt.Sprintf("k%d", i%100), time.Hour)
	}
}
