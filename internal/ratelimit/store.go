package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Store tracks fixed-window request counters keyed by client identifier.
type Store interface {
	// Incr increments the counter for key in its current window and returns
	// the new count plus the time remaining until the window resets.
	Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
}

// memoryStore is an in-process Store. It is correct only for
// single-replica deployments: behind a load balancer with N replicas the
// effective limit becomes N times the configured one. Multi-replica
// deployments must use the Redis store.
type memoryStore struct {
	mu      sync.Mutex
	windows map[string]*windowEntry
}

type windowEntry struct {
	count int64
	start time.Time
}

// NewMemoryStore creates an in-process counter store and starts a janitor
// goroutine that drops stale windows.
func NewMemoryStore(ctx context.Context) Store {
	s := &memoryStore{windows: make(map[string]*windowEntry)}
	go s.janitor(ctx)
	return s
}

func (s *memoryStore) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.windows[key]
	if !ok || now.Sub(entry.start) >= window {
		entry = &windowEntry{start: now}
		s.windows[key] = entry
	}
	entry.count++

	return entry.count, entry.start.Add(window).Sub(now), nil
}

// janitor drops windows older than the longest configurable window (a day).
// Stale entries reset on first touch anyway; this only bounds memory.
func (s *memoryStore) janitor(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-25 * time.Hour)
			s.mu.Lock()
			for key, entry := range s.windows {
				if entry.start.Before(cutoff) {
					delete(s.windows, key)
				}
			}
			s.mu.Unlock()
		}
	}
}
