// Package ratelimit enforces fixed-window request limits per client
// identifier. Counters live behind a pluggable Store so a single instance
// can use process memory while multi-replica deployments share Redis.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrRateLimited indicates a limiter threshold was reached
var ErrRateLimited = errors.New("rate limit exceeded")

// Rule is one fixed-window threshold
type Rule struct {
	// Name distinguishes counters for the same identifier across rules.
	Name   string
	Limit  int
	Window time.Duration
}

// Limiter checks an identifier against a set of rules. The first rule to
// trip wins; its window remainder becomes the retry-after hint.
type Limiter struct {
	store Store
	rules []Rule
}

// NewLimiter creates a Limiter over the given store and rules
func NewLimiter(store Store, rules ...Rule) *Limiter {
	return &Limiter{store: store, rules: rules}
}

// Allow counts one request for the identifier. When a threshold is reached
// it returns ErrRateLimited and the duration the caller must wait.
func (l *Limiter) Allow(ctx context.Context, identifier string) (time.Duration, error) {
	for _, rule := range l.rules {
		key := fmt.Sprintf("%s:%s", rule.Name, identifier)
		count, remaining, err := l.store.Incr(ctx, key, rule.Window)
		if err != nil {
			return 0, err
		}
		if count > int64(rule.Limit) {
			if remaining < time.Second {
				remaining = time.Second
			}
			return remaining, ErrRateLimited
		}
	}
	return 0, nil
}
