package middleware

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/homelab-dash/gatekeeper/internal/audit"
	"github.com/homelab-dash/gatekeeper/internal/metrics"
	"github.com/homelab-dash/gatekeeper/internal/ratelimit"
)

// RateLimitMiddleware applies an IP-keyed limiter to the wrapped routes.
// It runs before any credential or lockout logic so blind request floods
// cannot probe account state.
type RateLimitMiddleware struct {
	limiter  *ratelimit.Limiter
	recorder *audit.Recorder
	scope    string
	logger   *slog.Logger
}

// NewRateLimitMiddleware creates a new RateLimitMiddleware instance. The
// scope label distinguishes the global and login limiters in audit details
// and metrics.
func NewRateLimitMiddleware(limiter *ratelimit.Limiter, recorder *audit.Recorder, scope string, logger *slog.Logger) *RateLimitMiddleware {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimitMiddleware{
		limiter:  limiter,
		recorder: recorder,
		scope:    scope,
		logger:   logger,
	}
}

// Handler enforces the limiter. Rejections are HTTP 429 with a Retry-After
// header carrying the limiter's computed backoff.
func (m *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)

		retryAfter, err := m.limiter.Allow(r.Context(), ip)
		if err != nil && !errors.Is(err, ratelimit.ErrRateLimited) {
			// Counter store unavailable. Failing open here keeps a store
			// outage from taking down the whole surface; account lockout
			// still protects individual accounts.
			m.logger.Warn("rate limit store unavailable", "scope", m.scope, "error", err)
			next.ServeHTTP(w, r)
			return
		}

		if errors.Is(err, ratelimit.ErrRateLimited) {
			metrics.RateLimitRejections.WithLabelValues(m.scope).Inc()

			event := audit.Event{
				Type:      audit.EventAccessDenied,
				Status:    audit.StatusWarning,
				IPAddress: ip,
				UserAgent: r.UserAgent(),
				Details: map[string]string{
					"reason":      "rate_limited",
					"scope":       m.scope,
					"retry_after": strconv.Itoa(retryAfterSeconds(retryAfter)),
				},
			}
			if auditErr := m.recorder.Record(r.Context(), event); auditErr != nil {
				m.logger.Error("failed to audit rate limit rejection", "error", auditErr)
			}

			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(retryAfter)))
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests. Please try again later.")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// clientIP returns the client address without the port. chi's RealIP
// middleware has already resolved X-Forwarded-For / X-Real-IP into
// RemoteAddr by the time this runs.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// retryAfterSeconds rounds a backoff up to whole seconds for the header
func retryAfterSeconds(d time.Duration) int {
	secs := int(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	if secs < 1 {
		secs = 1
	}
	return secs
}
