// Package csrf enforces per-session anti-forgery tokens on state-changing
// requests. Tokens are minted at session creation and bound to that session
// row; a token issued under one session never validates under another.
package csrf

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/homelab-dash/gatekeeper/internal/audit"
	appctx "github.com/homelab-dash/gatekeeper/internal/context"
)

// ErrCsrfRejected indicates a missing or mismatched anti-forgery token
var ErrCsrfRejected = errors.New("csrf token missing or mismatched")

// HeaderName is the request header carrying the anti-forgery token
const HeaderName = "X-CSRF-Token"

// FormField is the form field carrying the anti-forgery token
const FormField = "csrf_token"

// Guard validates per-session CSRF tokens
type Guard struct {
	recorder *audit.Recorder
	logger   *slog.Logger
}

// NewGuard creates a new CSRF Guard instance
func NewGuard(recorder *audit.Recorder, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{recorder: recorder, logger: logger}
}

// Validate compares a presented token against the one bound to the session
// in constant time.
func Validate(expected, presented string) error {
	if expected == "" || presented == "" {
		return ErrCsrfRejected
	}
	if subtle.ConstantTimeCompare([]byte(expected), []byte(presented)) != 1 {
		return ErrCsrfRejected
	}
	return nil
}

// Middleware rejects state-changing requests whose CSRF token does not match
// the current session's. Read methods pass through untouched; the session
// middleware must already have run.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}

		expected, _ := appctx.ExtractCSRFToken(r.Context())
		presented := tokenFromRequest(r)

		if err := Validate(expected, presented); err != nil {
			g.reject(w, r)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// tokenFromRequest reads the token from the header or, for form posts, the
// csrf_token field. Tokens never travel in URLs.
func tokenFromRequest(r *http.Request) string {
	if token := r.Header.Get(HeaderName); token != "" {
		return token
	}
	if err := r.ParseForm(); err == nil {
		return r.PostFormValue(FormField)
	}
	return ""
}

// reject short-circuits the request before any business logic runs
func (g *Guard) reject(w http.ResponseWriter, r *http.Request) {
	event := audit.Event{
		Type:      audit.EventAccessDenied,
		Status:    audit.StatusFailure,
		IPAddress: r.RemoteAddr,
		UserAgent: r.UserAgent(),
		Details:   map[string]string{"reason": "csrf_rejected", "path": r.URL.Path},
	}
	if userID, ok := appctx.ExtractUserID(r.Context()); ok {
		event.UserID = &userID
	}
	if username, ok := appctx.ExtractUsername(r.Context()); ok {
		event.Username = username
	}
	if err := g.recorder.Record(r.Context(), event); err != nil {
		g.logger.Error("failed to audit csrf rejection", "error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error": map[string]string{
			"code":    "CSRF_REJECTED",
			"message": "Missing or invalid CSRF token",
		},
		"timestamp": time.Now().UTC(),
	})
}
