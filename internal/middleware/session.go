package middleware

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/homelab-dash/gatekeeper/internal/audit"
	appctx "github.com/homelab-dash/gatekeeper/internal/context"
	"github.com/homelab-dash/gatekeeper/internal/repository"
	"github.com/homelab-dash/gatekeeper/internal/session"
)

// ErrorResponse represents the standard error response format
type ErrorResponse struct {
	Success   bool        `json:"success"`
	Error     ErrorDetail `json:"error"`
	Timestamp time.Time   `json:"timestamp"`
}

// ErrorDetail contains error information
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SessionMiddleware validates the session cookie on protected routes and
// injects the authenticated identity into the request context.
type SessionMiddleware struct {
	sessions   *session.Manager
	users      repository.UserRepository
	recorder   *audit.Recorder
	cookieName string
	logger     *slog.Logger
}

// NewSessionMiddleware creates a new SessionMiddleware instance
func NewSessionMiddleware(sessions *session.Manager, users repository.UserRepository, recorder *audit.Recorder, cookieName string, logger *slog.Logger) *SessionMiddleware {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionMiddleware{
		sessions:   sessions,
		users:      users,
		recorder:   recorder,
		cookieName: cookieName,
		logger:     logger,
	}
}

// Authenticate validates the session cookie and refreshes the session's
// activity window. Invalid or expired sessions get an explicit 401 routing
// the client to re-authentication; they are never silently ignored.
func (m *SessionMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(m.cookieName)
		if err != nil || cookie.Value == "" {
			writeError(w, http.StatusUnauthorized, "SESSION_MISSING", "Authentication required")
			return
		}

		sess, err := m.sessions.Validate(r.Context(), cookie.Value)
		if err != nil {
			switch {
			case errors.Is(err, session.ErrSessionExpired):
				clearCookie(w, m.cookieName)
				writeError(w, http.StatusUnauthorized, "SESSION_EXPIRED", "Session expired, please log in again")
			case errors.Is(err, session.ErrSessionNotFound):
				clearCookie(w, m.cookieName)
				writeError(w, http.StatusUnauthorized, "SESSION_INVALID", "Invalid session, please log in again")
			default:
				m.logger.Error("session validation failed", "error", err)
				writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred")
			}
			return
		}

		user, err := m.users.GetByID(r.Context(), sess.UserID)
		if err != nil || !user.IsActive {
			clearCookie(w, m.cookieName)
			writeError(w, http.StatusUnauthorized, "SESSION_INVALID", "Invalid session, please log in again")
			return
		}

		ctx := appctx.WithUser(r.Context(), user.ID, user.Username, user.IsAdmin)
		ctx = appctx.WithSessionToken(ctx, cookie.Value)
		ctx = appctx.WithCSRFToken(ctx, sess.CSRFToken)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin rejects non-admin callers with a 403 and an access_denied
// audit entry. Must run after Authenticate.
func (m *SessionMiddleware) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !appctx.ExtractIsAdmin(r.Context()) {
			event := audit.Event{
				Type:      audit.EventAccessDenied,
				Status:    audit.StatusFailure,
				IPAddress: r.RemoteAddr,
				UserAgent: r.UserAgent(),
				Details:   map[string]string{"reason": "admin_required", "path": r.URL.Path},
			}
			if userID, ok := appctx.ExtractUserID(r.Context()); ok {
				event.UserID = &userID
			}
			if username, ok := appctx.ExtractUsername(r.Context()); ok {
				event.Username = username
			}
			if err := m.recorder.Record(r.Context(), event); err != nil {
				m.logger.Error("failed to audit admin rejection", "error", err)
			}

			writeError(w, http.StatusForbidden, "ADMIN_REQUIRED", "Administrator access required")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// clearCookie expires the session cookie on the client
func clearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// writeError writes a JSON error response
func writeError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	json.NewEncoder(w).Encode(ErrorResponse{
		Success: false,
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
		Timestamp: time.Now().UTC(),
	})
}
