package context

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

const (
	// UserIDKey is the context key for the authenticated user ID
	UserIDKey ContextKey = "user_id"
	// UsernameKey is the context key for the authenticated username
	UsernameKey ContextKey = "username"
	// IsAdminKey is the context key for the admin flag
	IsAdminKey ContextKey = "is_admin"
	// SessionTokenKey is the context key for the raw session token of the
	// current request. Used by logout to invalidate the right session; it
	// must never be logged.
	SessionTokenKey ContextKey = "session_token"
	// CSRFTokenKey is the context key for the anti-forgery token bound to
	// the current request's session.
	CSRFTokenKey ContextKey = "csrf_token"
)

// WithUser injects the authenticated user's identity into the context
func WithUser(ctx context.Context, userID uuid.UUID, username string, isAdmin bool) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, userID)
	ctx = context.WithValue(ctx, UsernameKey, username)
	return context.WithValue(ctx, IsAdminKey, isAdmin)
}

// WithSessionToken injects the raw session token into the context
func WithSessionToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, SessionTokenKey, token)
}

// ExtractUserID extracts the authenticated user ID from the request context
func ExtractUserID(ctx context.Context) (uuid.UUID, bool) {
	userID, ok := ctx.Value(UserIDKey).(uuid.UUID)
	return userID, ok
}

// ExtractUsername extracts the authenticated username from the request context
func ExtractUsername(ctx context.Context) (string, bool) {
	username, ok := ctx.Value(UsernameKey).(string)
	return username, ok
}

// ExtractIsAdmin reports whether the authenticated user is an admin
func ExtractIsAdmin(ctx context.Context) bool {
	isAdmin, ok := ctx.Value(IsAdminKey).(bool)
	return ok && isAdmin
}

// ExtractSessionToken extracts the raw session token from the request context
func ExtractSessionToken(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(SessionTokenKey).(string)
	return token, ok
}

// WithCSRFToken injects the session-bound CSRF token into the context
func WithCSRFToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, CSRFTokenKey, token)
}

// ExtractCSRFToken extracts the session-bound CSRF token from the request context
func ExtractCSRFToken(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(CSRFTokenKey).(string)
	return token, ok
}
