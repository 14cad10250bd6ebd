package repository

import (
	"time"

	"github.com/google/uuid"
)

// User represents an account in the database
type User struct {
	ID                  uuid.UUID  `db:"id"`
	Username            string     `db:"username"`
	PasswordHash        string     `db:"password_hash"`
	Email               *string    `db:"email"`
	IsActive            bool       `db:"is_active"`
	IsAdmin             bool       `db:"is_admin"`
	FailedLoginAttempts int        `db:"failed_login_attempts"`
	LockedUntil         *time.Time `db:"locked_until"`
	PasswordChangedAt   *time.Time `db:"password_changed_at"`
	LastLoginAt         *time.Time `db:"last_login_at"`
	LastLoginIP         *string    `db:"last_login_ip"`
	CreatedAt           time.Time  `db:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at"`
}

// Locked reports whether the account is locked at the given instant.
// Unlocking is lazy: a lock in the past counts as unlocked even before
// the row is cleared.
func (u *User) Locked(now time.Time) bool {
	return u.LockedUntil != nil && u.LockedUntil.After(now)
}

// Session represents an authenticated session in the database.
// Only the SHA-256 hash of the session token is stored; the raw token
// lives exclusively in the client cookie.
type Session struct {
	ID             uuid.UUID `db:"id"`
	UserID         uuid.UUID `db:"user_id"`
	TokenHash      string    `db:"token_hash"`
	CSRFToken      string    `db:"csrf_token"`
	CreatedAt      time.Time `db:"created_at"`
	LastActivityAt time.Time `db:"last_activity_at"`
	ExpiresAt      time.Time `db:"expires_at"`
	IPAddress      *string   `db:"ip_address"`
	UserAgent      *string   `db:"user_agent"`
	IsActive       bool      `db:"is_active"`
}

// AuditLogEntry represents an immutable security event record.
// There is no update or delete path for these rows.
type AuditLogEntry struct {
	ID          uuid.UUID         `db:"id" json:"id"`
	UserID      *uuid.UUID        `db:"user_id" json:"user_id,omitempty"`
	Username    *string           `db:"username" json:"username,omitempty"`
	EventType   string            `db:"event_type" json:"event_type"`
	EventStatus string            `db:"event_status" json:"event_status"`
	IPAddress   *string           `db:"ip_address" json:"ip_address,omitempty"`
	UserAgent   *string           `db:"user_agent" json:"user_agent,omitempty"`
	Details     map[string]string `db:"-" json:"details,omitempty"`
	CreatedAt   time.Time         `db:"created_at" json:"created_at"`
}

// PasswordHistoryEntry represents a previously used password hash
type PasswordHistoryEntry struct {
	ID           uuid.UUID `db:"id"`
	UserID       uuid.UUID `db:"user_id"`
	PasswordHash string    `db:"password_hash"`
	CreatedAt    time.Time `db:"created_at"`
}

// LoginDayStats represents aggregated login outcomes for a single day
type LoginDayStats struct {
	Date             time.Time `db:"date" json:"date"`
	SuccessfulLogins int       `db:"successful_logins" json:"successful_logins"`
	FailedLogins     int       `db:"failed_logins" json:"failed_logins"`
	UniqueUsers      int       `db:"unique_users" json:"unique_users"`
}
