// Package audit records security-relevant events to an append-only trail.
// Every component writes through Recorder synchronously: an event that cannot
// be recorded fails the operation that produced it.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"

	"github.com/homelab-dash/gatekeeper/internal/metrics"
	"github.com/homelab-dash/gatekeeper/internal/repository"
)

// ErrAuditWrite indicates an audit entry could not be durably written.
// Callers must fail the triggering operation closed; an unaudited security
// event is worse than a rejected request.
var ErrAuditWrite = errors.New("audit write failed")

// EventType identifies a security-relevant transition. The set is closed.
type EventType string

const (
	EventLoginSuccess    EventType = "login_success"
	EventLoginFailed     EventType = "login_failed"
	EventLogout          EventType = "logout"
	EventAccountLocked   EventType = "account_locked"
	EventAccountUnlocked EventType = "account_unlocked"
	EventPasswordChanged EventType = "password_changed"
	EventUserCreated     EventType = "user_created"
	EventUserDeleted     EventType = "user_deleted"
	EventSessionExpired  EventType = "session_expired"
	EventAccessDenied    EventType = "access_denied"
)

// Status classifies the outcome of the audited event
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusWarning Status = "warning"
	StatusInfo    Status = "info"
)

// Event is one security event to be recorded
type Event struct {
	Type      EventType
	Status    Status
	UserID    *uuid.UUID
	Username  string
	IPAddress string
	UserAgent string
	Details   map[string]string
}

// Recorder writes audit events synchronously to durable storage
type Recorder struct {
	repo      repository.AuditRepository
	sanitizer *bluemonday.Policy
	logger    *slog.Logger
}

// NewRecorder creates a new Recorder instance
func NewRecorder(repo repository.AuditRepository, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		repo: repo,
		// Strict policy strips all markup. Request-controlled strings
		// (user agent, usernames, detail values) end up rendered in admin
		// dashboards, so they are sanitized before storage.
		sanitizer: bluemonday.StrictPolicy(),
		logger:    logger,
	}
}

// Record writes one audit entry. It returns ErrAuditWrite (wrapped) on any
// storage failure and never swallows one.
func (r *Recorder) Record(ctx context.Context, event Event) error {
	entry := &repository.AuditLogEntry{
		UserID:      event.UserID,
		EventType:   string(event.Type),
		EventStatus: string(event.Status),
	}

	if event.Username != "" {
		username := r.sanitizer.Sanitize(event.Username)
		entry.Username = &username
	}
	if event.IPAddress != "" {
		ip := r.sanitizer.Sanitize(event.IPAddress)
		entry.IPAddress = &ip
	}
	if event.UserAgent != "" {
		ua := r.sanitizer.Sanitize(event.UserAgent)
		entry.UserAgent = &ua
	}
	if len(event.Details) > 0 {
		details := make(map[string]string, len(event.Details))
		for k, v := range event.Details {
			details[r.sanitizer.Sanitize(k)] = r.sanitizer.Sanitize(v)
		}
		entry.Details = details
	}

	if err := r.repo.Insert(ctx, entry); err != nil {
		metrics.AuditWriteFailures.Inc()
		r.logger.Error("audit write failed",
			"event_type", event.Type,
			"event_status", event.Status,
			"error", err,
		)
		return fmt.Errorf("%w: %v", ErrAuditWrite, err)
	}

	return nil
}

// Recent returns the most recent audit entries, newest first
func (r *Recorder) Recent(ctx context.Context, limit int) ([]repository.AuditLogEntry, error) {
	return r.repo.Recent(ctx, limit)
}

// LoginStats returns per-day login outcome aggregates for the last N days
func (r *Recorder) LoginStats(ctx context.Context, days int) ([]repository.LoginDayStats, error) {
	return r.repo.LoginStatsByDay(ctx, days)
}
