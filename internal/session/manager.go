// Package session owns the session lifecycle: opaque token issuance,
// dual-expiry validation, fixation defense, and expired-row sweeping.
package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/homelab-dash/gatekeeper/internal/audit"
	"github.com/homelab-dash/gatekeeper/internal/config"
	"github.com/homelab-dash/gatekeeper/internal/metrics"
	"github.com/homelab-dash/gatekeeper/internal/repository"
)

// Session errors
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")
)

// tokenBytes is the entropy of session and CSRF tokens (256 bits).
const tokenBytes = 32

// Manager issues, validates, and invalidates sessions
type Manager struct {
	repo     repository.SessionRepository
	recorder *audit.Recorder
	cfg      config.SessionConfig
	logger   *slog.Logger
	// now is swappable for tests
	now func() time.Time
}

// NewManager creates a new session Manager instance
func NewManager(repo repository.SessionRepository, recorder *audit.Recorder, cfg config.SessionConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		repo:     repo,
		recorder: recorder,
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// newToken returns a fresh random token and its storage hash
func newToken() (raw, hash string, err error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate token: %w", err)
	}
	raw = base64.RawURLEncoding.EncodeToString(buf)
	return raw, HashToken(raw), nil
}

// HashToken returns the SHA-256 hex digest under which a token is stored.
// Raw tokens never touch the database.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Create mints a new session for the user, invalidating any prior active
// sessions first. It returns the session row and the raw token for the
// cookie; the raw token is not recoverable afterwards.
func (m *Manager) Create(ctx context.Context, userID uuid.UUID, ip, userAgent string) (*repository.Session, string, error) {
	raw, hash, err := newToken()
	if err != nil {
		return nil, "", err
	}

	// CSRF token is stored on the session row so it is bound to exactly
	// this session and survives process restarts.
	csrfBuf := make([]byte, tokenBytes)
	if _, err := rand.Read(csrfBuf); err != nil {
		return nil, "", fmt.Errorf("generate csrf token: %w", err)
	}

	now := m.now()
	session := &repository.Session{
		UserID:         userID,
		TokenHash:      hash,
		CSRFToken:      hex.EncodeToString(csrfBuf),
		LastActivityAt: now,
		ExpiresAt:      now.Add(m.cfg.AbsoluteLifetime),
	}
	if ip != "" {
		session.IPAddress = &ip
	}
	if userAgent != "" {
		session.UserAgent = &userAgent
	}

	if err := m.repo.CreateReplacingActive(ctx, session); err != nil {
		return nil, "", fmt.Errorf("create session: %w", err)
	}

	return session, raw, nil
}

// Validate checks the session behind a raw token and refreshes its activity
// timestamp. It fails closed: inactive, absolutely expired, or idle sessions
// all return an error. Idle and absolute expiry are audited as
// session_expired, distinct from an explicit logout.
func (m *Manager) Validate(ctx context.Context, rawToken string) (*repository.Session, error) {
	session, err := m.repo.GetByTokenHash(ctx, HashToken(rawToken))
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}

	if !session.IsActive {
		return nil, ErrSessionNotFound
	}

	now := m.now()
	var reason string
	switch {
	case !now.Before(session.ExpiresAt):
		reason = "absolute"
	case now.Sub(session.LastActivityAt) >= m.cfg.IdleTimeout:
		reason = "idle"
	}

	if reason != "" {
		return nil, m.expire(ctx, session, reason)
	}

	// Sliding idle window. The absolute cap is unaffected: expires_at
	// never moves.
	if err := m.repo.TouchActivity(ctx, session.ID, now); err != nil {
		return nil, err
	}
	session.LastActivityAt = now

	return session, nil
}

// expire invalidates a timed-out session and audits it. The caller always
// receives ErrSessionExpired; an audit failure is surfaced on top of it.
func (m *Manager) expire(ctx context.Context, session *repository.Session, reason string) error {
	if err := m.repo.Invalidate(ctx, session.ID); err != nil && !errors.Is(err, repository.ErrSessionNotFound) {
		m.logger.Warn("failed to invalidate expired session", "session_id", session.ID, "error", err)
	}
	metrics.SessionsExpired.WithLabelValues(reason).Inc()

	event := audit.Event{
		Type:    audit.EventSessionExpired,
		Status:  audit.StatusInfo,
		UserID:  &session.UserID,
		Details: map[string]string{"reason": reason},
	}
	if session.IPAddress != nil {
		event.IPAddress = *session.IPAddress
	}
	if err := m.recorder.Record(ctx, event); err != nil {
		return err
	}

	return ErrSessionExpired
}

// Invalidate marks the session behind a raw token inactive. Used by logout;
// the caller audits the logout event.
func (m *Manager) Invalidate(ctx context.Context, rawToken string) (*repository.Session, error) {
	session, err := m.repo.GetByTokenHash(ctx, HashToken(rawToken))
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}

	if err := m.repo.Invalidate(ctx, session.ID); err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}

	return session, nil
}

// InvalidateOthers kills every other active session for the user, keeping
// the given one. Used after password changes.
func (m *Manager) InvalidateOthers(ctx context.Context, session *repository.Session) error {
	_, err := m.repo.InvalidateOthers(ctx, session.UserID, session.ID)
	return err
}

// InvalidateAllForUser kills every active session for the user. Used when
// an account is deactivated.
func (m *Manager) InvalidateAllForUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	return m.repo.InvalidateOthers(ctx, userID, uuid.Nil)
}

// StartSweeper runs the periodic purge of expired session rows until the
// context is cancelled.
func (m *Manager) StartSweeper(ctx context.Context) {
	interval := m.cfg.SweepInterval
	if interval <= 0 {
		interval = 10 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := m.repo.DeleteExpired(ctx, m.cfg.IdleTimeout)
			if err != nil {
				m.logger.Warn("session sweep failed", "error", err)
				continue
			}
			if deleted > 0 {
				m.logger.Info("purged expired sessions", "count", deleted)
			}
		}
	}
}
