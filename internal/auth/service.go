package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/homelab-dash/gatekeeper/internal/audit"
	"github.com/homelab-dash/gatekeeper/internal/config"
	"github.com/homelab-dash/gatekeeper/internal/metrics"
	"github.com/homelab-dash/gatekeeper/internal/repository"
	"github.com/homelab-dash/gatekeeper/internal/session"
)

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrAccountInactive    = errors.New("account is deactivated")
	ErrPasswordReused     = errors.New("password was used recently")
	ErrLastAdmin          = errors.New("cannot remove the last active admin")
)

// AccountLockedError carries how long the caller should wait before the
// lock expires. It matches errors.Is(err, ErrAccountLocked).
type AccountLockedError struct {
	RetryAfter time.Duration
}

var ErrAccountLocked = errors.New("account is temporarily locked")

func (e *AccountLockedError) Error() string {
	return fmt.Sprintf("account is temporarily locked, retry after %s", e.RetryAfter.Round(time.Second))
}

func (e *AccountLockedError) Is(target error) bool {
	return target == ErrAccountLocked
}

// API error codes
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeInvalidCredentials = "INVALID_CREDENTIALS"
	ErrCodeAccountLocked      = "ACCOUNT_LOCKED"
	ErrCodePasswordPolicy     = "PASSWORD_POLICY"
	ErrCodePasswordReused     = "PASSWORD_REUSED"
	ErrCodeUsernameTaken      = "USERNAME_TAKEN"
	ErrCodeUserNotFound       = "USER_NOT_FOUND"
	ErrCodeLastAdmin          = "LAST_ADMIN"
	ErrCodeInternal           = "INTERNAL_ERROR"
)

// LoginResult is returned on a successful login. RawToken is the opaque
// session token destined for the cookie; it is never persisted.
type LoginResult struct {
	User     *repository.User
	Session  *repository.Session
	RawToken string
}

// Service implements authentication and account management on top of the
// repositories. Every login attempt, lockout transition, password change
// and account mutation is written to the audit log before the operation
// is reported as successful.
type Service struct {
	users    repository.UserRepository
	history  repository.PasswordHistoryRepository
	sessions *session.Manager
	recorder *audit.Recorder
	hasher   *PasswordHasher
	policy   *PasswordPolicy
	lockout  config.LockoutConfig
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(
	users repository.UserRepository,
	history repository.PasswordHistoryRepository,
	sessions *session.Manager,
	recorder *audit.Recorder,
	hasher *PasswordHasher,
	policy *PasswordPolicy,
	lockout config.LockoutConfig,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		users:    users,
		history:  history,
		sessions: sessions,
		recorder: recorder,
		hasher:   hasher,
		policy:   policy,
		lockout:  lockout,
		logger:   logger,
		now:      time.Now,
	}
}

// Login verifies credentials and establishes a session. The checks run in
// a fixed order: lockout state first, then the password. A locked account
// rejects even a correct password without revealing whether it was correct.
func (s *Service) Login(ctx context.Context, username, password, ip, userAgent string) (*LoginResult, error) {
	now := s.now()

	user, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			// Burn a bcrypt comparison so unknown usernames are not
			// distinguishable from wrong passwords by response time.
			s.hasher.VerifyDummy(password)
			metrics.LoginAttempts.WithLabelValues("invalid_credentials").Inc()
			if auditErr := s.recorder.Record(ctx, audit.Event{
				Type:      audit.EventLoginFailed,
				Status:    audit.StatusFailure,
				Username:  username,
				IPAddress: ip,
				UserAgent: userAgent,
				Details:   map[string]string{"reason": "unknown_user"},
			}); auditErr != nil {
				return nil, auditErr
			}
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}

	if !user.IsActive {
		metrics.LoginAttempts.WithLabelValues("inactive").Inc()
		if auditErr := s.recorder.Record(ctx, audit.Event{
			Type:      audit.EventLoginFailed,
			Status:    audit.StatusFailure,
			UserID:    &user.ID,
			Username:  user.Username,
			IPAddress: ip,
			UserAgent: userAgent,
			Details:   map[string]string{"reason": "inactive"},
		}); auditErr != nil {
			return nil, auditErr
		}
		return nil, ErrAccountInactive
	}

	if user.Locked(now) {
		retryAfter := user.LockedUntil.Sub(now)
		metrics.LoginAttempts.WithLabelValues("locked").Inc()
		if auditErr := s.recorder.Record(ctx, audit.Event{
			Type:      audit.EventLoginFailed,
			Status:    audit.StatusFailure,
			UserID:    &user.ID,
			Username:  user.Username,
			IPAddress: ip,
			UserAgent: userAgent,
			Details:   map[string]string{"reason": "locked"},
		}); auditErr != nil {
			return nil, auditErr
		}
		return nil, &AccountLockedError{RetryAfter: retryAfter}
	}

	// A lock that has lapsed is cleared lazily on the next attempt.
	if user.LockedUntil != nil {
		cleared, err := s.users.ClearExpiredLock(ctx, user.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to clear expired lock: %w", err)
		}
		if cleared {
			if auditErr := s.recorder.Record(ctx, audit.Event{
				Type:      audit.EventAccountUnlocked,
				Status:    audit.StatusInfo,
				UserID:    &user.ID,
				Username:  user.Username,
				IPAddress: ip,
				UserAgent: userAgent,
				Details:   map[string]string{"reason": "lock_expired"},
			}); auditErr != nil {
				return nil, auditErr
			}
		}
	}

	if !s.hasher.Verify(user.PasswordHash, password) {
		return nil, s.recordFailure(ctx, user, ip, userAgent, now)
	}

	if err := s.users.RecordSuccessfulLogin(ctx, user.ID, ip); err != nil {
		return nil, fmt.Errorf("failed to record login: %w", err)
	}

	sess, rawToken, err := s.sessions.Create(ctx, user.ID, ip, userAgent)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	metrics.LoginAttempts.WithLabelValues("success").Inc()
	if auditErr := s.recorder.Record(ctx, audit.Event{
		Type:      audit.EventLoginSuccess,
		Status:    audit.StatusSuccess,
		UserID:    &user.ID,
		Username:  user.Username,
		IPAddress: ip,
		UserAgent: userAgent,
	}); auditErr != nil {
		// A login that cannot be audited must not stand.
		if _, invErr := s.sessions.Invalidate(ctx, rawToken); invErr != nil {
			s.logger.Error("failed to invalidate unaudited session",
				slog.String("session_id", sess.ID.String()),
				slog.String("error", invErr.Error()))
		}
		return nil, auditErr
	}

	return &LoginResult{User: user, Session: sess, RawToken: rawToken}, nil
}

// recordFailure bumps the failure counter atomically and, when the bump
// crosses the lockout threshold, records the lock transition. The caller
// always gets ErrInvalidCredentials back; the lock surfaces on the next
// attempt.
func (s *Service) recordFailure(ctx context.Context, user *repository.User, ip, userAgent string, now time.Time) error {
	attempts, lockedUntil, err := s.users.RecordFailedAttempt(ctx, user.ID, s.lockout.MaxFailedAttempts, now.Add(s.lockout.LockDuration))
	if err != nil {
		return fmt.Errorf("failed to record failed attempt: %w", err)
	}

	metrics.LoginAttempts.WithLabelValues("invalid_credentials").Inc()
	if auditErr := s.recorder.Record(ctx, audit.Event{
		Type:      audit.EventLoginFailed,
		Status:    audit.StatusFailure,
		UserID:    &user.ID,
		Username:  user.Username,
		IPAddress: ip,
		UserAgent: userAgent,
		Details:   map[string]string{"reason": "bad_password", "attempts": fmt.Sprintf("%d", attempts)},
	}); auditErr != nil {
		return auditErr
	}

	if lockedUntil != nil && attempts == s.lockout.MaxFailedAttempts {
		metrics.AccountLockouts.Inc()
		if auditErr := s.recorder.Record(ctx, audit.Event{
			Type:      audit.EventAccountLocked,
			Status:    audit.StatusWarning,
			UserID:    &user.ID,
			Username:  user.Username,
			IPAddress: ip,
			UserAgent: userAgent,
			Details: map[string]string{
				"attempts":     fmt.Sprintf("%d", attempts),
				"locked_until": lockedUntil.UTC().Format(time.RFC3339),
			},
		}); auditErr != nil {
			return auditErr
		}
		s.logger.Warn("account locked after repeated failures",
			slog.String("username", user.Username),
			slog.Int("attempts", attempts))
	}

	return ErrInvalidCredentials
}

// Logout invalidates the session behind the raw token and audits it.
// An unknown or already-dead token is not an error.
func (s *Service) Logout(ctx context.Context, rawToken, username, ip, userAgent string, userID uuid.UUID) error {
	sess, err := s.sessions.Invalidate(ctx, rawToken)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			return nil
		}
		return fmt.Errorf("failed to invalidate session: %w", err)
	}

	return s.recorder.Record(ctx, audit.Event{
		Type:      audit.EventLogout,
		Status:    audit.StatusSuccess,
		UserID:    &userID,
		Username:  username,
		IPAddress: ip,
		UserAgent: userAgent,
		Details:   map[string]string{"session_id": sess.ID.String()},
	})
}

// ChangePassword verifies the current password, enforces the complexity
// policy and the reuse window, swaps the hash, and kills every other
// session for the account.
func (s *Service) ChangePassword(ctx context.Context, userID uuid.UUID, current, next, ip, userAgent string, keep *repository.Session) error {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to look up user: %w", err)
	}

	if !s.hasher.Verify(user.PasswordHash, current) {
		if auditErr := s.recorder.Record(ctx, audit.Event{
			Type:      audit.EventLoginFailed,
			Status:    audit.StatusFailure,
			UserID:    &user.ID,
			Username:  user.Username,
			IPAddress: ip,
			UserAgent: userAgent,
			Details:   map[string]string{"reason": "password_change_wrong_current"},
		}); auditErr != nil {
			return auditErr
		}
		return ErrInvalidCredentials
	}

	if err := s.policy.Validate(next); err != nil {
		return err
	}

	if err := s.checkReuse(ctx, user, next); err != nil {
		return err
	}

	newHash, err := s.hasher.Hash(next)
	if err != nil {
		return err
	}

	if err := s.users.UpdatePassword(ctx, user.ID, newHash); err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	if err := s.history.Add(ctx, user.ID, newHash, s.policy.HistoryDepth()); err != nil {
		return fmt.Errorf("failed to record password history: %w", err)
	}

	if keep != nil {
		if err := s.sessions.InvalidateOthers(ctx, keep); err != nil {
			return fmt.Errorf("failed to invalidate other sessions: %w", err)
		}
	}

	return s.recorder.Record(ctx, audit.Event{
		Type:      audit.EventPasswordChanged,
		Status:    audit.StatusSuccess,
		UserID:    &user.ID,
		Username:  user.Username,
		IPAddress: ip,
		UserAgent: userAgent,
	})
}

// checkReuse rejects a candidate matching the current hash or any of the
// retained previous hashes. Comparison happens through bcrypt, so two
// equal plaintexts match even though their stored hashes differ by salt.
func (s *Service) checkReuse(ctx context.Context, user *repository.User, candidate string) error {
	if s.hasher.Verify(user.PasswordHash, candidate) {
		return ErrPasswordReused
	}
	entries, err := s.history.ListRecent(ctx, user.ID, s.policy.HistoryDepth())
	if err != nil {
		return fmt.Errorf("failed to load password history: %w", err)
	}
	for _, entry := range entries {
		if s.hasher.Verify(entry.PasswordHash, candidate) {
			return ErrPasswordReused
		}
	}
	return nil
}

// CreateUser provisions an account. The initial hash is written to the
// history table so the first password change already has a reuse window.
func (s *Service) CreateUser(ctx context.Context, actor *repository.User, username, password string, email *string, isAdmin bool, ip, userAgent string) (*repository.User, error) {
	if err := s.policy.Validate(password); err != nil {
		return nil, err
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, err
	}

	user := &repository.User{
		Username:     username,
		PasswordHash: hash,
		Email:        email,
		IsActive:     true,
		IsAdmin:      isAdmin,
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, err
	}
	if err := s.history.Add(ctx, user.ID, hash, s.policy.HistoryDepth()); err != nil {
		return nil, fmt.Errorf("failed to record password history: %w", err)
	}

	details := map[string]string{"created_username": user.Username}
	if isAdmin {
		details["is_admin"] = "true"
	}
	event := audit.Event{
		Type:      audit.EventUserCreated,
		Status:    audit.StatusSuccess,
		IPAddress: ip,
		UserAgent: userAgent,
		Details:   details,
	}
	if actor != nil {
		event.UserID = &actor.ID
		event.Username = actor.Username
	}
	if auditErr := s.recorder.Record(ctx, event); auditErr != nil {
		return nil, auditErr
	}

	return user, nil
}

// DeactivateUser soft-deletes an account and kills its sessions. The last
// active admin cannot be deactivated.
func (s *Service) DeactivateUser(ctx context.Context, actor *repository.User, targetID uuid.UUID, ip, userAgent string) error {
	target, err := s.users.GetByID(ctx, targetID)
	if err != nil {
		return err
	}

	if target.IsAdmin {
		admins, err := s.users.CountActiveAdmins(ctx)
		if err != nil {
			return fmt.Errorf("failed to count admins: %w", err)
		}
		if admins <= 1 {
			return ErrLastAdmin
		}
	}

	if err := s.users.Deactivate(ctx, targetID); err != nil {
		return err
	}
	if _, err := s.sessions.InvalidateAllForUser(ctx, targetID); err != nil {
		return fmt.Errorf("failed to invalidate sessions: %w", err)
	}

	return s.recorder.Record(ctx, audit.Event{
		Type:      audit.EventUserDeleted,
		Status:    audit.StatusWarning,
		UserID:    &actor.ID,
		Username:  actor.Username,
		IPAddress: ip,
		UserAgent: userAgent,
		Details:   map[string]string{"deleted_username": target.Username},
	})
}

// Bootstrap creates the initial admin account when no active admin exists.
// It is a no-op when one does, or when no bootstrap password is configured.
func (s *Service) Bootstrap(ctx context.Context, cfg config.BootstrapConfig) error {
	admins, err := s.users.CountActiveAdmins(ctx)
	if err != nil {
		return fmt.Errorf("failed to count admins: %w", err)
	}
	if admins > 0 {
		return nil
	}
	if cfg.AdminPassword == "" {
		s.logger.Warn("no active admin and no bootstrap password configured")
		return nil
	}

	var email *string
	if cfg.AdminEmail != "" {
		email = &cfg.AdminEmail
	}
	user, err := s.CreateUser(ctx, nil, cfg.AdminUsername, cfg.AdminPassword, email, true, "", "")
	if err != nil {
		return fmt.Errorf("failed to bootstrap admin: %w", err)
	}
	s.logger.Info("bootstrap admin created", slog.String("username", user.Username))
	return nil
}
