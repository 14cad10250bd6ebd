package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Session repository errors
var (
	ErrSessionNotFound = errors.New("session not found")
)

// SessionRepository defines the interface for session data access
type SessionRepository interface {
	// CreateReplacingActive invalidates every active session for the user and
	// inserts the new one in a single transaction, so there is no window in
	// which two valid sessions coexist.
	CreateReplacingActive(ctx context.Context, session *Session) error
	GetByTokenHash(ctx context.Context, tokenHash string) (*Session, error)
	// TouchActivity refreshes last_activity_at for the sliding idle window.
	TouchActivity(ctx context.Context, id uuid.UUID, at time.Time) error
	Invalidate(ctx context.Context, id uuid.UUID) error
	// InvalidateOthers invalidates all active sessions for a user except the
	// given one. Used after a password change.
	InvalidateOthers(ctx context.Context, userID uuid.UUID, keep uuid.UUID) (int64, error)
	// DeleteExpired removes sessions past their absolute expiry or idle
	// beyond the given timeout.
	DeleteExpired(ctx context.Context, idleTimeout time.Duration) (int64, error)
}

// sessionRepository implements SessionRepository using PostgreSQL
type sessionRepository struct {
	pool *pgxpool.Pool
}

// NewSessionRepository creates a new SessionRepository instance
func NewSessionRepository(pool *pgxpool.Pool) SessionRepository {
	return &sessionRepository{pool: pool}
}

// CreateReplacingActive performs the fixation defense: old sessions die and
// the new one is born atomically.
func (r *sessionRepository) CreateReplacingActive(ctx context.Context, session *Session) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`UPDATE sessions SET is_active = FALSE WHERE user_id = $1 AND is_active = TRUE`,
		session.UserID,
	)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO sessions (user_id, token_hash, csrf_token, last_activity_at, expires_at, ip_address, user_agent, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE)
		RETURNING id, created_at
	`

	err = tx.QueryRow(ctx, query,
		session.UserID,
		session.TokenHash,
		session.CSRFToken,
		session.LastActivityAt,
		session.ExpiresAt,
		session.IPAddress,
		session.UserAgent,
	).Scan(&session.ID, &session.CreatedAt)
	if err != nil {
		return err
	}

	session.IsActive = true
	return tx.Commit(ctx)
}

// GetByTokenHash retrieves a session by its token hash
func (r *sessionRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*Session, error) {
	query := `
		SELECT id, user_id, token_hash, csrf_token, created_at, last_activity_at,
		       expires_at, ip_address, user_agent, is_active
		FROM sessions
		WHERE token_hash = $1
	`

	session := &Session{}
	err := r.pool.QueryRow(ctx, query, tokenHash).Scan(
		&session.ID,
		&session.UserID,
		&session.TokenHash,
		&session.CSRFToken,
		&session.CreatedAt,
		&session.LastActivityAt,
		&session.ExpiresAt,
		&session.IPAddress,
		&session.UserAgent,
		&session.IsActive,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}

	return session, nil
}

// TouchActivity refreshes the idle-expiry window
func (r *sessionRepository) TouchActivity(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `UPDATE sessions SET last_activity_at = $2 WHERE id = $1 AND is_active = TRUE`

	result, err := r.pool.Exec(ctx, query, id, at)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// Invalidate marks a session inactive
func (r *sessionRepository) Invalidate(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE sessions SET is_active = FALSE WHERE id = $1`

	result, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// InvalidateOthers kills every other active session for the user
func (r *sessionRepository) InvalidateOthers(ctx context.Context, userID uuid.UUID, keep uuid.UUID) (int64, error) {
	query := `UPDATE sessions SET is_active = FALSE WHERE user_id = $1 AND id <> $2 AND is_active = TRUE`

	result, err := r.pool.Exec(ctx, query, userID, keep)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

// DeleteExpired purges rows that can never validate again
func (r *sessionRepository) DeleteExpired(ctx context.Context, idleTimeout time.Duration) (int64, error) {
	query := `
		DELETE FROM sessions
		WHERE expires_at < now()
		   OR last_activity_at < now() - $1::interval
		   OR is_active = FALSE
	`

	result, err := r.pool.Exec(ctx, query, idleTimeout)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}
