package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Common errors
var (
	ErrUserNotFound       = errors.New("user not found")
	ErrUsernameTaken      = errors.New("username already exists")
)

// userColumns is the canonical select list for user rows
const userColumns = `id, username, password_hash, email, is_active, is_admin,
	failed_login_attempts, locked_until, password_changed_at,
	last_login_at, last_login_ip, created_at, updated_at`

// UserRepository defines the interface for user data access
type UserRepository interface {
	Create(ctx context.Context, user *User) error
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetByUsername(ctx context.Context, username string) (*User, error)
	// RecordFailedAttempt atomically increments the failure counter and, when
	// the counter reaches maxAttempts, sets locked_until. It returns the new
	// counter value and the lock timestamp, if one is now in effect.
	RecordFailedAttempt(ctx context.Context, id uuid.UUID, maxAttempts int, lockedUntil time.Time) (int, *time.Time, error)
	// RecordSuccessfulLogin resets the failure counter, clears any lock, and
	// stamps last_login_at / last_login_ip.
	RecordSuccessfulLogin(ctx context.Context, id uuid.UUID, ip string) error
	// ClearExpiredLock clears locked_until and the counter when the lock has
	// already lapsed. Returns true if a lock was actually cleared.
	ClearExpiredLock(ctx context.Context, id uuid.UUID) (bool, error)
	UpdatePassword(ctx context.Context, id uuid.UUID, passwordHash string) error
	Deactivate(ctx context.Context, id uuid.UUID) error
	CountActiveAdmins(ctx context.Context) (int, error)
}

// userRepository implements UserRepository using PostgreSQL
type userRepository struct {
	pool *pgxpool.Pool
}

// NewUserRepository creates a new UserRepository instance
func NewUserRepository(pool *pgxpool.Pool) UserRepository {
	return &userRepository{pool: pool}
}

func scanUser(row pgx.Row) (*User, error) {
	user := &User{}
	err := row.Scan(
		&user.ID,
		&user.Username,
		&user.PasswordHash,
		&user.Email,
		&user.IsActive,
		&user.IsAdmin,
		&user.FailedLoginAttempts,
		&user.LockedUntil,
		&user.PasswordChangedAt,
		&user.LastLoginAt,
		&user.LastLoginIP,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return user, nil
}

// Create inserts a new user into the database
func (r *userRepository) Create(ctx context.Context, user *User) error {
	query := `
		INSERT INTO users (username, password_hash, email, is_active, is_admin)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at
	`

	err := r.pool.QueryRow(ctx, query,
		user.Username,
		user.PasswordHash,
		user.Email,
		user.IsActive,
		user.IsAdmin,
	).Scan(&user.ID, &user.CreatedAt, &user.UpdatedAt)

	if err != nil {
		if strings.Contains(err.Error(), "idx_users_username") {
			return ErrUsernameTaken
		}
		return err
	}

	return nil
}

// GetByID retrieves a user by their ID
func (r *userRepository) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return scanUser(r.pool.QueryRow(ctx, query, id))
}

// GetByUsername retrieves a user by username (exact match, usernames are
// stored case-sensitively but looked up case-insensitively)
func (r *userRepository) GetByUsername(ctx context.Context, username string) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE LOWER(username) = LOWER($1)`
	return scanUser(r.pool.QueryRow(ctx, query, username))
}

// RecordFailedAttempt increments failed_login_attempts and applies the lock
// threshold in a single statement so concurrent failures cannot under-count.
func (r *userRepository) RecordFailedAttempt(ctx context.Context, id uuid.UUID, maxAttempts int, lockedUntil time.Time) (int, *time.Time, error) {
	query := `
		UPDATE users
		SET failed_login_attempts = failed_login_attempts + 1,
		    locked_until = CASE
		        WHEN failed_login_attempts + 1 >= $2 THEN $3
		        ELSE locked_until
		    END,
		    updated_at = now()
		WHERE id = $1
		RETURNING failed_login_attempts, locked_until
	`

	var attempts int
	var lock *time.Time
	err := r.pool.QueryRow(ctx, query, id, maxAttempts, lockedUntil).Scan(&attempts, &lock)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil, ErrUserNotFound
		}
		return 0, nil, err
	}

	return attempts, lock, nil
}

// RecordSuccessfulLogin resets the lockout state and stamps login metadata
func (r *userRepository) RecordSuccessfulLogin(ctx context.Context, id uuid.UUID, ip string) error {
	query := `
		UPDATE users
		SET failed_login_attempts = 0,
		    locked_until = NULL,
		    last_login_at = now(),
		    last_login_ip = $2,
		    updated_at = now()
		WHERE id = $1
	`

	result, err := r.pool.Exec(ctx, query, id, ip)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// ClearExpiredLock clears a lapsed lock. The WHERE clause guards against
// clearing a lock that is still in the future.
func (r *userRepository) ClearExpiredLock(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE users
		SET locked_until = NULL,
		    failed_login_attempts = 0,
		    updated_at = now()
		WHERE id = $1 AND locked_until IS NOT NULL AND locked_until <= now()
	`

	result, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

// UpdatePassword replaces the password hash and stamps password_changed_at
func (r *userRepository) UpdatePassword(ctx context.Context, id uuid.UUID, passwordHash string) error {
	query := `
		UPDATE users
		SET password_hash = $2,
		    password_changed_at = now(),
		    updated_at = now()
		WHERE id = $1
	`

	result, err := r.pool.Exec(ctx, query, id, passwordHash)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// Deactivate soft-deletes a user. Rows are never hard-deleted while audit
// entries reference them.
func (r *userRepository) Deactivate(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE users SET is_active = FALSE, updated_at = now() WHERE id = $1`

	result, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// CountActiveAdmins returns the number of active admin accounts
func (r *userRepository) CountActiveAdmins(ctx context.Context) (int, error) {
	query := `SELECT COUNT(*) FROM users WHERE is_admin = TRUE AND is_active = TRUE`

	var count int
	if err := r.pool.QueryRow(ctx, query).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}
