package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PasswordHistoryRepository defines the interface for password history access
type PasswordHistoryRepository interface {
	// ListRecent returns the most recent hashes for a user, newest first.
	ListRecent(ctx context.Context, userID uuid.UUID, limit int) ([]PasswordHistoryEntry, error)
	// Add appends a hash and evicts entries beyond keep for that user.
	Add(ctx context.Context, userID uuid.UUID, passwordHash string, keep int) error
}

// passwordHistoryRepository implements PasswordHistoryRepository using PostgreSQL
type passwordHistoryRepository struct {
	pool *pgxpool.Pool
}

// NewPasswordHistoryRepository creates a new PasswordHistoryRepository instance
func NewPasswordHistoryRepository(pool *pgxpool.Pool) PasswordHistoryRepository {
	return &passwordHistoryRepository{pool: pool}
}

// ListRecent returns up to limit previous hashes, newest first
func (r *passwordHistoryRepository) ListRecent(ctx context.Context, userID uuid.UUID, limit int) ([]PasswordHistoryEntry, error) {
	query := `
		SELECT id, user_id, password_hash, created_at
		FROM password_history
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []PasswordHistoryEntry
	for rows.Next() {
		var entry PasswordHistoryEntry
		if err := rows.Scan(&entry.ID, &entry.UserID, &entry.PasswordHash, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return entries, nil
}

// Add inserts the hash and trims the per-user history to keep entries.
// Insert and eviction share a transaction so the cap is never exceeded
// under concurrent password changes.
func (r *passwordHistoryRepository) Add(ctx context.Context, userID uuid.UUID, passwordHash string, keep int) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO password_history (user_id, password_hash) VALUES ($1, $2)`,
		userID, passwordHash,
	)
	if err != nil {
		return err
	}

	evict := `
		DELETE FROM password_history
		WHERE user_id = $1 AND id NOT IN (
			SELECT id FROM password_history
			WHERE user_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		)
	`
	if _, err := tx.Exec(ctx, evict, userID, keep); err != nil {
		return err
	}

	return tx.Commit(ctx)
}
