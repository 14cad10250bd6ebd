package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// ErrAppendOnly is returned by any attempt to mutate audit rows. The audit
// trail has no update or delete path.
var ErrAppendOnly = errors.New("audit log is append-only")

// AuditRepository defines the interface for audit log data access.
// Insert is the only write path.
type AuditRepository interface {
	Insert(ctx context.Context, entry *AuditLogEntry) error
	Recent(ctx context.Context, limit int) ([]AuditLogEntry, error)
	LoginStatsByDay(ctx context.Context, days int) ([]LoginDayStats, error)
	// ListOlderThan pages through entries created before the cutoff, starting
	// strictly after the cursor timestamp. Used by the archive exporter.
	ListOlderThan(ctx context.Context, cutoff, after time.Time, limit int) ([]AuditLogEntry, error)
	ArchiveCursor(ctx context.Context) (time.Time, error)
	SetArchiveCursor(ctx context.Context, at time.Time) error
}

// auditRepository implements AuditRepository using PostgreSQL via sqlx
type auditRepository struct {
	db *sqlx.DB
}

// NewAuditRepository creates a new AuditRepository instance
func NewAuditRepository(db *sqlx.DB) AuditRepository {
	return &auditRepository{db: db}
}

// auditRow mirrors the audit_logs table for scanning; details is raw JSONB.
type auditRow struct {
	ID          uuid.UUID  `db:"id"`
	UserID      *uuid.UUID `db:"user_id"`
	Username    *string    `db:"username"`
	EventType   string     `db:"event_type"`
	EventStatus string     `db:"event_status"`
	IPAddress   *string    `db:"ip_address"`
	UserAgent   *string    `db:"user_agent"`
	Details     []byte     `db:"details"`
	CreatedAt   time.Time  `db:"created_at"`
}

func (row *auditRow) toEntry() (AuditLogEntry, error) {
	entry := AuditLogEntry{
		ID:          row.ID,
		UserID:      row.UserID,
		Username:    row.Username,
		EventType:   row.EventType,
		EventStatus: row.EventStatus,
		IPAddress:   row.IPAddress,
		UserAgent:   row.UserAgent,
		CreatedAt:   row.CreatedAt,
	}
	if len(row.Details) > 0 {
		if err := json.Unmarshal(row.Details, &entry.Details); err != nil {
			return entry, err
		}
	}
	return entry, nil
}

// Insert appends one audit entry. Callers treat a returned error as fatal for
// the operation being audited.
func (r *auditRepository) Insert(ctx context.Context, entry *AuditLogEntry) error {
	var details []byte
	if len(entry.Details) > 0 {
		var err error
		details, err = json.Marshal(entry.Details)
		if err != nil {
			return err
		}
	}

	query := `
		INSERT INTO audit_logs (user_id, username, event_type, event_status, ip_address, user_agent, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`

	return r.db.QueryRowxContext(ctx, query,
		entry.UserID,
		entry.Username,
		entry.EventType,
		entry.EventStatus,
		entry.IPAddress,
		entry.UserAgent,
		details,
	).Scan(&entry.ID, &entry.CreatedAt)
}

// Recent returns the most recent entries, newest first
func (r *auditRepository) Recent(ctx context.Context, limit int) ([]AuditLogEntry, error) {
	if limit < 1 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	query := `
		SELECT id, user_id, username, event_type, event_status, ip_address, user_agent, details, created_at
		FROM audit_logs
		ORDER BY created_at DESC
		LIMIT $1
	`

	var rows []auditRow
	if err := r.db.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, err
	}

	entries := make([]AuditLogEntry, 0, len(rows))
	for i := range rows {
		entry, err := rows[i].toEntry()
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// LoginStatsByDay aggregates login outcomes per day over the last N days
func (r *auditRepository) LoginStatsByDay(ctx context.Context, days int) ([]LoginDayStats, error) {
	if days < 1 {
		days = 7
	}
	if days > 365 {
		days = 365
	}

	query := `
		SELECT
			DATE(created_at) AS date,
			COUNT(*) FILTER (WHERE event_type = 'login_success') AS successful_logins,
			COUNT(*) FILTER (WHERE event_type = 'login_failed') AS failed_logins,
			COUNT(DISTINCT username) AS unique_users
		FROM audit_logs
		WHERE created_at >= CURRENT_DATE - $1 * INTERVAL '1 day'
		  AND event_type IN ('login_success', 'login_failed')
		GROUP BY DATE(created_at)
		ORDER BY date DESC
	`

	var stats []LoginDayStats
	if err := r.db.SelectContext(ctx, &stats, query, days); err != nil {
		return nil, err
	}
	return stats, nil
}

// ListOlderThan pages archived candidates oldest first
func (r *auditRepository) ListOlderThan(ctx context.Context, cutoff, after time.Time, limit int) ([]AuditLogEntry, error) {
	if limit < 1 {
		limit = 500
	}

	query := `
		SELECT id, user_id, username, event_type, event_status, ip_address, user_agent, details, created_at
		FROM audit_logs
		WHERE created_at < $1 AND created_at > $2
		ORDER BY created_at ASC
		LIMIT $3
	`

	var rows []auditRow
	if err := r.db.SelectContext(ctx, &rows, query, cutoff, after, limit); err != nil {
		return nil, err
	}

	entries := make([]AuditLogEntry, 0, len(rows))
	for i := range rows {
		entry, err := rows[i].toEntry()
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// ArchiveCursor returns the high-water mark of exported entries. The zero
// time means nothing has been exported yet.
func (r *auditRepository) ArchiveCursor(ctx context.Context) (time.Time, error) {
	query := `SELECT exported_through FROM audit_archive_cursor WHERE id = 1`

	var at time.Time
	err := r.db.QueryRowxContext(ctx, query).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return at, nil
}

// SetArchiveCursor advances the high-water mark. Export never deletes audit
// rows; the cursor only prevents re-export.
func (r *auditRepository) SetArchiveCursor(ctx context.Context, at time.Time) error {
	query := `
		INSERT INTO audit_archive_cursor (id, exported_through)
		VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET exported_through = EXCLUDED.exported_through
	`

	_, err := r.db.ExecContext(ctx, query, at)
	return err
}
