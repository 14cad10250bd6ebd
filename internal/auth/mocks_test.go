package auth

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/homelab-dash/gatekeeper/internal/repository"
)

// Mock implementations for testing

type mockUserRepository struct {
	mu    sync.Mutex
	users map[uuid.UUID]*repository.User
}

func newMockUserRepository() *mockUserRepository {
	return &mockUserRepository{users: make(map[uuid.UUID]*repository.User)}
}

func (m *mockUserRepository) Create(ctx context.Context, user *repository.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if strings.EqualFold(existing.Username, user.Username) {
			return repository.ErrUsernameTaken
		}
	}
	user.ID = uuid.New()
	user.CreatedAt = time.Now().UTC()
	user.UpdatedAt = user.CreatedAt
	m.users[user.ID] = user
	return nil
}

func (m *mockUserRepository) GetByID(ctx context.Context, id uuid.UUID) (*repository.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if user, ok := m.users[id]; ok {
		copied := *user
		return &copied, nil
	}
	return nil, repository.ErrUserNotFound
}

func (m *mockUserRepository) GetByUsername(ctx context.Context, username string) (*repository.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, user := range m.users {
		if strings.EqualFold(user.Username, username) {
			copied := *user
			return &copied, nil
		}
	}
	return nil, repository.ErrUserNotFound
}

func (m *mockUserRepository) RecordFailedAttempt(ctx context.Context, id uuid.UUID, maxAttempts int, lockedUntil time.Time) (int, *time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[id]
	if !ok {
		return 0, nil, repository.ErrUserNotFound
	}
	user.FailedLoginAttempts++
	if user.FailedLoginAttempts >= maxAttempts {
		until := lockedUntil
		user.LockedUntil = &until
	}
	var lock *time.Time
	if user.LockedUntil != nil {
		until := *user.LockedUntil
		lock = &until
	}
	return user.FailedLoginAttempts, lock, nil
}

func (m *mockUserRepository) RecordSuccessfulLogin(ctx context.Context, id uuid.UUID, ip string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[id]
	if !ok {
		return repository.ErrUserNotFound
	}
	now := time.Now().UTC()
	user.FailedLoginAttempts = 0
	user.LockedUntil = nil
	user.LastLoginAt = &now
	user.LastLoginIP = &ip
	return nil
}

func (m *mockUserRepository) ClearExpiredLock(ctx context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[id]
	if !ok {
		return false, repository.ErrUserNotFound
	}
	if user.LockedUntil == nil || user.LockedUntil.After(time.Now()) {
		return false, nil
	}
	user.LockedUntil = nil
	user.FailedLoginAttempts = 0
	return true, nil
}

func (m *mockUserRepository) UpdatePassword(ctx context.Context, id uuid.UUID, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[id]
	if !ok {
		return repository.ErrUserNotFound
	}
	now := time.Now().UTC()
	user.PasswordHash = passwordHash
	user.PasswordChangedAt = &now
	return nil
}

func (m *mockUserRepository) Deactivate(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[id]
	if !ok {
		return repository.ErrUserNotFound
	}
	user.IsActive = false
	return nil
}

func (m *mockUserRepository) CountActiveAdmins(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, user := range m.users {
		if user.IsAdmin && user.IsActive {
			count++
		}
	}
	return count, nil
}

type mockSessionRepository struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*repository.Session
}

func newMockSessionRepository() *mockSessionRepository {
	return &mockSessionRepository{sessions: make(map[uuid.UUID]*repository.Session)}
}

func (m *mockSessionRepository) CreateReplacingActive(ctx context.Context, session *repository.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.sessions {
		if existing.UserID == session.UserID {
			existing.IsActive = false
		}
	}
	session.ID = uuid.New()
	session.CreatedAt = time.Now().UTC()
	session.IsActive = true
	copied := *session
	m.sessions[session.ID] = &copied
	return nil
}

func (m *mockSessionRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*repository.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, session := range m.sessions {
		if session.TokenHash == tokenHash {
			copied := *session
			return &copied, nil
		}
	}
	return nil, repository.ErrSessionNotFound
}

func (m *mockSessionRepository) TouchActivity(ctx context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[id]
	if !ok {
		return repository.ErrSessionNotFound
	}
	session.LastActivityAt = at
	return nil
}

func (m *mockSessionRepository) Invalidate(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[id]
	if !ok {
		return repository.ErrSessionNotFound
	}
	session.IsActive = false
	return nil
}

func (m *mockSessionRepository) InvalidateOthers(ctx context.Context, userID uuid.UUID, keep uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, session := range m.sessions {
		if session.UserID == userID && session.ID != keep && session.IsActive {
			session.IsActive = false
			n++
		}
	}
	return n, nil
}

func (m *mockSessionRepository) DeleteExpired(ctx context.Context, idleTimeout time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var n int64
	for id, session := range m.sessions {
		if session.ExpiresAt.Before(now) || session.LastActivityAt.Before(now.Add(-idleTimeout)) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

func (m *mockSessionRepository) activeCount(userID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, session := range m.sessions {
		if session.UserID == userID && session.IsActive {
			count++
		}
	}
	return count
}

type mockHistoryRepository struct {
	mu      sync.Mutex
	entries map[uuid.UUID][]repository.PasswordHistoryEntry
}

func newMockHistoryRepository() *mockHistoryRepository {
	return &mockHistoryRepository{entries: make(map[uuid.UUID][]repository.PasswordHistoryEntry)}
}

func (m *mockHistoryRepository) ListRecent(ctx context.Context, userID uuid.UUID, limit int) ([]repository.PasswordHistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.entries[userID]
	if len(entries) > limit {
		entries = entries[:limit]
	}
	out := make([]repository.PasswordHistoryEntry, len(entries))
	copy(out, entries)
	return out, nil
}

func (m *mockHistoryRepository) Add(ctx context.Context, userID uuid.UUID, passwordHash string, keep int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := repository.PasswordHistoryEntry{
		ID:           uuid.New(),
		UserID:       userID,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UTC(),
	}
	entries := append([]repository.PasswordHistoryEntry{entry}, m.entries[userID]...)
	if len(entries) > keep {
		entries = entries[:keep]
	}
	m.entries[userID] = entries
	return nil
}

type mockAuditRepository struct {
	mu         sync.Mutex
	entries    []repository.AuditLogEntry
	failInsert error
	cursor     time.Time
}

func newMockAuditRepository() *mockAuditRepository {
	return &mockAuditRepository{}
}

func (m *mockAuditRepository) Insert(ctx context.Context, entry *repository.AuditLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failInsert != nil {
		return m.failInsert
	}
	entry.ID = uuid.New()
	entry.CreatedAt = time.Now().UTC()
	m.entries = append(m.entries, *entry)
	return nil
}

func (m *mockAuditRepository) Recent(ctx context.Context, limit int) ([]repository.AuditLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]repository.AuditLogEntry, 0, limit)
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.entries[i])
	}
	return out, nil
}

func (m *mockAuditRepository) LoginStatsByDay(ctx context.Context, days int) ([]repository.LoginDayStats, error) {
	return nil, nil
}

func (m *mockAuditRepository) ListOlderThan(ctx context.Context, cutoff, after time.Time, limit int) ([]repository.AuditLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []repository.AuditLogEntry
	for _, entry := range m.entries {
		if entry.CreatedAt.Before(cutoff) && entry.CreatedAt.After(after) {
			out = append(out, entry)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *mockAuditRepository) ArchiveCursor(ctx context.Context) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursor, nil
}

func (m *mockAuditRepository) SetArchiveCursor(ctx context.Context, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursor = at
	return nil
}

func (m *mockAuditRepository) byType(eventType string) []repository.AuditLogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []repository.AuditLogEntry
	for _, entry := range m.entries {
		if entry.EventType == eventType {
			out = append(out, entry)
		}
	}
	return out
}
