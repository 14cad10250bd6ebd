package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/homelab-dash/gatekeeper/internal/audit"
	"github.com/homelab-dash/gatekeeper/internal/config"
	"github.com/homelab-dash/gatekeeper/internal/repository"
)

type mockSessionRepo struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*repository.Session
}

func newMockSessionRepo() *mockSessionRepo {
	return &mockSessionRepo{sessions: make(map[uuid.UUID]*repository.Session)}
}

func (m *mockSessionRepo) CreateReplacingActive(ctx context.Context, session *repository.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.sessions {
		if existing.UserID == session.UserID {
			existing.IsActive = false
		}
	}
	session.ID = uuid.New()
	session.CreatedAt = session.LastActivityAt
	session.IsActive = true
	copied := *session
	m.sessions[session.ID] = &copied
	return nil
}

func (m *mockSessionRepo) GetByTokenHash(ctx context.Context, tokenHash string) (*repository.Session, error) {
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

func (m *mockSessionRepo) TouchActivity(ctx context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[id]
	if !ok {
		return repository.ErrSessionNotFound
	}
	session.LastActivityAt = at
	return nil
}

func (m *mockSessionRepo) Invalidate(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[id]
	if !ok {
		return repository.ErrSessionNotFound
	}
	session.IsActive = false
	return nil
}

func (m *mockSessionRepo) InvalidateOthers(ctx context.Context, userID uuid.UUID, keep uuid.UUID) (int64, error) {
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

func (m *mockSessionRepo) DeleteExpired(ctx context.Context, idleTimeout time.Duration) (int64, error) {
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

func (m *mockSessionRepo) get(id uuid.UUID) *repository.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *m.sessions[id]
	return &copied
}

type mockAuditRepo struct {
	mu         sync.Mutex
	entries    []repository.AuditLogEntry
	failInsert error
}

func (m *mockAuditRepo) Insert(ctx context.Context, entry *repository.AuditLogEntry) error {
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

func (m *mockAuditRepo) Recent(ctx context.Context, limit int) ([]repository.AuditLogEntry, error) {
	return nil, nil
}

func (m *mockAuditRepo) LoginStatsByDay(ctx context.Context, days int) ([]repository.LoginDayStats, error) {
	return nil, nil
}

func (m *mockAuditRepo) ListOlderThan(ctx context.Context, cutoff, after time.Time, limit int) ([]repository.AuditLogEntry, error) {
	return nil, nil
}

func (m *mockAuditRepo) ArchiveCursor(ctx context.Context) (time.Time, error) {
	return time.Time{}, nil
}

func (m *mockAuditRepo) SetArchiveCursor(ctx context.Context, at time.Time) error {
	return nil
}

func (m *mockAuditRepo) byType(eventType string) []repository.AuditLogEntry {
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

func newTestManager() (*Manager, *mockSessionRepo, *mockAuditRepo, *time.Time) {
	repo := newMockSessionRepo()
	auditRepo := &mockAuditRepo{}
	recorder := audit.NewRecorder(auditRepo, nil)

	manager := NewManager(repo, recorder, config.SessionConfig{
		AbsoluteLifetime: 4 * time.Hour,
		IdleTimeout:      30 * time.Minute,
	}, nil)

	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	clock := &now
	manager.now = func() time.Time { return *clock }

	return manager, repo, auditRepo, clock
}

func TestCreateMintsOpaqueTokens(t *testing.T) {
	manager, repo, _, _ := newTestManager()
	userID := uuid.New()

	sess, raw, err := manager.Create(context.Background(), userID, "10.0.0.1", "test-agent")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// 32 random bytes, base64url without padding.
	if len(raw) != 43 {
		t.Errorf("expected 43-char token, got %d", len(raw))
	}
	if sess.TokenHash == raw {
		t.Error("raw token must not be stored")
	}
	if sess.TokenHash != HashToken(raw) {
		t.Error("stored hash must be the SHA-256 of the raw token")
	}
	if sess.CSRFToken == "" {
		t.Error("expected a CSRF token")
	}
	if stored := repo.get(sess.ID); stored.TokenHash != sess.TokenHash {
		t.Error("session not persisted")
	}
}

func TestCreateReplacesPriorSession(t *testing.T) {
	manager, _, _, _ := newTestManager()
	userID := uuid.New()

	first, firstRaw, err := manager.Create(context.Background(), userID, "10.0.0.1", "a")
	if err != nil {
		t.Fatal(err)
	}
	second, secondRaw, err := manager.Create(context.Background(), userID, "10.0.0.1", "a")
	if err != nil {
		t.Fatal(err)
	}

	if firstRaw == secondRaw {
		t.Error("expected a fresh token per session")
	}
	if first.CSRFToken == second.CSRFToken {
		t.Error("expected a fresh CSRF token per session")
	}
	if _, err := manager.Validate(context.Background(), firstRaw); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("old token must be dead, got %v", err)
	}
	if _, err := manager.Validate(context.Background(), secondRaw); err != nil {
		t.Errorf("new token must validate, got %v", err)
	}
}

func TestValidateSlidesIdleWindowOnly(t *testing.T) {
	manager, repo, _, clock := newTestManager()

	sess, raw, err := manager.Create(context.Background(), uuid.New(), "10.0.0.1", "a")
	if err != nil {
		t.Fatal(err)
	}
	originalExpiry := sess.ExpiresAt

	*clock = clock.Add(20 * time.Minute)
	validated, err := manager.Validate(context.Background(), raw)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if !validated.LastActivityAt.Equal(*clock) {
		t.Error("expected activity timestamp to move")
	}
	if !repo.get(sess.ID).ExpiresAt.Equal(originalExpiry) {
		t.Error("absolute expiry must never move")
	}

	// Another 20 minutes is fine because activity was refreshed.
	*clock = clock.Add(20 * time.Minute)
	if _, err := manager.Validate(context.Background(), raw); err != nil {
		t.Errorf("expected session still valid, got %v", err)
	}
}

func TestIdleTimeoutExpiresSession(t *testing.T) {
	manager, repo, auditRepo, clock := newTestManager()

	sess, raw, err := manager.Create(context.Background(), uuid.New(), "10.0.0.1", "a")
	if err != nil {
		t.Fatal(err)
	}

	*clock = clock.Add(30*time.Minute + time.Second)
	if _, err := manager.Validate(context.Background(), raw); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}

	if repo.get(sess.ID).IsActive {
		t.Error("expired session must be invalidated")
	}
	expirations := auditRepo.byType(string(audit.EventSessionExpired))
	if len(expirations) != 1 {
		t.Fatalf("expected 1 session_expired entry, got %d", len(expirations))
	}
	if expirations[0].Details["reason"] != "idle" {
		t.Errorf("expected reason idle, got %q", expirations[0].Details["reason"])
	}
}

func TestAbsoluteLifetimeExpiresSession(t *testing.T) {
	manager, _, auditRepo, clock := newTestManager()

	_, raw, err := manager.Create(context.Background(), uuid.New(), "10.0.0.1", "a")
	if err != nil {
		t.Fatal(err)
	}

	// Keep the session busy so idle never triggers, then cross the cap.
	for i := 0; i < 15; i++ {
		*clock = clock.Add(15 * time.Minute)
		if _, err := manager.Validate(context.Background(), raw); err != nil {
			t.Fatalf("validation %d failed: %v", i, err)
		}
	}

	*clock = clock.Add(16 * time.Minute)
	if _, err := manager.Validate(context.Background(), raw); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired past the absolute cap, got %v", err)
	}

	expirations := auditRepo.byType(string(audit.EventSessionExpired))
	if len(expirations) != 1 || expirations[0].Details["reason"] != "absolute" {
		t.Errorf("expected one session_expired entry with reason absolute, got %v", expirations)
	}
}

func TestValidateUnknownToken(t *testing.T) {
	manager, _, _, _ := newTestManager()

	if _, err := manager.Validate(context.Background(), "no-such-token"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestExpirySurfacesAuditFailure(t *testing.T) {
	manager, repo, auditRepo, clock := newTestManager()

	sess, raw, err := manager.Create(context.Background(), uuid.New(), "10.0.0.1", "a")
	if err != nil {
		t.Fatal(err)
	}

	auditRepo.failInsert = errors.New("disk full")
	*clock = clock.Add(time.Hour)

	_, err = manager.Validate(context.Background(), raw)
	if !errors.Is(err, audit.ErrAuditWrite) {
		t.Fatalf("expected audit write failure, got %v", err)
	}
	// The session still dies even though the audit write failed.
	if repo.get(sess.ID).IsActive {
		t.Error("session must be invalidated regardless of audit outcome")
	}
}

func TestInvalidateAllForUser(t *testing.T) {
	manager, repo, _, _ := newTestManager()
	userID := uuid.New()

	sess, _, err := manager.Create(context.Background(), userID, "10.0.0.1", "a")
	if err != nil {
		t.Fatal(err)
	}

	n, err := manager.InvalidateAllForUser(context.Background(), userID)
	if err != nil {
		t.Fatalf("InvalidateAllForUser failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 invalidated session, got %d", n)
	}
	if repo.get(sess.ID).IsActive {
		t.Error("expected session inactive")
	}
}

func TestHashTokenIsDeterministic(t *testing.T) {
	if HashToken("abc") != HashToken("abc") {
		t.Error("hash must be deterministic")
	}
	if HashToken("abc") == HashToken("abd") {
		t.Error("distinct tokens must hash differently")
	}
	if len(HashToken("abc")) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(HashToken("abc")))
	}
}
