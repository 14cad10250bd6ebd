package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/homelab-dash/gatekeeper/internal/audit"
	"github.com/homelab-dash/gatekeeper/internal/config"
	appctx "github.com/homelab-dash/gatekeeper/internal/context"
	"github.com/homelab-dash/gatekeeper/internal/session"
)

type handlerFixture struct {
	handler  *Handler
	service  *Service
	users    *mockUserRepository
	sessions *mockSessionRepository
	manager  *session.Manager
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()

	users := newMockUserRepository()
	sessionRepo := newMockSessionRepository()
	history := newMockHistoryRepository()
	auditRepo := newMockAuditRepository()

	sessionCfg := config.SessionConfig{
		AbsoluteLifetime: 4 * time.Hour,
		IdleTimeout:      30 * time.Minute,
		CookieName:       "gk_session",
	}

	recorder := audit.NewRecorder(auditRepo, nil)
	manager := session.NewManager(sessionRepo, recorder, sessionCfg, nil)

	policy := NewPasswordPolicy(config.PasswordConfig{
		MinLength:      8,
		RequireUpper:   true,
		RequireLower:   true,
		RequireNumber:  true,
		RequireSpecial: true,
		HistoryDepth:   5,
	})

	service := NewService(users, history, manager, recorder, sharedHasher(t), policy, config.LockoutConfig{
		MaxFailedAttempts: 5,
		LockDuration:      15 * time.Minute,
	}, nil)

	handler := NewHandler(service, manager, users, sessionCfg, false, nil)

	return &handlerFixture{
		handler:  handler,
		service:  service,
		users:    users,
		sessions: sessionRepo,
		manager:  manager,
	}
}

func (f *handlerFixture) seedUser(t *testing.T, username, password string, isAdmin bool) {
	t.Helper()
	sf := &serviceFixture{users: f.users}
	sf.seedUser(t, username, password, isAdmin)
}

func postLogin(t *testing.T, f *handlerFixture, username, password string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(map[string]string{"username": username, "password": password})
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
	req.RemoteAddr = "10.0.0.1:54321"
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.handler.Login(rec, req)
	return rec
}

func sessionCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == "gk_session" {
			return c
		}
	}
	return nil
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) APIResponse {
	t.Helper()
	var resp APIResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return resp
}

func TestLoginSetsHardenedCookie(t *testing.T) {
	f := newHandlerFixture(t)
	f.seedUser(t, "alice", "Sup3r-Secret!", false)

	rec := postLogin(t, f, "alice", "Sup3r-Secret!")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	cookie := sessionCookie(t, rec)
	if cookie == nil {
		t.Fatal("session cookie not set")
	}
	if cookie.Value == "" {
		t.Error("cookie value empty")
	}
	if !cookie.HttpOnly {
		t.Error("cookie must be HttpOnly")
	}
	if cookie.SameSite != http.SameSiteLaxMode {
		t.Error("cookie must be SameSite=Lax")
	}
	if cookie.MaxAge != int((4 * time.Hour).Seconds()) {
		t.Errorf("cookie MaxAge = %d, want absolute session lifetime", cookie.MaxAge)
	}

	resp := decodeEnvelope(t, rec)
	data := resp.Data.(map[string]interface{})
	if token, _ := data["csrf_token"].(string); token == "" {
		t.Error("response missing csrf_token")
	}
	user := data["user"].(map[string]interface{})
	if _, leaked := user["password_hash"]; leaked {
		t.Error("password hash leaked in response")
	}
}

func TestLoginRejectionsAreIndistinguishable(t *testing.T) {
	f := newHandlerFixture(t)
	f.seedUser(t, "alice", "Sup3r-Secret!", false)

	unknownUser := postLogin(t, f, "mallory", "Sup3r-Secret!")
	wrongPassword := postLogin(t, f, "alice", "not-the-password")

	if unknownUser.Code != http.StatusUnauthorized || wrongPassword.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401/401, got %d/%d", unknownUser.Code, wrongPassword.Code)
	}

	a := decodeEnvelope(t, unknownUser)
	b := decodeEnvelope(t, wrongPassword)
	if a.Error == nil || b.Error == nil {
		t.Fatal("expected error envelopes")
	}
	if a.Error.Code != b.Error.Code || a.Error.Message != b.Error.Message {
		t.Errorf("rejection bodies differ: %+v vs %+v", a.Error, b.Error)
	}
}

func TestLoginLockedAccountGets423(t *testing.T) {
	f := newHandlerFixture(t)
	f.seedUser(t, "alice", "Sup3r-Secret!", false)

	for i := 0; i < 5; i++ {
		postLogin(t, f, "alice", "wrong-password")
	}

	rec := postLogin(t, f, "alice", "Sup3r-Secret!")
	if rec.Code != http.StatusLocked {
		t.Fatalf("expected 423, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	resp := decodeEnvelope(t, rec)
	if resp.Error == nil || resp.Error.Code != ErrCodeAccountLocked {
		t.Errorf("expected %s error code", ErrCodeAccountLocked)
	}
}

func TestLoginRejectsMalformedUsername(t *testing.T) {
	f := newHandlerFixture(t)

	for _, username := range []string{"ab", "has spaces", "semi;colon"} {
		rec := postLogin(t, f, username, "whatever-password")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("username %q: expected 400, got %d", username, rec.Code)
		}
	}
}

func TestLogoutClearsCookie(t *testing.T) {
	f := newHandlerFixture(t)
	f.seedUser(t, "alice", "Sup3r-Secret!", false)
	user, err := f.users.GetByUsername(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}

	result, err := f.service.Login(context.Background(), "alice", "Sup3r-Secret!", "10.0.0.1", "test-agent")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/logout", nil)
	ctx := appctx.WithUser(req.Context(), user.ID, user.Username, user.IsAdmin)
	ctx = appctx.WithSessionToken(ctx, result.RawToken)
	req = req.WithContext(ctx)
	rec := httptest.NewRecorder()
	f.handler.Logout(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	cookie := sessionCookie(t, rec)
	if cookie == nil || cookie.MaxAge >= 0 {
		t.Error("expected expired session cookie")
	}
	if _, err := f.manager.Validate(context.Background(), result.RawToken); err == nil {
		t.Error("session still valid after logout")
	}
}
