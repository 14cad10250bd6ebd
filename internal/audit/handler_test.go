package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/homelab-dash/gatekeeper/internal/repository"
)

func newTestHandler(t *testing.T) (*Handler, *fakeAuditRepo) {
	t.Helper()
	repo := &fakeAuditRepo{}
	return NewHandler(NewRecorder(repo, nil)), repo
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) APIResponse {
	t.Helper()
	var resp APIResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return resp
}

func TestRecentLogsDefaultLimit(t *testing.T) {
	handler, repo := newTestHandler(t)
	entry := repository.AuditLogEntry{EventType: "login_success", EventStatus: "success"}
	if err := repo.Insert(context.Background(), &entry); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/audit-logs", nil)
	rec := httptest.NewRecorder()
	handler.RecentLogs(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	resp := decodeResponse(t, rec)
	if !resp.Success {
		t.Error("expected success envelope")
	}
}

func TestRecentLogsRejectsBadLimit(t *testing.T) {
	handler, _ := newTestHandler(t)

	for _, raw := range []string{"0", "-5", "abc"} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/audit-logs?limit="+raw, nil)
		rec := httptest.NewRecorder()
		handler.RecentLogs(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("limit=%s: expected 400, got %d", raw, rec.Code)
		}
		resp := decodeResponse(t, rec)
		if resp.Error == nil || resp.Error.Code != "VALIDATION_ERROR" {
			t.Errorf("limit=%s: expected VALIDATION_ERROR", raw)
		}
	}
}

func TestLoginStatsRejectsBadDays(t *testing.T) {
	handler, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/login-stats?days=zero", nil)
	rec := httptest.NewRecorder()
	handler.LoginStats(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestLoginStatsDefaultWindow(t *testing.T) {
	handler, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/login-stats", nil)
	rec := httptest.NewRecorder()
	handler.LoginStats(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	resp := decodeResponse(t, rec)
	data, ok := resp.Data.(map[string]interface{})
	if !ok {
		t.Fatal("expected object data")
	}
	if days, _ := data["days"].(float64); days != 7 {
		t.Errorf("expected default 7 day window, got %v", data["days"])
	}
}
