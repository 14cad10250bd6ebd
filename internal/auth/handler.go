package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/homelab-dash/gatekeeper/internal/config"
	appctx "github.com/homelab-dash/gatekeeper/internal/context"
	"github.com/homelab-dash/gatekeeper/internal/repository"
	"github.com/homelab-dash/gatekeeper/internal/session"
)

// APIResponse represents the standard API response format
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// APIError represents the error detail in API response
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// UserResponse is the public view of an account. The password hash and the
// lockout counters never leave the server.
type UserResponse struct {
	ID          uuid.UUID  `json:"id"`
	Username    string     `json:"username"`
	Email       *string    `json:"email,omitempty"`
	IsAdmin     bool       `json:"is_admin"`
	IsActive    bool       `json:"is_active"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

func toUserResponse(u *repository.User) UserResponse {
	return UserResponse{
		ID:          u.ID,
		Username:    u.Username,
		Email:       u.Email,
		IsAdmin:     u.IsAdmin,
		IsActive:    u.IsActive,
		LastLoginAt: u.LastLoginAt,
		CreatedAt:   u.CreatedAt,
	}
}

// Handler exposes the authentication and account management endpoints
type Handler struct {
	service    *Service
	sessions   *session.Manager
	users      repository.UserRepository
	sessionCfg config.SessionConfig
	secure     bool
	logger     *slog.Logger
}

func NewHandler(service *Service, sessions *session.Manager, users repository.UserRepository, sessionCfg config.SessionConfig, secure bool, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		service:    service,
		sessions:   sessions,
		users:      users,
		sessionCfg: sessionCfg,
		secure:     secure,
		logger:     logger,
	}
}

// Login handles POST /api/v1/auth/login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, ErrCodeValidation, "Invalid request body")
		return
	}
	if err := validate.Struct(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, ErrCodeValidation, "Invalid username or password format")
		return
	}

	result, err := h.service.Login(r.Context(), req.Username, req.Password, clientIP(r), r.UserAgent())
	if err != nil {
		var locked *AccountLockedError
		switch {
		case errors.As(err, &locked):
			w.Header().Set("Retry-After", strconv.Itoa(retrySeconds(locked.RetryAfter)))
			h.writeError(w, http.StatusLocked, ErrCodeAccountLocked, "Account is temporarily locked due to repeated failures")
		case errors.Is(err, ErrInvalidCredentials), errors.Is(err, ErrAccountInactive):
			// Deactivated accounts get the same answer as bad passwords.
			h.writeError(w, http.StatusUnauthorized, ErrCodeInvalidCredentials, "Invalid username or password")
		default:
			h.logger.Error("login failed", slog.String("error", err.Error()))
			h.writeError(w, http.StatusInternalServerError, ErrCodeInternal, "An unexpected error occurred")
		}
		return
	}

	h.setSessionCookie(w, result.RawToken)
	h.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"user":       toUserResponse(result.User),
		"csrf_token": result.Session.CSRFToken,
	})
}

// Logout handles POST /api/v1/auth/logout
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	rawToken, _ := appctx.ExtractSessionToken(r.Context())
	userID, _ := appctx.ExtractUserID(r.Context())
	username, _ := appctx.ExtractUsername(r.Context())

	if err := h.service.Logout(r.Context(), rawToken, username, clientIP(r), r.UserAgent(), userID); err != nil {
		h.logger.Error("logout failed", slog.String("error", err.Error()))
		h.writeError(w, http.StatusInternalServerError, ErrCodeInternal, "An unexpected error occurred")
		return
	}

	h.clearSessionCookie(w)
	h.writeSuccess(w, http.StatusOK, map[string]interface{}{"logged_out": true})
}

// Me handles GET /api/v1/auth/me
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	userID, ok := appctx.ExtractUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "SESSION_INVALID", "Not authenticated")
		return
	}

	user, err := h.users.GetByID(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to load current user", slog.String("error", err.Error()))
		h.writeError(w, http.StatusInternalServerError, ErrCodeInternal, "An unexpected error occurred")
		return
	}

	csrfToken, _ := appctx.ExtractCSRFToken(r.Context())
	h.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"user":       toUserResponse(user),
		"csrf_token": csrfToken,
	})
}

// ChangePassword handles POST /api/v1/auth/change-password
func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	var req ChangePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, ErrCodeValidation, "Invalid request body")
		return
	}
	if err := validate.Struct(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, ErrCodeValidation, "Both current and new password are required")
		return
	}

	userID, _ := appctx.ExtractUserID(r.Context())
	rawToken, _ := appctx.ExtractSessionToken(r.Context())

	// The current session survives the change; every other one dies.
	current, err := h.sessions.Validate(r.Context(), rawToken)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "SESSION_INVALID", "Not authenticated")
		return
	}

	err = h.service.ChangePassword(r.Context(), userID, req.CurrentPassword, req.NewPassword, clientIP(r), r.UserAgent(), current)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidCredentials):
			h.writeError(w, http.StatusUnauthorized, ErrCodeInvalidCredentials, "Current password is incorrect")
		case errors.Is(err, ErrPasswordPolicy):
			h.writeError(w, http.StatusBadRequest, ErrCodePasswordPolicy, err.Error())
		case errors.Is(err, ErrPasswordReused):
			h.writeError(w, http.StatusBadRequest, ErrCodePasswordReused, "New password was used too recently")
		default:
			h.logger.Error("password change failed", slog.String("error", err.Error()))
			h.writeError(w, http.StatusInternalServerError, ErrCodeInternal, "An unexpected error occurred")
		}
		return
	}

	h.writeSuccess(w, http.StatusOK, map[string]interface{}{"changed": true})
}

// CreateUser handles POST /api/v1/admin/users
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, ErrCodeValidation, "Invalid request body")
		return
	}
	if err := validate.Struct(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, ErrCodeValidation, "Username must be 3-64 characters of letters, digits, underscore or hyphen")
		return
	}

	actor, err := h.currentUser(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "SESSION_INVALID", "Not authenticated")
		return
	}

	user, err := h.service.CreateUser(r.Context(), actor, req.Username, req.Password, req.Email, req.IsAdmin, clientIP(r), r.UserAgent())
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrUsernameTaken):
			h.writeError(w, http.StatusConflict, ErrCodeUsernameTaken, "Username is already taken")
		case errors.Is(err, ErrPasswordPolicy):
			h.writeError(w, http.StatusBadRequest, ErrCodePasswordPolicy, err.Error())
		default:
			h.logger.Error("user creation failed", slog.String("error", err.Error()))
			h.writeError(w, http.StatusInternalServerError, ErrCodeInternal, "An unexpected error occurred")
		}
		return
	}

	h.writeSuccess(w, http.StatusCreated, map[string]interface{}{"user": toUserResponse(user)})
}

// DeleteUser handles DELETE /api/v1/admin/users/{id}
func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	targetID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, ErrCodeValidation, "Invalid user ID")
		return
	}

	actor, err := h.currentUser(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "SESSION_INVALID", "Not authenticated")
		return
	}

	if err := h.service.DeactivateUser(r.Context(), actor, targetID, clientIP(r), r.UserAgent()); err != nil {
		switch {
		case errors.Is(err, repository.ErrUserNotFound):
			h.writeError(w, http.StatusNotFound, ErrCodeUserNotFound, "User not found")
		case errors.Is(err, ErrLastAdmin):
			h.writeError(w, http.StatusConflict, ErrCodeLastAdmin, "Cannot remove the last active admin")
		default:
			h.logger.Error("user deactivation failed", slog.String("error", err.Error()))
			h.writeError(w, http.StatusInternalServerError, ErrCodeInternal, "An unexpected error occurred")
		}
		return
	}

	h.writeSuccess(w, http.StatusOK, map[string]interface{}{"deleted": true})
}

func (h *Handler) currentUser(r *http.Request) (*repository.User, error) {
	userID, ok := appctx.ExtractUserID(r.Context())
	if !ok {
		return nil, errors.New("no authenticated user in context")
	}
	return h.users.GetByID(r.Context(), userID)
}

func (h *Handler) setSessionCookie(w http.ResponseWriter, rawToken string) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.sessionCfg.CookieName,
		Value:    rawToken,
		Path:     "/",
		MaxAge:   int(h.sessionCfg.AbsoluteLifetime.Seconds()),
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.sessionCfg.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// clientIP extracts the client address. RealIP middleware has already
// rewritten RemoteAddr from X-Forwarded-For when present.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func retrySeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

func (h *Handler) writeSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
}

func (h *Handler) writeError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(APIResponse{
		Success:   false,
		Error:     &APIError{Code: code, Message: message},
		Timestamp: time.Now().UTC(),
	})
}
