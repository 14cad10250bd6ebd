package auth

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/homelab-dash/gatekeeper/internal/audit"
	"github.com/homelab-dash/gatekeeper/internal/csrf"
	"github.com/homelab-dash/gatekeeper/internal/middleware"
)

// RegisterRoutes wires the auth and admin endpoints onto the router.
// The login endpoint carries its own tight rate limit, which runs before
// any credential or lockout check. Everything else requires a valid
// session; state-changing endpoints additionally pass the CSRF guard, and
// the admin subtree requires the admin flag.
func RegisterRoutes(
	r chi.Router,
	handler *Handler,
	auditHandler *audit.Handler,
	sessionMw *middleware.SessionMiddleware,
	csrfGuard *csrf.Guard,
	loginLimit func(http.Handler) http.Handler,
) {
	r.Route("/api/v1/auth", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(loginLimit)
			r.Post("/login", handler.Login)
		})

		r.Group(func(r chi.Router) {
			r.Use(sessionMw.Authenticate)
			r.Use(csrfGuard.Middleware)
			r.Get("/me", handler.Me)
			r.Post("/logout", handler.Logout)
			r.Post("/change-password", handler.ChangePassword)
		})
	})

	r.Route("/api/v1/admin", func(r chi.Router) {
		r.Use(sessionMw.Authenticate)
		r.Use(sessionMw.RequireAdmin)
		r.Use(csrfGuard.Middleware)
		r.Get("/audit-logs", auditHandler.RecentLogs)
		r.Get("/login-stats", auditHandler.LoginStats)
		r.Post("/users", handler.CreateUser)
		r.Delete("/users/{id}", handler.DeleteUser)
	})
}
