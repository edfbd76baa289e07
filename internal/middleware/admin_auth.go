package middleware

import (
	"net/http"

	"github.com/harukochan/bot-server-go/internal/audit"
	"github.com/harukochan/bot-server-go/internal/util"
)

const adminRealm = `Basic realm="haruko-admin", charset="UTF-8"`

// AdminAuthMiddleware guards the operator API with HTTP basic auth checked
// against a bcrypt hash. An empty hash disables the API entirely.
type AdminAuthMiddleware struct {
	username     string
	passwordHash string
	limiter      *LoginRateLimiter
}

func NewAdminAuthMiddleware(username, passwordHash string, limiter *LoginRateLimiter) *AdminAuthMiddleware {
	if limiter == nil {
		limiter = NewLoginRateLimiter()
	}
	return &AdminAuthMiddleware{
		username:     username,
		passwordHash: passwordHash,
		limiter:      limiter,
	}
}

func (m *AdminAuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.passwordHash == "" {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"error": "Admin API is disabled",
			})
			return
		}

		ip := audit.ClientIP(r)
		if m.limiter.Blocked(ip) {
			audit.LogFromRequest(r, audit.Event{Type: audit.EventAdminLoginLimited})
			w.Header().Set("Retry-After", "60")
			writeJSON(w, http.StatusTooManyRequests, map[string]string{
				"error": "Too many login attempts. Please try again later.",
			})
			return
		}

		username, password, ok := r.BasicAuth()
		if !ok || !util.ConstantTimeEqual(username, m.username) || !util.CheckPasswordHash(password, m.passwordHash) {
			m.limiter.Fail(ip)
			audit.LogFromRequest(r, audit.Event{Type: audit.EventAdminAuthFailure, Actor: username})
			w.Header().Set("WWW-Authenticate", adminRealm)
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "Unauthorized",
			})
			return
		}

		m.limiter.Reset(ip)
		next.ServeHTTP(w, r)
	})
}
