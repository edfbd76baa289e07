package middleware

import (
	"net/http"
	"strings"
)

// SecurityHeadersMiddleware sets browser hardening headers on the pages the
// server renders. formTargets are extra origins a page may post a form to,
// such as the payment gateway's checkout endpoint.
type SecurityHeadersMiddleware struct {
	isProduction bool
	csp          string
}

func NewSecurityHeadersMiddleware(isProduction bool, formTargets ...string) *SecurityHeadersMiddleware {
	formAction := append([]string{"'self'"}, formTargets...)
	csp := "default-src 'none'; " +
		"script-src 'unsafe-inline'; " +
		"style-src 'unsafe-inline'; " +
		"frame-ancestors 'none'; " +
		"base-uri 'none'; " +
		"form-action " + strings.Join(formAction, " ")

	return &SecurityHeadersMiddleware{isProduction: isProduction, csp: csp}
}

func (m *SecurityHeadersMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Content-Security-Policy", m.csp)

		if m.isProduction {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		next.ServeHTTP(w, r)
	})
}
