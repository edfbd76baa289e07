package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/harukochan/bot-server-go/internal/audit"
	apperrors "github.com/harukochan/bot-server-go/internal/errors"
	"github.com/harukochan/bot-server-go/internal/httputil"
	"github.com/harukochan/bot-server-go/internal/service"
)

// IPRateLimitMiddleware bounds a public page per client IP. Requests share
// the sliding-window limiter used for per-user anti-spam, under their own
// key space.
type IPRateLimitMiddleware struct {
	limiter service.Limiter
	limit   int
	window  time.Duration
	scope   string
}

func NewIPRateLimitMiddleware(limiter service.Limiter, limit int, window time.Duration, scope string) *IPRateLimitMiddleware {
	return &IPRateLimitMiddleware{limiter: limiter, limit: limit, window: window, scope: scope}
}

func (m *IPRateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := audit.ClientIP(r)
		allowed, resetAt := m.limiter.CheckLimit(r.Context(), "ip:"+m.scope+":"+ip, m.limit, m.window)
		if allowed {
			next.ServeHTTP(w, r)
			return
		}

		retry := max(1, int(time.Until(resetAt).Seconds())+1)
		log.Debug().Str("ip", ip).Str("scope", m.scope).Int("retryAfter", retry).Msg("ip rate limited")
		w.Header().Set("Retry-After", strconv.Itoa(retry))
		httputil.WriteError(w, apperrors.RateLimitExceeded())
	})
}
