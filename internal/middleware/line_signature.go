package middleware

import (
	"bytes"
	"io"
	"net/http"

	"github.com/line/line-bot-sdk-go/v8/linebot/webhook"
	"github.com/rs/zerolog/log"

	"github.com/harukochan/bot-server-go/internal/audit"
)

const lineSignatureHeader = "X-Line-Signature"

// LineSignatureMiddleware rejects webhook calls whose body was not signed
// with the channel secret.
type LineSignatureMiddleware struct {
	secret string
}

func NewLineSignatureMiddleware(secret string) *LineSignatureMiddleware {
	return &LineSignatureMiddleware{secret: secret}
}

func (m *LineSignatureMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.secret == "" {
			log.Warn().Msg("line signature verification bypassed: LINE_CHANNEL_SECRET is not configured")
			next.ServeHTTP(w, r)
			return
		}

		signature := r.Header.Get(lineSignatureHeader)
		if signature == "" {
			m.reject(w, r, "missing signature")
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			log.Error().Err(err).Msg("line signature middleware: failed to read body")
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "Failed to read request body",
			})
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		if !webhook.ValidateSignature(m.secret, signature, body) {
			m.reject(w, r, "invalid signature")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (m *LineSignatureMiddleware) reject(w http.ResponseWriter, r *http.Request, reason string) {
	audit.LogFromRequest(r, audit.Event{
		Type:    audit.EventSignatureFailure,
		Details: map[string]interface{}{"source": "line", "reason": reason},
	})
	writeJSON(w, http.StatusUnauthorized, map[string]string{
		"error": "Invalid signature",
	})
}
