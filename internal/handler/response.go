package handler

import (
	"net/http"

	"github.com/harukochan/bot-server-go/internal/httputil"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	httputil.WriteJSON(w, status, data)
}

func writeText(w http.ResponseWriter, status int, body string) {
	httputil.WriteText(w, status, body)
}
