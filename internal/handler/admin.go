package handler

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/harukochan/bot-server-go/internal/audit"
	"github.com/harukochan/bot-server-go/internal/config"
	"github.com/harukochan/bot-server-go/internal/httputil"
	"github.com/harukochan/bot-server-go/internal/jobs"
	"github.com/harukochan/bot-server-go/internal/service"
)

// AdminQueries is the read side of the operator API.
type AdminQueries interface {
	GetAccount(ctx context.Context, userID string, now time.Time) (*service.AccountView, error)
	GetStats(ctx context.Context, now time.Time) (*service.AdminStats, error)
}

// TaskRunner runs scheduled tasks on demand.
type TaskRunner interface {
	TaskNames() []string
	RunTask(ctx context.Context, name string, now time.Time) (*jobs.Report, error)
}

type AdminHandler struct {
	queries AdminQueries
	tasks   TaskRunner
	auth    func(http.Handler) http.Handler
	now     func() time.Time
	wg      sync.WaitGroup
}

func NewAdminHandler(queries AdminQueries, tasks TaskRunner, auth func(http.Handler) http.Handler) *AdminHandler {
	return &AdminHandler{
		queries: queries,
		tasks:   tasks,
		auth:    auth,
		now:     time.Now,
	}
}

func (h *AdminHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(h.auth)

	r.Get("/stats", h.Stats)
	r.Get("/accounts/{userID}", h.GetAccount)
	r.Post("/broadcast/{task}", h.RunTask)

	return r
}

func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queries.GetStats(r.Context(), h.now())
	if err != nil {
		log.Error().Err(err).Msg("failed to get stats")
		httputil.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

func (h *AdminHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	account, err := h.queries.GetAccount(r.Context(), userID, h.now())
	if err != nil {
		log.Error().Err(err).Str("userId", userID).Msg("failed to get account")
		httputil.WriteError(w, err)
		return
	}

	if account == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Account not found"})
		return
	}

	writeJSON(w, http.StatusOK, account)
}

// RunTask starts a scheduled task in the background and returns at once,
// since a full broadcast outlives the request timeout.
func (h *AdminHandler) RunTask(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "task")
	if !slices.Contains(h.tasks.TaskNames(), name) {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"error": "Unknown task",
			"tasks": h.tasks.TaskNames(),
		})
		return
	}

	actor, _, _ := r.BasicAuth()
	audit.LogFromRequest(r, audit.Event{
		Type:    audit.EventManualBroadcast,
		Actor:   actor,
		Details: map[string]interface{}{"task": name},
	})

	now := h.now()
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), config.SchedulerTaskTimeout)
		defer cancel()

		report, err := h.tasks.RunTask(ctx, name, now)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Str("task", name).Msg("manual task run failed")
			return
		}
		if report != nil {
			log.Info().Str("task", name).Int("sent", report.Sent).Int("failed", report.Failed).Msg("manual task run finished")
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"task": name, "status": "started"})
}

// Wait blocks until manually started tasks have finished.
func (h *AdminHandler) Wait() {
	h.wg.Wait()
}
