package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/harukochan/bot-server-go/internal/errors"
	"github.com/harukochan/bot-server-go/internal/jobs"
	"github.com/harukochan/bot-server-go/internal/model"
	"github.com/harukochan/bot-server-go/internal/service"
)

type fakeAdminQueries struct {
	accounts map[string]*service.AccountView
	stats    *service.AdminStats
	err      error
}

func (f *fakeAdminQueries) GetAccount(ctx context.Context, userID string, now time.Time) (*service.AccountView, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.accounts[userID], nil
}

func (f *fakeAdminQueries) GetStats(ctx context.Context, now time.Time) (*service.AdminStats, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.stats, nil
}

type fakeTaskRunner struct {
	mu  sync.Mutex
	ran []string
}

func (f *fakeTaskRunner) TaskNames() []string {
	return []string{jobs.TaskGreetingMorning, jobs.TaskExpiryReminder}
}

func (f *fakeTaskRunner) RunTask(ctx context.Context, name string, now time.Time) (*jobs.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ran = append(f.ran, name)
	return &jobs.Report{Task: name, Targets: 1, Sent: 1}, nil
}

func passThrough(next http.Handler) http.Handler { return next }

func serveAdmin(h *AdminHandler, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestAdminHandler(t *testing.T) {
	queries := &fakeAdminQueries{
		accounts: map[string]*service.AccountView{
			"U1": {
				Account:        &model.Account{UserID: "U1", FreeCreditsRemaining: 3, ActivePersona: "rina"},
				Whitelisted:    true,
				RecentPayments: []model.ConsumedPayment{},
			},
		},
		stats: &service.AdminStats{AccountStats: model.AccountStats{TotalUsers: 2}, WhitelistSize: 1, Date: "2025-03-10"},
	}

	t.Run("get account", func(t *testing.T) {
		rec := serveAdmin(NewAdminHandler(queries, &fakeTaskRunner{}, passThrough), "GET", "/accounts/U1")
		require.Equal(t, http.StatusOK, rec.Code)

		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "U1", body["userId"])
		assert.Equal(t, float64(3), body["freeCreditsRemaining"])
		assert.Equal(t, true, body["whitelisted"])
	})

	t.Run("unknown account", func(t *testing.T) {
		rec := serveAdmin(NewAdminHandler(queries, &fakeTaskRunner{}, passThrough), "GET", "/accounts/nobody")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("stats", func(t *testing.T) {
		rec := serveAdmin(NewAdminHandler(queries, &fakeTaskRunner{}, passThrough), "GET", "/stats")
		require.Equal(t, http.StatusOK, rec.Code)

		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, float64(2), body["totalUsers"])
		assert.Equal(t, "2025-03-10", body["date"])
	})

	t.Run("storage failure maps to 503", func(t *testing.T) {
		failing := &fakeAdminQueries{err: apperrors.Database(errors.New("db down"))}
		rec := serveAdmin(NewAdminHandler(failing, &fakeTaskRunner{}, passThrough), "GET", "/stats")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("manual broadcast runs the task", func(t *testing.T) {
		runner := &fakeTaskRunner{}
		h := NewAdminHandler(queries, runner, passThrough)

		rec := serveAdmin(h, "POST", "/broadcast/expiry-reminder")
		h.Wait()

		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, []string{jobs.TaskExpiryReminder}, runner.ran)
	})

	t.Run("manual broadcast of unknown task", func(t *testing.T) {
		runner := &fakeTaskRunner{}
		h := NewAdminHandler(queries, runner, passThrough)

		rec := serveAdmin(h, "POST", "/broadcast/greeting-midnight")
		h.Wait()

		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Empty(t, runner.ran)
	})

	t.Run("auth middleware guards every route", func(t *testing.T) {
		deny := func(http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
			})
		}
		h := NewAdminHandler(queries, &fakeTaskRunner{}, deny)

		assert.Equal(t, http.StatusUnauthorized, serveAdmin(h, "GET", "/stats").Code)
		assert.Equal(t, http.StatusUnauthorized, serveAdmin(h, "POST", "/broadcast/greeting-morning").Code)
	})
}
