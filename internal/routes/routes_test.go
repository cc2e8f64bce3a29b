package routes

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/rs/zerolog"
	"github.com/stanstork/notifyd/internal/authz"
	"github.com/stanstork/notifyd/internal/broadcast"
	"github.com/stanstork/notifyd/internal/handlers"
	"github.com/stanstork/notifyd/internal/models"
	"github.com/stanstork/notifyd/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "routes-secret"

type emptyManager struct{}

func (emptyManager) Submit(context.Context, broadcast.CreateRequest) (models.Broadcast, bool, error) {
	return models.Broadcast{}, false, nil
}
func (emptyManager) Get(context.Context, string) (models.Broadcast, error) {
	return models.Broadcast{}, repository.ErrNotFound
}
func (emptyManager) List(context.Context, models.BroadcastFilter) ([]models.Broadcast, int, error) {
	return nil, 0, nil
}
func (emptyManager) Delete(context.Context, string) (models.Broadcast, error) {
	return models.Broadcast{}, repository.ErrNotFound
}
func (emptyManager) Resend(context.Context, string, string, *string) (models.Broadcast, bool, error) {
	return models.Broadcast{}, false, repository.ErrNotFound
}

type upMonitor struct{}

func (upMonitor) Running(string) bool { return true }

func newTestRouter() http.Handler {
	logger := zerolog.Nop()
	return NewRouter(
		authz.NewVerifier(secret),
		handlers.NewHealthHandler(upMonitor{}, []string{"notifications"}),
		handlers.NewNotificationHandler(nil, logger),
		handlers.NewAdminHandler(emptyManager{}, nil, logger),
		handlers.NewWebsocketHandler(handlers.WebsocketConfig{}, logger),
	)
}

func bearer(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	claims["exp"] = time.Now().Add(time.Hour).Unix()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return "Bearer " + token
}

func TestRouteProtection(t *testing.T) {
	router := newTestRouter()
	player := bearer(t, jwt.MapClaims{"sub": "u1", "roles": []string{"player"}})
	admin := bearer(t, jwt.MapClaims{"sub": "a1", "roles": []string{"admin"}})

	cases := []struct {
		name   string
		method string
		path   string
		auth   string
		want   int
	}{
		{"health is public", http.MethodGet, "/health", "", http.StatusOK},
		{"inbox needs a token", http.MethodGet, "/api/notifications", "", http.StatusUnauthorized},
		{"garbage token", http.MethodGet, "/api/notifications/unread-count", "Bearer nope", http.StatusUnauthorized},
		{"admin needs role", http.MethodGet, "/api/admin/broadcasts", player, http.StatusForbidden},
		{"admin list", http.MethodGet, "/api/admin/broadcasts", admin, http.StatusOK},
		{"admin get missing", http.MethodGet, "/api/admin/broadcasts/b-1", admin, http.StatusNotFound},
		{"wrong method", http.MethodPut, "/api/admin/broadcasts", admin, http.StatusMethodNotAllowed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, nil)
			if tc.auth != "" {
				req.Header.Set("Authorization", tc.auth)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}
