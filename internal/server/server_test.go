package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevemoraco/Kull-sub004/internal/config"
	"github.com/stevemoraco/Kull-sub004/internal/handlers"
	"github.com/stevemoraco/Kull-sub004/internal/realtime"
)

func newTestServer(t *testing.T) *HTTPServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := &config.AppConfig{Environment: "test"}
	cfg.Security.JWTAccessSecret = "secret"
	hub := realtime.NewHub(zerolog.Nop())
	t.Cleanup(hub.Close)
	hs := handlers.NewHandlerSet(zerolog.Nop(), handlers.Deps{Config: cfg, Connections: hub, Events: hub})
	return NewHTTPServer(cfg, zerolog.Nop(), hs, realtime.NewHandler(hub, nil, nil, zerolog.Nop()))
}

func TestServerExposesMetricsAndAPI(t *testing.T) {
	srv := newTestServer(t)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")

	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/ai/providers", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))
}

func TestUnknownRouteIs404(t *testing.T) {
	srv := newTestServer(t)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
