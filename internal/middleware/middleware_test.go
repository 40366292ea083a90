package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevemoraco/Kull-sub004/internal/config"
	"github.com/stevemoraco/Kull-sub004/internal/models"
	"github.com/stevemoraco/Kull-sub004/internal/repository"
	"github.com/stevemoraco/Kull-sub004/internal/security"
)

const testSecret = "secret"

type stubDevices struct{ err error }

func (s stubDevices) Authorize(context.Context, security.AccessClaims) error { return s.err }

type stubUsers map[string]models.User

func (s stubUsers) GetByID(_ context.Context, id string) (models.User, error) {
	u, ok := s[id]
	if !ok {
		return models.User{}, repository.ErrUserNotFound
	}
	return u, nil
}

func init() {
	gin.SetMode(gin.TestMode)
}

func newEngine(handlers ...gin.HandlerFunc) *gin.Engine {
	engine := gin.New()
	engine.Use(RequestID(), Logger(zerolog.Nop()), Recovery(zerolog.Nop()))
	chain := append(handlers, func(c *gin.Context) {
		user, _ := CurrentUser(c)
		c.JSON(http.StatusOK, gin.H{"userId": user.ID})
	})
	engine.GET("/", chain...)
	engine.GET("/panic", func(*gin.Context) { panic("boom") })
	return engine
}

func bearer(t *testing.T, userID string, role string) string {
	t.Helper()
	token, err := security.GenerateAccessToken(testSecret, security.Subject{UserID: userID, Role: role}, time.Minute)
	require.NoError(t, err)
	return "Bearer " + token
}

func serve(engine *gin.Engine, path string, auth string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func TestAuthRejectsMissingAndInvalidTokens(t *testing.T) {
	engine := newEngine(Auth(testSecret, nil, nil))

	w := serve(engine, "/", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "missing_token")

	w = serve(engine, "/", "Bearer nope")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_token")
}

func TestAuthAcceptsValidToken(t *testing.T) {
	engine := newEngine(Auth(testSecret, stubDevices{}, nil))
	w := serve(engine, "/", bearer(t, "user-1", "user"))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"userId":"user-1"}`, w.Body.String())
	assert.NotEmpty(t, w.Header().Get(requestIDHeader))
}

func TestAuthRejectsRevokedDevice(t *testing.T) {
	engine := newEngine(Auth(testSecret, stubDevices{err: errors.New("gone")}, nil))
	w := serve(engine, "/", bearer(t, "user-1", "user"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthChecksUserStatus(t *testing.T) {
	users := stubUsers{
		"active":    {ID: "active", Role: models.UserRoleUser, Status: models.UserStatusActive},
		"suspended": {ID: "suspended", Role: models.UserRoleUser, Status: models.UserStatusSuspended},
	}
	engine := newEngine(Auth(testSecret, nil, users))

	assert.Equal(t, http.StatusOK, serve(engine, "/", bearer(t, "active", "user")).Code)
	assert.Equal(t, http.StatusForbidden, serve(engine, "/", bearer(t, "suspended", "user")).Code)
	assert.Equal(t, http.StatusUnauthorized, serve(engine, "/", bearer(t, "missing", "user")).Code)
}

func TestRequireRoles(t *testing.T) {
	engine := newEngine(Auth(testSecret, nil, nil), RequireRoles(models.UserRoleAdmin))
	assert.Equal(t, http.StatusForbidden, serve(engine, "/", bearer(t, "user-1", "user")).Code)
	assert.Equal(t, http.StatusOK, serve(engine, "/", bearer(t, "admin-1", "admin")).Code)
}

func TestRecoveryAnswers500(t *testing.T) {
	engine := newEngine()
	w := serve(engine, "/panic", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "internal_server_error")
}

func TestRequestIDIsEchoed(t *testing.T) {
	engine := newEngine()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(requestIDHeader, "req-1")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	assert.Equal(t, "req-1", w.Header().Get(requestIDHeader))
}

func TestRecoveryLogsCallerAndRoute(t *testing.T) {
	var buf bytes.Buffer
	engine := gin.New()
	engine.Use(RequestID(), Recovery(zerolog.New(&buf)))
	engine.GET("/jobs/:id", Auth(testSecret, nil, nil), func(*gin.Context) { panic("boom") })

	req := httptest.NewRequest(http.MethodGet, "/jobs/j1", nil)
	req.Header.Set("Authorization", bearer(t, "user-9", "user"))
	req.Header.Set(requestIDHeader, "req-42")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"internal_server_error","requestId":"req-42"}`, w.Body.String())

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "panic recovered", entry["message"])
	assert.Equal(t, "boom", entry["panic"])
	assert.Equal(t, "/jobs/:id", entry["route"])
	assert.Equal(t, "user-9", entry["user_id"])
	assert.Equal(t, "req-42", entry["request_id"])
	assert.NotEmpty(t, entry["stack"])
}

func corsRequest(engine *gin.Engine, method string, origin string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func newCORSEngine(cfg config.CORSConfig) *gin.Engine {
	engine := gin.New()
	engine.Use(CORS(cfg))
	engine.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })
	return engine
}

func TestCORSPreflight(t *testing.T) {
	engine := newCORSEngine(config.CORSConfig{
		AllowedOrigins:   []string{"https://kullai.com", "*.kullai.com"},
		AllowCredentials: true,
		MaxAge:           10 * time.Minute,
	})

	w := corsRequest(engine, http.MethodOptions, "https://kullai.com")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://kullai.com", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
	assert.Equal(t, "600", w.Header().Get("Access-Control-Max-Age"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "Authorization")

	w = corsRequest(engine, http.MethodOptions, "https://app.kullai.com")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://app.kullai.com", w.Header().Get("Access-Control-Allow-Origin"))

	w = corsRequest(engine, http.MethodOptions, "https://evil.example")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))

	w = corsRequest(engine, http.MethodOptions, "https://notkullai.com")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestCORSSimpleRequests(t *testing.T) {
	engine := newCORSEngine(config.CORSConfig{AllowedOrigins: []string{"https://kullai.com"}})

	w := corsRequest(engine, http.MethodGet, "https://kullai.com")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://kullai.com", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "X-Request-Id", w.Header().Get("Access-Control-Expose-Headers"))
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Credentials"))

	// disallowed origins still reach the handler; the browser enforces the policy
	w = corsRequest(engine, http.MethodGet, "https://evil.example")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))

	w = corsRequest(engine, http.MethodGet, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Vary"))
}

func TestCORSEmptyListAllowsAnyOrigin(t *testing.T) {
	engine := newCORSEngine(config.CORSConfig{})
	w := corsRequest(engine, http.MethodOptions, "http://localhost:5173")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://localhost:5173", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, w.Header().Get("Access-Control-Max-Age"))
}
