package auth

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/yourusername/page-forge/internal/config"
)

func newTestAuth(t *testing.T) (*Manager, *gin.Engine) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)

	m := NewManager(&config.Config{
		AppUsername:     "admin",
		AppPasswordHash: string(hash),
		SessionSecret:   "0123456789abcdef0123456789abcdef",
	}, nil)

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(m.Sessions(false))
	api := r.Group("/api")
	m.RegisterRoutes(api)
	protected := api.Group("", m.Protect()...)
	protected.POST("/echo", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user": c.GetString(ContextUserKey)})
	})
	return m, r
}

func login(t *testing.T, r http.Handler, username, password string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(gin.H{"username": username, "password": password})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "192.0.2.1:1234"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func request(r http.Handler, method, path string, cookies []*http.Cookie, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	if token != "" {
		req.Header.Set(CSRFHeader, token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestLoginAndProtectedRoute(t *testing.T) {
	_, r := newTestAuth(t)

	w := login(t, r, "admin", "s3cret")
	require.Equal(t, http.StatusNoContent, w.Code)
	token := w.Header().Get(CSRFHeader)
	require.NotEmpty(t, token)
	cookies := w.Result().Cookies()
	require.NotEmpty(t, cookies)

	w = request(r, http.MethodPost, "/api/echo", cookies, token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"user":"admin"}`, w.Body.String())

	w = request(r, http.MethodGet, "/api/auth/session", cookies, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, token, w.Header().Get(CSRFHeader))
}

func TestProtectedRouteRequiresCSRF(t *testing.T) {
	_, r := newTestAuth(t)

	w := login(t, r, "admin", "s3cret")
	require.Equal(t, http.StatusNoContent, w.Code)
	cookies := w.Result().Cookies()

	w = request(r, http.MethodPost, "/api/echo", cookies, "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = request(r, http.MethodPost, "/api/echo", cookies, "wrong")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestProtectedRouteRequiresLogin(t *testing.T) {
	_, r := newTestAuth(t)

	w := request(r, http.MethodPost, "/api/echo", nil, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLoginLocksAfterRepeatedFailures(t *testing.T) {
	_, r := newTestAuth(t)

	for i := DefaultPolicy.MaxAttempts - 1; i >= 0; i-- {
		w := login(t, r, "admin", "nope")
		require.Equal(t, http.StatusUnauthorized, w.Code)
		var body map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.EqualValues(t, i, body["remainingAttempts"])
	}

	w := login(t, r, "admin", "s3cret")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestSessionIdleTimeout(t *testing.T) {
	m, r := newTestAuth(t)

	w := login(t, r, "admin", "s3cret")
	require.Equal(t, http.StatusNoContent, w.Code)
	cookies := w.Result().Cookies()

	m.now = func() time.Time { return time.Now().Add(DefaultPolicy.IdleTimeout + time.Minute) }
	w = request(r, http.MethodGet, "/api/auth/session", cookies, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "SESSION_IDLE_TIMEOUT")
}

func TestThrottleWindowResets(t *testing.T) {
	th := NewThrottle(2, time.Minute, 5*time.Minute)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, 1, th.Fail("ip", start))
	assert.Zero(t, th.Locked("ip", start))

	// 窓を過ぎた失敗は数え直す
	assert.Equal(t, 1, th.Fail("ip", start.Add(2*time.Minute)))
	assert.Equal(t, 0, th.Fail("ip", start.Add(2*time.Minute+time.Second)))
	assert.Equal(t, 5*time.Minute, th.Locked("ip", start.Add(2*time.Minute+time.Second)))

	th.Reset("ip")
	assert.Zero(t, th.Locked("ip", start.Add(3*time.Minute)))
}

func TestProtectDisabledWithoutCredentials(t *testing.T) {
	m := NewManager(&config.Config{}, nil)
	assert.False(t, m.Enabled())
	assert.Empty(t, m.Protect())
}
