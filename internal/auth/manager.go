// Package auth は API のログインセッションと CSRF 保護を提供します。
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/yourusername/page-forge/internal/config"
)

const (
	SessionCookieName    = "pgf_session"
	sessionKeyUser       = "auth_user"
	sessionKeyIssuedAt   = "issued_at"
	sessionKeyLastActive = "last_activity"
	sessionKeyCSRF       = "csrf_token"

	// CSRFHeader はダブルサブミット用のヘッダー名です。
	CSRFHeader = "X-CSRF-Token"

	// ContextUserKey はログイン済みユーザー名を gin.Context に格納するキーです。
	ContextUserKey = "auth.user"
)

// Policy はセッションとログイン試行の制限値です。
type Policy struct {
	MaxLifetime  time.Duration
	IdleTimeout  time.Duration
	LoginWindow  time.Duration
	LockDuration time.Duration
	MaxAttempts  int
}

// DefaultPolicy は既定の制限値です。
var DefaultPolicy = Policy{
	MaxLifetime:  12 * time.Hour,
	IdleTimeout:  30 * time.Minute,
	LoginWindow:  15 * time.Minute,
	LockDuration: 10 * time.Minute,
	MaxAttempts:  5,
}

// Manager はログイン処理とセッション検証をまとめた構造体です。
type Manager struct {
	username     string
	passwordHash []byte
	secret       string
	policy       Policy
	logger       *zap.Logger
	throttle     *Throttle
	now          func() time.Time
}

// NewManager は設定から Manager を作成します。
func NewManager(cfg *config.Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		username:     cfg.AppUsername,
		passwordHash: []byte(cfg.AppPasswordHash),
		secret:       cfg.SessionSecret,
		policy:       DefaultPolicy,
		logger:       logger.Named("auth"),
		throttle:     NewThrottle(DefaultPolicy.MaxAttempts, DefaultPolicy.LoginWindow, DefaultPolicy.LockDuration),
		now:          time.Now,
	}
}

// Enabled は認証情報が設定されているかを返します。未設定ならローカル用途として保護を省略します。
func (m *Manager) Enabled() bool {
	return m.username != "" && len(m.passwordHash) > 0 && m.secret != ""
}

// Sessions はクッキーストアを使うセッションミドルウェアを返します。
func (m *Manager) Sessions(secure bool) gin.HandlerFunc {
	secret := m.secret
	if secret == "" {
		// 認証が無効でもセッション API が動くように一時的な鍵を使う
		secret, _ = generateToken()
	}
	store := cookie.NewStore([]byte(secret))
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   int(m.policy.MaxLifetime.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
	})
	return sessions.Sessions(SessionCookieName, store)
}

func (m *Manager) ensureCredentials() error {
	if m.username == "" {
		return errors.New("APP_USERNAME が設定されていません")
	}
	if len(m.passwordHash) == 0 {
		return errors.New("APP_PASSWORD_HASH が設定されていません")
	}
	if m.secret == "" {
		return errors.New("SESSION_SECRET が設定されていません")
	}
	return nil
}

func (m *Manager) verify(username, password string) bool {
	if username != m.username {
		return false
	}
	return bcrypt.CompareHashAndPassword(m.passwordHash, []byte(password)) == nil
}

// Throttle は IP ごとのログイン失敗回数を数え、上限に達したらロックします。
type Throttle struct {
	max    int
	window time.Duration
	lock   time.Duration

	mu       sync.Mutex
	attempts map[string]*attemptState
}

type attemptState struct {
	count        int
	firstAttempt time.Time
	lockedUntil  time.Time
}

// NewThrottle は Throttle を作成します。
func NewThrottle(max int, window, lock time.Duration) *Throttle {
	return &Throttle{
		max:      max,
		window:   window,
		lock:     lock,
		attempts: make(map[string]*attemptState),
	}
}

// Locked はロック中なら残り時間を返します。
func (t *Throttle) Locked(key string, now time.Time) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.attempts[key]
	if !ok || !now.Before(state.lockedUntil) {
		return 0
	}
	return state.lockedUntil.Sub(now)
}

// Fail は失敗を記録し、残りの試行回数を返します。
func (t *Throttle) Fail(key string, now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.attempts[key]
	if !ok || now.Sub(state.firstAttempt) > t.window {
		state = &attemptState{firstAttempt: now}
		t.attempts[key] = state
	}

	state.count++
	if state.count >= t.max {
		state.count = t.max
		state.lockedUntil = now.Add(t.lock)
	}
	return t.max - state.count
}

// Reset は記録を消去します。
func (t *Throttle) Reset(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.attempts, key)
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
