// Package auth 提供登入狀態查詢
//
// 設定快取只需要知道「目前是否已登入」，不關心 token 格式。
package auth

import (
	"sync"
	"time"
)

// Session 登入狀態
type Session interface {
	Valid() bool
}

// TokenSession 持有 bearer token 與到期時間
type TokenSession struct {
	mu      sync.RWMutex
	token   string
	expires time.Time // 零值表示不會過期
	now     func() time.Time
}

// NewTokenSession 建立 session；expires 為零值時永不過期
func NewTokenSession(token string, expires time.Time) *TokenSession {
	return &TokenSession{token: token, expires: expires, now: time.Now}
}

// WithClock 替換時間來源（測試用）
func (s *TokenSession) WithClock(now func() time.Time) *TokenSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	return s
}

// Valid token 非空且尚未過期
func (s *TokenSession) Valid() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.token == "" {
		return false
	}
	return s.expires.IsZero() || s.now().Before(s.expires)
}

// Token 回傳目前 token，session 無效時回傳空字串
func (s *TokenSession) Token() string {
	if !s.Valid() {
		return ""
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Login 更新 token 與到期時間
func (s *TokenSession) Login(token string, expires time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	s.expires = expires
}

// Logout 清除 token
func (s *TokenSession) Logout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.expires = time.Time{}
}

// Static 固定結果的 session
type Static bool

// Valid 回傳固定值
func (s Static) Valid() bool { return bool(s) }
