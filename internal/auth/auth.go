// Package auth 提供基于静态 API Key 的 Bearer 鉴权中间件。
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Middleware 校验 Authorization: Bearer <key> 请求头。
// keys 为空时鉴权被禁用，所有请求直接放行。
type Middleware struct {
	keys []string
}

// NewMiddleware 创建鉴权中间件，空白 key 会被忽略。
func NewMiddleware(keys []string) *Middleware {
	cleaned := make([]string, 0, len(keys))
	for _, key := range keys {
		key = strings.TrimSpace(key)
		if key != "" {
			cleaned = append(cleaned, key)
		}
	}
	return &Middleware{keys: cleaned}
}

// Enabled 返回是否配置了任何 API Key。
func (m *Middleware) Enabled() bool {
	return m != nil && len(m.keys) > 0
}

// Wrap 包装处理器，鉴权失败时返回 401。
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	if !m.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.authorized(r) {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "未授权的请求", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *Middleware) authorized(r *http.Request) bool {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	token = strings.TrimSpace(token)
	for _, key := range m.keys {
		if subtle.ConstantTimeCompare([]byte(token), []byte(key)) == 1 {
			return true
		}
	}
	return false
}
