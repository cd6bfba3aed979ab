package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// AdminTokenHeader 管理端點使用的認證標頭
const AdminTokenHeader = "X-Admin-Token"

// AuthFailureHandler 認證失敗時的回調，用於審計
type AuthFailureHandler func(c *gin.Context, reason string)

// AdminAuth 管理端點認證中間件
type AdminAuth struct {
	token     []byte
	onFailure AuthFailureHandler
}

// NewAdminAuth 創建管理端點認證中間件
// token 為空時所有管理請求都會被拒絕
func NewAdminAuth(token string, onFailure AuthFailureHandler) *AdminAuth {
	return &AdminAuth{
		token:     []byte(token),
		onFailure: onFailure,
	}
}

// Enabled 是否設定了管理 token
func (m *AdminAuth) Enabled() bool {
	return len(m.token) > 0
}

// RequireAdmin 要求有效的管理 token
func (m *AdminAuth) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.Enabled() {
			m.reject(c, http.StatusForbidden, "admin_disabled", "管理功能未啟用")
			return
		}

		provided := c.GetHeader(AdminTokenHeader)
		if provided == "" {
			m.reject(c, http.StatusUnauthorized, "missing_token", "未授權訪問")
			return
		}

		if subtle.ConstantTimeCompare([]byte(provided), m.token) != 1 {
			m.reject(c, http.StatusUnauthorized, "invalid_token", "未授權訪問")
			return
		}

		c.Next()
	}
}

func (m *AdminAuth) reject(c *gin.Context, status int, reason, message string) {
	if m.onFailure != nil {
		m.onFailure(c, reason)
	}
	code := "UNAUTHORIZED"
	if status == http.StatusForbidden {
		code = "FORBIDDEN"
	}
	c.AbortWithStatusJSON(status, gin.H{
		"success":    false,
		"error":      message,
		"code":       code,
		"request_id": GetRequestID(c),
	})
}
