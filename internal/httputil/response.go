package httputil

import (
	"custody-gateway/internal/platform/middleware"

	"github.com/gin-gonic/gin"
)

// 成功訊息常數.
const (
	FileUploaded   = "File uploaded successfully"
	KeyAssociated  = "Key associated successfully"
	KeyOverwritten = "Key overwritten successfully"
	KeyPurged      = "Key purged successfully"
	DataRetrieved  = "Data retrieved successfully"
)

// 錯誤訊息常數.
const (
	InvalidParameter = "Invalid parameter"
	FileTooLarge     = "File too large"
	NotFound         = "Not found"
	KeyNotFound      = "Key not found"
)

// OK 回傳成功回應，自動附上 success 與 request_id.
func OK(c *gin.Context, status int, body gin.H) {
	out := gin.H{
		"success":    true,
		"request_id": middleware.GetRequestID(c),
	}
	for k, v := range body {
		out[k] = v
	}
	c.JSON(status, out)
}

// SuccessWithCount 回傳包含計數與資料的成功回應.
func SuccessWithCount(c *gin.Context, status int, key string, data interface{}, count int) {
	OK(c, status, gin.H{
		key:     data,
		"count": count,
	})
}
