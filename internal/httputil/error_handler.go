package httputil

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"custody-gateway/internal/gateway"
	"custody-gateway/internal/ledger"
	"custody-gateway/internal/platform/logger"
	"custody-gateway/internal/platform/middleware"
	"custody-gateway/internal/security/custody"
	"custody-gateway/internal/security/encryption"
	"custody-gateway/internal/storage/blobstore"

	"github.com/gin-gonic/gin"
)

// ForbiddenMessage 授權拒絕時的固定訊息，不透露是哪一層判定失敗
const ForbiddenMessage = "Not authorized"

// SafeError 安全的錯誤響應（不洩露內部信息）
func SafeError(c *gin.Context, statusCode int, err error, userMessage string) {
	requestID := middleware.GetRequestID(c)

	// 記錄真實錯誤到日誌（用於調試）
	logger.Error(c.Request.Context(), fmt.Sprintf("API Error: %v", err),
		logger.WithDetails(map[string]interface{}{
			"request_id": requestID,
			"path":       c.Request.URL.Path,
			"method":     c.Request.Method,
			"status":     statusCode,
		}))

	message := userMessage
	if shouldShowError(err) {
		message = err.Error()
	}

	code := ErrorCodeInternal
	if statusCode == http.StatusServiceUnavailable {
		code = ErrorCodeUnavailable
	}
	abort(c, statusCode, code, message)
}

// shouldShowError 判斷是否可以向用戶顯示錯誤詳情
func shouldShowError(err error) bool {
	if err == nil {
		return false
	}

	// 不應顯示的錯誤關鍵字（可能洩露敏感信息）
	dangerousKeywords := []string{
		"mongo",
		"badger",
		"database",
		"connection",
		"password",
		"token",
		"secret",
		"credential",
		"master",
		"key material",
		"grpc",
		"ipfs",
		"s3",
		"internal",
		"stack",
		"panic",
	}

	lowerMsg := strings.ToLower(err.Error())
	for _, keyword := range dangerousKeywords {
		if strings.Contains(lowerMsg, keyword) {
			return false
		}
	}

	return true
}

// RespondError 依錯誤類型回傳對應的 HTTP 狀態
func RespondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, gateway.ErrForbidden):
		Forbidden(c, ForbiddenMessage)
	case errors.Is(err, custody.ErrNotFound):
		NotFoundError(c, KeyNotFound)
	case errors.Is(err, ledger.ErrNotFound),
		errors.Is(err, blobstore.ErrNotFound):
		NotFoundError(c, "")
	case errors.Is(err, custody.ErrHandleConflict),
		errors.Is(err, gateway.ErrLedgerMismatch):
		Conflict(c, err)
	case errors.Is(err, gateway.ErrInvalidArgument),
		errors.Is(err, custody.ErrInvalidHandle),
		errors.Is(err, custody.ErrInvalidKey):
		BadRequest(c, publicMessage(err, "請求參數錯誤"))
	case errors.Is(err, encryption.ErrDecryptFailure):
		UnprocessableEntity(c, "內容無法解密")
	case errors.Is(err, gateway.ErrLedgerUnavailable),
		errors.Is(err, blobstore.ErrUnavailable):
		SafeError(c, http.StatusServiceUnavailable, err, "依賴服務暫時無法使用，請稍後再試")
	default:
		InternalServerError(c, err)
	}
}

// publicMessage 只回傳最外層包裝前的可公開訊息
func publicMessage(err error, fallback string) string {
	if shouldShowError(err) {
		return err.Error()
	}
	return fallback
}

// InternalServerError 內部服務器錯誤
func InternalServerError(c *gin.Context, err error) {
	SafeError(c, http.StatusInternalServerError, err, "服務器內部錯誤，請稍後再試")
}

// BadRequest 錯誤的請求
func BadRequest(c *gin.Context, message string) {
	abort(c, http.StatusBadRequest, ErrorCodeInvalidParameter, message)
}

// Forbidden 禁止訪問
func Forbidden(c *gin.Context, message string) {
	if message == "" {
		message = "禁止訪問"
	}
	abort(c, http.StatusForbidden, ErrorCodeForbidden, message)
}

// NotFoundError 資源不存在
func NotFoundError(c *gin.Context, message string) {
	if message == "" {
		message = NotFound
	}
	abort(c, http.StatusNotFound, ErrorCodeNotFound, message)
}

// Conflict handle 衝突
func Conflict(c *gin.Context, err error) {
	abort(c, http.StatusConflict, ErrorCodeConflict, publicMessage(err, "資源衝突"))
}

// UnprocessableEntity 內容無法處理
func UnprocessableEntity(c *gin.Context, message string) {
	abort(c, http.StatusUnprocessableEntity, ErrorCodeDecryptFailed, message)
}

// PayloadTooLarge 請求體過大
func PayloadTooLarge(c *gin.Context, message string) {
	abort(c, http.StatusRequestEntityTooLarge, ErrorCodePayloadTooLarge, message)
}

// ValidationError 驗證錯誤
func ValidationError(c *gin.Context, field string, message string) {
	abort(c, http.StatusBadRequest, ErrorCodeInvalidParameter, fmt.Sprintf("%s: %s", field, message))
}

func abort(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"error":      message,
		"code":       code,
		"success":    false,
		"request_id": middleware.GetRequestID(c),
	})
}
