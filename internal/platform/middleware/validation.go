package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"custody-gateway/internal/constants"

	"github.com/gin-gonic/gin"
)

// ValidationError 驗證錯誤
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// ValidateIdentity 驗證請求者身分（帳戶地址或使用者名稱）
func ValidateIdentity(identity string) error {
	if strings.TrimSpace(identity) == "" {
		return &ValidationError{Field: "requester", Message: "請求者身分不能為空"}
	}

	if len(identity) > constants.MaxIdentityLength {
		return &ValidationError{Field: "requester", Message: "請求者身分格式錯誤"}
	}

	// 防止 NULL 字符注入和特殊字符
	if strings.ContainsAny(identity, "\x00${}[]") {
		return &ValidationError{Field: "requester", Message: "請求者身分包含非法字符"}
	}

	return nil
}

// ValidateRecordID 驗證並解析紀錄編號
func ValidateRecordID(raw string) (uint64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, &ValidationError{Field: "record_id", Message: "紀錄編號不能為空"}
	}

	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, &ValidationError{Field: "record_id", Message: "紀錄編號必須是正整數"}
	}

	return id, nil
}

// ValidateContentHash 驗證內容雜湊（CID 或 sha256:<hex>）
func ValidateContentHash(hash string) error {
	if strings.TrimSpace(hash) == "" {
		return &ValidationError{Field: "content_hash", Message: "內容雜湊不能為空"}
	}

	if len(hash) > constants.MaxContentHashLength {
		return &ValidationError{Field: "content_hash", Message: "內容雜湊超過最大長度限制"}
	}

	// 只允許英數字與冒號
	for _, c := range hash {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == ':') {
			return &ValidationError{Field: "content_hash", Message: "內容雜湊格式錯誤"}
		}
	}

	return nil
}

// SanitizeInput 消毒輸入（移除危險字符）
func SanitizeInput(input string) string {
	// 移除 NULL 字符
	input = strings.ReplaceAll(input, "\x00", "")

	// 移除控制字符（除了換行和 Tab）
	var result strings.Builder
	for _, r := range input {
		if r >= 32 || r == '\n' || r == '\t' {
			result.WriteRune(r)
		}
	}

	return result.String()
}

// RequestSizeLimiter 限制請求體大小的中間件
// Content-Length 未知時以 MaxBytesReader 兜底
func RequestSizeLimiter(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxSize {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"success":    false,
				"error":      fmt.Sprintf("請求體過大，最大允許 %d 字節", maxSize),
				"code":       "PAYLOAD_TOO_LARGE",
				"request_id": GetRequestID(c),
			})
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}
