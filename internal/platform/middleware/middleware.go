package middleware

import (
	"fmt"
	"net/http"
	"time"

	"custody-gateway/internal/platform/logger"

	"github.com/gin-gonic/gin"
)

// AccessLog 以 GCP httpRequest 格式記錄每個請求
// 查詢字串不寫入日誌，避免身分資訊外洩
func AccessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		status := c.Writer.Status()
		req := &logger.HTTPRequest{
			RequestMethod: c.Request.Method,
			RequestURL:    c.Request.URL.Path,
			RequestSize:   c.Request.ContentLength,
			Status:        status,
			ResponseSize:  int64(c.Writer.Size()),
			UserAgent:     c.Request.UserAgent(),
			RemoteIP:      GetClientIP(c),
			Latency:       fmt.Sprintf("%.3fs", time.Since(start).Seconds()),
			Protocol:      c.Request.Proto,
		}

		message := fmt.Sprintf("%s %s %d", c.Request.Method, c.FullPath(), status)
		switch {
		case status >= http.StatusInternalServerError:
			logger.Error(c.Request.Context(), message, logger.WithHTTPRequest(req))
		case status >= http.StatusBadRequest:
			logger.Warning(c.Request.Context(), message, logger.WithHTTPRequest(req))
		default:
			logger.Info(c.Request.Context(), message, logger.WithHTTPRequest(req))
		}
	}
}

// Recovery 捕捉 panic 並回傳通用錯誤
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Critical(c.Request.Context(), "請求處理發生 panic",
					logger.WithAction("panic_recovery"),
					logger.WithDetails(map[string]interface{}{
						"panic": fmt.Sprint(r),
						"path":  c.Request.URL.Path,
					}))
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"success":    false,
					"error":      "內部服務錯誤",
					"code":       "INTERNAL_ERROR",
					"request_id": GetRequestID(c),
				})
			}
		}()
		c.Next()
	}
}
