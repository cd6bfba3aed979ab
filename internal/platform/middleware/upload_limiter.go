package middleware

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
)

// UploadLimiter 限制同時進行中的上傳數量
// 上傳會在記憶體中完整加密，限制並發可以控制峰值記憶體
type UploadLimiter struct {
	mu           sync.Mutex
	inFlight     map[string]int // IP -> 進行中的上傳數
	maxPerIP     int
	maxTotal     int
	currentTotal int
}

// NewUploadLimiter 創建上傳並發限制器
func NewUploadLimiter(maxPerIP, maxTotal int) *UploadLimiter {
	return &UploadLimiter{
		inFlight: make(map[string]int),
		maxPerIP: maxPerIP,
		maxTotal: maxTotal,
	}
}

// Middleware 上傳並發限制中間件
func (l *UploadLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientIP := GetClientIP(c)

		if !l.acquire(clientIP) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"success":    false,
				"error":      "同時上傳數已達上限，請稍後再試",
				"code":       "RATE_LIMIT_EXCEEDED",
				"request_id": GetRequestID(c),
			})
			return
		}
		defer l.release(clientIP)

		c.Next()
	}
}

// acquire 嘗試佔用一個上傳名額
func (l *UploadLimiter) acquire(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.currentTotal >= l.maxTotal {
		return false
	}
	if l.inFlight[ip] >= l.maxPerIP {
		return false
	}

	l.inFlight[ip]++
	l.currentTotal++
	return true
}

// release 歸還上傳名額
func (l *UploadLimiter) release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if count, exists := l.inFlight[ip]; exists {
		if count <= 1 {
			delete(l.inFlight, ip)
		} else {
			l.inFlight[ip]--
		}
		l.currentTotal--
	}
}

// Stats 獲取統計信息
func (l *UploadLimiter) Stats() map[string]interface{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	return map[string]interface{}{
		"in_flight":  l.currentTotal,
		"unique_ips": len(l.inFlight),
		"max_total":  l.maxTotal,
		"max_per_ip": l.maxPerIP,
	}
}
