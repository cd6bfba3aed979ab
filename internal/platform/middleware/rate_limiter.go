package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// LimitHandler 請求被限制時的回調，用於審計
type LimitHandler func(c *gin.Context, ip string)

// RateLimiter 固定窗口速率限制器
type RateLimiter struct {
	visitors map[string]*Visitor
	mu       sync.Mutex
	rate     int           // 每個時間窗口允許的請求數
	window   time.Duration // 時間窗口
	idleTTL  time.Duration // 閒置多久後清除訪問者
	now      func() time.Time
	stopChan chan struct{}
	stopOnce sync.Once
}

// Visitor 訪問者信息
type Visitor struct {
	lastSeen  time.Time
	requests  int
	resetTime time.Time
}

// NewRateLimiter 創建新的速率限制器
// rate: 每個時間窗口允許的請求數
// window: 時間窗口（例如：time.Minute）
// cleanupInterval: 清理閒置訪問者的週期
func NewRateLimiter(rate int, window, cleanupInterval time.Duration) *RateLimiter {
	if cleanupInterval <= 0 {
		cleanupInterval = 10 * time.Minute
	}
	rl := &RateLimiter{
		visitors: make(map[string]*Visitor),
		rate:     rate,
		window:   window,
		idleTTL:  2 * cleanupInterval,
		now:      time.Now,
		stopChan: make(chan struct{}),
	}

	go rl.cleanupVisitors(cleanupInterval)

	return rl
}

// Middleware 返回 Gin 中間件
func (rl *RateLimiter) Middleware(onLimit LimitHandler) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := GetClientIP(c)
		if !rl.allowRequest(ip) {
			rejectTooManyRequests(c, ip, onLimit)
			return
		}
		c.Next()
	}
}

// Stop 停止清理 goroutine
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopChan) })
}

// allowRequest 檢查是否允許請求
func (rl *RateLimiter) allowRequest(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	visitor, exists := rl.visitors[ip]

	if !exists {
		rl.visitors[ip] = &Visitor{
			lastSeen:  now,
			requests:  1,
			resetTime: now.Add(rl.window),
		}
		return true
	}

	visitor.lastSeen = now

	// 時間窗口已過期，重置計數器
	if now.After(visitor.resetTime) {
		visitor.requests = 1
		visitor.resetTime = now.Add(rl.window)
		return true
	}

	if visitor.requests >= rl.rate {
		return false
	}

	visitor.requests++
	return true
}

// cleanupVisitors 定期清理過期的訪問者記錄
func (rl *RateLimiter) cleanupVisitors(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.sweep()
		case <-rl.stopChan:
			return
		}
	}
}

func (rl *RateLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for ip, visitor := range rl.visitors {
		if now.Sub(visitor.lastSeen) > rl.idleTTL {
			delete(rl.visitors, ip)
		}
	}
}

// PerEndpointRateLimiter 為不同路由設置不同的速率限制
type PerEndpointRateLimiter struct {
	limiters        map[string]*RateLimiter
	default_        *RateLimiter
	cleanupInterval time.Duration
	onLimit         LimitHandler
}

// NewPerEndpointRateLimiter 創建端點級速率限制器
func NewPerEndpointRateLimiter(defaultRate int, defaultWindow, cleanupInterval time.Duration, onLimit LimitHandler) *PerEndpointRateLimiter {
	return &PerEndpointRateLimiter{
		limiters:        make(map[string]*RateLimiter),
		default_:        NewRateLimiter(defaultRate, defaultWindow, cleanupInterval),
		cleanupInterval: cleanupInterval,
		onLimit:         onLimit,
	}
}

// SetLimit 為特定路由模板設置限制，例如 /api/v1/records/:record_id/key
// 必須在開始處理請求前呼叫
func (p *PerEndpointRateLimiter) SetLimit(route string, rate int, window time.Duration) {
	p.limiters[route] = NewRateLimiter(rate, window, p.cleanupInterval)
}

// Middleware 返回 Gin 中間件
func (p *PerEndpointRateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		limiter, exists := p.limiters[c.FullPath()]
		if !exists {
			limiter = p.default_
		}

		ip := GetClientIP(c)
		if !limiter.allowRequest(ip) {
			rejectTooManyRequests(c, ip, p.onLimit)
			return
		}

		c.Next()
	}
}

// Stop 停止所有限制器的清理 goroutine
func (p *PerEndpointRateLimiter) Stop() {
	p.default_.Stop()
	for _, l := range p.limiters {
		l.Stop()
	}
}

func rejectTooManyRequests(c *gin.Context, ip string, onLimit LimitHandler) {
	if onLimit != nil {
		onLimit(c, ip)
	}
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"success":    false,
		"error":      "請求過於頻繁，請稍後再試",
		"code":       "RATE_LIMIT_EXCEEDED",
		"request_id": GetRequestID(c),
	})
}
