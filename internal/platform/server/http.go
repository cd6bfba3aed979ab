package server

import (
	"time"

	"custody-gateway/internal/constants"
	"custody-gateway/internal/gateway"
	"custody-gateway/internal/platform/config"
	"custody-gateway/internal/platform/health"
	"custody-gateway/internal/platform/middleware"
	"custody-gateway/internal/security/audit"

	"github.com/gin-gonic/gin"
)

// multipartOverhead multipart 邊界與標頭的額外空間
const multipartOverhead = 1 << 20

// RouterDeps 路由依賴
type RouterDeps struct {
	Config     *config.Config
	Service    *gateway.Service
	Reconciler *gateway.Reconciler
	Audit      *audit.AuditService
	Health     *health.Handler
}

// API HTTP 處理器
type API struct {
	cfg            *config.Config
	svc            *gateway.Service
	reconciler     *gateway.Reconciler
	audit          *audit.AuditService
	health         *health.Handler
	maxUploadBytes int64
	rateLimiter    *middleware.PerEndpointRateLimiter
}

// NewAPI 創建 HTTP 處理器
func NewAPI(deps RouterDeps) *API {
	maxUploadMB := int64(constants.DefaultMaxUploadSizeMB)
	if deps.Config != nil && deps.Config.Server.MaxUploadMB > 0 {
		maxUploadMB = deps.Config.Server.MaxUploadMB
	}
	auditSvc := deps.Audit
	if auditSvc == nil {
		auditSvc = audit.NewAuditService(false)
	}
	return &API{
		cfg:            deps.Config,
		svc:            deps.Service,
		reconciler:     deps.Reconciler,
		audit:          auditSvc,
		health:         deps.Health,
		maxUploadBytes: maxUploadMB << 20,
	}
}

// securityHeadersMiddleware 添加安全標頭
func securityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// 防止點擊劫持
		c.Header("X-Frame-Options", "DENY")

		// 防止 MIME 類型嗅探
		c.Header("X-Content-Type-Options", "nosniff")

		// 內容安全策略（純 API，不提供任何頁面）
		c.Header("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none';")

		// 密鑰回應不可被快取
		c.Header("Cache-Control", "no-store")

		c.Header("Referrer-Policy", "no-referrer")

		c.Next()
	}
}

// corsMiddleware 只允許設定中的來源
func corsMiddleware(allowed []string) gin.HandlerFunc {
	allowedOrigins := make(map[string]bool, len(allowed))
	for _, origin := range allowed {
		allowedOrigins[origin] = true
	}

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins[origin] {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		}

		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, X-Request-ID, "+middleware.AdminTokenHeader)
		c.Header("Access-Control-Max-Age", "86400") // 預檢請求緩存 24 小時

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// Router 設定路由
func (a *API) Router() *gin.Engine {
	r := gin.New()

	// 請求 ID 最優先，之後的日誌都帶 trace
	r.Use(middleware.RequestIDMiddleware())
	r.Use(middleware.Recovery())
	r.Use(middleware.AccessLog())
	r.Use(securityHeadersMiddleware())

	var allowedOrigins []string
	if a.cfg != nil {
		allowedOrigins = a.cfg.Server.AllowedOrigins
	}
	r.Use(corsMiddleware(allowedOrigins))

	// 提取 IP、User-Agent 與請求者
	r.Use(middleware.RequestMetadataMiddleware())

	maxMemory := int64(constants.DefaultMaxMultipartMemory)
	if a.cfg != nil && a.cfg.Limits.Request.MaxMultipartMemory > 0 {
		maxMemory = a.cfg.Limits.Request.MaxMultipartMemory
	}
	r.MaxMultipartMemory = maxMemory

	var limits config.RateLimitingConfig
	if a.cfg != nil {
		limits = a.cfg.Limits.RateLimiting
	}
	if limits.Enabled {
		r.Use(a.newRateLimiter(limits).Middleware())
	}

	maxPerIP, maxTotal := limits.MaxUploadsPerIP, limits.MaxUploadsTotal
	if maxPerIP <= 0 {
		maxPerIP = 4
	}
	if maxTotal <= 0 {
		maxTotal = 64
	}
	uploadLimiter := middleware.NewUploadLimiter(maxPerIP, maxTotal)
	uploadChain := []gin.HandlerFunc{
		middleware.RequestSizeLimiter(a.maxUploadBytes + multipartOverhead),
		uploadLimiter.Middleware(),
	}

	var adminToken string
	if a.cfg != nil {
		adminToken = a.cfg.Security.AdminToken
	}
	adminAuth := middleware.NewAdminAuth(adminToken, func(c *gin.Context, reason string) {
		a.audit.LogAdminAuthFailure(c.Request.Context(), c.FullPath(), reason)
	})

	// health check
	if a.health != nil {
		r.GET("/health", a.health.HealthCheck)
	}

	v1 := r.Group("/api/v1")
	{
		v1.POST("/uploads", append(uploadChain, a.upload)...)
		v1.POST("/associations", a.associate)
		v1.GET("/records/:record_id/key", a.retrieveKey)
		v1.GET("/records/:record_id/content", a.retrieveRecord)

		admin := v1.Group("/admin", adminAuth.RequireAdmin())
		admin.GET("/keys", a.listKeys)
		admin.PUT("/keys/overwrite", a.overwriteKey)
		admin.DELETE("/keys", a.purgeKey)
		admin.POST("/reconcile", a.reconcile)
	}

	// 舊版端點
	r.POST("/upload", append(uploadChain, a.legacyUpload)...)
	r.POST("/associate-key", a.legacyAssociate)
	r.GET("/get-key/:recordId/:account", a.legacyGetKey)

	return r
}

// newRateLimiter 依設定建立端點級速率限制
func (a *API) newRateLimiter(limits config.RateLimitingConfig) *middleware.PerEndpointRateLimiter {
	defaultLimit := constants.DefaultRateLimitPerMinute
	if limits.DefaultPerMinute > 0 {
		defaultLimit = limits.DefaultPerMinute
	}
	cleanup := time.Duration(constants.RateLimitCleanupIntervalMin) * time.Minute
	if limits.CleanupInterval > 0 {
		cleanup = time.Duration(limits.CleanupInterval) * time.Minute
	}

	rl := middleware.NewPerEndpointRateLimiter(defaultLimit, time.Minute, cleanup,
		func(c *gin.Context, ip string) {
			a.audit.LogRateLimitExceeded(c.Request.Context(), ip, c.FullPath())
		})

	uploads := limits.UploadsPerMin
	if uploads <= 0 {
		uploads = constants.DefaultUploadRateLimit
	}
	keys := limits.KeysPerMin
	if keys <= 0 {
		keys = constants.DefaultKeyRateLimit
	}

	rl.SetLimit("/api/v1/uploads", uploads, time.Minute)
	rl.SetLimit("/upload", uploads, time.Minute)
	rl.SetLimit("/api/v1/records/:record_id/key", keys, time.Minute)
	rl.SetLimit("/api/v1/records/:record_id/content", keys, time.Minute)
	rl.SetLimit("/get-key/:recordId/:account", keys, time.Minute)

	a.rateLimiter = rl
	return rl
}

// Close 停止背景清理
func (a *API) Close() {
	if a.rateLimiter != nil {
		a.rateLimiter.Stop()
	}
}
