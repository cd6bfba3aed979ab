package health

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"custody-gateway/internal/platform/logger"

	"github.com/gin-gonic/gin"
)

const (
	// 健康狀態常數.
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
	statusWarning   = "warning"
	statusDegraded  = "degraded"

	// 記憶體相關常數.
	memoryMB        = 1024 * 1024
	memoryThreshold = 1024 // 1GB

	// 超時常數.
	checkTimeout = 5 * time.Second
)

// Check 單一依賴的健康檢查.
type Check struct {
	Name string
	// Backend 後端名稱，例如 memory、badger、mongo.
	Backend string
	Ping    func(ctx context.Context) error
	// Critical 為 true 時，失敗代表服務無法處理請求.
	Critical bool
}

// Handler 健康檢查處理器.
type Handler struct {
	appName    string
	appVersion string
	debug      bool
	checks     []Check
}

// NewHealthHandler 創建新的健康檢查處理器.
func NewHealthHandler(appName string, debug bool, checks ...Check) *Handler {
	// 從環境變數讀取版本，沒有則用預設值
	appVersion := os.Getenv("APP_VERSION")
	if appVersion == "" {
		appVersion = "NO_VERSION_SET"
	}

	return &Handler{
		appName:    appName,
		appVersion: appVersion,
		debug:      debug,
		checks:     checks,
	}
}

// CheckResult 依賴檢查結果.
type CheckResult struct {
	Status  string `json:"status"`
	Backend string `json:"backend,omitempty"`
	Error   string `json:"error,omitempty"`
	Latency string `json:"latency"`
}

// Run 並行執行所有依賴檢查，返回結果與關鍵依賴是否全部健康.
func (h *Handler) Run(ctx context.Context) (map[string]CheckResult, bool) {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	results := make(map[string]CheckResult, len(h.checks))
	ready := true

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, check := range h.checks {
		wg.Add(1)
		go func(check Check) {
			defer wg.Done()

			start := time.Now()
			err := check.Ping(ctx)
			result := CheckResult{
				Status:  statusHealthy,
				Backend: check.Backend,
				Latency: time.Since(start).String(),
			}
			if err != nil {
				result.Status = statusUnhealthy
				result.Error = err.Error()
				logger.LogErrorf("健康檢查 - %s 無法使用: %v", check.Name, err)
			}

			mu.Lock()
			defer mu.Unlock()
			results[check.Name] = result
			if err != nil && check.Critical {
				ready = false
			}
		}(check)
	}
	wg.Wait()

	return results, ready
}

// Ready 關鍵依賴是否全部可用.
func (h *Handler) Ready(ctx context.Context) bool {
	_, ready := h.Run(ctx)
	return ready
}

// HealthCheck 健康檢查端點.
func (h *Handler) HealthCheck(c *gin.Context) {
	results, ready := h.Run(c.Request.Context())

	status := statusHealthy
	for _, r := range results {
		if r.Status != statusHealthy {
			status = statusDegraded
		}
	}

	systemStatus := h.checkSystemResources()

	response := gin.H{
		"status":    status,
		"ready":     ready,
		"timestamp": time.Now().Unix(),
		"app": gin.H{
			"name":    h.appName,
			"version": h.appVersion,
			"debug":   h.debug,
		},
		"dependencies": results,
		"system": gin.H{
			"status":  systemStatus.Status,
			"details": systemStatus.Details,
			"uptime":  time.Since(startTime).String(),
		},
	}

	// 密鑰託管不可用時無法處理任何請求，回 503 讓負載均衡器摘除.
	// 其他依賴失敗仍回 200，狀態會在回應中顯示.
	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, response)
}

// SystemStatus 系統狀態.
type SystemStatus struct {
	Status  string                 `json:"status"`
	Details map[string]interface{} `json:"details"`
}

// checkSystemResources 檢查系統資源.
func (h *Handler) checkSystemResources() SystemStatus {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	details := map[string]interface{}{
		"goroutines": runtime.NumGoroutine(),
		"memory": gin.H{
			"alloc":       fmt.Sprintf("%.2f MB", float64(m.Alloc)/memoryMB),
			"total_alloc": fmt.Sprintf("%.2f MB", float64(m.TotalAlloc)/memoryMB),
			"sys":         fmt.Sprintf("%.2f MB", float64(m.Sys)/memoryMB),
			"num_gc":      m.NumGC,
		},
		"cpu": gin.H{
			"num_cpu": runtime.NumCPU(),
		},
	}

	// 檢查記憶體使用是否過高（超過 1GB 視為警告）
	memoryUsage := m.Sys / memoryMB // MB
	status := statusHealthy
	if memoryUsage > memoryThreshold {
		status = statusWarning
		details["memory_warning"] = "Memory usage is high"
	}

	return SystemStatus{
		Status:  status,
		Details: details,
	}
}

// 記錄服務啟動時間.
var startTime = time.Now()
