package audit

import (
	"context"
	"strconv"
	"sync"
	"time"

	"custody-gateway/internal/ledger"
	"custody-gateway/internal/platform/logger"
	"custody-gateway/internal/platform/middleware"
)

// 事件類型
const (
	EventUpload        = "upload"
	EventAssociate     = "associate"
	EventKeyRelease    = "key_release"
	EventAccessDenied  = "access_denied"
	EventOverwrite     = "overwrite"
	EventPurge         = "purge"
	EventReconcile     = "reconcile"
	EventRateLimit     = "rate_limit"
	EventAdminAuthFail = "admin_auth_failure"
)

// AuditEvent 審計事件
// 不包含任何密鑰值；handle 只保留遮罩後的前綴
type AuditEvent struct {
	Timestamp time.Time              `json:"timestamp" bson:"timestamp"`
	EventType string                 `json:"event_type" bson:"event_type"`
	Requester string                 `json:"requester,omitempty" bson:"requester,omitempty"`
	RecordID  string                 `json:"record_id,omitempty" bson:"record_id,omitempty"`
	Handle    string                 `json:"handle,omitempty" bson:"handle,omitempty"`
	Action    string                 `json:"action" bson:"action"`
	Result    string                 `json:"result" bson:"result"` // success, denied, failure
	Details   map[string]interface{} `json:"details,omitempty" bson:"details,omitempty"`
	IPAddress string                 `json:"ip_address,omitempty" bson:"ip_address,omitempty"`
	UserAgent string                 `json:"user_agent,omitempty" bson:"user_agent,omitempty"`
	RequestID string                 `json:"request_id,omitempty" bson:"request_id,omitempty"`
}

// Sink 審計事件的持久化目的地
type Sink interface {
	Write(ctx context.Context, event AuditEvent) error
}

// AuditService 審計服務
type AuditService struct {
	enabled bool
	sinks   []Sink
	now     func() time.Time
}

// Option 審計服務選項
type Option func(*AuditService)

// WithSink 追加持久化目的地
func WithSink(s Sink) Option {
	return func(a *AuditService) { a.sinks = append(a.sinks, s) }
}

// NewAuditService 創建審計服務
func NewAuditService(enabled bool, opts ...Option) *AuditService {
	a := &AuditService{enabled: enabled, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// IsEnabled 檢查審計是否啟用
func (a *AuditService) IsEnabled() bool {
	return a != nil && a.enabled
}

func recordID(id uint64) string {
	if id == 0 {
		return ""
	}
	return strconv.FormatUint(id, 10)
}

// LogUpload 記錄上傳與密鑰託管
func (a *AuditService) LogUpload(ctx context.Context, handle, scheme string, size int) {
	a.record(ctx, AuditEvent{
		EventType: EventUpload,
		Handle:    handle,
		Action:    "store_key",
		Result:    "success",
		Details: map[string]interface{}{
			"scheme": scheme,
			"bytes":  size,
		},
	})
}

// LogAssociate 記錄 handle 轉換為紀錄編號
func (a *AuditService) LogAssociate(ctx context.Context, handle string, id uint64, source string) {
	a.record(ctx, AuditEvent{
		EventType: EventAssociate,
		RecordID:  recordID(id),
		Handle:    handle,
		Action:    "rekey",
		Result:    "success",
		Details: map[string]interface{}{
			"source": source, // api, reconcile
		},
	})
}

// LogKeyRelease 記錄密鑰釋出與授權層級
func (a *AuditService) LogKeyRelease(ctx context.Context, id uint64, requester, tier string) {
	a.record(ctx, AuditEvent{
		EventType: EventKeyRelease,
		RecordID:  recordID(id),
		Requester: requester,
		Action:    "retrieve_key",
		Result:    "success",
		Details: map[string]interface{}{
			"tier": tier,
		},
	})
}

// LogAccessDenied 記錄訪問被拒絕
// ledgerError 為 true 代表拒絕是因為帳本不可用
func (a *AuditService) LogAccessDenied(ctx context.Context, id uint64, requester string, ledgerError bool) {
	a.record(ctx, AuditEvent{
		EventType: EventAccessDenied,
		RecordID:  recordID(id),
		Requester: requester,
		Action:    "retrieve_key",
		Result:    "denied",
		Details: map[string]interface{}{
			"ledger_error": ledgerError,
		},
	})
}

// LogOverwrite 記錄管理員覆寫密鑰
func (a *AuditService) LogOverwrite(ctx context.Context, handle, scheme string) {
	a.record(ctx, AuditEvent{
		EventType: EventOverwrite,
		Handle:    handle,
		Action:    "overwrite_key",
		Result:    "success",
		Details: map[string]interface{}{
			"scheme": scheme,
		},
	})
}

// LogPurge 記錄刪除密鑰
func (a *AuditService) LogPurge(ctx context.Context, handle, reason string) {
	a.record(ctx, AuditEvent{
		EventType: EventPurge,
		Handle:    handle,
		Action:    "delete_key",
		Result:    "success",
		Details: map[string]interface{}{
			"reason": reason,
		},
	})
}

// LogReconcile 記錄一次對帳掃描的結果
func (a *AuditService) LogReconcile(ctx context.Context, summary map[string]interface{}) {
	a.record(ctx, AuditEvent{
		EventType: EventReconcile,
		Action:    "reconcile",
		Result:    "success",
		Details:   summary,
	})
}

// LogRateLimitExceeded 記錄速率限制超過
func (a *AuditService) LogRateLimitExceeded(ctx context.Context, ipAddress, endpoint string) {
	a.record(ctx, AuditEvent{
		EventType: EventRateLimit,
		Action:    "api_request",
		Result:    "blocked",
		IPAddress: ipAddress,
		Details: map[string]interface{}{
			"endpoint": endpoint,
		},
	})
}

// LogAdminAuthFailure 記錄管理端點認證失敗
func (a *AuditService) LogAdminAuthFailure(ctx context.Context, endpoint, reason string) {
	a.record(ctx, AuditEvent{
		EventType: EventAdminAuthFail,
		Action:    "authenticate",
		Result:    "failure",
		Details: map[string]interface{}{
			"endpoint": endpoint,
			"reason":   reason,
		},
	})
}

// record 補上時間與請求元數據後送出
func (a *AuditService) record(ctx context.Context, event AuditEvent) {
	if !a.IsEnabled() {
		return
	}

	event.Timestamp = a.now()
	if event.Handle != "" {
		event.Handle = logger.MaskHandle(event.Handle)
	}
	event.Requester = ledger.NormalizeIdentity(event.Requester)
	a.enrichWithMetadata(ctx, &event)

	logger.Notice(ctx, "[AUDIT] "+event.EventType,
		logger.WithAction(event.Action),
		logger.WithRecordID(event.RecordID),
		logger.WithRequester(event.Requester),
		logger.WithHandle(event.Handle),
		logger.WithDetails(logDetails(event)))

	for _, sink := range a.sinks {
		if err := sink.Write(ctx, event); err != nil {
			logger.Error(ctx, "審計事件寫入失敗",
				logger.WithAction("audit_sink"),
				logger.WithDetails(map[string]interface{}{
					"event_type": event.EventType,
					"error":      err.Error(),
				}))
		}
	}
}

// logDetails 事件細節與結果攤平成一層
func logDetails(event AuditEvent) map[string]interface{} {
	details := make(map[string]interface{}, len(event.Details)+2)
	for k, v := range event.Details {
		details[k] = v
	}
	details["result"] = event.Result
	if event.IPAddress != "" {
		details["ip_address"] = event.IPAddress
	}
	return details
}

// enrichWithMetadata 從 context 提取元數據並豐富審計事件
func (a *AuditService) enrichWithMetadata(ctx context.Context, event *AuditEvent) {
	meta := middleware.GetRequestMetadata(ctx)
	if event.IPAddress == "" {
		event.IPAddress = meta.IPAddress
	}
	event.UserAgent = meta.UserAgent
	event.RequestID = meta.RequestID
}

// MemorySink 保存在記憶體中的事件，用於測試與開發
type MemorySink struct {
	mu     sync.Mutex
	events []AuditEvent
}

func (m *MemorySink) Write(_ context.Context, event AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

// Events 返回目前收到的事件副本
func (m *MemorySink) Events() []AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AuditEvent, len(m.events))
	copy(out, m.events)
	return out
}

// OfType 篩選指定類型的事件
func (m *MemorySink) OfType(eventType string) []AuditEvent {
	var out []AuditEvent
	for _, e := range m.Events() {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}
