package constants

// HTTP 請求相關常數
const (
	// 默認值（可被配置覆蓋）
	DefaultMaxUploadSizeMB    = 25
	DefaultMaxMultipartMemory = 10 << 20 // 10MB
	DefaultRequestTimeout     = 30       // 秒
)

// Rate Limiting 默認值
const (
	DefaultRateLimitPerMinute   = 100
	DefaultUploadRateLimit      = 20
	DefaultKeyRateLimit         = 60
	RateLimitCleanupIntervalMin = 10 // 分鐘
)

// 密鑰託管相關常數
const (
	MasterKeyLength = 32 // 256 bits
)

// 帳本查詢相關常數
const (
	DefaultLedgerTimeoutSeconds = 5
	DefaultLedgerMaxRetries     = 2
)

// 對帳相關常數
const (
	DefaultReconcileIntervalMinutes = 10
	DefaultReconcileMinAgeMinutes   = 15
	DefaultReconcilePurgeAfterHours = 72
)

// 身分與識別碼相關常數
const (
	MaxIdentityLength    = 128
	MaxContentHashLength = 128
)
