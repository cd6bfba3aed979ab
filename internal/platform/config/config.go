package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"custody-gateway/internal/constants"

	"github.com/hengadev/errsx"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config 應用程式配置結構.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Server    ServerConfig    `mapstructure:"server"`
	GRPC      GRPCConfig      `mapstructure:"grpc"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Custody   CustodyConfig   `mapstructure:"custody"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	BlobStore BlobStoreConfig `mapstructure:"blobstore"`
	Cipher    CipherConfig    `mapstructure:"cipher"`
	Associate AssociateConfig `mapstructure:"associate"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Log       LogConfig       `mapstructure:"log"`
	Security  SecurityConfig  `mapstructure:"security"`
	Limits    LimitsConfig    `mapstructure:"limits"`
}

// AppConfig 應用程式基本配置.
type AppConfig struct {
	Name    string `mapstructure:"name"`
	Version string `mapstructure:"version"`
	Debug   bool   `mapstructure:"debug"`
}

// ServerConfig 伺服器配置.
type ServerConfig struct {
	Host        string `mapstructure:"host"`
	Port        string `mapstructure:"port"`
	Timeout     int    `mapstructure:"timeout"`
	MaxUploadMB int64  `mapstructure:"max_upload_mb"`
	UseHTTPS    bool   `mapstructure:"use_https"`
	CertPath    string `mapstructure:"cert_path"`
	KeyPath     string `mapstructure:"key_path"`
	// AllowedOrigins CORS 允許的來源.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// GRPCConfig gRPC 配置.
type GRPCConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
}

// DatabaseConfig 資料庫配置.
type DatabaseConfig struct {
	Mongo MongoConfig `mapstructure:"mongo"`
}

// MongoConfig MongoDB 配置.
type MongoConfig struct {
	URL                    string `mapstructure:"url"`
	Database               string `mapstructure:"database"`
	Username               string `mapstructure:"username"`
	Password               string `mapstructure:"password"`
	MaxPoolSize            uint64 `mapstructure:"max_pool_size"`
	MinPoolSize            uint64 `mapstructure:"min_pool_size"`
	MaxConnIdleTime        int    `mapstructure:"max_conn_idle_time"`
	ConnectTimeout         int    `mapstructure:"connect_timeout"`
	ServerSelectionTimeout int    `mapstructure:"server_selection_timeout"`
	TLSEnabled             bool   `mapstructure:"tls_enabled"`
	TLSCAFile              string `mapstructure:"tls_ca_file"`
	TLSCertFile            string `mapstructure:"tls_cert_file"`
	TLSKeyFile             string `mapstructure:"tls_key_file"`
	TLSInsecureSkipVerify  bool   `mapstructure:"tls_insecure_skip_verify"`
}

// CustodyConfig 密鑰託管配置.
// MasterKey 只從環境變量 MASTER_KEY 讀取，不寫進配置檔.
type CustodyConfig struct {
	Backend    string `mapstructure:"backend"` // memory, badger, mongo
	BadgerPath string `mapstructure:"badger_path"`
	Collection string `mapstructure:"collection"`
	MasterKey  string `mapstructure:"-"` // base64 編碼的 32 bytes
}

// DecodeMasterKey 解碼 base64 Master Key 並檢查長度
func DecodeMasterKey(encoded string) ([]byte, error) {
	if encoded == "" {
		return nil, errors.New("MASTER_KEY 未設置，持久化後端必須使用固定的主密鑰")
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errors.New("MASTER_KEY 不是有效的 base64")
	}
	if len(key) != constants.MasterKeyLength {
		return nil, fmt.Errorf("MASTER_KEY 長度錯誤: 需要 %d bytes，實際 %d bytes", constants.MasterKeyLength, len(key))
	}
	return key, nil
}

// LedgerConfig 授權帳本配置.
type LedgerConfig struct {
	Backend        string `mapstructure:"backend"` // memory, grpc
	Address        string `mapstructure:"address"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxRetries     int    `mapstructure:"max_retries"`
	Fixtures       string `mapstructure:"fixtures"`
	TLSEnabled     bool   `mapstructure:"tls_enabled"`
	CAFile         string `mapstructure:"ca_file"`
	ServerName     string `mapstructure:"server_name"`
}

// BlobStoreConfig 內容定址儲存配置.
type BlobStoreConfig struct {
	Backend        string   `mapstructure:"backend"` // memory, ipfs, s3
	IPFSURL        string   `mapstructure:"ipfs_url"`
	TimeoutSeconds int      `mapstructure:"timeout_seconds"`
	S3             S3Config `mapstructure:"s3"`
}

// S3Config S3 儲存桶配置.
type S3Config struct {
	Bucket   string `mapstructure:"bucket"`
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
	Prefix   string `mapstructure:"prefix"`
}

// CipherConfig 加密配置.
type CipherConfig struct {
	Scheme string `mapstructure:"scheme"` // aes256cbc, aes256gcm
}

// AssociateConfig 關聯配置.
type AssociateConfig struct {
	VerifyLedger bool `mapstructure:"verify_ledger"`
}

// ReconcileConfig 孤兒密鑰對帳配置.
type ReconcileConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	IntervalMinutes int  `mapstructure:"interval_minutes"`
	MinAgeMinutes   int  `mapstructure:"min_age_minutes"`
	PurgeAfterHours int  `mapstructure:"purge_after_hours"`
}

// LogConfig 日誌配置.
type LogConfig struct {
	RotationTimeHours int `mapstructure:"rotation_time_hours"` // 日誌輪轉時間 (小時).
	MaxAgeDays        int `mapstructure:"max_age_days"`        // 日誌保留天數.
	MaxSizeMB         int `mapstructure:"max_size_mb"`         // 單個日誌檔案最大大小 (MB).
}

// SecurityConfig 安全配置.
type SecurityConfig struct {
	TLS        TLSConfig   `mapstructure:"tls"`
	AdminToken string      `mapstructure:"admin_token"`
	Audit      AuditConfig `mapstructure:"audit"`
}

// TLSConfig TLS 配置.
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
	CAFile   string `mapstructure:"ca_file"`
}

// AuditConfig 審計配置.
type AuditConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Persist    bool   `mapstructure:"persist"`
	Collection string `mapstructure:"collection"`
}

// LimitsConfig 限制配置.
type LimitsConfig struct {
	Request      RequestLimitsConfig `mapstructure:"request"`
	RateLimiting RateLimitingConfig  `mapstructure:"rate_limiting"`
}

// RequestLimitsConfig 請求限制配置.
type RequestLimitsConfig struct {
	MaxBodySize        int64 `mapstructure:"max_body_size"`
	MaxMultipartMemory int64 `mapstructure:"max_multipart_memory"`
}

// RateLimitingConfig Rate Limiting 配置.
type RateLimitingConfig struct {
	Enabled          bool `mapstructure:"enabled"`
	DefaultPerMinute int  `mapstructure:"default_per_minute"`
	UploadsPerMin    int  `mapstructure:"uploads_per_minute"`
	MaxUploadsPerIP  int  `mapstructure:"max_concurrent_uploads_per_ip"`
	MaxUploadsTotal  int  `mapstructure:"max_concurrent_uploads"`
	KeysPerMin       int  `mapstructure:"keys_per_minute"`
	CleanupInterval  int  `mapstructure:"cleanup_interval_minutes"`
}

var (
	config *Config
	// ENV 當前環境變數.
	ENV string = "local"
)

// Load 載入設定檔.
func Load(testCfg ...*Config) error {
	// 如果直接傳入配置（主要用於測試），設定並驗證
	if len(testCfg) > 0 && testCfg[0] != nil {
		config = testCfg[0]
		if err := validateConfig(config); err != nil {
			return fmt.Errorf("配置驗證失敗: %w", err)
		}
		return nil
	}

	// .env 不存在不算錯誤
	_ = godotenv.Load()

	v := viper.New()

	// 檢查是否有 CONFIG_PATH 環境變數
	if configPath := os.Getenv("CONFIG_PATH"); configPath != "" {
		v.SetConfigFile(configPath)
		// 從檔案名稱推斷環境
		baseName := filepath.Base(configPath)
		ENV = strings.TrimSuffix(baseName, filepath.Ext(baseName))
	} else {
		v.SetConfigName(ENV)
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
	}

	setDefaults(v)

	// 允許以環境變數覆蓋，例如 CUSTODY_BACKEND=mongo
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("讀取配置檔案失敗: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("解析配置失敗: %w", err)
	}

	if token := os.Getenv("ADMIN_TOKEN"); token != "" {
		cfg.Security.AdminToken = token
	}
	cfg.Custody.MasterKey = os.Getenv("MASTER_KEY")

	if err := validateConfig(cfg); err != nil {
		return fmt.Errorf("配置驗證失敗: %w", err)
	}

	config = cfg
	return nil
}

// setDefaults 設定預設值
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.timeout", 30)
	v.SetDefault("server.max_upload_mb", 25)
	v.SetDefault("custody.backend", "memory")
	v.SetDefault("custody.collection", "custody_keys")
	v.SetDefault("ledger.backend", "memory")
	v.SetDefault("ledger.timeout_seconds", 5)
	v.SetDefault("ledger.max_retries", 2)
	v.SetDefault("blobstore.backend", "memory")
	v.SetDefault("blobstore.timeout_seconds", 30)
	v.SetDefault("cipher.scheme", "aes256cbc")
	v.SetDefault("reconcile.interval_minutes", 10)
	v.SetDefault("reconcile.min_age_minutes", 15)
	v.SetDefault("reconcile.purge_after_hours", 72)
	v.SetDefault("log.rotation_time_hours", 24)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("security.audit.collection", "custody_audit")
	v.SetDefault("limits.rate_limiting.default_per_minute", 100)
	v.SetDefault("limits.rate_limiting.cleanup_interval_minutes", 10)
	v.SetDefault("limits.rate_limiting.max_concurrent_uploads_per_ip", 4)
	v.SetDefault("limits.rate_limiting.max_concurrent_uploads", 64)
}

// Get 取得設定.
func Get() *Config {
	return config
}

// SetEnv 設定環境.
func SetEnv(env string) {
	ENV = env
}

// GetEnv 取得當前環境.
func GetEnv() string {
	return ENV
}

// validateConfig 驗證配置的有效性，一次回報所有錯誤
func validateConfig(cfg *Config) error {
	var errs errsx.Map

	if cfg.App.Name == "" {
		errs.Set("app.name", errors.New("應用程式名稱不能為空"))
	}
	if cfg.App.Version == "" {
		errs.Set("app.version", errors.New("應用程式版本不能為空"))
	}

	if cfg.Server.Host == "" {
		errs.Set("server.host", errors.New("伺服器主機不能為空"))
	}
	if cfg.Server.Port == "" {
		errs.Set("server.port", errors.New("伺服器端口不能為空"))
	}
	if cfg.Server.Timeout <= 0 {
		errs.Set("server.timeout", errors.New("伺服器超時時間必須大於 0"))
	}
	if cfg.Server.MaxUploadMB <= 0 {
		errs.Set("server.max_upload_mb", errors.New("上傳大小上限必須大於 0"))
	}

	switch cfg.Custody.Backend {
	case "memory":
	case "badger":
		if cfg.Custody.BadgerPath == "" {
			errs.Set("custody.badger_path", errors.New("badger 後端需要資料目錄"))
		}
		validateMasterKey(&errs, cfg.Custody.MasterKey)
	case "mongo":
		validateMongo(&errs, cfg.Database.Mongo)
		validateMasterKey(&errs, cfg.Custody.MasterKey)
	default:
		errs.Set("custody.backend", fmt.Errorf("不支援的密鑰託管後端: %q", cfg.Custody.Backend))
	}

	if cfg.Security.Audit.Persist {
		validateMongo(&errs, cfg.Database.Mongo)
	}

	switch cfg.Ledger.Backend {
	case "memory":
	case "grpc":
		if cfg.Ledger.Address == "" {
			errs.Set("ledger.address", errors.New("gRPC 帳本需要地址"))
		}
	default:
		errs.Set("ledger.backend", fmt.Errorf("不支援的帳本後端: %q", cfg.Ledger.Backend))
	}
	if cfg.Ledger.TimeoutSeconds <= 0 {
		errs.Set("ledger.timeout_seconds", errors.New("帳本查詢超時必須大於 0"))
	}
	if cfg.Ledger.MaxRetries < 0 {
		errs.Set("ledger.max_retries", errors.New("帳本重試次數不能為負數"))
	}

	switch cfg.BlobStore.Backend {
	case "memory":
	case "ipfs":
		if cfg.BlobStore.IPFSURL == "" {
			errs.Set("blobstore.ipfs_url", errors.New("IPFS 後端需要 API 地址"))
		}
	case "s3":
		if cfg.BlobStore.S3.Bucket == "" {
			errs.Set("blobstore.s3.bucket", errors.New("S3 後端需要 bucket"))
		}
	default:
		errs.Set("blobstore.backend", fmt.Errorf("不支援的內容儲存後端: %q", cfg.BlobStore.Backend))
	}

	switch cfg.Cipher.Scheme {
	case "aes256cbc", "aes256gcm":
	default:
		errs.Set("cipher.scheme", fmt.Errorf("不支援的加密方案: %q", cfg.Cipher.Scheme))
	}

	if cfg.Reconcile.Enabled {
		if cfg.Reconcile.IntervalMinutes <= 0 {
			errs.Set("reconcile.interval_minutes", errors.New("對帳間隔必須大於 0"))
		}
		if cfg.Reconcile.MinAgeMinutes < 0 {
			errs.Set("reconcile.min_age_minutes", errors.New("對帳最小年齡不能為負數"))
		}
		if cfg.Reconcile.PurgeAfterHours <= 0 {
			errs.Set("reconcile.purge_after_hours", errors.New("清除門檻必須大於 0"))
		}
	}

	if cfg.Log.RotationTimeHours <= 0 {
		errs.Set("log.rotation_time_hours", errors.New("日誌輪轉時間必須大於 0"))
	}
	if cfg.Log.MaxAgeDays <= 0 {
		errs.Set("log.max_age_days", errors.New("日誌保留天數必須大於 0"))
	}
	if cfg.Log.MaxSizeMB <= 0 {
		errs.Set("log.max_size_mb", errors.New("日誌檔案最大大小必須大於 0"))
	}

	return errs.AsError()
}

// validateMasterKey 持久化後端必須設置固定的主密鑰
func validateMasterKey(errs *errsx.Map, encoded string) {
	if _, err := DecodeMasterKey(encoded); err != nil {
		errs.Set("custody.master_key", err)
	}
}

// validateMongo 驗證 MongoDB 配置
func validateMongo(errs *errsx.Map, mongo MongoConfig) {
	if mongo.URL == "" {
		errs.Set("database.mongo.url", errors.New("MongoDB URL 不能為空"))
	}
	if mongo.Database == "" {
		errs.Set("database.mongo.database", errors.New("MongoDB 資料庫名稱不能為空"))
	}
	if mongo.MaxPoolSize == 0 {
		errs.Set("database.mongo.max_pool_size", errors.New("MongoDB 最大連接池大小必須大於 0"))
	}
	if mongo.MinPoolSize > mongo.MaxPoolSize {
		errs.Set("database.mongo.min_pool_size", errors.New("MongoDB 最小連接池大小不能大於最大連接池大小"))
	}
}

// IsDebug 檢查是否為除錯模式
func IsDebug() bool {
	if config != nil {
		return config.App.Debug
	}
	return false
}

// GetServerAddr 取得伺服器地址
func GetServerAddr() string {
	if config != nil {
		return fmt.Sprintf("%s:%s", config.Server.Host, config.Server.Port)
	}
	return "localhost:5001"
}

// GetGRPCAddr 取得 gRPC 伺服器地址
func GetGRPCAddr() string {
	if config != nil {
		return fmt.Sprintf("%s:%s", config.GRPC.Host, config.GRPC.Port)
	}
	return "localhost:8081"
}
