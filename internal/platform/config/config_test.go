package config

import (
	"bytes"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/hengadev/errsx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		App:       AppConfig{Name: "custody-gateway", Version: "test"},
		Server:    ServerConfig{Host: "127.0.0.1", Port: "5001", Timeout: 30, MaxUploadMB: 25},
		Custody:   CustodyConfig{Backend: "memory"},
		Ledger:    LedgerConfig{Backend: "memory", TimeoutSeconds: 5, MaxRetries: 2},
		BlobStore: BlobStoreConfig{Backend: "memory"},
		Cipher:    CipherConfig{Scheme: "aes256cbc"},
		Log:       LogConfig{RotationTimeHours: 24, MaxAgeDays: 30, MaxSizeMB: 100},
	}
}

func TestValidateConfig_Valid(t *testing.T) {
	assert.NoError(t, validateConfig(validConfig()))
}

func TestValidateConfig_CollectsEveryViolation(t *testing.T) {
	cfg := validConfig()
	cfg.Custody = CustodyConfig{Backend: "badger"}
	cfg.Ledger.Backend = "grpc"
	cfg.BlobStore = BlobStoreConfig{Backend: "s3"}
	cfg.Cipher.Scheme = "rot13"
	cfg.Reconcile = ReconcileConfig{Enabled: true}

	err := validateConfig(cfg)
	require.Error(t, err)

	errs, ok := err.(errsx.Map)
	require.True(t, ok, "expected errsx.Map")
	for _, key := range []string{
		"custody.badger_path",
		"custody.master_key",
		"ledger.address",
		"blobstore.s3.bucket",
		"cipher.scheme",
		"reconcile.interval_minutes",
		"reconcile.purge_after_hours",
	} {
		assert.Contains(t, errs, key)
	}
	assert.NotContains(t, errs, "reconcile.min_age_minutes")
}

func TestValidateConfig_MongoRequiredForPersistentAudit(t *testing.T) {
	cfg := validConfig()
	cfg.Security.Audit = AuditConfig{Enabled: true, Persist: true}

	errs, ok := validateConfig(cfg).(errsx.Map)
	require.True(t, ok)
	assert.Contains(t, errs, "database.mongo.url")
	assert.Contains(t, errs, "database.mongo.max_pool_size")
}

func TestValidateConfig_PersistentCustodyRequiresMasterKey(t *testing.T) {
	valid := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x42}, 32))

	for name, tc := range map[string]struct {
		custody CustodyConfig
		wantErr bool
	}{
		"memory without key":  {custody: CustodyConfig{Backend: "memory"}},
		"badger without key":  {custody: CustodyConfig{Backend: "badger", BadgerPath: "./data"}, wantErr: true},
		"badger with bad key": {custody: CustodyConfig{Backend: "badger", BadgerPath: "./data", MasterKey: "not base64!"}, wantErr: true},
		"badger short key": {custody: CustodyConfig{Backend: "badger", BadgerPath: "./data",
			MasterKey: base64.StdEncoding.EncodeToString([]byte("short"))}, wantErr: true},
		"badger with key":   {custody: CustodyConfig{Backend: "badger", BadgerPath: "./data", MasterKey: valid}},
		"mongo without key": {custody: CustodyConfig{Backend: "mongo"}, wantErr: true},
	} {
		t.Run(name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Custody = tc.custody
			err := validateConfig(cfg)
			if !tc.wantErr {
				assert.NoError(t, err)
				return
			}
			errs, ok := err.(errsx.Map)
			require.True(t, ok, "expected errsx.Map")
			assert.Contains(t, errs, "custody.master_key")
		})
	}
}

func TestDecodeMasterKey(t *testing.T) {
	raw := bytes.Repeat([]byte{0x07}, 32)
	key, err := DecodeMasterKey(base64.StdEncoding.EncodeToString(raw))
	require.NoError(t, err)
	assert.Equal(t, raw, key)

	_, err = DecodeMasterKey("")
	assert.ErrorContains(t, err, "MASTER_KEY")
}

func TestLoad_MasterKeyFromEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prod.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
app:
  name: custody-gateway
  version: 1.2.3
server:
  host: 0.0.0.0
  port: "5001"
custody:
  backend: badger
  badger_path: ./data/custody
`), 0o600))

	t.Setenv("CONFIG_PATH", path)
	t.Cleanup(func() { ENV = "local"; config = nil })

	// 未設置 MASTER_KEY 時拒絕啟動
	t.Setenv("MASTER_KEY", "")
	err := Load()
	require.Error(t, err)
	var errs errsx.Map
	require.True(t, errors.As(err, &errs))
	assert.Contains(t, errs, "custody.master_key")

	encoded := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x01}, 32))
	t.Setenv("MASTER_KEY", encoded)
	require.NoError(t, Load())
	assert.Equal(t, encoded, Get().Custody.MasterKey)
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "staging.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
app:
  name: custody-gateway
  version: 1.2.3
server:
  host: 0.0.0.0
  port: "5001"
security:
  admin_token: from-file
`), 0o600))

	t.Setenv("CONFIG_PATH", path)
	t.Setenv("ADMIN_TOKEN", "from-env")
	t.Cleanup(func() { ENV = "local"; config = nil })

	require.NoError(t, Load())
	cfg := Get()

	assert.Equal(t, "staging", GetEnv())
	assert.Equal(t, "from-env", cfg.Security.AdminToken)
	// 未設定的欄位套用預設值
	assert.Equal(t, "memory", cfg.Custody.Backend)
	assert.Equal(t, "aes256cbc", cfg.Cipher.Scheme)
	assert.Equal(t, int64(25), cfg.Server.MaxUploadMB)
	assert.Equal(t, 2, cfg.Ledger.MaxRetries)
	assert.Equal(t, 4, cfg.Limits.RateLimiting.MaxUploadsPerIP)
	assert.Equal(t, "0.0.0.0:5001", GetServerAddr())
}

func TestLoad_InvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("app:\n  name: \"\"\n"), 0o600))

	t.Setenv("CONFIG_PATH", path)
	t.Cleanup(func() { ENV = "local"; config = nil })

	err := Load()
	require.Error(t, err)

	var errs errsx.Map
	require.True(t, errors.As(err, &errs))
	assert.Contains(t, errs, "app.name")
	assert.Nil(t, Get())
}

func TestLoad_DirectConfig(t *testing.T) {
	t.Cleanup(func() { config = nil })

	require.NoError(t, Load(validConfig()))
	assert.Equal(t, "custody-gateway", Get().App.Name)
	assert.False(t, IsDebug())
}
