package driver

import (
	"context"
	"path/filepath"
	"testing"

	"custody-gateway/internal/platform/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseMongoConfig() config.MongoConfig {
	return config.MongoConfig{
		URL:                    "mongodb://localhost:27017",
		Database:               "custody_gateway",
		MaxPoolSize:            50,
		MinPoolSize:            5,
		MaxConnIdleTime:        300,
		ConnectTimeout:         10,
		ServerSelectionTimeout: 5,
	}
}

func TestMongoClientOptions(t *testing.T) {
	t.Setenv("MONGO_USERNAME", "")
	t.Setenv("MONGO_PASSWORD", "")

	opts, err := mongoClientOptions(baseMongoConfig())
	require.NoError(t, err)

	require.NotNil(t, opts.AppName)
	assert.Equal(t, "custody-gateway", *opts.AppName)
	require.NotNil(t, opts.RetryWrites)
	assert.True(t, *opts.RetryWrites)
	require.NotNil(t, opts.WriteConcern)
	assert.Equal(t, "majority", opts.WriteConcern.W)
	require.NotNil(t, opts.ReadConcern)
	assert.Equal(t, "majority", opts.ReadConcern.Level)
	require.NotNil(t, opts.MaxPoolSize)
	assert.Equal(t, uint64(50), *opts.MaxPoolSize)
	assert.Nil(t, opts.Auth)
	assert.Nil(t, opts.TLSConfig)
}

func TestMongoClientOptions_CredentialsFromEnv(t *testing.T) {
	t.Setenv("MONGO_USERNAME", "custody")
	t.Setenv("MONGO_PASSWORD", "secret")

	opts, err := mongoClientOptions(baseMongoConfig())
	require.NoError(t, err)
	require.NotNil(t, opts.Auth)
	assert.Equal(t, "custody", opts.Auth.Username)
	assert.Equal(t, "secret", opts.Auth.Password)

	// 配置文件的值優先
	cfg := baseMongoConfig()
	cfg.Username, cfg.Password = "fromfile", "filepass"
	opts, err = mongoClientOptions(cfg)
	require.NoError(t, err)
	assert.Equal(t, "fromfile", opts.Auth.Username)
}

func TestMongoClientOptions_Errors(t *testing.T) {
	cfg := baseMongoConfig()
	cfg.TLSEnabled = true
	cfg.TLSCAFile = filepath.Join(t.TempDir(), "missing-ca.pem")
	_, err := mongoClientOptions(cfg)
	assert.ErrorContains(t, err, "TLS")

	cfg = baseMongoConfig()
	cfg.MinPoolSize = 100
	_, err = mongoClientOptions(cfg)
	assert.Error(t, err)
}

func TestMongoClientOptions_InsecureTLS(t *testing.T) {
	cfg := baseMongoConfig()
	cfg.TLSEnabled = true
	cfg.TLSInsecureSkipVerify = true

	opts, err := mongoClientOptions(cfg)
	require.NoError(t, err)
	require.NotNil(t, opts.TLSConfig)
	assert.True(t, opts.TLSConfig.InsecureSkipVerify)
}

func TestCloseMongo_NilDatabase(t *testing.T) {
	assert.NoError(t, CloseMongo(context.Background(), nil))
}
