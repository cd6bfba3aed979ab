package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"custody-gateway/internal/platform/config"
	"custody-gateway/internal/security/custody"
	"custody-gateway/internal/security/encryption"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMasterKey() string {
	return base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x5a}, 32))
}

func TestLoadMasterKey(t *testing.T) {
	ctx := context.Background()

	key, err := loadMasterKey(ctx, testMasterKey())
	require.NoError(t, err)
	assert.Len(t, key, 32)

	for name, encoded := range map[string]string{
		"missing":    "",
		"not base64": "%%%",
		"too short":  base64.StdEncoding.EncodeToString([]byte("sixteen bytes!!!")),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := loadMasterKey(ctx, encoded)
			assert.ErrorContains(t, err, "invalid master key configuration")
		})
	}
}

func TestOpenCustody_PersistentBackendWithoutMasterKeyFails(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "custody")
	cfg := &config.Config{Custody: config.CustodyConfig{Backend: "badger", BadgerPath: dir}}

	store, closer, err := openCustody(context.Background(), cfg, &mongoConn{})
	require.Error(t, err)
	assert.Nil(t, store)
	assert.Nil(t, closer)

	// 沒有主密鑰時不應開啟資料庫
	_, statErr := os.Stat(dir)
	assert.True(t, os.IsNotExist(statErr))

	cfg.Custody.Backend = "mongo"
	_, _, err = openCustody(context.Background(), cfg, &mongoConn{})
	assert.ErrorContains(t, err, "invalid master key configuration")
}

func TestOpenCustody_BadgerSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	cfg := &config.Config{Custody: config.CustodyConfig{
		Backend:    "badger",
		BadgerPath: t.TempDir(),
		MasterKey:  testMasterKey(),
	}}
	h := custody.RecordHandle(1)
	material := bytes.Repeat([]byte{0x01}, encryption.KeySize)

	store, closer, err := openCustody(ctx, cfg, &mongoConn{})
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, custody.KeyRecord{Handle: h, Material: material}))
	closer()

	// 同一把主密鑰重新開啟後仍能解開
	store, closer, err = openCustody(ctx, cfg, &mongoConn{})
	require.NoError(t, err)
	defer closer()
	rec, err := store.Get(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, material, rec.Material)
}

func TestOpenCustody_Memory(t *testing.T) {
	cfg := &config.Config{Custody: config.CustodyConfig{Backend: "memory"}}
	store, closer, err := openCustody(context.Background(), cfg, &mongoConn{})
	require.NoError(t, err)
	defer closer()
	assert.IsType(t, &custody.MemoryStore{}, store)
}

func TestMongoConn_CloseWithoutConnect(t *testing.T) {
	mc := &mongoConn{}
	mc.close(context.Background())
	assert.Nil(t, mc.db)
}
