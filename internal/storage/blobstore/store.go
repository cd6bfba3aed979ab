// Package blobstore 保存上傳後的密文並以內容雜湊取回.
//
// 內容雜湊對上層而言是不透明的穩定字串。
package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
)

var (
	// ErrNotFound 內容雜湊不存在
	ErrNotFound = errors.New("blob not found")
	// ErrUnavailable 儲存後端無法連線
	ErrUnavailable = errors.New("blob store unavailable")
)

// Store 內容定址儲存
type Store interface {
	Store(ctx context.Context, data []byte) (string, error)
	Fetch(ctx context.Context, contentHash string) ([]byte, error)
	Ping(ctx context.Context) error
}

// sha256Hash 以 sha256 作為內容雜湊（S3 與記憶體後端）
func sha256Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// MemoryStore 記憶體實作，用於開發與測試
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryStore 創建記憶體儲存
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (m *MemoryStore) Store(_ context.Context, data []byte) (string, error) {
	hash := sha256Hash(data)
	blob := make([]byte, len(data))
	copy(blob, data)

	m.mu.Lock()
	m.blobs[hash] = blob
	m.mu.Unlock()
	return hash, nil
}

func (m *MemoryStore) Fetch(_ context.Context, contentHash string) ([]byte, error) {
	m.mu.RLock()
	blob, ok := m.blobs[contentHash]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	out := make([]byte, len(blob))
	copy(out, blob)
	return out, nil
}

func (m *MemoryStore) Ping(context.Context) error {
	return nil
}
