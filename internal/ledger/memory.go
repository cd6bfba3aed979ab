package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type consentKey struct {
	recordID uint64
	identity string
}

// MemoryLedger 可變的記憶體帳本，用於開發與測試
type MemoryLedger struct {
	mu        sync.RWMutex
	records   map[uint64]Record
	users     map[string]User
	consents  map[consentKey]bool
	emergency map[consentKey]time.Time
}

// NewMemoryLedger 創建空帳本
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		records:   make(map[uint64]Record),
		users:     make(map[string]User),
		consents:  make(map[consentKey]bool),
		emergency: make(map[consentKey]time.Time),
	}
}

// PutRecord 新增或更新紀錄
func (m *MemoryLedger) PutRecord(rec Record) error {
	if rec.ID == 0 {
		return fmt.Errorf("%w: record id must be positive", ErrInvalidArgument)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ID] = rec
	return nil
}

// PutUser 新增或更新使用者，會標記為已註冊
func (m *MemoryLedger) PutUser(u User) {
	u.Registered = true
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[NormalizeIdentity(u.Identity)] = u
}

// GrantConsent 記錄病患同意
func (m *MemoryLedger) GrantConsent(recordID uint64, identity string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consents[consentKey{recordID, NormalizeIdentity(identity)}] = true
}

// RevokeConsent 撤銷同意
func (m *MemoryLedger) RevokeConsent(recordID uint64, identity string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.consents, consentKey{recordID, NormalizeIdentity(identity)})
}

// GrantEmergency 設定緊急存取到期時間
func (m *MemoryLedger) GrantEmergency(identity string, recordID uint64, expiresAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emergency[consentKey{recordID, NormalizeIdentity(identity)}] = expiresAt
}

func (m *MemoryLedger) GetRecord(_ context.Context, recordID uint64) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[recordID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemoryLedger) GetUser(_ context.Context, identity string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if u, ok := m.users[NormalizeIdentity(identity)]; ok {
		return u, nil
	}
	return User{Identity: identity}, nil
}

func (m *MemoryLedger) IsConsentGiven(_ context.Context, recordID uint64, identity string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.consents[consentKey{recordID, NormalizeIdentity(identity)}], nil
}

func (m *MemoryLedger) GetEmergencyExpiry(_ context.Context, identity string, recordID uint64) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.emergency[consentKey{recordID, NormalizeIdentity(identity)}], nil
}

func (m *MemoryLedger) FindRecordByContentHash(_ context.Context, contentHash string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// 同一內容重複提交時取最早的紀錄
	var found uint64
	for id, rec := range m.records {
		if rec.ContentHash == contentHash && contentHash != "" && (found == 0 || id < found) {
			found = id
		}
	}
	if found == 0 {
		return 0, ErrNotFound
	}
	return found, nil
}
