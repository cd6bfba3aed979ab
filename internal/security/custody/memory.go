package custody

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore 以 RWMutex 保護的記憶體實作
// 程序重啟後所有密鑰都會遺失
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[Handle]KeyRecord
	now  func() time.Time
}

// NewMemoryStore 創建記憶體儲存
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys: make(map[Handle]KeyRecord),
		now:  time.Now,
	}
}

func (s *MemoryStore) Put(_ context.Context, rec KeyRecord) error {
	if err := rec.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.keys[rec.Handle]; exists {
		return ErrHandleConflict
	}

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	rec.Material = copyBytes(rec.Material)
	s.keys[rec.Handle] = rec
	return nil
}

func (s *MemoryStore) Overwrite(_ context.Context, rec KeyRecord) error {
	if err := rec.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.keys[rec.Handle]
	if !exists {
		return ErrNotFound
	}

	// 舊密鑰清零
	for i := range existing.Material {
		existing.Material[i] = 0
	}

	existing.Material = copyBytes(rec.Material)
	existing.Scheme = rec.Scheme
	s.keys[rec.Handle] = existing
	return nil
}

func (s *MemoryStore) Get(_ context.Context, handle Handle) (KeyRecord, error) {
	s.mu.RLock()
	rec, exists := s.keys[handle]
	s.mu.RUnlock()

	if !exists {
		return KeyRecord{}, ErrNotFound
	}

	// 避免返回內部引用
	rec.Material = copyBytes(rec.Material)
	return rec, nil
}

func (s *MemoryStore) Rekey(_ context.Context, oldHandle, newHandle Handle) error {
	if err := validateRekey(oldHandle, newHandle); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.keys[oldHandle]
	if !exists {
		return ErrNotFound
	}
	if _, taken := s.keys[newHandle]; taken {
		return ErrHandleConflict
	}

	rec.Handle = newHandle
	s.keys[newHandle] = rec
	delete(s.keys, oldHandle)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, handle Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.keys[handle]
	if !exists {
		return ErrNotFound
	}
	for i := range rec.Material {
		rec.Material[i] = 0
	}
	delete(s.keys, handle)
	return nil
}

func (s *MemoryStore) List(_ context.Context, filter ListFilter) ([]KeyInfo, error) {
	s.mu.RLock()
	infos := make([]KeyInfo, 0, len(s.keys))
	for _, rec := range s.keys {
		if info := rec.Info(); filter.matches(info) {
			infos = append(infos, info)
		}
	}
	s.mu.RUnlock()

	sortInfos(infos)
	return infos, nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

// Len 目前託管的密鑰數量
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

func sortInfos(infos []KeyInfo) {
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].Handle < infos[j].Handle
		}
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
}
