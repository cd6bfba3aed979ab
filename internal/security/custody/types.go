package custody

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"custody-gateway/internal/security/encryption"
)

var (
	// ErrHandleConflict 目標 handle 已存在
	ErrHandleConflict = errors.New("handle conflict")
	// ErrNotFound handle 不存在
	ErrNotFound = errors.New("key not found")
	// ErrInvalidHandle handle 格式錯誤
	ErrInvalidHandle = errors.New("invalid handle")
	// ErrInvalidKey 密鑰長度錯誤
	ErrInvalidKey = errors.New("invalid key material")
)

// Phase 密鑰生命週期階段
type Phase string

const (
	PhaseInterim    Phase = "interim"    // 以內容雜湊為 handle，尚未關聯
	PhaseAssociated Phase = "associated" // 已關聯到帳本紀錄編號
)

const (
	contentPrefix = "content:"
	recordPrefix  = "record:"
)

// Handle 密鑰索引，帶有種類前綴
// 內容雜湊與紀錄編號不會互相混淆
type Handle string

// ContentHandle 由內容雜湊建立暫時 handle
func ContentHandle(hash string) Handle {
	return Handle(contentPrefix + hash)
}

// RecordHandle 由紀錄編號建立永久 handle
func RecordHandle(recordID uint64) Handle {
	return Handle(recordPrefix + strconv.FormatUint(recordID, 10))
}

// ParseHandle 解析外部輸入的 handle 字串
func ParseHandle(s string) (Handle, error) {
	h := Handle(strings.TrimSpace(s))
	if err := h.Validate(); err != nil {
		return "", err
	}
	return h, nil
}

// Validate 檢查前綴與內容
func (h Handle) Validate() error {
	s := string(h)
	switch {
	case strings.HasPrefix(s, contentPrefix):
		if len(s) == len(contentPrefix) {
			return fmt.Errorf("%w: empty content hash", ErrInvalidHandle)
		}
	case strings.HasPrefix(s, recordPrefix):
		if _, err := strconv.ParseUint(s[len(recordPrefix):], 10, 64); err != nil {
			return fmt.Errorf("%w: bad record id in %q", ErrInvalidHandle, s)
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidHandle, s)
	}
	return nil
}

// Phase 依前綴判斷階段
func (h Handle) Phase() Phase {
	if strings.HasPrefix(string(h), recordPrefix) {
		return PhaseAssociated
	}
	return PhaseInterim
}

// ContentHash 返回暫時 handle 的內容雜湊
func (h Handle) ContentHash() (string, bool) {
	if !strings.HasPrefix(string(h), contentPrefix) {
		return "", false
	}
	return string(h)[len(contentPrefix):], true
}

// RecordID 返回永久 handle 的紀錄編號
func (h Handle) RecordID() (uint64, bool) {
	if !strings.HasPrefix(string(h), recordPrefix) {
		return 0, false
	}
	id, err := strconv.ParseUint(string(h)[len(recordPrefix):], 10, 64)
	return id, err == nil
}

func (h Handle) String() string {
	return string(h)
}

// KeyRecord 託管的密鑰
type KeyRecord struct {
	Handle    Handle
	Material  []byte            // 32 bytes，只在 Get 時返回
	Scheme    encryption.Scheme // 密文格式版本
	CreatedAt time.Time
}

// Phase 密鑰目前階段
func (r KeyRecord) Phase() Phase {
	return r.Handle.Phase()
}

// Info 返回不含密鑰值的資訊
func (r KeyRecord) Info() KeyInfo {
	return KeyInfo{
		Handle:    r.Handle,
		Phase:     r.Phase(),
		Scheme:    r.Scheme,
		CreatedAt: r.CreatedAt,
	}
}

func (r KeyRecord) validate() error {
	if err := r.Handle.Validate(); err != nil {
		return err
	}
	if len(r.Material) != encryption.KeySize {
		return fmt.Errorf("%w: must be %d bytes, got %d", ErrInvalidKey, encryption.KeySize, len(r.Material))
	}
	return nil
}

// KeyInfo 密鑰信息（不包含密鑰值）
type KeyInfo struct {
	Handle    Handle            `json:"handle"`
	Phase     Phase             `json:"phase"`
	Scheme    encryption.Scheme `json:"scheme"`
	CreatedAt time.Time         `json:"created_at"`
}

// ListFilter 列舉條件，零值代表不限制
type ListFilter struct {
	Phase         Phase
	CreatedBefore time.Time
}

func (f ListFilter) matches(info KeyInfo) bool {
	if f.Phase != "" && info.Phase != f.Phase {
		return false
	}
	if !f.CreatedBefore.IsZero() && !info.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	return true
}

// Store 密鑰託管儲存，所有實作都必須能安全地並發呼叫
type Store interface {
	// Put 新增密鑰，handle 已存在時返回 ErrHandleConflict
	Put(ctx context.Context, rec KeyRecord) error
	// Overwrite 取代既有 handle 的密鑰，handle 不存在時返回 ErrNotFound
	Overwrite(ctx context.Context, rec KeyRecord) error
	Get(ctx context.Context, handle Handle) (KeyRecord, error)
	// Rekey 原子地把密鑰從 oldHandle 移到 newHandle
	Rekey(ctx context.Context, oldHandle, newHandle Handle) error
	Delete(ctx context.Context, handle Handle) error
	// List 只返回 metadata，依建立時間排序
	List(ctx context.Context, filter ListFilter) ([]KeyInfo, error)
	// Ping 檢查後端是否可用
	Ping(ctx context.Context) error
}

func validateRekey(oldHandle, newHandle Handle) error {
	if err := oldHandle.Validate(); err != nil {
		return err
	}
	if err := newHandle.Validate(); err != nil {
		return err
	}
	if oldHandle == newHandle {
		return fmt.Errorf("%w: rekey to the same handle", ErrHandleConflict)
	}
	return nil
}

func copyBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
