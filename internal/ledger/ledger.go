// Package ledger 提供授權帳本的唯讀查詢介面.
//
// 帳本是角色、醫院、同意與緊急存取事實的唯一來源。
// 本服務只讀取帳本，從不寫入，也不快取任何事實。
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound 紀錄不存在
	ErrNotFound = errors.New("ledger: not found")
	// ErrInvalidArgument 查詢參數錯誤
	ErrInvalidArgument = errors.New("ledger: invalid argument")
)

// Role 帳本中的使用者角色（與合約列舉順序一致）
type Role uint8

const (
	RoleNone Role = iota
	RolePatient
	RoleDoctor
	RoleHospitalAdmin
)

func (r Role) String() string {
	switch r {
	case RolePatient:
		return "patient"
	case RoleDoctor:
		return "doctor"
	case RoleHospitalAdmin:
		return "hospital_admin"
	default:
		return "none"
	}
}

// ParseRole 解析角色名稱或數字
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "0":
		return RoleNone, nil
	case "patient", "1":
		return RolePatient, nil
	case "doctor", "2":
		return RoleDoctor, nil
	case "hospital_admin", "hospitaladmin", "admin", "3":
		return RoleHospitalAdmin, nil
	default:
		return RoleNone, fmt.Errorf("%w: unknown role %q", ErrInvalidArgument, s)
	}
}

// Record 帳本上的病歷紀錄
type Record struct {
	ID          uint64
	Owner       string // 病患身分
	HospitalID  uint64
	ContentHash string // 上傳時的內容雜湊
}

// User 帳本上的使用者
type User struct {
	Identity   string
	Registered bool
	Role       Role
	HospitalID uint64
}

// Ledger 帳本查詢介面
type Ledger interface {
	// GetRecord 不存在時返回 ErrNotFound
	GetRecord(ctx context.Context, recordID uint64) (Record, error)
	// GetUser 未註冊的身分返回 Registered=false，不是錯誤
	GetUser(ctx context.Context, identity string) (User, error)
	IsConsentGiven(ctx context.Context, recordID uint64, identity string) (bool, error)
	// GetEmergencyExpiry 沒有緊急授權時返回零值時間
	GetEmergencyExpiry(ctx context.Context, identity string, recordID uint64) (time.Time, error)
	// FindRecordByContentHash 依內容雜湊找紀錄編號，找不到返回 ErrNotFound
	FindRecordByContentHash(ctx context.Context, contentHash string) (uint64, error)
}

// NormalizeIdentity 身分比對不分大小寫
func NormalizeIdentity(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}

// SameIdentity 比較兩個身分
func SameIdentity(a, b string) bool {
	a, b = NormalizeIdentity(a), NormalizeIdentity(b)
	return a != "" && a == b
}
