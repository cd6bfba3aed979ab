// Package authz 依帳本事實判定是否釋出病歷密鑰.
//
// 四個層級依序評估，第一個符合的層級勝出：
// 擁有者、同院醫師或管理員、病患同意、未過期的緊急存取。
// 任何帳本錯誤或紀錄不存在都視為拒絕。
package authz

import (
	"context"
	"errors"
	"fmt"
	"time"

	"custody-gateway/internal/constants"
	"custody-gateway/internal/ledger"
	"custody-gateway/internal/platform/logger"

	"github.com/cenkalti/backoff/v4"
)

// Tier 授權依據的層級
type Tier string

const (
	TierOwner        Tier = "owner"
	TierSameHospital Tier = "same_hospital"
	TierConsent      Tier = "consent"
	TierEmergency    Tier = "emergency"
	TierNone         Tier = "none"
)

// Query 單次授權查詢
type Query struct {
	RecordID  uint64
	Requester string
}

// Result 授權結果
type Result struct {
	Allowed bool
	Tier    Tier
	// LedgerErr 拒絕是因為帳本查詢失敗；只供內部記錄，不回傳給呼叫者
	LedgerErr error
}

func deny(err error) Result {
	return Result{Allowed: false, Tier: TierNone, LedgerErr: err}
}

func allow(tier Tier) Result {
	return Result{Allowed: true, Tier: tier}
}

// Evaluator 授權評估器
// 不快取帳本事實；每次評估都重新查詢
type Evaluator struct {
	ledger     ledger.Ledger
	now        func() time.Time
	maxRetries uint64
	newBackOff func() backoff.BackOff
}

// Option 評估器選項
type Option func(*Evaluator)

// WithClock 替換時間來源（緊急存取比對用）
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) { e.now = now }
}

// WithMaxRetries 帳本暫時性錯誤的最大重試次數
func WithMaxRetries(n int) Option {
	return func(e *Evaluator) {
		if n < 0 {
			n = 0
		}
		e.maxRetries = uint64(n)
	}
}

// WithBackOff 替換重試間隔策略
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(e *Evaluator) { e.newBackOff = newBackOff }
}

// NewEvaluator 創建評估器
func NewEvaluator(l ledger.Ledger, opts ...Option) *Evaluator {
	e := &Evaluator{
		ledger:     l,
		now:        time.Now,
		maxRetries: constants.DefaultLedgerMaxRetries,
		newBackOff: defaultBackOff,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 5 * time.Second
	return b
}

// Evaluate 依序評估四個層級
// 不會修改帳本；帳本可被外部改變，所以相同查詢可能得到不同結果
func (e *Evaluator) Evaluate(ctx context.Context, q Query) Result {
	requester := ledger.NormalizeIdentity(q.Requester)
	if requester == "" || q.RecordID == 0 {
		return deny(nil)
	}

	rec, err := query(ctx, e, "GetRecord", func() (ledger.Record, error) {
		return e.ledger.GetRecord(ctx, q.RecordID)
	})
	if errors.Is(err, ledger.ErrNotFound) {
		return deny(nil)
	}
	if err != nil {
		return deny(err)
	}

	// 1. 擁有者
	if ledger.SameIdentity(rec.Owner, requester) {
		return allow(TierOwner)
	}

	// 2. 同院醫師或醫院管理員
	user, err := query(ctx, e, "GetUser", func() (ledger.User, error) {
		return e.ledger.GetUser(ctx, requester)
	})
	if err != nil {
		return deny(err)
	}
	if sameHospital(user, rec) {
		return allow(TierSameHospital)
	}

	// 同意與緊急存取不要求請求者已在帳本註冊
	// 3. 病患同意
	given, err := query(ctx, e, "IsConsentGiven", func() (bool, error) {
		return e.ledger.IsConsentGiven(ctx, q.RecordID, requester)
	})
	if err != nil {
		return deny(err)
	}
	if given {
		return allow(TierConsent)
	}

	// 4. 緊急存取，到期時間必須嚴格晚於現在
	expiry, err := query(ctx, e, "GetEmergencyExpiry", func() (time.Time, error) {
		return e.ledger.GetEmergencyExpiry(ctx, requester, q.RecordID)
	})
	if err != nil {
		return deny(err)
	}
	if !expiry.IsZero() && expiry.After(e.now()) {
		return allow(TierEmergency)
	}

	return deny(nil)
}

func sameHospital(user ledger.User, rec ledger.Record) bool {
	if !user.Registered || rec.HospitalID == 0 {
		return false
	}
	if user.Role != ledger.RoleDoctor && user.Role != ledger.RoleHospitalAdmin {
		return false
	}
	return user.HospitalID == rec.HospitalID
}

// query 對暫時性錯誤做有限次數的重試，耗盡後返回最後的錯誤
func query[T any](ctx context.Context, e *Evaluator, name string, call func() (T, error)) (T, error) {
	op := func() (T, error) {
		v, err := call()
		if err != nil && !ledger.Retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	notify := func(err error, wait time.Duration) {
		logger.Warning(ctx, "帳本查詢失敗，準備重試",
			logger.WithAction("ledger_retry"),
			logger.WithDetails(map[string]interface{}{
				"call":  name,
				"error": err.Error(),
				"wait":  wait.String(),
			}))
	}

	b := backoff.WithContext(backoff.WithMaxRetries(e.newBackOff(), e.maxRetries), ctx)
	v, err := backoff.RetryNotifyWithData(op, b, notify)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("ledger %s: %w", name, err)
	}
	return v, nil
}
