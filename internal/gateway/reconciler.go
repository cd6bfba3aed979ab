package gateway

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"custody-gateway/internal/ledger"
	"custody-gateway/internal/platform/logger"
	"custody-gateway/internal/security/audit"
	"custody-gateway/internal/security/custody"
)

// ReconcileOptions 對帳參數
type ReconcileOptions struct {
	Interval   time.Duration // 掃描週期
	MinAge     time.Duration // 比這更新的暫時密鑰不處理，留給正常的關聯流程
	PurgeAfter time.Duration // 帳本沒有對應紀錄且超過此年齡才刪除
}

// ReconcileReport 一次掃描的結果
type ReconcileReport struct {
	Scanned    int `json:"scanned"`
	Associated int `json:"associated"`
	Purged     int `json:"purged"`
	Skipped    int `json:"skipped"`
	Errors     int `json:"errors"`
}

func (r ReconcileReport) fields() map[string]interface{} {
	return map[string]interface{}{
		"scanned":    r.Scanned,
		"associated": r.Associated,
		"purged":     r.Purged,
		"skipped":    r.Skipped,
		"errors":     r.Errors,
	}
}

// Reconciler 定期處理上傳後沒有完成關聯的孤兒密鑰
type Reconciler struct {
	custody custody.Store
	ledger  ledger.Ledger
	audit   *audit.AuditService
	opts    ReconcileOptions
	now     func() time.Time

	mu       sync.Mutex
	sweepMu  sync.Mutex // 同一時間只跑一次掃描
	stopChan chan struct{}
	done     chan struct{}
	running  bool
}

// NewReconciler 創建對帳器
func NewReconciler(store custody.Store, l ledger.Ledger, auditSvc *audit.AuditService, opts ReconcileOptions) *Reconciler {
	if auditSvc == nil {
		auditSvc = audit.NewAuditService(false)
	}
	return &Reconciler{
		custody: store,
		ledger:  l,
		audit:   auditSvc,
		opts:    opts,
		now:     time.Now,
	}
}

// Start 啟動背景掃描
func (r *Reconciler) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running || r.opts.Interval <= 0 {
		return
	}

	r.stopChan = make(chan struct{})
	r.done = make(chan struct{})
	r.running = true

	go r.loop(r.stopChan, r.done)
}

// Stop 停止背景掃描並等待進行中的掃描結束
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	close(r.stopChan)
	done := r.done
	r.running = false
	r.mu.Unlock()

	<-done
}

func (r *Reconciler) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithCancel(context.Background())
			go func() {
				select {
				case <-stop:
					cancel()
				case <-ctx.Done():
				}
			}()
			if _, err := r.RunOnce(ctx); err != nil {
				logger.Error(ctx, "孤兒密鑰對帳失敗",
					logger.WithAction("reconcile"),
					logger.WithDetails(map[string]interface{}{"error": err.Error()}))
			}
			cancel()
		case <-stop:
			return
		}
	}
}

// RunOnce 執行一次掃描
//   - 帳本有對應紀錄：轉移到紀錄編號
//   - 帳本沒有紀錄且超過 PurgeAfter：刪除
//   - 帳本查詢失敗：保留到下次掃描
func (r *Reconciler) RunOnce(ctx context.Context) (ReconcileReport, error) {
	r.sweepMu.Lock()
	defer r.sweepMu.Unlock()

	var report ReconcileReport
	now := r.now()

	orphans, err := r.custody.List(ctx, custody.ListFilter{
		Phase:         custody.PhaseInterim,
		CreatedBefore: now.Add(-r.opts.MinAge),
	})
	if err != nil {
		return report, fmt.Errorf("failed to list interim keys: %w", err)
	}

	for _, info := range orphans {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Scanned++
		r.reconcileOne(ctx, info, now, &report)
	}

	if report.Scanned > 0 {
		logger.Info(ctx, "孤兒密鑰對帳完成",
			logger.WithAction("reconcile"),
			logger.WithDetails(report.fields()))
	}
	r.audit.LogReconcile(ctx, report.fields())

	return report, nil
}

func (r *Reconciler) reconcileOne(ctx context.Context, info custody.KeyInfo, now time.Time, report *ReconcileReport) {
	hash, ok := info.Handle.ContentHash()
	if !ok {
		report.Skipped++
		return
	}

	recordID, err := r.ledger.FindRecordByContentHash(ctx, hash)
	switch {
	case err == nil:
		r.associate(ctx, info.Handle, recordID, report)
	case errors.Is(err, ledger.ErrNotFound):
		if r.opts.PurgeAfter > 0 && now.Sub(info.CreatedAt) >= r.opts.PurgeAfter {
			r.purge(ctx, info.Handle, report)
		} else {
			report.Skipped++
		}
	default:
		report.Errors++
		logger.Warning(ctx, "帳本查詢失敗，孤兒密鑰留待下次對帳",
			logger.WithAction("reconcile"),
			logger.WithHandle(info.Handle.String()),
			logger.WithDetails(map[string]interface{}{"error": err.Error()}))
	}
}

func (r *Reconciler) associate(ctx context.Context, handle custody.Handle, recordID uint64, report *ReconcileReport) {
	err := r.custody.Rekey(ctx, handle, custody.RecordHandle(recordID))
	switch {
	case err == nil:
		report.Associated++
		logger.Info(ctx, "孤兒密鑰已自動關聯",
			logger.WithAction("reconcile_associate"),
			logger.WithHandle(handle.String()),
			logger.WithRecordID(strconv.FormatUint(recordID, 10)))
		r.audit.LogAssociate(ctx, handle.String(), recordID, "reconcile")
	case errors.Is(err, custody.ErrNotFound):
		// 掃描期間已被正常流程關聯
		report.Skipped++
	case errors.Is(err, custody.ErrHandleConflict):
		// 紀錄已有密鑰，保留這把讓管理員處理
		report.Skipped++
		logger.Warning(ctx, "紀錄已有密鑰，孤兒密鑰未關聯",
			logger.WithAction("reconcile_associate"),
			logger.WithHandle(handle.String()),
			logger.WithRecordID(strconv.FormatUint(recordID, 10)))
	default:
		report.Errors++
		logger.Error(ctx, "孤兒密鑰關聯失敗",
			logger.WithAction("reconcile_associate"),
			logger.WithHandle(handle.String()),
			logger.WithDetails(map[string]interface{}{"error": err.Error()}))
	}
}

func (r *Reconciler) purge(ctx context.Context, handle custody.Handle, report *ReconcileReport) {
	err := r.custody.Delete(ctx, handle)
	switch {
	case err == nil:
		report.Purged++
		logger.Warning(ctx, "孤兒密鑰已刪除",
			logger.WithAction("reconcile_purge"),
			logger.WithHandle(handle.String()))
		r.audit.LogPurge(ctx, handle.String(), "orphan")
	case errors.Is(err, custody.ErrNotFound):
		report.Skipped++
	default:
		report.Errors++
		logger.Error(ctx, "孤兒密鑰刪除失敗",
			logger.WithAction("reconcile_purge"),
			logger.WithHandle(handle.String()),
			logger.WithDetails(map[string]interface{}{"error": err.Error()}))
	}
}
