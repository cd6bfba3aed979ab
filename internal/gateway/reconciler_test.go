package gateway

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"custody-gateway/internal/ledger"
	"custody-gateway/internal/security/audit"
	"custody-gateway/internal/security/custody"
	"custody-gateway/internal/security/encryption"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sweepNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

var defaultSweep = ReconcileOptions{
	Interval:   time.Minute,
	MinAge:     15 * time.Minute,
	PurgeAfter: 72 * time.Hour,
}

func putInterim(t *testing.T, s custody.Store, hash string, age time.Duration) {
	t.Helper()
	require.NoError(t, s.Put(context.Background(), custody.KeyRecord{
		Handle:    custody.ContentHandle(hash),
		Material:  bytes.Repeat([]byte{1}, encryption.KeySize),
		Scheme:    encryption.SchemeGCM,
		CreatedAt: sweepNow.Add(-age),
	}))
}

func newReconciler(store custody.Store, l ledger.Ledger, sink *audit.MemorySink) *Reconciler {
	r := NewReconciler(store, l, audit.NewAuditService(true, audit.WithSink(sink)), defaultSweep)
	r.now = func() time.Time { return sweepNow }
	return r
}

func TestReconciler_RunOnce(t *testing.T) {
	ctx := context.Background()
	store := custody.NewMemoryStore()
	l := ledger.NewMemoryLedger()
	sink := &audit.MemorySink{}

	putInterim(t, store, "committed", time.Hour)     // 帳本已有紀錄 → 關聯
	putInterim(t, store, "fresh", time.Minute)       // 太新 → 不處理
	putInterim(t, store, "pending", 2*time.Hour)     // 帳本沒有紀錄但未過期 → 保留
	putInterim(t, store, "abandoned", 100*time.Hour) // 帳本沒有紀錄且過期 → 刪除
	require.NoError(t, l.PutRecord(ledger.Record{ID: 42, Owner: owner, ContentHash: "committed"}))

	report, err := newReconciler(store, l, sink).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{Scanned: 3, Associated: 1, Purged: 1, Skipped: 1}, report)

	_, err = store.Get(ctx, custody.RecordHandle(42))
	assert.NoError(t, err)
	_, err = store.Get(ctx, custody.ContentHandle("committed"))
	assert.ErrorIs(t, err, custody.ErrNotFound)
	_, err = store.Get(ctx, custody.ContentHandle("fresh"))
	assert.NoError(t, err)
	_, err = store.Get(ctx, custody.ContentHandle("pending"))
	assert.NoError(t, err)
	_, err = store.Get(ctx, custody.ContentHandle("abandoned"))
	assert.ErrorIs(t, err, custody.ErrNotFound)

	associated := sink.OfType(audit.EventAssociate)
	require.Len(t, associated, 1)
	assert.Equal(t, "reconcile", associated[0].Details["source"])
	assert.Len(t, sink.OfType(audit.EventPurge), 1)
	assert.Len(t, sink.OfType(audit.EventReconcile), 1)
}

func TestReconciler_RecordAlreadyHasKey(t *testing.T) {
	ctx := context.Background()
	store := custody.NewMemoryStore()
	l := ledger.NewMemoryLedger()

	putInterim(t, store, "dup", time.Hour)
	require.NoError(t, store.Put(ctx, custody.KeyRecord{
		Handle:   custody.RecordHandle(42),
		Material: bytes.Repeat([]byte{2}, encryption.KeySize),
	}))
	require.NoError(t, l.PutRecord(ledger.Record{ID: 42, Owner: owner, ContentHash: "dup"}))

	report, err := newReconciler(store, l, &audit.MemorySink{}).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)

	// 既有的關聯不被覆蓋
	rec, err := store.Get(ctx, custody.RecordHandle(42))
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{2}, encryption.KeySize), rec.Material)
	_, err = store.Get(ctx, custody.ContentHandle("dup"))
	assert.NoError(t, err)
}

type flakyFinder struct {
	*ledger.MemoryLedger
}

func (flakyFinder) FindRecordByContentHash(context.Context, string) (uint64, error) {
	return 0, errors.New("ledger timeout")
}

func TestReconciler_LedgerErrorLeavesKeys(t *testing.T) {
	ctx := context.Background()
	store := custody.NewMemoryStore()
	putInterim(t, store, "old", 100*time.Hour)

	report, err := newReconciler(store, flakyFinder{ledger.NewMemoryLedger()}, &audit.MemorySink{}).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{Scanned: 1, Errors: 1}, report)

	_, err = store.Get(ctx, custody.ContentHandle("old"))
	assert.NoError(t, err, "keys are never purged on ledger errors")
}

func TestReconciler_StartStop(t *testing.T) {
	store := custody.NewMemoryStore()
	r := NewReconciler(store, ledger.NewMemoryLedger(), nil, ReconcileOptions{Interval: 10 * time.Millisecond})

	r.Start()
	r.Start() // 重複啟動無效果
	time.Sleep(30 * time.Millisecond)
	r.Stop()
	r.Stop()

	// 間隔為 0 時不啟動
	idle := NewReconciler(store, ledger.NewMemoryLedger(), nil, ReconcileOptions{})
	idle.Start()
	idle.Stop()
}
