package authz

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"custody-gateway/internal/ledger"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	owner    = "0xA"
	doctor   = "0xD0C"
	friend   = "0xB"
	medic    = "0xC"
	stranger = "0xE"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newLedger(t *testing.T) *ledger.MemoryLedger {
	t.Helper()
	m := ledger.NewMemoryLedger()
	require.NoError(t, m.PutRecord(ledger.Record{ID: 42, Owner: owner, HospitalID: 7, ContentHash: "QmX"}))
	return m
}

func newEvaluator(l ledger.Ledger, opts ...Option) *Evaluator {
	opts = append([]Option{
		WithClock(func() time.Time { return fixedNow }),
		WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }),
	}, opts...)
	return NewEvaluator(l, opts...)
}

func TestEvaluate_OwnerWinsRegardlessOfOtherFacts(t *testing.T) {
	m := newLedger(t)
	m.PutUser(ledger.User{Identity: owner, Role: ledger.RoleDoctor, HospitalID: 7})
	m.GrantConsent(42, owner)
	m.GrantEmergency(owner, 42, fixedNow.Add(time.Hour))

	res := newEvaluator(m).Evaluate(context.Background(), Query{RecordID: 42, Requester: owner})
	assert.Equal(t, Result{Allowed: true, Tier: TierOwner}, res)
}

func TestEvaluate_OwnerWithNoOtherFacts(t *testing.T) {
	res := newEvaluator(newLedger(t)).Evaluate(context.Background(), Query{RecordID: 42, Requester: owner})
	assert.Equal(t, Result{Allowed: true, Tier: TierOwner}, res)
}

func TestEvaluate_OwnerComparisonIgnoresCase(t *testing.T) {
	m := ledger.NewMemoryLedger()
	require.NoError(t, m.PutRecord(ledger.Record{ID: 1, Owner: "0xAbCdEf"}))

	res := newEvaluator(m).Evaluate(context.Background(), Query{RecordID: 1, Requester: "0XABCDEF"})
	assert.True(t, res.Allowed)
	assert.Equal(t, TierOwner, res.Tier)
}

func TestEvaluate_SameHospital(t *testing.T) {
	ctx := context.Background()
	m := newLedger(t)
	m.PutUser(ledger.User{Identity: doctor, Role: ledger.RoleDoctor, HospitalID: 7})
	e := newEvaluator(m)

	assert.Equal(t, Result{Allowed: true, Tier: TierSameHospital}, e.Evaluate(ctx, Query{RecordID: 42, Requester: doctor}))

	// 醫師轉到其他醫院後失去存取權
	m.PutUser(ledger.User{Identity: doctor, Role: ledger.RoleDoctor, HospitalID: 8})
	assert.Equal(t, Result{Allowed: false, Tier: TierNone}, e.Evaluate(ctx, Query{RecordID: 42, Requester: doctor}))
}

func TestEvaluate_SameHospitalRoles(t *testing.T) {
	testCases := []struct {
		name    string
		role    ledger.Role
		allowed bool
	}{
		{"hospital admin", ledger.RoleHospitalAdmin, true},
		{"doctor", ledger.RoleDoctor, true},
		{"patient", ledger.RolePatient, false},
		{"none", ledger.RoleNone, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			m := newLedger(t)
			m.PutUser(ledger.User{Identity: stranger, Role: tc.role, HospitalID: 7})

			res := newEvaluator(m).Evaluate(context.Background(), Query{RecordID: 42, Requester: stranger})
			assert.Equal(t, tc.allowed, res.Allowed)
			if tc.allowed {
				assert.Equal(t, TierSameHospital, res.Tier)
			} else {
				assert.Equal(t, TierNone, res.Tier)
			}
		})
	}
}

func TestEvaluate_NoHospitalNeverMatches(t *testing.T) {
	m := ledger.NewMemoryLedger()
	require.NoError(t, m.PutRecord(ledger.Record{ID: 9, Owner: owner}))
	m.PutUser(ledger.User{Identity: doctor, Role: ledger.RoleDoctor})

	res := newEvaluator(m).Evaluate(context.Background(), Query{RecordID: 9, Requester: doctor})
	assert.False(t, res.Allowed)
}

func TestEvaluate_Consent(t *testing.T) {
	m := newLedger(t)
	m.GrantConsent(42, friend)

	res := newEvaluator(m).Evaluate(context.Background(), Query{RecordID: 42, Requester: friend})
	assert.Equal(t, Result{Allowed: true, Tier: TierConsent}, res)
}

func TestEvaluate_ConsentBeatsEmergency(t *testing.T) {
	m := newLedger(t)
	m.GrantConsent(42, friend)
	m.GrantEmergency(friend, 42, fixedNow.Add(time.Hour))

	res := newEvaluator(m).Evaluate(context.Background(), Query{RecordID: 42, Requester: friend})
	assert.Equal(t, TierConsent, res.Tier)
}

func TestEvaluate_ConsentAndEmergencyDoNotRequireRegistration(t *testing.T) {
	m := newLedger(t)
	m.GrantConsent(42, friend)
	m.GrantEmergency(medic, 42, fixedNow.Add(time.Hour))

	user, err := m.GetUser(context.Background(), friend)
	require.NoError(t, err)
	require.False(t, user.Registered)

	ev := newEvaluator(m)
	assert.Equal(t, Result{Allowed: true, Tier: TierConsent},
		ev.Evaluate(context.Background(), Query{RecordID: 42, Requester: friend}))
	assert.Equal(t, Result{Allowed: true, Tier: TierEmergency},
		ev.Evaluate(context.Background(), Query{RecordID: 42, Requester: medic}))
}

func TestEvaluate_Emergency(t *testing.T) {
	testCases := []struct {
		name   string
		expiry time.Time
		want   Result
	}{
		{"active", fixedNow.Add(3600 * time.Second), Result{Allowed: true, Tier: TierEmergency}},
		{"expired", fixedNow.Add(-time.Second), Result{Allowed: false, Tier: TierNone}},
		{"expires exactly now", fixedNow, Result{Allowed: false, Tier: TierNone}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			m := newLedger(t)
			m.GrantEmergency(medic, 42, tc.expiry)

			res := newEvaluator(m).Evaluate(context.Background(), Query{RecordID: 42, Requester: medic})
			assert.Equal(t, tc.want, res)
		})
	}
}

func TestEvaluate_EmergencyIsTimeDependent(t *testing.T) {
	m := newLedger(t)
	m.GrantEmergency(medic, 42, fixedNow.Add(time.Minute))

	now := fixedNow
	e := newEvaluator(m, WithClock(func() time.Time { return now }))
	q := Query{RecordID: 42, Requester: medic}

	assert.True(t, e.Evaluate(context.Background(), q).Allowed)
	now = now.Add(2 * time.Minute)
	assert.False(t, e.Evaluate(context.Background(), q).Allowed)
}

func TestEvaluate_Denials(t *testing.T) {
	m := newLedger(t)
	e := newEvaluator(m)
	ctx := context.Background()

	assert.Equal(t, Result{Tier: TierNone}, e.Evaluate(ctx, Query{RecordID: 42, Requester: stranger}))
	assert.Equal(t, Result{Tier: TierNone}, e.Evaluate(ctx, Query{RecordID: 404, Requester: owner}), "missing record")
	assert.Equal(t, Result{Tier: TierNone}, e.Evaluate(ctx, Query{RecordID: 42, Requester: "  "}), "empty requester")
	assert.Equal(t, Result{Tier: TierNone}, e.Evaluate(ctx, Query{RecordID: 0, Requester: owner}), "zero record id")
}

// faultyLedger 在指定的查詢上失敗
type faultyLedger struct {
	*ledger.MemoryLedger
	failRecord   int32 // GetRecord 前 N 次失敗
	failUser     error
	failConsent  error
	recordCalls  atomic.Int32
	consentCalls atomic.Int32
}

func (f *faultyLedger) GetRecord(ctx context.Context, id uint64) (ledger.Record, error) {
	if f.recordCalls.Add(1) <= f.failRecord {
		return ledger.Record{}, status.Error(codes.Unavailable, "node syncing")
	}
	return f.MemoryLedger.GetRecord(ctx, id)
}

func (f *faultyLedger) GetUser(ctx context.Context, identity string) (ledger.User, error) {
	if f.failUser != nil {
		return ledger.User{}, f.failUser
	}
	return f.MemoryLedger.GetUser(ctx, identity)
}

func (f *faultyLedger) IsConsentGiven(ctx context.Context, id uint64, identity string) (bool, error) {
	f.consentCalls.Add(1)
	if f.failConsent != nil {
		return false, f.failConsent
	}
	return f.MemoryLedger.IsConsentGiven(ctx, id, identity)
}

func TestEvaluate_RetriesTransientErrors(t *testing.T) {
	f := &faultyLedger{MemoryLedger: newLedger(t), failRecord: 2}

	res := newEvaluator(f, WithMaxRetries(2)).Evaluate(context.Background(), Query{RecordID: 42, Requester: owner})
	assert.Equal(t, Result{Allowed: true, Tier: TierOwner}, res)
	assert.Equal(t, int32(3), f.recordCalls.Load())
}

func TestEvaluate_FailsClosedWhenRetriesExhausted(t *testing.T) {
	f := &faultyLedger{MemoryLedger: newLedger(t), failRecord: 100}

	res := newEvaluator(f, WithMaxRetries(2)).Evaluate(context.Background(), Query{RecordID: 42, Requester: owner})
	assert.False(t, res.Allowed)
	assert.Equal(t, TierNone, res.Tier)
	require.Error(t, res.LedgerErr)
	assert.Equal(t, codes.Unavailable, status.Code(errors.Unwrap(res.LedgerErr)))
	assert.Equal(t, int32(3), f.recordCalls.Load())
}

func TestEvaluate_DoesNotRetryPermanentErrors(t *testing.T) {
	f := &faultyLedger{
		MemoryLedger: newLedger(t),
		failConsent:  status.Error(codes.PermissionDenied, "contract paused"),
	}

	res := newEvaluator(f, WithMaxRetries(5)).Evaluate(context.Background(), Query{RecordID: 42, Requester: friend})
	assert.False(t, res.Allowed)
	assert.Error(t, res.LedgerErr)
	assert.Equal(t, int32(1), f.consentCalls.Load())
}

func TestEvaluate_LedgerErrorAfterEarlierTierStillDenies(t *testing.T) {
	m := newLedger(t)
	m.GrantEmergency(medic, 42, fixedNow.Add(time.Hour))
	f := &faultyLedger{MemoryLedger: m, failUser: errors.New("rpc reset")}

	// 使用者查詢失敗時不會跳過到後面的層級
	res := newEvaluator(f, WithMaxRetries(0)).Evaluate(context.Background(), Query{RecordID: 42, Requester: medic})
	assert.False(t, res.Allowed)
	assert.Error(t, res.LedgerErr)
}

func TestEvaluate_CanceledContextDenies(t *testing.T) {
	f := &faultyLedger{MemoryLedger: newLedger(t), failRecord: 100}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := NewEvaluator(f, WithMaxRetries(10), WithBackOff(func() backoff.BackOff {
		return backoff.NewConstantBackOff(time.Hour)
	}))
	res := e.Evaluate(ctx, Query{RecordID: 42, Requester: owner})
	assert.False(t, res.Allowed)
	assert.Error(t, res.LedgerErr)
}
