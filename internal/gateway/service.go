// Package gateway 組合加密、託管、授權與內容儲存，提供上傳、關聯與取鑰流程。
//
// 每筆上傳的密鑰生命週期只有兩個狀態：
//
//	Encrypted(content:<hash>) -> Associated(record:<id>)
//
// 沒有反向轉換；已關聯的密鑰只能被管理員刪除或覆寫。
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"custody-gateway/internal/authz"
	"custody-gateway/internal/ledger"
	"custody-gateway/internal/platform/logger"
	"custody-gateway/internal/security/audit"
	"custody-gateway/internal/security/custody"
	"custody-gateway/internal/security/encryption"
	"custody-gateway/internal/storage/blobstore"
)

var (
	// ErrForbidden 授權拒絕，不透露判定細節
	ErrForbidden = errors.New("not authorized")
	// ErrInvalidArgument 請求參數錯誤
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrLedgerMismatch 帳本紀錄與要關聯的內容不一致
	ErrLedgerMismatch = errors.New("ledger record does not match content")
	// ErrLedgerUnavailable 關聯驗證或讀取內容時帳本無法查詢
	ErrLedgerUnavailable = errors.New("ledger unavailable")
)

// Deps 服務依賴
type Deps struct {
	Custody   custody.Store
	Blobs     blobstore.Store
	Ledger    ledger.Ledger
	Evaluator *authz.Evaluator
	Cipher    *encryption.BlobCipher
	Audit     *audit.AuditService
}

// Options 服務行為選項
type Options struct {
	// MaxUploadBytes 單次上傳明文上限，0 代表不限制
	MaxUploadBytes int64
	// VerifyLedger 關聯前確認帳本紀錄的內容雜湊
	VerifyLedger bool
}

// Service 閘道服務
type Service struct {
	custody   custody.Store
	blobs     blobstore.Store
	ledger    ledger.Ledger
	evaluator *authz.Evaluator
	cipher    *encryption.BlobCipher
	audit     *audit.AuditService
	opts      Options
}

// NewService 創建閘道服務
func NewService(deps Deps, opts Options) (*Service, error) {
	if deps.Custody == nil || deps.Blobs == nil || deps.Ledger == nil || deps.Cipher == nil {
		return nil, errors.New("gateway: custody, blob store, ledger and cipher are required")
	}
	if deps.Evaluator == nil {
		deps.Evaluator = authz.NewEvaluator(deps.Ledger)
	}
	if deps.Audit == nil {
		deps.Audit = audit.NewAuditService(false)
	}
	return &Service{
		custody:   deps.Custody,
		blobs:     deps.Blobs,
		ledger:    deps.Ledger,
		evaluator: deps.Evaluator,
		cipher:    deps.Cipher,
		audit:     deps.Audit,
		opts:      opts,
	}, nil
}

// KeyRelease 授權通過後釋出的密鑰
type KeyRelease struct {
	RecordID uint64
	Key      []byte
	Scheme   encryption.Scheme
	Tier     authz.Tier
}

// Upload 加密內容、交給內容儲存，並以內容雜湊託管密鑰
func (s *Service) Upload(ctx context.Context, plaintext []byte) (string, error) {
	if len(plaintext) == 0 {
		return "", fmt.Errorf("%w: empty upload", ErrInvalidArgument)
	}
	if s.opts.MaxUploadBytes > 0 && int64(len(plaintext)) > s.opts.MaxUploadBytes {
		return "", fmt.Errorf("%w: upload exceeds %d bytes", ErrInvalidArgument, s.opts.MaxUploadBytes)
	}

	blob, key, err := s.cipher.Encrypt(plaintext)
	if err != nil {
		return "", err
	}
	defer zero(key)

	contentHash, err := s.blobs.Store(ctx, blob.Bytes())
	if err != nil {
		return "", fmt.Errorf("failed to store encrypted blob: %w", err)
	}

	handle := custody.ContentHandle(contentHash)
	if err := s.custody.Put(ctx, custody.KeyRecord{
		Handle:   handle,
		Material: key,
		Scheme:   s.cipher.Scheme(),
	}); err != nil {
		return "", fmt.Errorf("failed to store key: %w", err)
	}

	logger.Info(ctx, "內容已加密並託管密鑰",
		logger.WithAction("upload"),
		logger.WithHandle(handle.String()),
		logger.WithDetails(map[string]interface{}{
			"scheme": string(s.cipher.Scheme()),
			"bytes":  len(plaintext),
		}))
	s.audit.LogUpload(ctx, handle.String(), string(s.cipher.Scheme()), len(plaintext))

	return contentHash, nil
}

// Associate 把內容雜湊下的密鑰轉移到帳本紀錄編號
func (s *Service) Associate(ctx context.Context, contentHash string, recordID uint64) error {
	if contentHash == "" || recordID == 0 {
		return fmt.Errorf("%w: content hash and record id are required", ErrInvalidArgument)
	}

	if s.opts.VerifyLedger {
		if err := s.verifyRecord(ctx, contentHash, recordID); err != nil {
			return err
		}
	}

	oldHandle := custody.ContentHandle(contentHash)
	if err := s.custody.Rekey(ctx, oldHandle, custody.RecordHandle(recordID)); err != nil {
		return err
	}

	logger.Info(ctx, "密鑰已關聯到帳本紀錄",
		logger.WithAction("associate"),
		logger.WithHandle(oldHandle.String()),
		logger.WithRecordID(strconv.FormatUint(recordID, 10)))
	s.audit.LogAssociate(ctx, oldHandle.String(), recordID, "api")

	return nil
}

// verifyRecord 確認帳本紀錄存在且指向同一份內容
func (s *Service) verifyRecord(ctx context.Context, contentHash string, recordID uint64) error {
	rec, err := s.ledger.GetRecord(ctx, recordID)
	if errors.Is(err, ledger.ErrNotFound) {
		return fmt.Errorf("%w: record %d is not on the ledger", ErrLedgerMismatch, recordID)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	if rec.ContentHash != "" && rec.ContentHash != contentHash {
		return fmt.Errorf("%w: record %d", ErrLedgerMismatch, recordID)
	}
	return nil
}

// RetrieveKey 授權通過後返回紀錄的密鑰
// 尚未關聯的紀錄即使是擁有者也返回 NotFound
func (s *Service) RetrieveKey(ctx context.Context, recordID uint64, requester string) (KeyRelease, error) {
	if recordID == 0 || requester == "" {
		return KeyRelease{}, fmt.Errorf("%w: record id and requester are required", ErrInvalidArgument)
	}

	res := s.evaluator.Evaluate(ctx, authz.Query{RecordID: recordID, Requester: requester})
	if !res.Allowed {
		s.logDenied(ctx, recordID, requester, res)
		return KeyRelease{}, ErrForbidden
	}

	rec, err := s.custody.Get(ctx, custody.RecordHandle(recordID))
	if err != nil {
		return KeyRelease{}, err
	}

	s.audit.LogKeyRelease(ctx, recordID, requester, string(res.Tier))

	scheme := rec.Scheme
	if scheme == "" {
		scheme = encryption.SchemeCBC
	}
	return KeyRelease{
		RecordID: recordID,
		Key:      rec.Material,
		Scheme:   scheme,
		Tier:     res.Tier,
	}, nil
}

func (s *Service) logDenied(ctx context.Context, recordID uint64, requester string, res authz.Result) {
	opts := []logger.LogOption{
		logger.WithAction("retrieve_key"),
		logger.WithRecordID(strconv.FormatUint(recordID, 10)),
		logger.WithRequester(requester),
	}
	if res.LedgerErr != nil {
		opts = append(opts, logger.WithDetails(map[string]interface{}{
			"ledger_error": res.LedgerErr.Error(),
		}))
		logger.Warning(ctx, "帳本無法查詢，拒絕釋出密鑰", opts...)
	} else {
		logger.Info(ctx, "授權拒絕", opts...)
	}
	s.audit.LogAccessDenied(ctx, recordID, requester, res.LedgerErr != nil)
}

// RetrieveRecord 授權、取回密文並解密
// 內容位置來自帳本紀錄的內容雜湊
func (s *Service) RetrieveRecord(ctx context.Context, recordID uint64, requester string) ([]byte, error) {
	release, err := s.RetrieveKey(ctx, recordID, requester)
	if err != nil {
		return nil, err
	}
	defer zero(release.Key)

	rec, err := s.ledger.GetRecord(ctx, recordID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	if rec.ContentHash == "" {
		return nil, fmt.Errorf("record %d has no content: %w", recordID, blobstore.ErrNotFound)
	}

	data, err := s.blobs.Fetch(ctx, rec.ContentHash)
	if err != nil {
		return nil, err
	}

	cipher, err := encryption.NewBlobCipher(release.Scheme)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", encryption.ErrDecryptFailure, err)
	}
	return cipher.DecryptBytes(data, release.Key)
}

// Overwrite 管理員取代既有 handle 的密鑰
func (s *Service) Overwrite(ctx context.Context, handle custody.Handle, key []byte, scheme encryption.Scheme) error {
	if _, err := encryption.ParseScheme(string(scheme)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if scheme == "" {
		scheme = encryption.SchemeCBC
	}

	if err := s.custody.Overwrite(ctx, custody.KeyRecord{
		Handle:   handle,
		Material: key,
		Scheme:   scheme,
	}); err != nil {
		return err
	}

	logger.Warning(ctx, "密鑰已被覆寫",
		logger.WithAction("overwrite"),
		logger.WithHandle(handle.String()))
	s.audit.LogOverwrite(ctx, handle.String(), string(scheme))
	return nil
}

// Purge 刪除密鑰；刪除後對應的密文永久無法解密
func (s *Service) Purge(ctx context.Context, handle custody.Handle, reason string) error {
	if err := s.custody.Delete(ctx, handle); err != nil {
		return err
	}

	logger.Warning(ctx, "密鑰已刪除",
		logger.WithAction("purge"),
		logger.WithHandle(handle.String()),
		logger.WithDetails(map[string]interface{}{"reason": reason}))
	s.audit.LogPurge(ctx, handle.String(), reason)
	return nil
}

// Inventory 列出託管中的密鑰資訊，不含密鑰值
func (s *Service) Inventory(ctx context.Context, filter custody.ListFilter) ([]custody.KeyInfo, error) {
	return s.custody.List(ctx, filter)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
