package server

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"custody-gateway/internal/httputil"
	"custody-gateway/internal/platform/middleware"
	"custody-gateway/internal/security/custody"
	"custody-gateway/internal/security/encryption"

	"github.com/gin-gonic/gin"
)

// recordIDParam 接受 JSON 數字或字串形式的紀錄編號
type recordIDParam uint64

func (r *recordIDParam) UnmarshalJSON(b []byte) error {
	id, err := middleware.ValidateRecordID(strings.Trim(string(b), `"`))
	if err != nil {
		return err
	}
	*r = recordIDParam(id)
	return nil
}

// readUpload 讀取 multipart 的 file 欄位，超過上限時直接回應
func (a *API) readUpload(c *gin.Context) ([]byte, bool) {
	fh, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.PayloadTooLarge(c, httputil.FileTooLarge)
			return nil, false
		}
		httputil.ValidationError(c, "file", "缺少上傳檔案")
		return nil, false
	}
	if fh.Size > a.maxUploadBytes {
		httputil.PayloadTooLarge(c, httputil.FileTooLarge)
		return nil, false
	}

	f, err := fh.Open()
	if err != nil {
		httputil.InternalServerError(c, err)
		return nil, false
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, a.maxUploadBytes+1))
	if err != nil {
		httputil.InternalServerError(c, err)
		return nil, false
	}
	if int64(len(data)) > a.maxUploadBytes {
		httputil.PayloadTooLarge(c, httputil.FileTooLarge)
		return nil, false
	}
	if len(data) == 0 {
		httputil.ValidationError(c, "file", "上傳檔案不能為空")
		return nil, false
	}
	return data, true
}

// 上傳並加密
func (a *API) upload(c *gin.Context) {
	data, ok := a.readUpload(c)
	if !ok {
		return
	}

	contentHash, err := a.svc.Upload(c.Request.Context(), data)
	if err != nil {
		httputil.RespondError(c, err)
		return
	}

	httputil.OK(c, http.StatusCreated, gin.H{
		"message":      httputil.FileUploaded,
		"content_hash": contentHash,
	})
}

type associateRequest struct {
	ContentHash string        `json:"content_hash"`
	RecordID    recordIDParam `json:"record_id"`
}

// 關聯內容雜湊與紀錄編號
func (a *API) associate(c *gin.Context) {
	var req associateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequest(c, "無效的請求格式")
		return
	}
	if err := middleware.ValidateContentHash(req.ContentHash); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}
	if req.RecordID == 0 {
		httputil.ValidationError(c, "record_id", "紀錄編號不能為空")
		return
	}

	if err := a.svc.Associate(c.Request.Context(), req.ContentHash, uint64(req.RecordID)); err != nil {
		httputil.RespondError(c, err)
		return
	}

	httputil.OK(c, http.StatusOK, gin.H{
		"message":   httputil.KeyAssociated,
		"record_id": uint64(req.RecordID),
	})
}

// parseKeyRequest 解析紀錄編號與請求者
func parseKeyRequest(c *gin.Context, rawID, requester string) (uint64, string, bool) {
	id, err := middleware.ValidateRecordID(rawID)
	if err != nil {
		httputil.BadRequest(c, err.Error())
		return 0, "", false
	}
	if err := middleware.ValidateIdentity(requester); err != nil {
		httputil.BadRequest(c, err.Error())
		return 0, "", false
	}
	return id, requester, true
}

// 取得紀錄密鑰
func (a *API) retrieveKey(c *gin.Context) {
	id, requester, ok := parseKeyRequest(c, c.Param("record_id"), c.Query("requester"))
	if !ok {
		return
	}

	release, err := a.svc.RetrieveKey(c.Request.Context(), id, requester)
	if err != nil {
		httputil.RespondError(c, err)
		return
	}

	httputil.OK(c, http.StatusOK, gin.H{
		"record_id": id,
		"key":       hex.EncodeToString(release.Key),
		"scheme":    string(release.Scheme),
	})
}

// 取得並解密紀錄內容
func (a *API) retrieveRecord(c *gin.Context) {
	id, requester, ok := parseKeyRequest(c, c.Param("record_id"), c.Query("requester"))
	if !ok {
		return
	}

	content, err := a.svc.RetrieveRecord(c.Request.Context(), id, requester)
	if err != nil {
		httputil.RespondError(c, err)
		return
	}

	c.Header(middleware.RequestIDHeader, middleware.GetRequestID(c))
	c.Data(http.StatusOK, "application/octet-stream", content)
}

// 列出託管密鑰（不含密鑰值）
func (a *API) listKeys(c *gin.Context) {
	var filter custody.ListFilter

	switch phase := custody.Phase(c.Query("phase")); phase {
	case "":
	case custody.PhaseInterim, custody.PhaseAssociated:
		filter.Phase = phase
	default:
		httputil.ValidationError(c, "phase", "必須是 interim 或 associated")
		return
	}

	if raw := c.Query("created_before"); raw != "" {
		before, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httputil.ValidationError(c, "created_before", "必須是 RFC3339 時間")
			return
		}
		filter.CreatedBefore = before
	}

	keys, err := a.svc.Inventory(c.Request.Context(), filter)
	if err != nil {
		httputil.RespondError(c, err)
		return
	}
	if keys == nil {
		keys = []custody.KeyInfo{}
	}

	httputil.SuccessWithCount(c, http.StatusOK, "keys", keys, len(keys))
}

type overwriteRequest struct {
	Handle string `json:"handle"`
	Key    string `json:"key"` // hex
	Scheme string `json:"scheme"`
}

// 覆寫既有密鑰
func (a *API) overwriteKey(c *gin.Context) {
	var req overwriteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequest(c, "無效的請求格式")
		return
	}

	handle, err := custody.ParseHandle(req.Handle)
	if err != nil {
		httputil.RespondError(c, err)
		return
	}

	key, err := hex.DecodeString(req.Key)
	if err != nil || len(key) != encryption.KeySize {
		httputil.ValidationError(c, "key", fmt.Sprintf("必須是 %d bytes 的十六進位字串", encryption.KeySize))
		return
	}
	defer func() {
		for i := range key {
			key[i] = 0
		}
	}()

	if err := a.svc.Overwrite(c.Request.Context(), handle, key, encryption.Scheme(req.Scheme)); err != nil {
		httputil.RespondError(c, err)
		return
	}

	httputil.OK(c, http.StatusOK, gin.H{
		"message": httputil.KeyOverwritten,
		"handle":  handle,
	})
}

// 刪除密鑰
func (a *API) purgeKey(c *gin.Context) {
	handle, err := custody.ParseHandle(c.Query("handle"))
	if err != nil {
		httputil.RespondError(c, err)
		return
	}

	if err := a.svc.Purge(c.Request.Context(), handle, "admin"); err != nil {
		httputil.RespondError(c, err)
		return
	}

	httputil.OK(c, http.StatusOK, gin.H{
		"message": httputil.KeyPurged,
		"handle":  handle,
	})
}

// 手動執行一次孤兒密鑰對帳
func (a *API) reconcile(c *gin.Context) {
	if a.reconciler == nil {
		httputil.SafeError(c, http.StatusServiceUnavailable, errors.New("reconciler not configured"), "對帳功能未啟用")
		return
	}

	report, err := a.reconciler.RunOnce(c.Request.Context())
	if err != nil {
		httputil.RespondError(c, err)
		return
	}

	httputil.OK(c, http.StatusOK, gin.H{"report": report})
}
