package server

import (
	"encoding/hex"
	"errors"
	"net/http"

	"custody-gateway/internal/gateway"
	"custody-gateway/internal/httputil"
	"custody-gateway/internal/platform/middleware"
	"custody-gateway/internal/security/custody"

	"github.com/gin-gonic/gin"
)

// 舊版前端使用的端點，回應欄位保持原樣

// POST /upload → {success, ipfsHash}
func (a *API) legacyUpload(c *gin.Context) {
	data, ok := a.readUpload(c)
	if !ok {
		return
	}

	contentHash, err := a.svc.Upload(c.Request.Context(), data)
	if err != nil {
		httputil.RespondError(c, err)
		return
	}

	httputil.OK(c, http.StatusOK, gin.H{"ipfsHash": contentHash})
}

type legacyAssociateRequest struct {
	IPFSHash string        `json:"ipfsHash"`
	RecordID recordIDParam `json:"recordId"`
}

// POST /associate-key {ipfsHash, recordId}
func (a *API) legacyAssociate(c *gin.Context) {
	var req legacyAssociateRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RecordID == 0 {
		httputil.BadRequest(c, httputil.InvalidParameter)
		return
	}
	if err := middleware.ValidateContentHash(req.IPFSHash); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}

	err := a.svc.Associate(c.Request.Context(), req.IPFSHash, uint64(req.RecordID))
	switch {
	case err == nil:
		httputil.OK(c, http.StatusOK, gin.H{"message": httputil.KeyAssociated})
	case errors.Is(err, custody.ErrNotFound):
		httputil.NotFoundError(c, "Key not found for this IPFS hash")
	default:
		httputil.RespondError(c, err)
	}
}

// GET /get-key/:recordId/:account → {success, key}
func (a *API) legacyGetKey(c *gin.Context) {
	id, requester, ok := parseKeyRequest(c, c.Param("recordId"), c.Param("account"))
	if !ok {
		return
	}

	release, err := a.svc.RetrieveKey(c.Request.Context(), id, requester)
	switch {
	case err == nil:
		httputil.OK(c, http.StatusOK, gin.H{"key": hex.EncodeToString(release.Key)})
	case errors.Is(err, gateway.ErrForbidden):
		httputil.Forbidden(c, httputil.ForbiddenMessage)
	case errors.Is(err, custody.ErrNotFound):
		httputil.NotFoundError(c, httputil.KeyNotFound)
	default:
		httputil.RespondError(c, err)
	}
}
